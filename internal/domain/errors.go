package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidSide   = errors.New("invalid side")
	ErrNegativeSize  = errors.New("negative size")
	ErrNegativeLevel = errors.New("level size would become negative")
	ErrAbsentLevel   = errors.New("event targets an absent level")
	ErrBookNotReady  = errors.New("book not ready")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrContextDone   = errors.New("context cancelled")
)
