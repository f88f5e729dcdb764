package service

import (
	"fmt"
	"slices"
	"strings"

	"github.com/alanyoungcy/multistreambook/internal/domain"
)

// Registry indexes the book services by symbol for the read side. It is
// immutable after construction.
type Registry struct {
	services map[string]*BookService
}

// NewRegistry creates a registry over services.
func NewRegistry(services ...*BookService) *Registry {
	r := &Registry{services: make(map[string]*BookService, len(services))}
	for _, s := range services {
		r.services[s.Symbol()] = s
	}
	return r
}

// Symbols returns the registered symbols in sorted order.
func (r *Registry) Symbols() []string {
	out := make([]string, 0, len(r.services))
	for s := range r.services {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// Snapshot returns up to n levels per side of symbol's book.
func (r *Registry) Snapshot(symbol string, n int) (domain.OrderbookSnapshot, error) {
	s, err := r.get(symbol)
	if err != nil {
		return domain.OrderbookSnapshot{}, err
	}
	return s.View(n), nil
}

// BBO returns the best bid and ask of symbol's book.
func (r *Registry) BBO(symbol string) (domain.BBO, error) {
	s, err := r.get(symbol)
	if err != nil {
		return domain.BBO{}, err
	}
	bbo, ok := s.View(1).BBO()
	if !ok {
		return domain.BBO{}, fmt.Errorf("service: bbo %s: %w", symbol, domain.ErrBookNotReady)
	}
	return bbo, nil
}

// Stats returns the reconstruction summary of symbol.
func (r *Registry) Stats(symbol string) (BookStats, error) {
	s, err := r.get(symbol)
	if err != nil {
		return BookStats{}, err
	}
	return s.Stats(), nil
}

func (r *Registry) get(symbol string) (*BookService, error) {
	s, ok := r.services[strings.ToUpper(symbol)]
	if !ok {
		return nil, fmt.Errorf("service: book %q: %w", symbol, domain.ErrNotFound)
	}
	return s, nil
}
