package s3blob

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/multistreambook/internal/domain"
)

const archiveContentType = "application/gzip"

// ArchiverOptions tunes the Archiver.
type ArchiverOptions struct {
	// Prefix is the key prefix of every archive object, e.g. "events".
	Prefix string
	// MaxBuffered caps the records held between flushes. When exceeded the
	// oldest batches are dropped whole. Zero means unbounded.
	MaxBuffered int
	// OnError is called with the error of every failed periodic flush.
	OnError func(error)
}

// Archiver implements domain.EventArchiver. It buffers level event records
// per symbol and uploads them as gzipped JSON lines to
// <prefix>/<symbol>/<yyyy>/<mm>/<dd>/<uuid>.jsonl.gz, dated by the exchange
// time of the first record in the object.
type Archiver struct {
	writer domain.BlobWriter
	opts   ArchiverOptions
	logger *slog.Logger

	mu       sync.Mutex
	buf      map[string][]domain.EventRecord
	buffered int
	dropped  int
}

// NewArchiver creates an Archiver uploading through writer.
func NewArchiver(writer domain.BlobWriter, opts ArchiverOptions, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer: writer,
		opts:   opts,
		logger: logger.With(slog.String("component", "archiver")),
		buf:    make(map[string][]domain.EventRecord),
	}
}

// Append buffers records. It never blocks on storage.
func (a *Archiver) Append(records []domain.EventRecord) {
	if len(records) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range records {
		a.buf[r.Symbol] = append(a.buf[r.Symbol], r)
	}
	a.buffered += len(records)
	a.trimLocked()
}

// trimLocked drops the oldest batch of the largest buffer until the total
// fits MaxBuffered. A symbol's buffer holds whole batches in append order, so
// an archive never starts in the middle of a batch.
func (a *Archiver) trimLocked() {
	limit := a.opts.MaxBuffered
	for limit > 0 && a.buffered > limit {
		var largest string
		for sym, recs := range a.buf {
			if len(recs) > len(a.buf[largest]) {
				largest = sym
			}
		}
		recs := a.buf[largest]
		n := 1
		for n < len(recs) && recs[n].BatchID == recs[0].BatchID {
			n++
		}
		a.buf[largest] = recs[n:]
		a.buffered -= n
		a.dropped += n
	}
}

// Flush uploads one object per buffered symbol and returns the written
// keys. Records of a failed upload are put back for the next flush.
func (a *Archiver) Flush(ctx context.Context) ([]string, error) {
	a.mu.Lock()
	pending := a.buf
	dropped := a.dropped
	a.buf = make(map[string][]domain.EventRecord)
	a.buffered = 0
	a.dropped = 0
	a.mu.Unlock()

	if dropped > 0 {
		a.logger.Warn("archive buffer overflowed", slog.Int("dropped", dropped))
	}

	symbols := make([]string, 0, len(pending))
	for sym, recs := range pending {
		if len(recs) > 0 {
			symbols = append(symbols, sym)
		}
	}
	slices.Sort(symbols)

	var (
		keys []string
		errs []error
	)
	for _, sym := range symbols {
		recs := pending[sym]
		key, err := a.upload(ctx, sym, recs)
		if err != nil {
			errs = append(errs, err)
			a.requeue(sym, recs)
			continue
		}
		a.logger.Info("archived level events",
			slog.String("symbol", sym),
			slog.String("key", key),
			slog.Int("records", len(recs)),
		)
		keys = append(keys, key)
	}
	return keys, errors.Join(errs...)
}

func (a *Archiver) upload(ctx context.Context, symbol string, records []domain.EventRecord) (string, error) {
	var buf bytes.Buffer
	if err := EncodeArchive(&buf, records); err != nil {
		return "", fmt.Errorf("s3blob: encode archive %s: %w", symbol, err)
	}
	first, last := records[0], records[len(records)-1]
	obj := domain.ArchiveObject{
		Key:         ArchiveKey(a.opts.Prefix, symbol, first.ExchangeTime, uuid.NewString()),
		Body:        buf.Bytes(),
		ContentType: archiveContentType,
		Symbol:      symbol,
		Records:     len(records),
		From:        first.ExchangeTime,
		To:          last.ExchangeTime,
	}
	if err := a.writer.PutArchive(ctx, obj); err != nil {
		return "", fmt.Errorf("s3blob: upload archive %s: %w", symbol, err)
	}
	return obj.Key, nil
}

// requeue puts records back in front of anything appended since the flush.
func (a *Archiver) requeue(symbol string, records []domain.EventRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buf[symbol] = append(records, a.buf[symbol]...)
	a.buffered += len(records)
	a.trimLocked()
}

// Run flushes every interval until ctx is cancelled, then flushes once more
// with a fresh deadline of up to the same interval.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), interval)
			defer cancel()
			if _, err := a.Flush(final); err != nil {
				a.logger.Error("final archive flush failed", slog.String("error", err.Error()))
			}
			return nil
		case <-ticker.C:
			if _, err := a.Flush(ctx); err != nil {
				a.logger.Error("archive flush failed", slog.String("error", err.Error()))
				if a.opts.OnError != nil {
					a.opts.OnError(err)
				}
			}
		}
	}
}

// ArchiveKey builds the object key of an archive.
//
//	events/BTCUSDT/2025/01/31/<id>.jsonl.gz
func ArchiveKey(prefix, symbol string, day time.Time, id string) string {
	return path.Join(prefix, symbol, day.UTC().Format("2006/01/02"), id+".jsonl.gz")
}

// EncodeArchive writes records as gzip-compressed JSON lines.
func EncodeArchive(w io.Writer, records []domain.EventRecord) error {
	zw := gzip.NewWriter(w)
	enc := json.NewEncoder(zw)
	enc.SetEscapeHTML(false)
	for i, r := range records {
		if err := enc.Encode(r); err != nil {
			zw.Close()
			return fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return zw.Close()
}

// DecodeArchive reads JSON line records, gzip-compressed or plain. Blank
// lines are skipped.
func DecodeArchive(r io.Reader) ([]domain.EventRecord, error) {
	br := bufio.NewReader(r)
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("s3blob: open gzip: %w", err)
		}
		defer zr.Close()
		return decodeLines(zr)
	}
	return decodeLines(br)
}

func decodeLines(r io.Reader) ([]domain.EventRecord, error) {
	var out []domain.EventRecord
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		var rec domain.EventRecord
		if err := json.Unmarshal(text, &rec); err != nil {
			return nil, fmt.Errorf("s3blob: decode line %d: %w", line, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("s3blob: read archive: %w", err)
	}
	return out, nil
}

// ReadArchive downloads and decodes the archive at key. A key ending in "/"
// is a prefix: every object under it is read in key order.
func ReadArchive(ctx context.Context, reader domain.BlobReader, key string) ([]domain.EventRecord, error) {
	keys := []string{key}
	if strings.HasSuffix(key, "/") {
		infos, err := reader.List(ctx, key)
		if err != nil {
			return nil, err
		}
		keys = keys[:0]
		for _, info := range infos {
			keys = append(keys, info.Key)
		}
		slices.Sort(keys)
	}

	var out []domain.EventRecord
	for _, k := range keys {
		recs, err := readObject(ctx, reader, k)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

func readObject(ctx context.Context, reader domain.BlobReader, key string) ([]domain.EventRecord, error) {
	body, err := reader.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	recs, err := DecodeArchive(body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return recs, nil
}

// Compile-time interface check.
var _ domain.EventArchiver = (*Archiver)(nil)
