// Package transfer moves large binary payloads to and from an R host as
// blobs, in bounded chunks, outside the evaluation channel.
package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/microsoft/RTVS-sub005/internal/log"
	"github.com/microsoft/RTVS-sub005/internal/rhost"
	"github.com/microsoft/RTVS-sub005/internal/rhost/protocol"
	"github.com/microsoft/RTVS-sub005/internal/tracing"
)

// DefaultChunkSize is the largest payload sent in one blob request.
const DefaultChunkSize = 1 << 20

const cleanupTimeout = 5 * time.Second

// ErrClosed is returned after Close.
var ErrClosed = errors.New("transfer session closed")

// BlobStore is the host-side blob API. *session.Session implements it.
type BlobStore interface {
	CreateBlob(ctx context.Context) (uint64, error)
	WriteBlob(ctx context.Context, id uint64, offset int64, data []byte) (int64, error)
	ReadBlob(ctx context.Context, id uint64, offset int64, count int) ([]byte, error)
	BlobSize(ctx context.Context, id uint64) (int64, error)
	DestroyBlobs(ctx context.Context, ids ...uint64) error
}

// Blob identifies a blob on the host.
type Blob struct {
	ID   uint64
	Size int64
}

// Progress is called after every chunk with the bytes moved so far and the
// total, or -1 when the total is unknown.
type Progress func(done, total int64)

// Option configures a Session.
type Option func(*Session)

// WithChunkSize overrides DefaultChunkSize. Sizes above
// protocol.MaxBlobChunk are clamped so every chunk fits in one frame.
func WithChunkSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.chunkSize = min(n, protocol.MaxBlobChunk)
		}
	}
}

// WithTracer sets the tracer for transfer spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Session) { s.tracer = t }
}

// Session transfers blobs through one BlobStore and remembers the
// temporary blobs it created so Close can free them.
type Session struct {
	store     BlobStore
	chunkSize int
	tracer    trace.Tracer

	mu        sync.Mutex
	temporary []uint64
	closed    bool
}

// New creates a transfer session over store.
func New(store BlobStore, opts ...Option) *Session {
	s := &Session{store: store, chunkSize: DefaultChunkSize}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ChunkSize returns the configured chunk size.
func (s *Session) ChunkSize() int { return s.chunkSize }

// SendBytes uploads data as a new blob. A temporary blob is destroyed by
// Close. A failed or cancelled upload never returns a blob.
func (s *Session) SendBytes(ctx context.Context, data []byte, temporary bool, progress Progress) (Blob, error) {
	return s.send(ctx, bytes.NewReader(data), int64(len(data)), temporary, progress)
}

// SendFile uploads the contents of path as a new blob.
func (s *Session) SendFile(ctx context.Context, path string, temporary bool, progress Progress) (Blob, error) {
	f, err := os.Open(path)
	if err != nil {
		return Blob{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Blob{}, err
	}
	return s.send(ctx, f, info.Size(), temporary, progress)
}

// SendReader uploads everything read from r as a new blob.
func (s *Session) SendReader(ctx context.Context, r io.Reader, temporary bool, progress Progress) (Blob, error) {
	return s.send(ctx, r, -1, temporary, progress)
}

func (s *Session) send(ctx context.Context, r io.Reader, total int64, temporary bool, progress Progress) (blob Blob, err error) {
	if err := s.checkOpen(); err != nil {
		return Blob{}, err
	}
	if err := ctx.Err(); err != nil {
		return Blob{}, err
	}

	ctx, span := tracing.Start(ctx, s.tracer, tracing.SpanSendBlob,
		attribute.Int64(tracing.AttrBlobBytes, total),
		attribute.Bool("temporary", temporary))
	defer func() { tracing.End(span, err) }()

	id, err := s.store.CreateBlob(ctx)
	if err != nil {
		return Blob{}, err
	}
	span.SetAttributes(attribute.Int64(tracing.AttrBlobID, int64(id)))

	buf := make([]byte, s.chunkSize)
	var offset int64
	for {
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			if _, err := s.store.WriteBlob(ctx, id, offset, buf[:n]); err != nil {
				s.discard(id, err)
				return Blob{}, err
			}
			offset += int64(n)
			if progress != nil {
				progress(offset, total)
			}
		}
		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			break
		}
		if readErr != nil {
			s.discard(id, readErr)
			return Blob{}, fmt.Errorf("reading blob source: %w", readErr)
		}
		if err := ctx.Err(); err != nil {
			s.discard(id, err)
			return Blob{}, err
		}
	}

	if temporary {
		s.mu.Lock()
		s.temporary = append(s.temporary, id)
		s.mu.Unlock()
	}
	log.Debug(log.CatBlob, "Blob sent", "id", id, "bytes", offset, "temporary", temporary)
	return Blob{ID: id, Size: offset}, nil
}

// discard frees a partially written blob. Nothing can be freed once the
// host is gone.
func (s *Session) discard(id uint64, cause error) {
	if rhost.IsDisconnected(cause) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := s.store.DestroyBlobs(ctx, id); err != nil {
		log.Debug(log.CatBlob, "Partial blob not destroyed", "id", id, "error", err)
	}
}

// OpenBlob returns a reader over an existing blob. It fails with
// rhost.ErrBlobNotFound when the blob does not exist.
func (s *Session) OpenBlob(ctx context.Context, id uint64) (*BlobReader, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	size, err := s.store.BlobSize(ctx, id)
	if err != nil {
		return nil, err
	}
	return &BlobReader{ctx: ctx, store: s.store, id: id, size: size, chunkSize: s.chunkSize}, nil
}

// FetchBytes downloads a whole blob.
func (s *Session) FetchBytes(ctx context.Context, id uint64) (data []byte, err error) {
	ctx, span := tracing.Start(ctx, s.tracer, tracing.SpanFetchBlob,
		attribute.Int64(tracing.AttrBlobID, int64(id)))
	defer func() { tracing.End(span, err) }()

	r, err := s.OpenBlob(ctx, id)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(int(r.Size()))
	if _, err := r.CopyTo(ctx, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FetchFile downloads a blob into path. The file is removed if the
// download fails.
func (s *Session) FetchFile(ctx context.Context, id uint64, path string) (n int64, err error) {
	ctx, span := tracing.Start(ctx, s.tracer, tracing.SpanFetchBlob,
		attribute.Int64(tracing.AttrBlobID, int64(id)))
	defer func() { tracing.End(span, err) }()

	r, err := s.OpenBlob(ctx, id)
	if err != nil {
		return 0, err
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	n, err = r.CopyTo(ctx, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return 0, err
	}
	return n, nil
}

// DestroyBlobs frees blobs on the host.
func (s *Session) DestroyBlobs(ctx context.Context, ids ...uint64) error {
	if err := s.store.DestroyBlobs(ctx, ids...); err != nil {
		return err
	}
	s.mu.Lock()
	s.temporary = slices.DeleteFunc(s.temporary, func(id uint64) bool { return slices.Contains(ids, id) })
	s.mu.Unlock()
	return nil
}

// Temporary returns the ids of temporary blobs not yet destroyed.
func (s *Session) Temporary() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.temporary)
}

// Close destroys the temporary blobs created by this session. Later sends
// fail with ErrClosed.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ids := s.temporary
	s.temporary = nil
	s.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}
	if err := s.store.DestroyBlobs(ctx, ids...); err != nil {
		if rhost.IsDisconnected(err) {
			// The host freed them when it went away.
			return nil
		}
		return fmt.Errorf("destroying %d temporary blobs: %w", len(ids), err)
	}
	log.Debug(log.CatBlob, "Temporary blobs destroyed", "count", len(ids))
	return nil
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}
