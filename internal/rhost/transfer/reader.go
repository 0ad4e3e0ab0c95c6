package transfer

import (
	"context"
	"errors"
	"io"
)

var errNegativeOffset = errors.New("blob seek to negative offset")

// BlobReader reads a blob incrementally. Read and Seek use the context the
// reader was opened with; CopyTo takes its own.
//
// A blob destroyed while a reader is open makes later reads fail with
// rhost.ErrBlobNotFound.
type BlobReader struct {
	ctx       context.Context
	store     BlobStore
	id        uint64
	size      int64
	offset    int64
	chunkSize int
}

// ID returns the blob id.
func (r *BlobReader) ID() uint64 { return r.id }

// Size returns the blob size when the reader was opened.
func (r *BlobReader) Size() int64 { return r.size }

func (r *BlobReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	data, err := r.store.ReadBlob(r.ctx, r.id, r.offset, min(len(p), r.chunkSize))
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, data)
	r.offset += int64(n)
	return n, nil
}

func (r *BlobReader) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.offset + offset
	case io.SeekEnd:
		size, err := r.store.BlobSize(r.ctx, r.id)
		if err != nil {
			return 0, err
		}
		r.size = size
		abs = size + offset
	default:
		return 0, errors.New("blob seek: invalid whence")
	}
	if abs < 0 {
		return 0, errNegativeOffset
	}
	r.offset = abs
	return abs, nil
}

// CopyTo writes the rest of the blob to w, one chunk per request.
func (r *BlobReader) CopyTo(ctx context.Context, w io.Writer) (int64, error) {
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		data, err := r.store.ReadBlob(ctx, r.id, r.offset, r.chunkSize)
		if err != nil {
			return written, err
		}
		if len(data) == 0 {
			return written, nil
		}
		n, err := w.Write(data)
		written += int64(n)
		r.offset += int64(n)
		if err != nil {
			return written, err
		}
	}
}

var (
	_ io.ReadSeeker = (*BlobReader)(nil)
)
