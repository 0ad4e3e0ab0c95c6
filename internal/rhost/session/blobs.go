package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/microsoft/RTVS-sub005/internal/rhost"
	"github.com/microsoft/RTVS-sub005/internal/rhost/protocol"
)

// destroyBatchSize caps the ids sent in one destroy request.
const destroyBatchSize = 1000

// CreateBlob allocates an empty blob on the host.
func (s *Session) CreateBlob(ctx context.Context) (uint64, error) {
	var reply protocol.BlobArgs
	if _, err := s.call(ctx, protocol.MsgCreateBlob, nil, nil, &reply); err != nil {
		return 0, err
	}
	return reply.BlobID, nil
}

// WriteBlob writes data at offset and returns the blob's new size.
func (s *Session) WriteBlob(ctx context.Context, id uint64, offset int64, data []byte) (int64, error) {
	var reply protocol.BlobSizeReply
	if _, err := s.call(ctx, protocol.MsgWriteBlob, protocol.WriteBlobArgs{BlobID: id, Offset: offset}, data, &reply); err != nil {
		return 0, err
	}
	s.metrics.BlobTransferred("write", len(data))
	return reply.Size, nil
}

// ReadBlob reads up to count bytes at offset. It returns an empty slice at
// the end of the blob.
func (s *Session) ReadBlob(ctx context.Context, id uint64, offset int64, count int) ([]byte, error) {
	resp, err := s.call(ctx, protocol.MsgReadBlob, protocol.ReadBlobArgs{BlobID: id, Offset: offset, Count: count}, nil, nil)
	if err != nil {
		return nil, err
	}
	s.metrics.BlobTransferred("read", len(resp.Blob))
	return resp.Blob, nil
}

// BlobSize returns the size of a blob.
func (s *Session) BlobSize(ctx context.Context, id uint64) (int64, error) {
	var reply protocol.BlobSizeReply
	if _, err := s.call(ctx, protocol.MsgGetBlobSize, protocol.BlobArgs{BlobID: id}, nil, &reply); err != nil {
		return 0, err
	}
	return reply.Size, nil
}

// DestroyBlobs frees blobs on the host. Unknown ids are ignored.
func (s *Session) DestroyBlobs(ctx context.Context, ids ...uint64) error {
	for len(ids) > 0 {
		batch := ids[:min(len(ids), destroyBatchSize)]
		ids = ids[len(batch):]
		if _, err := s.call(ctx, protocol.MsgDestroyBlobs, protocol.DestroyBlobsArgs{BlobIDs: batch}, nil, nil); err != nil {
			return err
		}
	}
	return nil
}

// call sends a request on the live connection and decodes the reply into
// out when out is non-nil.
func (s *Session) call(ctx context.Context, name string, args any, blob []byte, out any) (*protocol.Message, error) {
	conn, err := s.liveConn()
	if err != nil {
		return nil, err
	}
	resp, err := conn.host.Call(ctx, name, args, blob)
	if err != nil {
		var perr *protocol.Error
		if errors.As(err, &perr) && perr.Code == protocol.ErrCodeBlobNotFound {
			return nil, fmt.Errorf("%w: %s", rhost.ErrBlobNotFound, perr.Message)
		}
		return nil, err
	}
	if out != nil {
		if err := resp.DecodeArgs(out); err != nil {
			return nil, err
		}
	}
	return resp, nil
}
