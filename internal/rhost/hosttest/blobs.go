package hosttest

import (
	"fmt"

	"github.com/microsoft/RTVS-sub005/internal/rhost/protocol"
)

func isBlobMessage(name string) bool {
	switch name {
	case protocol.MsgCreateBlob, protocol.MsgWriteBlob, protocol.MsgReadBlob,
		protocol.MsgGetBlobSize, protocol.MsgDestroyBlobs:
		return true
	}
	return false
}

func (h *Host) handleBlob(msg *protocol.Message) {
	reply, blob, err := h.blobOp(msg)
	if err != nil {
		h.send(err)
		return
	}
	resp, _ := protocol.NewResponse(msg, reply, blob)
	h.send(resp)
}

func (h *Host) blobOp(msg *protocol.Message) (any, []byte, *protocol.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	notFound := func(id uint64) *protocol.Message {
		return protocol.NewErrorResponse(msg, protocol.ErrCodeBlobNotFound, fmt.Sprintf("blob %d not found", id))
	}

	switch msg.Name {
	case protocol.MsgCreateBlob:
		h.blobSeq++
		h.blobs[h.blobSeq] = nil
		return protocol.BlobArgs{BlobID: h.blobSeq}, nil, nil

	case protocol.MsgWriteBlob:
		var args protocol.WriteBlobArgs
		_ = msg.DecodeArgs(&args)
		data, found := h.blobs[args.BlobID]
		if !found {
			return nil, nil, notFound(args.BlobID)
		}
		if args.Offset < 0 || args.Offset > int64(len(data)) {
			return nil, nil, protocol.NewErrorResponse(msg, protocol.ErrCodeInvalidArgs, "offset out of range")
		}
		end := args.Offset + int64(len(msg.Blob))
		if end > int64(len(data)) {
			grown := make([]byte, end)
			copy(grown, data)
			data = grown
		}
		copy(data[args.Offset:], msg.Blob)
		h.blobs[args.BlobID] = data
		return protocol.BlobSizeReply{Size: int64(len(data))}, nil, nil

	case protocol.MsgReadBlob:
		var args protocol.ReadBlobArgs
		_ = msg.DecodeArgs(&args)
		data, found := h.blobs[args.BlobID]
		if !found {
			return nil, nil, notFound(args.BlobID)
		}
		if args.Offset >= int64(len(data)) {
			return nil, nil, nil
		}
		end := args.Offset + int64(args.Count)
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		return nil, append([]byte(nil), data[args.Offset:end]...), nil

	case protocol.MsgGetBlobSize:
		var args protocol.BlobArgs
		_ = msg.DecodeArgs(&args)
		data, found := h.blobs[args.BlobID]
		if !found {
			return nil, nil, notFound(args.BlobID)
		}
		return protocol.BlobSizeReply{Size: int64(len(data))}, nil, nil

	default: // DestroyBlobs
		var args protocol.DestroyBlobsArgs
		_ = msg.DecodeArgs(&args)
		for _, id := range args.BlobIDs {
			delete(h.blobs, id)
		}
		return nil, nil, nil
	}
}
