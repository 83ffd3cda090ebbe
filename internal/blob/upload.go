package blob

import (
	"context"

	"github.com/DataDog/zstd"
	"github.com/google/uuid"

	"github.com/tessera-db/coredb/internal/errs"
	"github.com/tessera-db/coredb/internal/metrics"
)

// MinPartSize is the part-size floor: the first part flushed is never
// smaller than this, matching the minimum multipart part size most
// object stores enforce.
const MinPartSize = 5 * (1 << 20) // 5 MiB

// MaxPartSizeCeiling is the largest part size BufferedUpload will ever
// double up to, matching the multipart part-size ceiling most object
// stores enforce.
const MaxPartSizeCeiling = 5 * (1 << 30) // 5 GiB

// BufferedUpload is an engine-driven upload: the caller streams bytes
// in via Write in whatever chunk sizes it has them, and BufferedUpload
// buffers until it has a full part, starting at MinPartSize and
// doubling each time (capped at maxPartSize) so a small object finishes
// in one round trip while a large one doesn't balloon into millions of
// tiny parts.
type BufferedUpload struct {
	store Store
	key   ObjectKey

	uploadId     UploadId
	maxPartSize  int
	nextPartSize int

	buf            []byte
	parts          []Part
	nextPartNumber PartNumber

	completed bool
	aborted   bool
}

// NewBufferedUpload opens a multipart upload against a freshly
// allocated object key. maxPartSize caps how large the doubling part
// size is allowed to grow; callers typically pass MaxPartSizeCeiling
// unless a smaller override applies.
func NewBufferedUpload(ctx context.Context, store Store, maxPartSize int) (*BufferedUpload, error) {
	key := ObjectKey(uuid.New().String())
	uploadId, err := store.CreateMultipartUpload(ctx, key)
	if err != nil {
		return nil, err
	}
	if maxPartSize < MinPartSize {
		maxPartSize = MinPartSize
	}
	return &BufferedUpload{
		store:          store,
		key:            key,
		uploadId:       uploadId,
		maxPartSize:    maxPartSize,
		nextPartSize:   MinPartSize,
		nextPartNumber: 1,
	}, nil
}

// Write appends data to the buffer, flushing as many full-size parts
// as the buffer now holds.
func (u *BufferedUpload) Write(ctx context.Context, data []byte) error {
	if u.completed || u.aborted {
		return &errs.InvalidArgument{Message: "upload is already completed or aborted"}
	}
	u.buf = append(u.buf, data...)
	for len(u.buf) >= u.nextPartSize {
		part := u.buf[:u.nextPartSize]
		if err := u.flushPart(ctx, part); err != nil {
			return err
		}
		rest := make([]byte, len(u.buf)-u.nextPartSize)
		copy(rest, u.buf[u.nextPartSize:])
		u.buf = rest
		if u.nextPartSize < u.maxPartSize {
			u.nextPartSize = min(u.nextPartSize*2, u.maxPartSize)
		}
	}
	return nil
}

func (u *BufferedUpload) flushPart(ctx context.Context, data []byte) error {
	metrics.BlobPartUploadSizeBytes.Observe(float64(len(data)))
	compressed, err := zstd.Compress(nil, data)
	if err != nil {
		return errs.Wrap(err, "compress upload part")
	}
	part, err := u.store.UploadPart(ctx, u.key, u.uploadId, u.nextPartNumber, compressed)
	if err != nil {
		return err
	}
	part.Size = int64(len(data))
	u.parts = append(u.parts, part)
	u.nextPartNumber++
	return nil
}

// Complete flushes whatever is left in the buffer (even an empty
// final part, so a zero-byte object still produces the one part most
// object stores require) and finalizes the multipart upload.
func (u *BufferedUpload) Complete(ctx context.Context) (ObjectKey, error) {
	if u.completed || u.aborted {
		return "", &errs.InvalidArgument{Message: "upload is already completed or aborted"}
	}
	if len(u.buf) > 0 || len(u.parts) == 0 {
		if err := u.flushPart(ctx, u.buf); err != nil {
			return "", err
		}
		u.buf = nil
	}
	if err := u.store.CompleteMultipartUpload(ctx, u.key, u.uploadId, u.parts); err != nil {
		return "", err
	}
	u.completed = true
	return u.key, nil
}

// Abort releases whatever parts were already uploaded. Safe to call
// even if no Write ever happened; a no-op once Complete has succeeded.
func (u *BufferedUpload) Abort(ctx context.Context) error {
	if u.completed {
		return nil
	}
	u.aborted = true
	return u.store.AbortMultipartUpload(ctx, u.key, u.uploadId)
}
