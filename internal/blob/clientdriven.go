package blob

import (
	"context"

	"github.com/DataDog/zstd"
	"github.com/google/uuid"

	"github.com/tessera-db/coredb/internal/errs"
	"github.com/tessera-db/coredb/internal/metrics"
)

// ClientDrivenUploader drives an upload where the caller (not the
// engine) controls pacing: it starts an upload, hands back parts one at
// a time from wherever its bytes are coming from, then finishes. The
// engine never has to buffer the whole object in memory for this path.
type ClientDrivenUploader struct {
	store Store
}

func NewClientDrivenUploader(store Store) *ClientDrivenUploader {
	return &ClientDrivenUploader{store: store}
}

// Start allocates a fresh object key and opens a multipart upload
// against it, returning an opaque token that round-trips the two
// through later calls.
func (u *ClientDrivenUploader) Start(ctx context.Context) (UploadToken, error) {
	key := ObjectKey(uuid.New().String())
	uploadId, err := u.store.CreateMultipartUpload(ctx, key)
	if err != nil {
		return "", err
	}
	return encodeUploadToken(key, uploadId)
}

// UploadPart compresses data and forwards it as one part of the
// multipart upload token describes, returning a token the caller must
// present (in order) to Finish.
func (u *ClientDrivenUploader) UploadPart(ctx context.Context, token UploadToken, partNumber PartNumber, data []byte) (PartToken, error) {
	if partNumber == 0 {
		return "", &errs.InvalidArgument{Message: "part numbers are 1-based"}
	}
	key, uploadId, err := decodeUploadToken(token)
	if err != nil {
		return "", err
	}
	metrics.BlobPartUploadSizeBytes.Observe(float64(len(data)))
	compressed, err := zstd.Compress(nil, data)
	if err != nil {
		return "", errs.Wrap(err, "compress upload part")
	}
	part, err := u.store.UploadPart(ctx, key, uploadId, partNumber, compressed)
	if err != nil {
		return "", err
	}
	part.Size = int64(len(data)) // record the logical (uncompressed) size
	return encodePartToken(part)
}

// Finish completes the multipart upload with the parts accumulated via
// UploadPart, in the order they're given. Most object stores reject a
// multipart upload with zero parts, so Finish uploads one empty part
// first rather than failing the caller for an empty object.
func (u *ClientDrivenUploader) Finish(ctx context.Context, token UploadToken, partTokens []PartToken) (ObjectKey, error) {
	key, uploadId, err := decodeUploadToken(token)
	if err != nil {
		return "", err
	}
	if len(partTokens) == 0 {
		empty, err := u.UploadPart(ctx, token, 1, nil)
		if err != nil {
			return "", err
		}
		partTokens = []PartToken{empty}
	}

	parts := make([]Part, 0, len(partTokens))
	for _, pt := range partTokens {
		part, err := decodePartToken(pt)
		if err != nil {
			return "", err
		}
		parts = append(parts, part)
	}

	if err := u.store.CompleteMultipartUpload(ctx, key, uploadId, parts); err != nil {
		return "", err
	}
	return key, nil
}

// Abort releases whatever parts were already uploaded to token's
// upload. It is safe to call after a partial Finish attempt, matching
// the idempotent abort semantics of the underlying object stores this
// adapts.
func (u *ClientDrivenUploader) Abort(ctx context.Context, token UploadToken) error {
	key, uploadId, err := decodeUploadToken(token)
	if err != nil {
		return err
	}
	return u.store.AbortMultipartUpload(ctx, key, uploadId)
}
