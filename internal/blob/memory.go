package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/DataDog/zstd"
	"github.com/google/uuid"

	"github.com/tessera-db/coredb/internal/errs"
)

// MemoryStore is an in-process Store for tests and embeddable
// deployments: completed objects live in a map of decompressed bytes,
// keyed by ObjectKey, with in-progress multipart uploads tracked
// separately until CompleteMultipartUpload.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[ObjectKey][]byte
	uploads map[UploadId]*memoryUpload
}

type memoryUpload struct {
	key   ObjectKey
	parts map[PartNumber][]byte // decompressed, keyed by part number
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[ObjectKey][]byte),
		uploads: make(map[UploadId]*memoryUpload),
	}
}

func (m *MemoryStore) CreateMultipartUpload(ctx context.Context, key ObjectKey) (UploadId, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	uploadId := UploadId(uuid.New().String())
	m.uploads[uploadId] = &memoryUpload{key: key, parts: make(map[PartNumber][]byte)}
	return uploadId, nil
}

func (m *MemoryStore) UploadPart(ctx context.Context, key ObjectKey, uploadId UploadId, partNumber PartNumber, data []byte) (Part, error) {
	decompressed, err := zstd.Decompress(nil, data)
	if err != nil {
		return Part{}, errs.Wrap(err, "decompress upload part")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	upload, ok := m.uploads[uploadId]
	if !ok || upload.key != key {
		return Part{}, &errs.InvalidArgument{Message: "unknown upload id"}
	}
	upload.parts[partNumber] = decompressed

	sum := sha256.Sum256(decompressed)
	return Part{Number: partNumber, ETag: hex.EncodeToString(sum[:]), Size: int64(len(decompressed))}, nil
}

func (m *MemoryStore) CompleteMultipartUpload(ctx context.Context, key ObjectKey, uploadId UploadId, parts []Part) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	upload, ok := m.uploads[uploadId]
	if !ok || upload.key != key {
		return &errs.InvalidArgument{Message: "unknown upload id"}
	}

	sorted := append([]Part(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })

	var full []byte
	for _, p := range sorted {
		data, ok := upload.parts[p.Number]
		if !ok {
			return &errs.InvalidArgument{Message: "completing with a part never uploaded"}
		}
		full = append(full, data...)
	}
	m.objects[key] = full
	delete(m.uploads, uploadId)
	return nil
}

func (m *MemoryStore) AbortMultipartUpload(ctx context.Context, key ObjectKey, uploadId UploadId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.uploads, uploadId)
	return nil
}

func (m *MemoryStore) GetRange(ctx context.Context, key ObjectKey, offset, length int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, &errs.InvalidArgument{Message: "object not found"}
	}
	if offset < 0 || offset > int64(len(data)) {
		return nil, &errs.InvalidArgument{Message: "range out of bounds"}
	}
	end := offset + length
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	out := make([]byte, end-offset)
	copy(out, data[offset:end])
	return out, nil
}

func (m *MemoryStore) Attributes(ctx context.Context, key ObjectKey) (*Attributes, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, false, nil
	}
	return &Attributes{Size: int64(len(data))}, true, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key ObjectKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// SignedURL is a stand-in for tests: MemoryStore has no real network
// presence, so it returns a fake URL carrying the key and expiry for
// assertions rather than a usable link.
func (m *MemoryStore) SignedURL(ctx context.Context, key ObjectKey, expiresIn time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return "", &errs.InvalidArgument{Message: "object not found"}
	}
	return "memory://" + string(key) + "?expires_in=" + expiresIn.String(), nil
}
