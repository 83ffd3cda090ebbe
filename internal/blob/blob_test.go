package blob_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/tessera-db/coredb/internal/blob"
)

func TestBufferedUploadDoublesPartSizeAndRoundTrips(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()

	upload, err := blob.NewBufferedUpload(ctx, store, blob.MinPartSize*4)
	if err != nil {
		t.Fatalf("NewBufferedUpload: %v", err)
	}

	var want []byte
	// Write enough to force at least two part flushes (min size, then 2x).
	chunk := bytes.Repeat([]byte{0x42}, blob.MinPartSize)
	for i := 0; i < 3; i++ {
		if err := upload.Write(ctx, chunk); err != nil {
			t.Fatalf("Write: %v", err)
		}
		want = append(want, chunk...)
	}

	key, err := upload.Complete(ctx)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got, err := store.GetRange(ctx, key, 0, int64(len(want)))
	if err != nil {
		t.Fatalf("GetRange: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round-tripped object does not match what was written (got %d bytes, want %d)", len(got), len(want))
	}

	attrs, found, err := store.Attributes(ctx, key)
	if err != nil {
		t.Fatalf("Attributes: %v", err)
	}
	if !found || attrs.Size != int64(len(want)) {
		t.Fatalf("expected attributes size %d, got %+v (found=%v)", len(want), attrs, found)
	}
}

func TestBufferedUploadEmptyObjectStillProducesOnePart(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()

	upload, err := blob.NewBufferedUpload(ctx, store, blob.MinPartSize)
	if err != nil {
		t.Fatalf("NewBufferedUpload: %v", err)
	}
	key, err := upload.Complete(ctx)
	if err != nil {
		t.Fatalf("Complete on an empty upload should still succeed: %v", err)
	}

	got, err := store.GetRange(ctx, key, 0, 0)
	if err != nil {
		t.Fatalf("GetRange: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected an empty object, got %d bytes", len(got))
	}
}

func TestBufferedUploadAbortReleasesUpload(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()

	upload, err := blob.NewBufferedUpload(ctx, store, blob.MinPartSize)
	if err != nil {
		t.Fatalf("NewBufferedUpload: %v", err)
	}
	if err := upload.Write(ctx, []byte("partial data")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := upload.Abort(ctx); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if _, err := upload.Complete(ctx); err == nil {
		t.Fatal("expected Complete to fail after Abort")
	}
}

func TestClientDrivenUploadRoundTrips(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	uploader := blob.NewClientDrivenUploader(store)

	token, err := uploader.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	part1, err := uploader.UploadPart(ctx, token, 1, []byte("hello "))
	if err != nil {
		t.Fatalf("UploadPart 1: %v", err)
	}
	part2, err := uploader.UploadPart(ctx, token, 2, []byte("world"))
	if err != nil {
		t.Fatalf("UploadPart 2: %v", err)
	}

	key, err := uploader.Finish(ctx, token, []blob.PartToken{part1, part2})
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	got, err := store.GetRange(ctx, key, 0, 11)
	if err != nil {
		t.Fatalf("GetRange: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("expected %q, got %q", "hello world", got)
	}
}

func TestClientDrivenUploadRejectsZeroPartNumber(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	uploader := blob.NewClientDrivenUploader(store)

	token, err := uploader.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := uploader.UploadPart(ctx, token, 0, []byte("x")); err == nil {
		t.Fatal("expected an error for part number 0")
	}
}

func TestClientDrivenUploadWithNoPartsProducesEmptyObject(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	uploader := blob.NewClientDrivenUploader(store)

	token, err := uploader.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	key, err := uploader.Finish(ctx, token, nil)
	if err != nil {
		t.Fatalf("Finish with no parts should still succeed: %v", err)
	}
	got, err := store.GetRange(ctx, key, 0, 0)
	if err != nil {
		t.Fatalf("GetRange: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected an empty object, got %d bytes", len(got))
	}
}

func TestDeleteRemovesObject(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	uploader := blob.NewClientDrivenUploader(store)

	token, err := uploader.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	part, err := uploader.UploadPart(ctx, token, 1, []byte("data"))
	if err != nil {
		t.Fatalf("UploadPart: %v", err)
	}
	key, err := uploader.Finish(ctx, token, []blob.PartToken{part})
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, found, err := store.Attributes(ctx, key); err != nil || found {
		t.Fatalf("expected object to be gone after Delete, found=%v err=%v", found, err)
	}
}
