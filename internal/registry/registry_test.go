package registry_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/runtarahq/runtara/internal/apierrors"
	"github.com/runtarahq/runtara/internal/registry"
	"github.com/runtarahq/runtara/internal/store"
)

func newRegistry(t *testing.T) (*registry.Registry, store.Storage) {
	t.Helper()
	st := store.NewMemoryStore()
	dataRoot := t.TempDir()
	return registry.New(st, dataRoot), st
}

func TestRegisterDeduplicatesByContentHash(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	first, err := reg.Register(ctx, "t1", "alpha", []byte("binary-bytes"), "mock", nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	second, err := reg.Register(ctx, "t1", "alpha", []byte("binary-bytes"), "mock", nil)
	if err != nil {
		t.Fatalf("register again: %v", err)
	}

	if first.ID != second.ID {
		t.Fatalf("expected same image id for identical content, got %s and %s", first.ID, second.ID)
	}
}

func TestRegisterRejectsEmptyBinary(t *testing.T) {
	reg, _ := newRegistry(t)
	if _, err := reg.Register(context.Background(), "t1", "alpha", nil, "mock", nil); err == nil {
		t.Fatal("expected error for empty binary")
	}
}

func TestRegisterRejectsOversizeBinary(t *testing.T) {
	reg, _ := newRegistry(t)
	big := make([]byte, registry.MaxBinarySize+1)
	if _, err := reg.Register(context.Background(), "t1", "alpha", big, "mock", nil); err == nil {
		t.Fatal("expected error for binary over the single-frame cap")
	}
}

func TestDeleteRefusesWhileImageInUse(t *testing.T) {
	reg, st := newRegistry(t)
	ctx := context.Background()

	img, err := reg.Register(ctx, "t1", "alpha", []byte("binary-bytes"), "mock", nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	inst := store.Instance{
		ID:      "i1",
		Tenant:  "t1",
		ImageID: img.ID,
		Status:  store.StatusRunning,
	}
	if err := st.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("create instance: %v", err)
	}

	err = reg.Delete(ctx, img.ID)
	if !errors.Is(err, apierrors.ErrImageInUse) {
		t.Fatalf("delete err = %v, want ErrImageInUse", err)
	}
}

func TestDeleteSucceedsOnceInstanceIsTerminal(t *testing.T) {
	reg, st := newRegistry(t)
	ctx := context.Background()

	img, err := reg.Register(ctx, "t1", "alpha", []byte("binary-bytes"), "mock", nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	inst := store.Instance{
		ID:      "i1",
		Tenant:  "t1",
		ImageID: img.ID,
		Status:  store.StatusCompleted,
	}
	if err := st.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("create instance: %v", err)
	}

	if err := reg.Delete(ctx, img.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := reg.Get(ctx, img.ID); err == nil {
		t.Fatal("expected image to be gone after delete")
	}
	if _, err := os.Stat(filepath.Join(img.BinaryRef)); !os.IsNotExist(err) {
		t.Fatalf("expected binary file to be removed, stat err = %v", err)
	}
}

func TestStreamWriterDeduplicatesByContentHash(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	write := func() store.Image {
		w, err := reg.Writer(ctx, "t1", "alpha", "mock", nil)
		if err != nil {
			t.Fatalf("writer: %v", err)
		}
		if _, err := w.Write([]byte("chunk-one-")); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := w.Write([]byte("chunk-two")); err != nil {
			t.Fatalf("write: %v", err)
		}
		img, err := w.Close()
		if err != nil {
			t.Fatalf("close: %v", err)
		}
		return img
	}

	first := write()
	second := write()
	if first.ID != second.ID {
		t.Fatalf("expected dedup across streamed uploads, got %s and %s", first.ID, second.ID)
	}
}
