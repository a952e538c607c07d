// Package registry implements the Image Registry (§4.6): content-addressed
// registration and lookup of workflow binaries, with deduplication by
// SHA-256 and a delete guard that refuses to remove an image still
// referenced by a live instance.
//
// Grounded on the teacher's graph/store/store.go Checkpoint.IdempotencyKey
// ("sha256:hex_encoded_hash" used to prevent duplicate commits) — the same
// content-hash-as-identity idea, applied here to binary registration
// instead of checkpoint writes.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/runtarahq/runtara/internal/apierrors"
	"github.com/runtarahq/runtara/internal/idgen"
	"github.com/runtarahq/runtara/internal/store"
)

// MaxBinarySize caps a single-frame RegisterImage payload (§6's "RegisterImage
// (single frame <=16 MiB)"). Larger binaries must use the chunked
// RegisterImageStream path via Writer.
const MaxBinarySize = 16 << 20

// Registry manages image binaries on disk under dataRoot/images/<sha256>
// and their metadata in store.Images.
type Registry struct {
	st       store.Images
	dataRoot string
}

// New builds a Registry storing binaries under "<dataRoot>/images/".
func New(st store.Images, dataRoot string) *Registry {
	return &Registry{st: st, dataRoot: dataRoot}
}

// Register stores binary under (tenant, name), deduplicating by content
// hash: if a binary with the same SHA-256 was already registered for this
// tenant, the existing image id is returned rather than storing a second
// copy. Names are not checked: a different binary under an already-used
// (tenant, name) is stored as a new image with its own id.
func (r *Registry) Register(ctx context.Context, tenant, name string, binary []byte, runnerKind string, metadata map[string]string) (store.Image, error) {
	if len(binary) == 0 {
		return store.Image{}, apierrors.New(apierrors.CategoryValidation, "empty_binary", "image binary must not be empty")
	}
	if len(binary) > MaxBinarySize {
		return store.Image{}, apierrors.New(apierrors.CategoryValidation, "binary_too_large",
			fmt.Sprintf("binary is %d bytes, exceeds the %d byte single-frame limit; use the chunked stream path", len(binary), MaxBinarySize))
	}

	sum := sha256.Sum256(binary)
	hash := hex.EncodeToString(sum[:])

	if existing, ok, err := r.st.GetImageByContentHash(ctx, tenant, hash); err != nil {
		return store.Image{}, fmt.Errorf("check content hash: %w", err)
	} else if ok {
		return existing, nil
	}

	binaryRef := filepath.Join(r.dataRoot, "images", hash)
	if err := os.MkdirAll(filepath.Dir(binaryRef), 0o755); err != nil {
		return store.Image{}, fmt.Errorf("prepare image storage: %w", err)
	}
	if err := os.WriteFile(binaryRef, binary, 0o644); err != nil {
		return store.Image{}, fmt.Errorf("write image binary: %w", err)
	}

	img := store.Image{
		ID:         idgen.NewPrefixed("img"),
		Tenant:     tenant,
		Name:       name,
		SHA256:     hash,
		BinaryRef:  binaryRef,
		RunnerKind: runnerKind,
		Metadata:   metadata,
		CreatedAt:  time.Now(),
	}
	if err := r.st.CreateImage(ctx, img); err != nil {
		_ = os.Remove(binaryRef)
		return store.Image{}, err
	}
	return img, nil
}

// Writer returns an io.WriteCloser that streams a chunked registration
// (RegisterImageStream) to a temp file, hashing as it goes, and finalizes
// the image row on Close. Used when the binary exceeds MaxBinarySize for a
// single frame.
func (r *Registry) Writer(ctx context.Context, tenant, name, runnerKind string, metadata map[string]string) (*StreamWriter, error) {
	tmpDir := filepath.Join(r.dataRoot, "images", ".tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare temp storage: %w", err)
	}
	f, err := os.CreateTemp(tmpDir, "upload-*")
	if err != nil {
		return nil, fmt.Errorf("open temp file: %w", err)
	}
	return &StreamWriter{
		ctx:        ctx,
		reg:        r,
		tenant:     tenant,
		name:       name,
		runnerKind: runnerKind,
		metadata:   metadata,
		tmp:        f,
		hasher:     sha256.New(),
	}, nil
}

// StreamWriter accumulates chunked upload bytes to a temp file while
// incrementally hashing, so registering a multi-gigabyte binary never
// holds the whole thing in memory.
type StreamWriter struct {
	ctx        context.Context
	reg        *Registry
	tenant     string
	name       string
	runnerKind string
	metadata   map[string]string

	tmp    *os.File
	hasher interface {
		io.Writer
		Sum([]byte) []byte
	}
	size int64
}

// Write appends a chunk.
func (w *StreamWriter) Write(p []byte) (int, error) {
	n, err := w.tmp.Write(p)
	if err != nil {
		return n, err
	}
	w.hasher.Write(p[:n])
	w.size += int64(n)
	return n, nil
}

// Close finalizes the upload: deduplicates by the accumulated hash,
// moves the temp file into place (or discards it, if a duplicate already
// exists), and creates the image row.
func (w *StreamWriter) Close() (store.Image, error) {
	defer os.Remove(w.tmp.Name())
	if err := w.tmp.Close(); err != nil {
		return store.Image{}, fmt.Errorf("close temp file: %w", err)
	}
	if w.size == 0 {
		return store.Image{}, apierrors.New(apierrors.CategoryValidation, "empty_binary", "image binary must not be empty")
	}

	hash := hex.EncodeToString(w.hasher.Sum(nil))

	if existing, ok, err := w.reg.st.GetImageByContentHash(w.ctx, w.tenant, hash); err != nil {
		return store.Image{}, fmt.Errorf("check content hash: %w", err)
	} else if ok {
		return existing, nil
	}

	binaryRef := filepath.Join(w.reg.dataRoot, "images", hash)
	if err := os.MkdirAll(filepath.Dir(binaryRef), 0o755); err != nil {
		return store.Image{}, fmt.Errorf("prepare image storage: %w", err)
	}
	if err := os.Rename(w.tmp.Name(), binaryRef); err != nil {
		return store.Image{}, fmt.Errorf("move image binary into place: %w", err)
	}

	img := store.Image{
		ID:         idgen.NewPrefixed("img"),
		Tenant:     w.tenant,
		Name:       w.name,
		SHA256:     hash,
		BinaryRef:  binaryRef,
		RunnerKind: w.runnerKind,
		Metadata:   w.metadata,
		CreatedAt:  time.Now(),
	}
	if err := w.reg.st.CreateImage(w.ctx, img); err != nil {
		_ = os.Remove(binaryRef)
		return store.Image{}, err
	}
	return img, nil
}

// Get returns an image's metadata.
func (r *Registry) Get(ctx context.Context, id string) (store.Image, error) {
	return r.st.GetImage(ctx, id)
}

// List returns a tenant's registered images, paginated.
func (r *Registry) List(ctx context.Context, tenant string, page store.Pagination) ([]store.Image, error) {
	return r.st.ListImages(ctx, tenant, page)
}

// Delete removes an image's metadata and binary, refusing when any
// non-terminal instance still references it.
func (r *Registry) Delete(ctx context.Context, id string) error {
	img, err := r.st.GetImage(ctx, id)
	if err != nil {
		return err
	}

	inUse, err := r.st.HasLiveInstances(ctx, id)
	if err != nil {
		return fmt.Errorf("check live instances: %w", err)
	}
	if inUse {
		return apierrors.Wrap(apierrors.CategoryResource, "image_in_use",
			fmt.Sprintf("image %s is referenced by a non-terminal instance", id), apierrors.ErrImageInUse)
	}

	if err := r.st.DeleteImage(ctx, id); err != nil {
		return err
	}
	_ = os.Remove(img.BinaryRef)
	return nil
}
