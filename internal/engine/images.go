package engine

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/wharfd/wharfd/internal/domain"
	"github.com/wharfd/wharfd/internal/store"
	"github.com/wharfd/wharfd/pkg/logger"
)

// ImportLayer streams a tar archive into the layer store and registers
// it, parented on parent (empty for a base layer).
func (e *Engine) ImportLayer(ctx context.Context, parent digest.Digest, r io.Reader) (domain.Layer, error) {
	return e.layers.Import(ctx, parent, r)
}

// RegisterImage records an image over an already-imported layer chain
// (base-first) and pins those layers: a layer referenced by an image is
// never unreferenced, so container removals cannot collect it away.
func (e *Engine) RegisterImage(ctx context.Context, name string, layers []digest.Digest, cfg ocispec.ImageConfig) (*domain.Image, error) {
	normalized, err := store.NormalizeImageName(name)
	if err != nil {
		return nil, &domain.ValidationError{Field: "image.name", Reason: err.Error()}
	}
	if len(layers) == 0 {
		return nil, &domain.ValidationError{Field: "image.layers", Reason: "an image needs at least one layer"}
	}
	for _, d := range layers {
		if !e.layers.Exists(d) {
			return nil, &domain.LayerMissingError{Digest: d}
		}
	}
	if err := e.meta.AcquireLayers(ctx, layers); err != nil {
		return nil, err
	}

	img := &domain.Image{
		ID:        strings.ReplaceAll(uuid.New().String(), "-", ""),
		Name:      normalized,
		CreatedAt: time.Now(),
		Layers:    layers,
		Config:    cfg,
	}
	if err := e.meta.PutImage(ctx, img); err != nil {
		if _, rerr := e.meta.ReleaseLayers(ctx, layers); rerr != nil {
			logger.Warn("Failed to unpin layers after image registration failure", "image", name, "error", rerr)
		}
		return nil, err
	}
	logger.Info("Image registered", "image", normalized, "layers", len(layers))
	return img, nil
}

// GetImage resolves an image by id or normalized name.
func (e *Engine) GetImage(ctx context.Context, ref string) (*domain.Image, error) {
	return e.meta.GetImage(ctx, ref)
}

// ListImages returns every registered image.
func (e *Engine) ListImages(ctx context.Context) ([]*domain.Image, error) {
	return e.meta.ListImages(ctx)
}

// RemoveImage deletes an image. Refused while containers instantiate it.
// Layers whose refcount drops to zero are deleted from disk.
func (e *Engine) RemoveImage(ctx context.Context, ref string) error {
	img, err := e.meta.GetImage(ctx, ref)
	if err != nil {
		return err
	}
	all, err := e.meta.ListContainers(ctx, domain.ContainerFilter{})
	if err != nil {
		return err
	}
	for _, c := range all {
		if c.ImageID == img.ID {
			return fmt.Errorf("%w: image %s is used by container %s", domain.ErrStateConflict, img.Name, c.Name)
		}
	}

	if err := e.meta.DeleteImage(ctx, img.ID); err != nil {
		return err
	}
	freed, err := e.meta.ReleaseLayers(ctx, img.Layers)
	if err != nil {
		return err
	}
	for _, d := range freed {
		if err := e.layers.Remove(d); err != nil {
			logger.Warn("Failed to delete unreferenced layer", "digest", d.String(), "error", err)
		}
	}
	logger.Info("Image removed", "image", img.Name, "layers_freed", len(freed))
	return nil
}
