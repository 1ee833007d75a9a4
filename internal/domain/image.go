package domain

import (
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Image is an immutable stack of filesystem layers plus a default run
// config. Created by an external build or pull collaborator; read-only
// once registered.
type Image struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"` // normalized reference, e.g. docker.io/library/nginx:latest
	CreatedAt time.Time `json:"created_at"`

	// Layers are ordered base-first. Each layer has at most one parent,
	// so the slice is a chain, not a graph.
	Layers []digest.Digest `json:"layers"`

	// Config carries the OCI-style defaults (entrypoint, cmd, env,
	// working dir, user, exposed ports) a container inherits.
	Config ocispec.ImageConfig `json:"config"`
}

// Layer is a content-addressed immutable filesystem diff.
type Layer struct {
	Digest digest.Digest `json:"digest"`
	// Parent is empty for the base layer.
	Parent    digest.Digest `json:"parent,omitempty"`
	SizeBytes int64         `json:"size_bytes"`
	CreatedAt time.Time     `json:"created_at"`
}

// RunConfig resolves the effective container config: image defaults
// overridden by caller-supplied options.
func (img *Image) RunConfig(override Config) Config {
	cfg := override
	if len(cfg.Entrypoint) == 0 {
		cfg.Entrypoint = img.Config.Entrypoint
	}
	if len(cfg.Cmd) == 0 {
		cfg.Cmd = img.Config.Cmd
	}
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = img.Config.WorkingDir
	}
	if cfg.User == "" {
		cfg.User = img.Config.User
	}
	// Image env is the base; caller env entries append and win on conflict
	// because later entries shadow earlier ones at exec time.
	if len(img.Config.Env) > 0 {
		cfg.Env = append(append([]string{}, img.Config.Env...), override.Env...)
	}
	return cfg
}
