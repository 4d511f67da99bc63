// Package embeddings provides embedding generation via multiple providers.
//
// Supports FastEmbed (local ONNX models, requires CGO) with a deterministic
// hash-based fallback for CGO-less builds and tests. Both implement
// vectorstore.Embedder.
package embeddings

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/circuitd/internal/vectorstore"
	"go.uber.org/zap"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrFastEmbedNotAvailable is returned when FastEmbed cannot be used
	// (binary built without CGO support).
	ErrFastEmbedNotAvailable = errors.New("fastembed: not available (binary built without CGO support)")
)

// Config selects and configures an embedding provider.
type Config struct {
	// Provider is "fastembed" or "hash". Empty selects fastembed when the
	// binary was built with CGO, hash otherwise.
	Provider string

	// Model is the FastEmbed model name (default BAAI/bge-small-en-v1.5).
	Model string

	// CacheDir caches downloaded model files.
	CacheDir string
}

// NewEmbedder creates an Embedder for the configured provider.
//
// When the provider is unset and FastEmbed is unavailable (no CGO), the
// hash embedder is used so that retrieval still works, with reduced
// semantic quality.
func NewEmbedder(cfg Config, logger *zap.Logger) (vectorstore.Embedder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Provider {
	case "hash":
		return NewHashEmbedder(DefaultHashDimension), nil
	case "fastembed":
		provider, err := NewFastEmbedProvider(FastEmbedConfig{Model: cfg.Model, CacheDir: cfg.CacheDir})
		if err != nil {
			return nil, fmt.Errorf("creating fastembed provider: %w", err)
		}
		return provider, nil
	case "":
		provider, err := NewFastEmbedProvider(FastEmbedConfig{Model: cfg.Model, CacheDir: cfg.CacheDir})
		if err != nil {
			if errors.Is(err, ErrFastEmbedNotAvailable) {
				logger.Warn("fastembed unavailable, falling back to hash embedder",
					zap.Error(err))
				return NewHashEmbedder(DefaultHashDimension), nil
			}
			return nil, fmt.Errorf("creating fastembed provider: %w", err)
		}
		return provider, nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}
