// Package vectorstore defines the interface for vector storage operations.
package vectorstore

import (
	"context"
	"errors"
)

// Sentinel errors for vector store operations.
var (
	// ErrCollectionNotFound is returned when a collection does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyDocuments indicates empty or nil documents.
	ErrEmptyDocuments = errors.New("empty or nil documents")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("failed to generate embeddings")
)

// Embedder generates vector embeddings from text.
//
// Embeddings are dense numerical representations that capture semantic
// meaning, enabling similarity search. Implementations can use local ONNX
// models (fastembed) or a deterministic hash fallback.
type Embedder interface {
	// EmbedDocuments generates embeddings for multiple texts.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query.
	// Some models optimize differently for queries vs documents.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Store is the interface for vector storage operations.
//
// circuitd uses collections as index snapshots: the knowledge store builds
// a fresh collection from its append-only log, swaps readers over to it,
// and deletes the previous one. The interface therefore keeps collection
// lifecycle explicit.
type Store interface {
	// AddDocuments embeds and stores documents in the named collection,
	// creating it if needed. Returns the IDs of the added documents.
	AddDocuments(ctx context.Context, collection string, docs []Document) ([]string, error)

	// Search returns up to k documents from the named collection ordered
	// by similarity to the query (highest first). Returns
	// ErrCollectionNotFound if the collection does not exist.
	Search(ctx context.Context, collection, query string, k int) ([]SearchResult, error)

	// DeleteCollection deletes a collection and all its documents.
	DeleteCollection(ctx context.Context, collection string) error

	// CollectionExists checks if a collection exists.
	CollectionExists(ctx context.Context, collection string) (bool, error)

	// ListCollections returns all collection names.
	ListCollections(ctx context.Context) ([]string, error)

	// Count returns the number of documents in the named collection.
	Count(ctx context.Context, collection string) (int, error)

	// Close releases resources held by the store.
	Close() error
}
