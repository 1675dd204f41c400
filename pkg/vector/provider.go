// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package vector provides pluggable vector store backends for semantic
// search over knowledge tables. Embeddings are always computed
// externally; providers only store and query pre-computed vectors.
package vector

import (
	"context"
	"errors"
)

// ErrDisabled is returned by NilProvider for every operation.
var ErrDisabled = errors.New("vector store is disabled")

// Result is one hit from a similarity search.
type Result struct {
	ID       string
	Score    float32
	Content  string
	Metadata map[string]any
}

// Provider is the vector store abstraction. Collections are created
// implicitly on first upsert.
type Provider interface {
	// Name identifies the backing store.
	Name() string

	// Upsert adds or replaces a document with its pre-computed vector.
	Upsert(ctx context.Context, collection string, id string, vector []float32, metadata map[string]any) error

	// Search returns the topK most similar documents.
	Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error)

	// Delete removes a single document by ID.
	Delete(ctx context.Context, collection string, id string) error

	// DeleteCollection removes a collection and all its documents.
	DeleteCollection(ctx context.Context, collection string) error

	// Close releases any underlying connections.
	Close() error
}

// NilProvider rejects every operation. It backs deployments that run
// without semantic search.
type NilProvider struct{}

func (NilProvider) Name() string { return "none" }

func (NilProvider) Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error {
	return ErrDisabled
}

func (NilProvider) Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error) {
	return nil, ErrDisabled
}

func (NilProvider) Delete(ctx context.Context, collection, id string) error {
	return ErrDisabled
}

func (NilProvider) DeleteCollection(ctx context.Context, collection string) error {
	return ErrDisabled
}

func (NilProvider) Close() error { return nil }
