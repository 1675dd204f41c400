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

package vector

import "fmt"

// ProviderType identifies a vector store backend.
type ProviderType string

const (
	ProviderChromem  ProviderType = "chromem"
	ProviderQdrant   ProviderType = "qdrant"
	ProviderPinecone ProviderType = "pinecone"
	ProviderNone     ProviderType = "none"
)

// Config selects and configures a vector store backend.
type Config struct {
	// Type of backend. Empty defaults to chromem.
	Type ProviderType

	// Path is the chromem persistence directory. Empty means in-memory.
	Path string

	// Host and Port locate a qdrant server.
	Host string
	Port int

	// APIKey authenticates qdrant or pinecone.
	APIKey string

	// Index is the default pinecone index name.
	Index string
}

// NewProvider builds a vector store from config.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Type {
	case ProviderChromem, "":
		return NewChromemProvider(cfg.Path)
	case ProviderQdrant:
		return NewQdrantProvider(QdrantConfig{Host: cfg.Host, Port: cfg.Port, APIKey: cfg.APIKey})
	case ProviderPinecone:
		return NewPineconeProvider(PineconeConfig{APIKey: cfg.APIKey, Host: cfg.Host, IndexName: cfg.Index})
	case ProviderNone:
		return NilProvider{}, nil
	default:
		return nil, fmt.Errorf("unknown vector provider: %s", cfg.Type)
	}
}
