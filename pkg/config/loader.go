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

package config

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/kadirpekel/tabula/pkg/config/provider"
)

// Loader resolves configuration from a source URI and re-parses it on
// change.
type Loader struct {
	source provider.Provider
}

// NewLoader builds a loader from a config URI. Plain paths and file://
// URIs read from disk; consul://host:port/kv/path, etcd://host:port/key,
// and zk://host:port/path read from the respective stores.
func NewLoader(uri string) (*Loader, error) {
	opts, err := parseSourceURI(uri)
	if err != nil {
		return nil, err
	}
	source, err := provider.New(opts)
	if err != nil {
		return nil, err
	}
	return &Loader{source: source}, nil
}

func parseSourceURI(uri string) (provider.ProviderConfig, error) {
	if uri == "" {
		return provider.ProviderConfig{}, fmt.Errorf("config uri is required")
	}
	if !strings.Contains(uri, "://") {
		return provider.ProviderConfig{Type: provider.TypeFile, Path: uri}, nil
	}

	parsed, err := url.Parse(uri)
	if err != nil {
		return provider.ProviderConfig{}, fmt.Errorf("invalid config uri %q: %w", uri, err)
	}
	switch parsed.Scheme {
	case "file":
		return provider.ProviderConfig{Type: provider.TypeFile, Path: parsed.Path}, nil
	case "consul":
		return provider.ProviderConfig{
			Type:      provider.TypeConsul,
			Path:      strings.TrimPrefix(parsed.Path, "/"),
			Endpoints: []string{parsed.Host},
		}, nil
	case "etcd":
		return provider.ProviderConfig{
			Type:      provider.TypeEtcd,
			Path:      strings.TrimPrefix(parsed.Path, "/"),
			Endpoints: []string{parsed.Host},
		}, nil
	case "zookeeper", "zk":
		return provider.ProviderConfig{
			Type:      provider.TypeZookeeper,
			Path:      parsed.Path,
			Endpoints: []string{parsed.Host},
		}, nil
	default:
		return provider.ProviderConfig{}, fmt.Errorf("unsupported config scheme: %s", parsed.Scheme)
	}
}

// Load reads and parses the configuration.
func (l *Loader) Load(ctx context.Context) (*Config, error) {
	data, err := l.source.Load(ctx)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Watch signals on the returned channel whenever the source changes.
// A nil channel means the source does not support watching.
func (l *Loader) Watch(ctx context.Context) (<-chan struct{}, error) {
	return l.source.Watch(ctx)
}

// Source exposes the underlying provider, mainly for logging.
func (l *Loader) Source() provider.Provider {
	return l.source
}

// Close releases the source.
func (l *Loader) Close() error {
	return l.source.Close()
}
