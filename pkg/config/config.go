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

// Package config defines the YAML configuration tree: server, logging,
// model deployments, storage, vector index, knowledge, engine limits,
// observability, billing, tools, and code execution. Values support
// ${ENV} and ${ENV:-default} expansion, applied before parsing.
package config

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/tabula/pkg/model"
)

// Config is the root configuration document.
type Config struct {
	// Server configures the HTTP host.
	Server ServerConfig `yaml:"server,omitempty" json:"server,omitempty"`

	// Logger configures the process-wide logger.
	Logger LoggerConfig `yaml:"logger,omitempty" json:"logger,omitempty"`

	// Models lists the routed model deployments. At least one is
	// required to run the engine.
	Models []model.DeploymentConfig `yaml:"models" json:"models"`

	// Store configures row persistence.
	Store StoreConfig `yaml:"store,omitempty" json:"store,omitempty"`

	// Vector configures the vector index used for knowledge search.
	Vector VectorConfig `yaml:"vector,omitempty" json:"vector,omitempty"`

	// Knowledge configures full-text indexing for knowledge tables.
	Knowledge KnowledgeConfig `yaml:"knowledge,omitempty" json:"knowledge,omitempty"`

	// Engine bounds batch execution.
	Engine EngineConfig `yaml:"engine,omitempty" json:"engine,omitempty"`

	// Observability configures metrics and tracing.
	Observability ObservabilityConfig `yaml:"observability,omitempty" json:"observability,omitempty"`

	// Billing configures egress accounting.
	Billing BillingConfig `yaml:"billing,omitempty" json:"billing,omitempty"`

	// Tools lists MCP servers whose tool definitions are forwarded to
	// language models. Tool calls are surfaced, never executed.
	Tools []ToolSourceConfig `yaml:"tools,omitempty" json:"tools,omitempty"`

	// CodeExec configures the code execution plugin.
	CodeExec CodeExecConfig `yaml:"code_exec,omitempty" json:"code_exec,omitempty"`
}

// ServerConfig configures the HTTP host.
type ServerConfig struct {
	// Host is the listen address. Default 0.0.0.0.
	Host string `yaml:"host,omitempty" json:"host,omitempty"`

	// Port is the listen port. Default 8080.
	Port int `yaml:"port,omitempty" json:"port,omitempty"`

	// MaxRequestBytes caps request body size. Default 10 MiB.
	MaxRequestBytes int64 `yaml:"max_request_bytes,omitempty" json:"max_request_bytes,omitempty"`

	// ShutdownTimeout is the graceful shutdown window in seconds.
	// Default 30.
	ShutdownTimeout int `yaml:"shutdown_timeout,omitempty" json:"shutdown_timeout,omitempty"`
}

// LoggerConfig configures the process-wide logger.
type LoggerConfig struct {
	// Level is debug, info, warn, or error. Default info.
	Level string `yaml:"level,omitempty" json:"level,omitempty"`

	// Format is simple or verbose. Default simple.
	Format string `yaml:"format,omitempty" json:"format,omitempty"`

	// File redirects logs to a file instead of stderr.
	File string `yaml:"file,omitempty" json:"file,omitempty"`
}

// StoreConfig configures row persistence.
type StoreConfig struct {
	// Driver is sqlite3 (default), postgres, mysql, or memory.
	Driver string `yaml:"driver,omitempty" json:"driver,omitempty"`

	// DSN is the driver connection string. For sqlite3 this is a file
	// path; default tabula.db.
	DSN string `yaml:"dsn,omitempty" json:"dsn,omitempty"`

	// MaxOpenConns bounds the connection pool. Default 10.
	MaxOpenConns int `yaml:"max_open_conns,omitempty" json:"max_open_conns,omitempty"`
}

// VectorConfig configures the vector index provider.
type VectorConfig struct {
	// Provider is chromem (default), qdrant, pinecone, or none.
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`

	// Path is the chromem persistence directory. Empty means in-memory.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// Host and Port locate a qdrant server.
	Host string `yaml:"host,omitempty" json:"host,omitempty"`
	Port int    `yaml:"port,omitempty" json:"port,omitempty"`

	// APIKey authenticates against pinecone or a secured qdrant.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`

	// Index is the pinecone index name.
	Index string `yaml:"index,omitempty" json:"index,omitempty"`
}

// KnowledgeConfig configures full-text search over knowledge tables.
type KnowledgeConfig struct {
	// FTSPath is the sqlite database holding FTS5 indexes. Default
	// tabula-fts.db; ":memory:" for ephemeral use.
	FTSPath string `yaml:"fts_path,omitempty" json:"fts_path,omitempty"`

	// DefaultK is the result count when a query omits k. Default 3.
	DefaultK int `yaml:"default_k,omitempty" json:"default_k,omitempty"`
}

// EngineConfig bounds batch execution.
type EngineConfig struct {
	// MaxConcurrentCells caps col_batch_size x row_batch_size.
	// Default 16.
	MaxConcurrentCells int `yaml:"max_concurrent_cells,omitempty" json:"max_concurrent_cells,omitempty"`

	// MaxWriteBatch caps the durable write buffer. Default 50.
	MaxWriteBatch int `yaml:"max_write_batch,omitempty" json:"max_write_batch,omitempty"`

	// QueueSize is the bounded event queue capacity. Default 256.
	QueueSize int `yaml:"queue_size,omitempty" json:"queue_size,omitempty"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	// MetricsEnabled exposes Prometheus metrics at /metrics.
	MetricsEnabled bool `yaml:"metrics_enabled,omitempty" json:"metrics_enabled,omitempty"`

	// TracingEnabled emits OTLP traces.
	TracingEnabled bool `yaml:"tracing_enabled,omitempty" json:"tracing_enabled,omitempty"`

	// OTLPEndpoint is the gRPC collector address, host:port.
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty" json:"otlp_endpoint,omitempty"`

	// SampleRate is the trace sampling ratio in [0,1]. Default 1.
	SampleRate float64 `yaml:"sample_rate,omitempty" json:"sample_rate,omitempty"`

	// ServiceName overrides the reported service name. Default tabula.
	ServiceName string `yaml:"service_name,omitempty" json:"service_name,omitempty"`
}

// BillingConfig configures egress accounting.
type BillingConfig struct {
	// Enabled turns on egress event collection.
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// ToolSourceConfig names an MCP server to list tools from.
type ToolSourceConfig struct {
	// Name identifies the source in generation configs.
	Name string `yaml:"name" json:"name"`

	// Transport is stdio or sse.
	Transport string `yaml:"transport,omitempty" json:"transport,omitempty"`

	// Command and Args spawn a stdio server.
	Command string   `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string `yaml:"args,omitempty" json:"args,omitempty"`

	// URL locates an SSE server.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`
}

// CodeExecConfig configures the code execution capability.
type CodeExecConfig struct {
	// Enabled turns on code and fixed-code columns.
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// PluginPath is the runner plugin binary.
	PluginPath string `yaml:"plugin_path,omitempty" json:"plugin_path,omitempty"`
}

// SetDefaults fills zero values with defaults.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.MaxRequestBytes == 0 {
		c.Server.MaxRequestBytes = 10 << 20
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "simple"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite3"
	}
	if c.Store.DSN == "" && c.Store.Driver == "sqlite3" {
		c.Store.DSN = "tabula.db"
	}
	if c.Store.MaxOpenConns == 0 {
		c.Store.MaxOpenConns = 10
	}
	if c.Vector.Provider == "" {
		c.Vector.Provider = "chromem"
	}
	if c.Knowledge.FTSPath == "" {
		c.Knowledge.FTSPath = "tabula-fts.db"
	}
	if c.Knowledge.DefaultK == 0 {
		c.Knowledge.DefaultK = 3
	}
	if c.Engine.MaxConcurrentCells == 0 {
		c.Engine.MaxConcurrentCells = 16
	}
	if c.Engine.MaxWriteBatch == 0 {
		c.Engine.MaxWriteBatch = 50
	}
	if c.Engine.QueueSize == 0 {
		c.Engine.QueueSize = 256
	}
	if c.Observability.SampleRate == 0 {
		c.Observability.SampleRate = 1
	}
	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = "tabula"
	}
	for i := range c.Tools {
		if c.Tools[i].Transport == "" {
			c.Tools[i].Transport = "stdio"
		}
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if len(c.Models) == 0 {
		return fmt.Errorf("at least one model deployment is required")
	}
	seen := make(map[string]map[string]bool)
	for i, m := range c.Models {
		if m.Name == "" {
			return fmt.Errorf("models[%d]: name is required", i)
		}
		switch m.Provider {
		case "", "openai", "openai_compatible", "anthropic", "gemini", "ollama":
		default:
			return fmt.Errorf("models[%d] (%s): unsupported provider %q", i, m.Name, m.Provider)
		}
		if seen[m.Name] == nil {
			seen[m.Name] = make(map[string]bool)
		}
		key := m.Provider + "/" + m.Model + "/" + m.BaseURL
		if seen[m.Name][key] {
			return fmt.Errorf("models[%d] (%s): duplicate deployment", i, m.Name)
		}
		seen[m.Name][key] = true
	}
	switch c.Store.Driver {
	case "sqlite3", "postgres", "mysql", "memory":
	default:
		return fmt.Errorf("store: unsupported driver %q", c.Store.Driver)
	}
	if c.Store.Driver != "sqlite3" && c.Store.Driver != "memory" && c.Store.DSN == "" {
		return fmt.Errorf("store: dsn is required for driver %q", c.Store.Driver)
	}
	switch c.Vector.Provider {
	case "chromem", "none":
	case "qdrant":
		if c.Vector.Host == "" {
			return fmt.Errorf("vector: qdrant requires host")
		}
	case "pinecone":
		if c.Vector.APIKey == "" || c.Vector.Index == "" {
			return fmt.Errorf("vector: pinecone requires api_key and index")
		}
	default:
		return fmt.Errorf("vector: unsupported provider %q", c.Vector.Provider)
	}
	if c.Observability.TracingEnabled && c.Observability.OTLPEndpoint == "" {
		return fmt.Errorf("observability: tracing requires otlp_endpoint")
	}
	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		return fmt.Errorf("observability: sample_rate must be in [0, 1]")
	}
	for i, t := range c.Tools {
		if t.Name == "" {
			return fmt.Errorf("tools[%d]: name is required", i)
		}
		switch t.Transport {
		case "stdio":
			if t.Command == "" {
				return fmt.Errorf("tools[%d] (%s): stdio transport requires command", i, t.Name)
			}
		case "sse":
			if t.URL == "" {
				return fmt.Errorf("tools[%d] (%s): sse transport requires url", i, t.Name)
			}
		default:
			return fmt.Errorf("tools[%d] (%s): unsupported transport %q", i, t.Name, t.Transport)
		}
	}
	if c.CodeExec.Enabled && c.CodeExec.PluginPath == "" {
		return fmt.Errorf("code_exec: plugin_path is required when enabled")
	}
	if _, err := parseLoggerLevel(c.Logger.Level); err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	return nil
}

func parseLoggerLevel(level string) (string, error) {
	switch level {
	case "debug", "info", "warn", "warning", "error":
		return level, nil
	default:
		return "", fmt.Errorf("unknown log level: %s", level)
	}
}

// Parse decodes raw YAML into a Config, expanding environment
// references in every string value, then applies defaults and
// validates.
func Parse(data []byte) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	expanded, err := yaml.Marshal(ExpandEnvVarsInData(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to expand config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
