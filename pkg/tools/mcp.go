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

// Package tools lists tool definitions from MCP (Model Context
// Protocol) servers so chat columns can forward them to the model.
// Tools are pass-through only: returned tool calls are surfaced in
// events, never executed.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kadirpekel/tabula/pkg/model"
)

const protocolVersion = "2024-11-05"

// Config describes one MCP tool source.
type Config struct {
	// Name identifies the source; chat columns reference it.
	Name string

	// Transport is "stdio" or "sse".
	Transport string

	// Command and Args spawn a stdio server.
	Command string
	Args    []string

	// URL locates an SSE server.
	URL string
}

// Source is a lazily-connected MCP server. The connection is
// established on the first Tools call.
type Source struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	client    *client.Client
	tools     []model.ToolDefinition
	connected bool
}

// NewSource validates cfg and returns an unconnected source.
func NewSource(cfg Config, logger *slog.Logger) (*Source, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("tool source requires a name")
	}
	switch cfg.Transport {
	case "stdio", "":
		if cfg.Command == "" {
			return nil, fmt.Errorf("tool source %s: stdio transport requires a command", cfg.Name)
		}
	case "sse":
		if cfg.URL == "" {
			return nil, fmt.Errorf("tool source %s: sse transport requires a url", cfg.Name)
		}
	default:
		return nil, fmt.Errorf("tool source %s: unknown transport %q", cfg.Name, cfg.Transport)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{cfg: cfg, logger: logger}, nil
}

// Name returns the source name.
func (s *Source) Name() string { return s.cfg.Name }

// Tools returns the server's tool definitions, connecting on first
// use.
func (s *Source) Tools(ctx context.Context) ([]model.ToolDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		if err := s.connect(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to MCP server %s: %w", s.cfg.Name, err)
		}
	}
	return s.tools, nil
}

func (s *Source) connect(ctx context.Context) error {
	var mcpClient *client.Client
	var err error
	if s.cfg.Transport == "sse" {
		mcpClient, err = client.NewSSEMCPClient(s.cfg.URL)
	} else {
		mcpClient, err = client.NewStdioMCPClient(s.cfg.Command, nil, s.cfg.Args...)
	}
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "tabula", Version: "1.0.0"}
	initReq.Params.ProtocolVersion = protocolVersion
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to initialize: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to list tools: %w", err)
	}

	tools := make([]model.ToolDefinition, 0, len(listResp.Tools))
	for _, t := range listResp.Tools {
		tools = append(tools, model.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  convertSchema(t.InputSchema),
		})
	}

	s.client = mcpClient
	s.tools = tools
	s.connected = true
	s.logger.Info("connected to MCP server",
		"name", s.cfg.Name,
		"transport", s.cfg.Transport,
		"tools", len(tools))
	return nil
}

// Close shuts the connection down.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	s.connected = false
	return err
}

// convertSchema flattens an MCP input schema into the map a tool
// definition carries.
func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// Registry holds the configured tool sources by name.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]*Source
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]*Source)}
}

// Register adds a source. A duplicate name is an error.
func (r *Registry) Register(s *Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[s.Name()]; ok {
		return fmt.Errorf("duplicate tool source: %s", s.Name())
	}
	r.sources[s.Name()] = s
	return nil
}

// Tools lists the tool definitions of the named source.
func (r *Registry) Tools(ctx context.Context, name string) ([]model.ToolDefinition, error) {
	r.mu.RLock()
	s, ok := r.sources[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool source: %s", name)
	}
	return s.Tools(ctx)
}

// Close shuts all sources down.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, s := range r.sources {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
