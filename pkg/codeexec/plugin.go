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

package codeexec

import (
	"context"
	"encoding/json"
	"fmt"
	"net/rpc"
	"os/exec"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"
)

// Handshake pairs host and plugin binaries. A cookie mismatch means
// the executable is not a code runner plugin.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "TABULA_PLUGIN",
	MagicCookieValue: "tabula-code-runner",
}

const pluginName = "runner"

// RunArgs crosses the net/rpc boundary. Row data and the result are
// JSON-encoded: gob cannot carry the dynamic cell values a row holds.
type RunArgs struct {
	Source       string
	RowJSON      []byte
	OutputColumn string
	DType        string
}

type RunReply struct {
	ValueJSON []byte
}

// runnerPlugin adapts a Runner to go-plugin's net/rpc protocol.
type runnerPlugin struct {
	impl Runner
}

func (p *runnerPlugin) Server(*plugin.MuxBroker) (any, error) {
	return &runnerRPCServer{impl: p.impl}, nil
}

func (p *runnerPlugin) Client(b *plugin.MuxBroker, c *rpc.Client) (any, error) {
	return &runnerRPCClient{client: c}, nil
}

type runnerRPCServer struct {
	impl Runner
}

func (s *runnerRPCServer) Run(args *RunArgs, reply *RunReply) error {
	var rowData map[string]any
	if len(args.RowJSON) > 0 {
		if err := json.Unmarshal(args.RowJSON, &rowData); err != nil {
			return fmt.Errorf("failed to decode row data: %w", err)
		}
	}
	value, err := s.impl.Run(context.Background(), args.Source, rowData, args.OutputColumn, args.DType)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	reply.ValueJSON = encoded
	return nil
}

type runnerRPCClient struct {
	client *rpc.Client
}

func (c *runnerRPCClient) Run(ctx context.Context, source string, rowData map[string]any, outputColumn, dtype string) (any, error) {
	rowJSON, err := json.Marshal(rowData)
	if err != nil {
		return nil, fmt.Errorf("failed to encode row data: %w", err)
	}
	args := &RunArgs{Source: source, RowJSON: rowJSON, OutputColumn: outputColumn, DType: dtype}
	reply := &RunReply{}

	call := c.client.Go("Plugin.Run", args, reply, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case done := <-call.Done:
		if done.Error != nil {
			return nil, done.Error
		}
	}

	var value any
	if len(reply.ValueJSON) > 0 {
		if err := json.Unmarshal(reply.ValueJSON, &value); err != nil {
			return nil, fmt.Errorf("failed to decode result: %w", err)
		}
	}
	return value, nil
}

func (c *runnerRPCClient) Close() error { return c.client.Close() }

// PluginRunner runs generation code in a plugin subprocess.
type PluginRunner struct {
	client *plugin.Client
	runner Runner
}

// NewPluginRunner launches the plugin binary at path and connects to
// its runner over net/rpc.
func NewPluginRunner(path string) (*PluginRunner, error) {
	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig: Handshake,
		Plugins:         map[string]plugin.Plugin{pluginName: &runnerPlugin{}},
		Cmd:             exec.Command(path),
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:  "tabula-plugin",
			Level: hclog.Info,
		}),
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to connect to plugin %s: %w", path, err)
	}
	raw, err := rpcClient.Dispense(pluginName)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to dispense runner: %w", err)
	}
	runner, ok := raw.(Runner)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("plugin %s does not implement the runner protocol", path)
	}
	return &PluginRunner{client: client, runner: runner}, nil
}

func (p *PluginRunner) Run(ctx context.Context, source string, rowData map[string]any, outputColumn, dtype string) (any, error) {
	return p.runner.Run(ctx, source, rowData, outputColumn, dtype)
}

func (p *PluginRunner) Close() error {
	p.client.Kill()
	return nil
}

// Serve is the entry point for plugin binaries: it serves impl over
// go-plugin's net/rpc protocol and blocks until the host disconnects.
func Serve(impl Runner) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins:         map[string]plugin.Plugin{pluginName: &runnerPlugin{impl: impl}},
	})
}
