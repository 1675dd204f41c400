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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/kadirpekel/tabula/pkg/config"
)

// SchemaCmd prints the JSON Schema of the configuration document.
type SchemaCmd struct {
	Output string `short:"o" help:"Write the schema to a file instead of stdout." type:"path"`
}

func (c *SchemaCmd) Run() error {
	reflector := &jsonschema.Reflector{
		ExpandedStruct: true,
		FieldNameTag:   "yaml",
	}
	schema := reflector.Reflect(&config.Config{})
	schema.Title = "Tabula configuration"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return err
	}
	if c.Output == "" {
		fmt.Println(string(data))
		return nil
	}
	return os.WriteFile(c.Output, append(data, '\n'), 0644)
}

// loadConfig resolves and parses the configuration from a source URI.
func loadConfig(uri string) (*config.Config, error) {
	l, err := config.NewLoader(uri)
	if err != nil {
		return nil, err
	}
	defer l.Close()
	return l.Load(context.Background())
}
