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

// Package codeexec provides the code executor capability: running
// column-generation code against a row's data, out of process via a
// hashicorp/go-plugin subprocess.
package codeexec

import (
	"context"
	"errors"
)

// ErrDisabled is returned when no code executor is configured.
var ErrDisabled = errors.New("code execution is disabled")

// Runner executes generation code for one cell. RowData holds the
// already-resolved cells of the row; the returned value must fit the
// output column's dtype.
type Runner interface {
	Run(ctx context.Context, source string, rowData map[string]any, outputColumn, dtype string) (any, error)
	Close() error
}

// NewDisabledRunner returns a Runner that rejects every call with
// ErrDisabled.
func NewDisabledRunner() Runner { return disabledRunner{} }

type disabledRunner struct{}

func (disabledRunner) Run(ctx context.Context, source string, rowData map[string]any, outputColumn, dtype string) (any, error) {
	return nil, ErrDisabled
}

func (disabledRunner) Close() error { return nil }
