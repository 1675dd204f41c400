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

package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies cell and request failures.
type ErrorKind string

const (
	// KindBadInput marks malformed requests; the only kind that aborts
	// a batch before any row runs.
	KindBadInput ErrorKind = "bad_input"

	// KindNotFound marks missing referenced resources (row, column,
	// knowledge table).
	KindNotFound ErrorKind = "not_found"

	// KindUpstream marks a cell whose dependency already errored.
	KindUpstream ErrorKind = "upstream"

	// KindProvider marks model provider failures after router retries.
	KindProvider ErrorKind = "provider"

	// KindInternal marks everything else.
	KindInternal ErrorKind = "internal"
)

// CellError is a contained cell failure: it becomes a final error
// event and a state-column record, never a panic or batch abort.
type CellError struct {
	Column  string
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *CellError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: column %s: %s", e.Kind, e.Column, e.Message)
}

func (e *CellError) Unwrap() error { return e.Err }

func newCellError(column string, kind ErrorKind, err error) *CellError {
	return &CellError{Column: column, Kind: kind, Message: err.Error(), Err: err}
}

func badInput(format string, args ...any) *CellError {
	return &CellError{Kind: KindBadInput, Message: fmt.Sprintf(format, args...)}
}

func upstreamError(column string, failed []string) *CellError {
	return &CellError{
		Column:  column,
		Kind:    KindUpstream,
		Message: fmt.Sprintf("upstream column(s) errored: %s", strings.Join(failed, ", ")),
	}
}

// IsBadInput reports whether err is a request-level bad-input error.
func IsBadInput(err error) bool {
	var ce *CellError
	return errors.As(err, &ce) && ce.Kind == KindBadInput
}
