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

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/tabula/pkg/engine"
	"github.com/kadirpekel/tabula/pkg/schema"
	"github.com/kadirpekel/tabula/pkg/table"
)

type errorBody struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, errorBody{Error: apiError{Message: fmt.Sprintf(format, args...), Code: status}})
}

// statusFor maps engine and store errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case engine.IsBadInput(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, table.ErrTableNotFound), errors.Is(err, table.ErrRowNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON request body into v, enforcing content type and
// the configured size cap.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != "application/json" {
		writeError(w, http.StatusUnsupportedMediaType, "content type must be application/json, got %q", ct)
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds %d bytes", tooLarge.Limit)
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateTable(w http.ResponseWriter, r *http.Request) {
	var tbl schema.Table
	if !s.decode(w, r, &tbl) {
		return
	}
	if err := tbl.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "%v", err)
		return
	}
	if err := s.store.CreateTable(r.Context(), &tbl); err != nil {
		writeError(w, statusFor(err), "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, &tbl)
}

func (s *Server) handleGetTable(w http.ResponseWriter, r *http.Request) {
	tbl, err := s.store.GetTable(r.Context(), chi.URLParam(r, "table_id"))
	if err != nil {
		writeError(w, statusFor(err), "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, tbl)
}

func (s *Server) handleListRows(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	rows, err := s.store.ListRows(r.Context(), chi.URLParam(r, "table_id"), limit, offset)
	if err != nil {
		writeError(w, statusFor(err), "%v", err)
		return
	}
	if rows == nil {
		rows = []table.Row{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

func (s *Server) handleGetRow(w http.ResponseWriter, r *http.Request) {
	row, err := s.store.GetRow(r.Context(), chi.URLParam(r, "table_id"), chi.URLParam(r, "row_id"))
	if err != nil {
		writeError(w, statusFor(err), "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleAddRows(w http.ResponseWriter, r *http.Request) {
	var req engine.AddRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.TableID = chi.URLParam(r, "table_id")

	if !req.Stream {
		resp, err := s.engine.AddRows(r.Context(), &req, nil)
		if err != nil {
			writeError(w, statusFor(err), "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	sse, err := engine.NewSSEWriter(r.Context(), w, s.billing, s.metrics)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	if _, err := s.engine.AddRows(r.Context(), &req, sse); err != nil {
		// Validation happens before any event is written, so the
		// headers are still ours to set.
		writeError(w, statusFor(err), "%v", err)
		return
	}
	if err := sse.Done(); err != nil {
		s.logger.Warn("failed to write stream terminator", "error", err)
	}
}

func (s *Server) handleRegenRows(w http.ResponseWriter, r *http.Request) {
	var req engine.RegenRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.TableID = chi.URLParam(r, "table_id")

	if !req.Stream {
		resp, err := s.engine.RegenRows(r.Context(), &req, nil)
		if err != nil {
			writeError(w, statusFor(err), "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	sse, err := engine.NewSSEWriter(r.Context(), w, s.billing, s.metrics)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	if _, err := s.engine.RegenRows(r.Context(), &req, sse); err != nil {
		writeError(w, statusFor(err), "%v", err)
		return
	}
	if err := sse.Done(); err != nil {
		s.logger.Warn("failed to write stream terminator", "error", err)
	}
}
