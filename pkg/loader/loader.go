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

// Package loader provides the file loader capability: fetching bytes
// behind file/http/data URIs and extracting text from documents by
// extension (pdf, docx, xlsx, plus plain-text formats).
package loader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"
)

// ErrUnsupported marks a file extension no parser handles. Callers
// treat it as bad input.
var ErrUnsupported = errors.New("unsupported file extension")

// parser extracts text from one document family.
type parser interface {
	Extensions() []string
	Parse(ctx context.Context, name string, data []byte) (string, error)
}

// Service dispatches documents to parsers by extension.
type Service struct {
	byExt    map[string]parser
	maxBytes int64
}

// Option configures a Service.
type Option func(*Service)

// WithMaxBytes caps fetched resource size. Default 100 MiB.
func WithMaxBytes(n int64) Option {
	return func(s *Service) { s.maxBytes = n }
}

// New builds a loader with the built-in parsers registered.
func New(opts ...Option) *Service {
	s := &Service{
		byExt:    make(map[string]parser),
		maxBytes: 100 << 20,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, p := range []parser{&pdfParser{}, &docxParser{}, &xlsxParser{}, &textParser{}} {
		for _, ext := range p.Extensions() {
			s.byExt[ext] = p
		}
	}
	return s
}

// SupportedExtensions lists the registered extensions.
func (s *Service) SupportedExtensions() []string {
	out := make([]string, 0, len(s.byExt))
	for ext := range s.byExt {
		out = append(out, ext)
	}
	return out
}

// LoadDocument extracts text from data, dispatching on name's
// extension. Unsupported extensions return ErrUnsupported.
func (s *Service) LoadDocument(ctx context.Context, name string, data []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	p, ok := s.byExt[ext]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupported, ext)
	}
	text, err := p.Parse(ctx, name, data)
	if err != nil {
		return "", fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return text, nil
}

type pdfParser struct{}

func (p *pdfParser) Extensions() []string { return []string{".pdf"} }

func (p *pdfParser) Parse(ctx context.Context, name string, data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}

	var parts []string
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			parts = append(parts, fmt.Sprintf("--- Page %d (extraction failed: %v) ---", pageNum, err))
			continue
		}
		if strings.TrimSpace(text) != "" {
			parts = append(parts, fmt.Sprintf("--- Page %d ---\n%s", pageNum, text))
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

type docxParser struct{}

func (p *docxParser) Extensions() []string { return []string{".docx"} }

func (p *docxParser) Parse(ctx context.Context, name string, data []byte) (string, error) {
	doc, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	defer doc.Close()
	return doc.Editable().GetContent(), nil
}

type xlsxParser struct{}

func (p *xlsxParser) Extensions() []string { return []string{".xlsx"} }

// maxCellsPerSheet bounds extraction so a huge spreadsheet cannot blow
// up a prompt.
const maxCellsPerSheet = 1000

func (p *xlsxParser) Parse(ctx context.Context, name string, data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	defer f.Close()

	var parts []string
	for _, sheetName := range f.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		var b strings.Builder
		fmt.Fprintf(&b, "--- Sheet: %s ---\n", sheetName)

		rows, err := f.GetRows(sheetName)
		if err != nil {
			fmt.Fprintf(&b, "Error reading sheet: %v\n", err)
			parts = append(parts, strings.TrimSpace(b.String()))
			continue
		}

		cells := 0
		for rowIndex, row := range rows {
			if cells >= maxCellsPerSheet {
				b.WriteString("... (truncated)\n")
				break
			}
			for colIndex, cell := range row {
				if cells >= maxCellsPerSheet {
					break
				}
				if text := strings.TrimSpace(cell); text != "" {
					ref, _ := excelize.CoordinatesToCellName(colIndex+1, rowIndex+1)
					fmt.Fprintf(&b, "%s: %s\n", ref, text)
					cells++
				}
			}
		}
		if text := strings.TrimSpace(b.String()); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

type textParser struct{}

func (p *textParser) Extensions() []string {
	return []string{".txt", ".md", ".csv", ".json", ".html", ".xml", ".yaml", ".yml"}
}

func (p *textParser) Parse(ctx context.Context, name string, data []byte) (string, error) {
	return string(data), nil
}
