package loader

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestLoadDocumentText(t *testing.T) {
	s := New()
	for _, name := range []string{"notes.txt", "readme.md", "data.csv"} {
		text, err := s.LoadDocument(context.Background(), name, []byte("hello world"))
		require.NoError(t, err)
		assert.Equal(t, "hello world", text)
	}
}

func TestLoadDocumentUnsupported(t *testing.T) {
	s := New()
	_, err := s.LoadDocument(context.Background(), "video.mp4", []byte{0})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestLoadDocumentXLSX(t *testing.T) {
	f := excelize.NewFile()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", "name"))
	require.NoError(t, f.SetCellValue("Sheet1", "B2", 42))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	s := New()
	text, err := s.LoadDocument(context.Background(), "report.xlsx", buf.Bytes())
	require.NoError(t, err)
	assert.Contains(t, text, "Sheet1")
	assert.Contains(t, text, "A1: name")
	assert.Contains(t, text, "B2: 42")
}

func TestOpenURIFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("from disk"), 0644))

	s := New()
	data, err := s.OpenURI(context.Background(), "file://"+path)
	require.NoError(t, err)
	assert.Equal(t, "from disk", string(data))

	data, err = s.OpenURI(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "from disk", string(data))
}

func TestOpenURIFileSizeLimit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.txt")
	require.NoError(t, os.WriteFile(path, make([]byte, 100), 0644))

	s := New(WithMaxBytes(10))
	_, err := s.OpenURI(context.Background(), path)
	assert.Error(t, err)
}

func TestOpenURIHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "over the wire")
	}))
	defer srv.Close()

	s := New()
	data, err := s.OpenURI(context.Background(), srv.URL+"/doc.txt")
	require.NoError(t, err)
	assert.Equal(t, "over the wire", string(data))
}

func TestOpenURIHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := New()
	_, err := s.OpenURI(context.Background(), srv.URL+"/missing.txt")
	assert.Error(t, err)
}

func TestOpenURIData(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("inline bytes"))

	s := New()
	data, err := s.OpenURI(context.Background(), "data:image/png;base64,"+payload)
	require.NoError(t, err)
	assert.Equal(t, "inline bytes", string(data))

	data, err = s.OpenURI(context.Background(), "data:text/plain,raw")
	require.NoError(t, err)
	assert.Equal(t, "raw", string(data))

	_, err = s.OpenURI(context.Background(), "data:oops")
	assert.Error(t, err)
}

func TestIsURI(t *testing.T) {
	assert.True(t, IsURI("file:///tmp/x.pdf"))
	assert.True(t, IsURI("https://example.com/x.pdf"))
	assert.True(t, IsURI("data:;base64,AA=="))
	assert.True(t, IsURI("/tmp/x.pdf"))
	assert.False(t, IsURI("just a cell value"))
}

func TestMimeType(t *testing.T) {
	assert.Equal(t, "image/png", MimeType("https://x/img.PNG"))
	assert.Equal(t, "audio/wav", MimeType("/tmp/a.wav"))
	assert.Equal(t, "application/octet-stream", MimeType("/tmp/a.bin"))
}
