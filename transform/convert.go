package transform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// Converter turns downloaded files into text. Converters work on whole
// batches: an error fails the batch (callers skip those files), while an
// empty string in the result skips just that file.
type Converter interface {
	Name() string
	Extensions() []string
	Convert(ctx context.Context, paths []string) ([]string, error)
}

// Text passes textual file formats through as-is, rejecting content that
// isn't valid UTF-8 rather than feeding mojibake to the embedder.
type Text struct{}

func (Text) Name() string { return "text" }

func (Text) Extensions() []string {
	return []string{".txt", ".md", ".csv", ".json", ".xml", ".html", ".htm"}
}

func (Text) Convert(_ context.Context, paths []string) ([]string, error) {
	var out = make([]string, len(paths))
	for i, path := range paths {
		var raw, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		if !utf8.Valid(raw) {
			// Skip this file; the rest of the batch proceeds.
			continue
		}
		out[i] = string(raw)
	}
	return out, nil
}

// ConverterRouter picks a converter by file extension. Files without a
// registered converter fall back to metadata-only representation in the
// pipeline, so absence here is not an error.
type ConverterRouter struct {
	byExt map[string]Converter
}

func NewConverterRouter(converters ...Converter) (*ConverterRouter, error) {
	var r = &ConverterRouter{byExt: make(map[string]Converter)}
	for _, c := range converters {
		for _, ext := range c.Extensions() {
			ext = strings.ToLower(ext)
			if prev, ok := r.byExt[ext]; ok {
				return nil, fmt.Errorf("extension %s claimed by both %s and %s", ext, prev.Name(), c.Name())
			}
			r.byExt[ext] = c
		}
	}
	return r, nil
}

// For returns the converter registered for the path's extension.
func (r *ConverterRouter) For(path string) (Converter, bool) {
	var c, ok = r.byExt[strings.ToLower(filepath.Ext(path))]
	return c, ok
}
