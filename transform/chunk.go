// Package transform holds the closed set of content transformations a
// sync can apply: file-to-text converters, text chunkers, and the named
// transformers DAG nodes invoke.
package transform

import "strings"

// Chunker splits a textual representation into destination-sized pieces.
type Chunker interface {
	Name() string
	Chunk(text string) []string
}

// defaultChunkSize bounds a chunk in bytes. Large enough that most
// entities stay whole, small enough that embeddings see focused text.
const defaultChunkSize = 4096

// separators, coarsest first. Splitting prefers paragraph breaks and
// falls through to finer boundaries only for oversized segments.
var separators = []string{"\n\n", "\n", ". ", " "}

// Recursive is a greedy recursive-boundary chunker: it splits on the
// coarsest separator that produces segments within the size bound, then
// packs adjacent segments back together up to the bound.
type Recursive struct {
	// MaxSize bounds each chunk, in bytes. Zero means the default.
	MaxSize int
}

func (r Recursive) Name() string { return "recursive" }

func (r Recursive) max() int {
	if r.MaxSize > 0 {
		return r.MaxSize
	}
	return defaultChunkSize
}

func (r Recursive) Chunk(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var out []string
	for _, piece := range split(text, r.max(), 0) {
		if piece = strings.TrimSpace(piece); piece != "" {
			out = append(out, piece)
		}
	}
	return out
}

// split breaks |text| into pieces of at most |max| bytes using the
// separator hierarchy starting at |level|. Segments which fit are packed
// greedily; segments which don't recurse to the next finer separator,
// and a final hard cut guards against separator-free runs.
func split(text string, max, level int) []string {
	if len(text) <= max {
		return []string{text}
	}
	if level >= len(separators) {
		return hardCut(text, max)
	}

	var sep = separators[level]
	var segments = strings.SplitAfter(text, sep)
	if len(segments) == 1 {
		return split(text, max, level+1)
	}

	var out []string
	var current strings.Builder
	for _, seg := range segments {
		if len(seg) > max {
			if current.Len() > 0 {
				out = append(out, current.String())
				current.Reset()
			}
			out = append(out, split(seg, max, level+1)...)
			continue
		}
		if current.Len()+len(seg) > max {
			out = append(out, current.String())
			current.Reset()
		}
		current.WriteString(seg)
	}
	if current.Len() > 0 {
		out = append(out, current.String())
	}
	return out
}

func hardCut(text string, max int) []string {
	var out []string
	for len(text) > max {
		out = append(out, text[:max])
		text = text[max:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}
