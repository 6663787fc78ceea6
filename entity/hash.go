package entity

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// volatileFields are stripped before hashing. They change across runs
// without the entity's content having changed: hierarchy placement,
// presigned URLs, temp-file locations, and engine bookkeeping.
var volatileFields = []string{
	"breadcrumbs",
	"url",
	"download_url",
	"local_path",
	"airweave_system_metadata",
}

// Hash computes the entity's content hash: 64 hex characters of SHA-256.
//
// Non-file entities hash their canonical JSON serialization with volatile
// fields removed, so two entities with equal content fields always hash
// equally regardless of breadcrumbs, URLs, or attached metadata.
//
// File entities hash their file content streamed from LocalPath, followed
// by their stable metadata (name, MIME type, size, and source-control
// coordinates for code files). A rename changes the hash; a refreshed
// download URL does not.
func Hash(e Entity) (string, error) {
	if f, ok := e.(FileEntity); ok {
		var path = f.File().LocalPath
		if path == "" {
			return "", fmt.Errorf("hashing file entity %s: no local file", e.EntityID())
		}
		var r, err = os.Open(path)
		if err != nil {
			return "", fmt.Errorf("hashing file entity %s: %w", e.EntityID(), err)
		}
		defer r.Close()
		return HashFile(f, r)
	}

	var doc, err = canonicalJSON(e)
	if err != nil {
		return "", fmt.Errorf("canonicalizing entity %s: %w", e.EntityID(), err)
	}
	var sum = sha256.Sum256(doc)
	return hex.EncodeToString(sum[:]), nil
}

// HashFile computes the content hash of a file entity from the given
// content reader. It's split from Hash so callers that already hold an
// open stream (or a test fixture) can hash without a local file.
func HashFile(f FileEntity, content io.Reader) (string, error) {
	var h = sha256.New()
	if _, err := io.Copy(h, content); err != nil {
		return "", fmt.Errorf("hashing content of %s: %w", f.EntityID(), err)
	}

	var meta, err = canonicalJSON(stableFileMeta(f))
	if err != nil {
		return "", fmt.Errorf("canonicalizing file metadata of %s: %w", f.EntityID(), err)
	}
	h.Write(meta)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// stableFileMeta collects the file metadata which participates in
// hashing. Download URLs and local paths are deliberately absent.
func stableFileMeta(f FileEntity) map[string]any {
	var fb = f.File()
	var m = map[string]any{
		"name":      fb.Name,
		"mime_type": fb.MimeType,
		"size":      fb.Size,
	}
	if cf, ok := f.(CodeFileEntity); ok {
		var cb = cf.CodeFile()
		m["repo_name"] = cb.RepoName
		m["path_in_repo"] = cb.PathInRepo
		m["commit_id"] = cb.CommitID
		m["sha"] = cb.SHA
		m["language"] = cb.Language
	}
	return m
}

// canonicalJSON renders |v| as deterministic JSON: object keys sorted,
// number literals preserved, and volatile top-level fields removed.
func canonicalJSON(v any) ([]byte, error) {
	var raw, err = json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var dec = json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err = dec.Decode(&tree); err != nil {
		return nil, err
	}
	if m, ok := tree.(map[string]any); ok {
		for _, k := range volatileFields {
			delete(m, k)
		}
	}
	// encoding/json writes map keys in sorted order, which (with UseNumber
	// preserving literals) makes the rendering canonical.
	return json.Marshal(tree)
}

// PayloadFields renders the entity as a destination payload map: its JSON
// fields with the temp-file location and engine metadata removed. URL and
// breadcrumbs stay, since destinations index and display them.
func PayloadFields(e Entity) (map[string]any, error) {
	var raw, err = json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshaling entity %s: %w", e.EntityID(), err)
	}
	var m map[string]any
	if err = json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshaling entity %s: %w", e.EntityID(), err)
	}
	delete(m, "local_path")
	delete(m, "airweave_system_metadata")
	return m, nil
}
