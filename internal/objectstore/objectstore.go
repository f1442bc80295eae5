// Package objectstore persists the raw uploaded bytes of an ingested
// document to the local filesystem, named and rooted the way §6's
// persisted state layout documents.
package objectstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"hybridrag/internal/ids"
)

// Store roots every blob under <root>/documents/<doc_id>_<original_filename>.
type Store struct {
	root string
}

func New(root string) (*Store, error) {
	dir := filepath.Join(root, "documents")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("objectstore: create documents dir: %w", err)
	}
	return &Store{root: root}, nil
}

// Put writes r to disk under docID and the original filename, returning
// the path it was stored at and the number of bytes written.
func (s *Store) Put(docID ids.ID, filename string, r io.Reader) (string, int64, error) {
	path := s.path(docID, filename)
	f, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("objectstore: create %q: %w", path, err)
	}
	defer f.Close()

	n, err := io.Copy(f, r)
	if err != nil {
		return "", 0, fmt.Errorf("objectstore: write %q: %w", path, err)
	}
	return path, n, nil
}

// Get opens the blob at path for reading. Callers are responsible for
// closing it.
func (s *Store) Get(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("objectstore: open %q: %w", path, err)
	}
	return f, nil
}

// Delete removes the blob at path. A missing file is not an error: the
// caller's document record is the source of truth, not the filesystem.
func (s *Store) Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("objectstore: delete %q: %w", path, err)
	}
	return nil
}

func (s *Store) path(docID ids.ID, filename string) string {
	return filepath.Join(s.root, "documents", docID.String()+"_"+filepath.Base(filename))
}
