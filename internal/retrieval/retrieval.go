// Package retrieval implements the Speed and Deep Retrievers (components H
// and I): turning a question into ranked chunks, a document set, and an
// assembled context string ready for answer synthesis.
package retrieval

import (
	"context"
	"strings"

	"hybridrag/internal/ids"
	"hybridrag/internal/model"
)

// ChunkStore is the subset of the Chunk Store both retrievers depend on;
// satisfied by *store.SQLite and *store.Postgres.
type ChunkStore interface {
	GetChunks(ctx context.Context, chunkIDs []ids.ID) ([]model.Chunk, error)
	GetDocument(ctx context.Context, docID ids.ID) (model.Document, error)
	EntityNamesForChunk(ctx context.Context, chunkID ids.ID) ([]string, error)
	ChunksForEntityName(ctx context.Context, name string, limit int) ([]model.Chunk, error)
}

// Options carries per-query overrides of a retriever's construction-time
// defaults (spec.md's `query(q, mode=auto, top_k?, max_hops?)`). A nil
// field means "use the retriever's configured default"; a non-nil field,
// including a pointer to 0, is an explicit override (e.g. max_hops=0 must
// yield zero graph paths, not fall back to the configured default).
type Options struct {
	TopK    *int
	MaxHops *int
}

// resolve returns configured when opt is nil, or *opt otherwise.
func resolve(opt *int, configured int) int {
	if opt != nil {
		return *opt
	}
	return configured
}

// ChunkHit is one retrieved chunk with its similarity score.
type ChunkHit struct {
	Chunk model.Chunk
	Score float32
}

// Metadata summarizes a retrieval for provenance and confidence scoring.
type Metadata struct {
	Mode             string
	ChunksRetrieved  int
	DocumentsUsed    int
	GraphPathsFound  int
	EntitiesExpanded int
}

// Result is the common shape both retrievers return.
type Result struct {
	Chunks        []ChunkHit
	Documents     map[ids.ID]model.Document
	Context       string
	Metadata      Metadata
	GraphPaths    [][]string // each inner slice is an ordered list of entity names
	QueryEntities []string
	PathEntities  []string
}

const sectionSeparator = "\n\n---\n\n"

// formatChunk renders one chunk the way both retrievers' "Relevant
// Information" sections do: "[Source: <title>]\n<content>".
func formatChunk(hit ChunkHit, documents map[ids.ID]model.Document) string {
	title := hit.Chunk.DocID.String()
	if doc, ok := documents[hit.Chunk.DocID]; ok {
		title = doc.Title
	}
	return "[Source: " + title + "]\n" + hit.Chunk.Content
}

// buildContext joins up to limit chunks (in their given order) into the
// speed-mode context string; limit <= 0 means no limit.
func buildContext(chunks []ChunkHit, documents map[ids.ID]model.Document, limit int) string {
	if limit > 0 && len(chunks) > limit {
		chunks = chunks[:limit]
	}
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = formatChunk(c, documents)
	}
	return strings.Join(parts, sectionSeparator)
}

// buildDocumentMap loads, at most once per doc id, every document referenced by
// chunks, preserving the group-by-doc_id step both retrievers perform.
type docLoader func(docID ids.ID) (model.Document, error)

func buildDocumentMap(chunks []ChunkHit, load docLoader) (map[ids.ID]model.Document, error) {
	docs := make(map[ids.ID]model.Document)
	for _, c := range chunks {
		if _, ok := docs[c.Chunk.DocID]; ok {
			continue
		}
		doc, err := load(c.Chunk.DocID)
		if err != nil {
			return nil, err
		}
		docs[c.Chunk.DocID] = doc
	}
	return docs, nil
}

func scoreFromDistance(distance float32) float32 {
	return 1 / (1 + distance)
}

// tokenSet lowercases and splits s into a deduplicated set of words, used
// by the optional term-overlap reranker.
func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		out[w] = true
	}
	return out
}
