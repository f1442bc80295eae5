// Package ingest implements the document ingestion pipeline: chunking,
// embedding, vector indexing, and LM-based entity extraction into the
// knowledge graph, wiring together components A, B, C, D, F, and the LM
// Client's extraction call.
package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"hybridrag/internal/chunker"
	"hybridrag/internal/embedding"
	"hybridrag/internal/graph"
	"hybridrag/internal/ids"
	"hybridrag/internal/llmclient"
	"hybridrag/internal/model"
	"hybridrag/internal/objectstore"
	"hybridrag/internal/store"
	"hybridrag/internal/vectorindex"
)

// entityExtractionChunkLimit caps entity extraction to the first N chunks
// of a document during ingest, a performance shortcut the spec documents
// and does not propagate to query-time deep retrieval.
const entityExtractionChunkLimit = 5

// entityExtractor is the subset of the LM Client the pipeline depends on.
type entityExtractor interface {
	ExtractEntities(ctx context.Context, text string) (llmclient.ExtractionResult, error)
}

// Request is one ingest call. At least one of Content, SourceURL, or File
// carries the source material; when several are set, File takes
// precedence over SourceURL, and SourceURL over Content.
type Request struct {
	Title            string
	DocType          model.DocType
	Tags             []string
	Content          string
	SourceURL        string
	OriginalFilename string
	File             io.Reader
}

// Result is what a completed (or failed) ingest reports back.
type Result struct {
	DocID             ids.ID
	Status            model.DocStatus
	ChunksCreated     int
	EntitiesExtracted int
}

// Pipeline wires the Chunker, Embedding Provider, Vector Index, Chunk
// Store, object store, and LM-based entity extraction into one ingest
// call per the spec's ingestion flow: Chunker -> Embedding Provider ->
// Vector Index + Chunk Store; entity extraction writes into the
// Knowledge Graph.
type Pipeline struct {
	store     store.Store
	index     vectorindex.Index
	graph     *graph.Graph
	embedder  embedding.Provider
	extractor entityExtractor
	objects   *objectstore.Store
	chunkCfg  chunker.Config
	fetch     func(ctx context.Context, url string) ([]byte, error)
}

// New constructs a Pipeline. chunkCfg zero-value falls back to
// chunker.DefaultConfig().
func New(st store.Store, idx vectorindex.Index, g *graph.Graph, embedder embedding.Provider, extractor entityExtractor, objects *objectstore.Store, chunkCfg chunker.Config) *Pipeline {
	if chunkCfg.Size <= 0 {
		chunkCfg = chunker.DefaultConfig()
	}
	return &Pipeline{
		store:     st,
		index:     idx,
		graph:     g,
		embedder:  embedder,
		extractor: extractor,
		objects:   objects,
		chunkCfg:  chunkCfg,
		fetch:     fetchURL,
	}
}

func fetchURL(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch url: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("fetch url: status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// Ingest runs the full pipeline for one document: resolve source content,
// persist the document row, split into chunks, embed and index them, then
// extract entities from the first few chunks into the knowledge graph.
// Any failure after the document row is created marks it status=failed
// rather than propagating a partial document.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (Result, error) {
	docID := ids.New()

	text, sizeBytes, filePath, err := p.resolveContent(ctx, docID, req)
	if err != nil {
		return Result{}, fmt.Errorf("ingest: resolve content: %w", err)
	}

	title := req.Title
	if title == "" {
		title = req.OriginalFilename
	}
	doc := model.Document{
		ID:        docID,
		Title:     title,
		DocType:   req.DocType,
		FilePath:  filePath,
		SourceURL: req.SourceURL,
		SizeBytes: sizeBytes,
		Status:    model.DocStatusProcessing,
		Tags:      req.Tags,
		CreatedAt: time.Now(),
	}
	if err := p.store.InsertDocument(ctx, doc); err != nil {
		return Result{}, fmt.Errorf("ingest: insert document: %w", err)
	}

	chunks := chunker.Split(docID, text, p.chunkCfg)
	if len(chunks) == 0 {
		if err := p.store.UpdateDocumentStatus(ctx, docID, model.DocStatusCompleted); err != nil {
			return Result{}, fmt.Errorf("ingest: update status: %w", err)
		}
		return Result{DocID: docID, Status: model.DocStatusCompleted}, nil
	}

	if err := p.store.InsertChunks(ctx, store.ChunkBatch{DocID: docID, Chunks: chunks}); err != nil {
		p.fail(ctx, docID)
		return Result{DocID: docID, Status: model.DocStatusFailed}, fmt.Errorf("ingest: insert chunks: %w", err)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		p.fail(ctx, docID)
		return Result{DocID: docID, Status: model.DocStatusFailed, ChunksCreated: len(chunks)}, fmt.Errorf("ingest: embed batch: %w", err)
	}

	chunkVectors := make([]vectorindex.ChunkVector, len(chunks))
	chunkIDs := make([]ids.ID, len(chunks))
	for i, c := range chunks {
		chunkVectors[i] = vectorindex.ChunkVector{ChunkID: c.ID, Vector: vectors[i]}
		chunkIDs[i] = c.ID
	}
	if err := p.index.AddChunks(ctx, chunkVectors); err != nil {
		// Best-effort rollback of whatever partial set made it into the
		// index before the failure.
		_ = p.index.RemoveChunks(ctx, chunkIDs)
		p.fail(ctx, docID)
		return Result{DocID: docID, Status: model.DocStatusFailed, ChunksCreated: len(chunks)}, fmt.Errorf("ingest: add vectors: %w", err)
	}

	entitiesAdded := p.extractEntities(ctx, chunks, docID)

	if err := p.store.UpdateDocumentStatus(ctx, docID, model.DocStatusCompleted); err != nil {
		return Result{}, fmt.Errorf("ingest: update status: %w", err)
	}

	return Result{
		DocID:             docID,
		Status:            model.DocStatusCompleted,
		ChunksCreated:     len(chunks),
		EntitiesExtracted: entitiesAdded,
	}, nil
}

func (p *Pipeline) fail(ctx context.Context, docID ids.ID) {
	if err := p.store.UpdateDocumentStatus(ctx, docID, model.DocStatusFailed); err != nil {
		log.Warn().Err(err).Str("doc_id", string(docID)).Msg("ingest: failed to mark document failed")
	}
}

// extractEntities runs extract_and_add over the first
// entityExtractionChunkLimit chunks, logging and skipping per-chunk
// extraction failures rather than failing the whole ingest.
func (p *Pipeline) extractEntities(ctx context.Context, chunks []model.Chunk, docID ids.ID) int {
	limit := entityExtractionChunkLimit
	if limit > len(chunks) {
		limit = len(chunks)
	}
	total := 0
	for _, c := range chunks[:limit] {
		added, _, err := p.extractAndAdd(ctx, c.Content, docID, c.ID)
		if err != nil {
			log.Warn().Err(err).Str("chunk_id", string(c.ID)).Msg("ingest: entity extraction failed for chunk")
			continue
		}
		total += added
	}
	return total
}

// extractAndAdd implements extract_and_add(text, doc_id, chunk_id):
// mines entities and relations via the LM Client, inserts new nodes/edges
// into the Chunk Store and mirrors them into the in-memory Knowledge
// Graph, and records entity-chunk links. Idempotent on (name, entity_type)
// via the store's and graph's own upsert semantics.
func (p *Pipeline) extractAndAdd(ctx context.Context, text string, docID, chunkID ids.ID) (entitiesAdded, relationsAdded int, err error) {
	extraction, err := p.extractor.ExtractEntities(ctx, text)
	if err != nil {
		return 0, 0, fmt.Errorf("extract_and_add: %w", err)
	}

	byName := make(map[string]model.Entity, len(extraction.Entities))
	for _, e := range extraction.Entities {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			continue
		}
		persisted, err := p.store.UpsertEntity(ctx, model.Entity{Name: name, EntityType: e.Type})
		if err != nil {
			log.Warn().Err(err).Str("entity", name).Msg("ingest: upsert entity failed")
			continue
		}
		p.graph.UpsertEntity(persisted)
		byName[name] = persisted

		if err := p.store.LinkEntityChunk(ctx, model.EntityChunkLink{EntityID: persisted.ID, ChunkID: chunkID}); err != nil {
			log.Warn().Err(err).Str("entity", name).Msg("ingest: link entity-chunk failed")
			continue
		}
		entitiesAdded++
	}

	for _, r := range extraction.Relations {
		src, ok := byName[strings.TrimSpace(r.Source)]
		if !ok {
			continue
		}
		dst, ok := byName[strings.TrimSpace(r.Target)]
		if !ok {
			continue
		}
		relation := model.Relation{
			ID:          ids.New(),
			SrcEntity:   src.ID,
			DstEntity:   dst.ID,
			Label:       r.Label,
			SourceChunk: chunkID,
		}
		if err := p.store.InsertRelation(ctx, relation); err != nil {
			log.Warn().Err(err).Str("label", r.Label).Msg("ingest: insert relation failed")
			continue
		}
		p.graph.AddRelation(relation)
		relationsAdded++
	}

	return entitiesAdded, relationsAdded, nil
}

// resolveContent turns a Request into plain text plus bookkeeping
// metadata, persisting an uploaded file to the object store when
// present.
func (p *Pipeline) resolveContent(ctx context.Context, docID ids.ID, req Request) (text string, sizeBytes int64, filePath string, err error) {
	switch {
	case req.File != nil:
		data, err := io.ReadAll(req.File)
		if err != nil {
			return "", 0, "", fmt.Errorf("read uploaded file: %w", err)
		}
		if p.objects != nil {
			path, _, err := p.objects.Put(docID, req.OriginalFilename, strings.NewReader(string(data)))
			if err != nil {
				return "", 0, "", fmt.Errorf("store uploaded file: %w", err)
			}
			filePath = path
		}
		return string(data), int64(len(data)), filePath, nil

	case req.SourceURL != "":
		data, err := p.fetch(ctx, req.SourceURL)
		if err != nil {
			return "", 0, "", fmt.Errorf("fetch source url: %w", err)
		}
		return string(data), int64(len(data)), "", nil

	default:
		return req.Content, int64(len(req.Content)), "", nil
	}
}
