package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridrag/internal/chunker"
	"hybridrag/internal/embedding"
	"hybridrag/internal/graph"
	"hybridrag/internal/ids"
	"hybridrag/internal/llmclient"
	"hybridrag/internal/model"
	"hybridrag/internal/store"
	"hybridrag/internal/vectorindex"
)

// fakeStore implements store.Store with in-memory maps, enough to drive
// the ingest pipeline end to end.
type fakeStore struct {
	docs      map[ids.ID]model.Document
	chunks    map[ids.ID]model.Chunk
	entities  map[string]model.Entity
	relations []model.Relation
	links     []model.EntityChunkLink
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:     make(map[ids.ID]model.Document),
		chunks:   make(map[ids.ID]model.Chunk),
		entities: make(map[string]model.Entity),
	}
}

func (s *fakeStore) InsertDocument(ctx context.Context, doc model.Document) error {
	s.docs[doc.ID] = doc
	return nil
}
func (s *fakeStore) UpdateDocumentStatus(ctx context.Context, docID ids.ID, status model.DocStatus) error {
	d := s.docs[docID]
	d.Status = status
	s.docs[docID] = d
	return nil
}
func (s *fakeStore) GetDocument(ctx context.Context, docID ids.ID) (model.Document, error) {
	d, ok := s.docs[docID]
	if !ok {
		return model.Document{}, store.ErrNotFound
	}
	return d, nil
}
func (s *fakeStore) ListDocuments(ctx context.Context, limit, offset int, status model.DocStatus) ([]model.Document, error) {
	return nil, nil
}
func (s *fakeStore) DeleteDocument(ctx context.Context, docID ids.ID) error {
	delete(s.docs, docID)
	return nil
}
func (s *fakeStore) InsertChunks(ctx context.Context, batch store.ChunkBatch) error {
	for _, c := range batch.Chunks {
		s.chunks[c.ID] = c
	}
	return nil
}
func (s *fakeStore) GetChunksByDoc(ctx context.Context, docID ids.ID) ([]model.Chunk, error) {
	return nil, nil
}
func (s *fakeStore) GetChunk(ctx context.Context, chunkID ids.ID) (model.Chunk, error) {
	return s.chunks[chunkID], nil
}
func (s *fakeStore) GetChunks(ctx context.Context, chunkIDs []ids.ID) ([]model.Chunk, error) {
	return nil, nil
}
func (s *fakeStore) UpsertEntity(ctx context.Context, e model.Entity) (model.Entity, error) {
	key := e.Name + "\x00" + e.EntityType
	if existing, ok := s.entities[key]; ok {
		return existing, nil
	}
	if e.ID.Empty() {
		e.ID = ids.New()
	}
	s.entities[key] = e
	return e, nil
}
func (s *fakeStore) GetEntityByName(ctx context.Context, name, entityType string) (model.Entity, error) {
	e, ok := s.entities[name+"\x00"+entityType]
	if !ok {
		return model.Entity{}, store.ErrNotFound
	}
	return e, nil
}
func (s *fakeStore) LinkEntityChunk(ctx context.Context, link model.EntityChunkLink) error {
	s.links = append(s.links, link)
	return nil
}
func (s *fakeStore) InsertRelation(ctx context.Context, r model.Relation) error {
	s.relations = append(s.relations, r)
	return nil
}
func (s *fakeStore) EntityNamesForChunk(ctx context.Context, chunkID ids.ID) ([]string, error) {
	return nil, nil
}
func (s *fakeStore) ChunksForEntityName(ctx context.Context, name string, limit int) ([]model.Chunk, error) {
	return nil, nil
}
func (s *fakeStore) AllEntities(ctx context.Context) ([]model.Entity, error) { return nil, nil }
func (s *fakeStore) AllRelations(ctx context.Context) ([]model.Relation, error) {
	return nil, nil
}
func (s *fakeStore) ExecuteQuery(ctx context.Context, entityName string, limit int) ([]store.EntityChunkHit, error) {
	return nil, nil
}
func (s *fakeStore) InsertProvenanceLog(ctx context.Context, log model.QueryLog) error { return nil }
func (s *fakeStore) ListProvenanceLogs(ctx context.Context, limit int, sessionID string) ([]model.QueryLog, error) {
	return nil, nil
}
func (s *fakeStore) Close() error { return nil }

var _ store.Store = (*fakeStore)(nil)

// fakeIndex records every vector passed to AddChunks.
type fakeIndex struct {
	added   []vectorindex.ChunkVector
	addErr  error
	removed []ids.ID
}

func (f *fakeIndex) AddChunks(ctx context.Context, vectors []vectorindex.ChunkVector) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.added = append(f.added, vectors...)
	return nil
}
func (f *fakeIndex) RemoveChunks(ctx context.Context, chunkIDs []ids.ID) error {
	f.removed = append(f.removed, chunkIDs...)
	return nil
}
func (f *fakeIndex) Search(ctx context.Context, query []float32, topK int) ([]vectorindex.Match, error) {
	return nil, nil
}
func (f *fakeIndex) Save(path string) error      { return nil }
func (f *fakeIndex) Load(path string) error      { return nil }
func (f *fakeIndex) GetStats() vectorindex.Stats { return vectorindex.Stats{} }
func (f *fakeIndex) Close() error                { return nil }

var _ vectorindex.Index = (*fakeIndex)(nil)

type fakeExtractor struct {
	result llmclient.ExtractionResult
}

func (f fakeExtractor) ExtractEntities(ctx context.Context, text string) (llmclient.ExtractionResult, error) {
	return f.result, nil
}

func TestPipeline_Ingest_FromContent_CreatesChunksAndVectors(t *testing.T) {
	st := newFakeStore()
	idx := &fakeIndex{}
	g := graph.New()
	embedder := embedding.NewDeterministic(16, false, 1)

	p := New(st, idx, g, embedder, fakeExtractor{}, nil, chunker.Config{Size: 10, Overlap: 0})

	result, err := p.Ingest(context.Background(), Request{
		Title:   "doc one",
		DocType: model.DocTypeText,
		Content: "the quick brown fox jumps over the lazy dog repeatedly",
	})
	require.NoError(t, err)
	assert.Equal(t, model.DocStatusCompleted, result.Status)
	assert.Greater(t, result.ChunksCreated, 0)
	assert.Equal(t, result.ChunksCreated, len(idx.added))
	assert.Equal(t, model.DocStatusCompleted, st.docs[result.DocID].Status)
}

func TestPipeline_Ingest_ExtractsEntitiesIntoGraphAndStore(t *testing.T) {
	st := newFakeStore()
	idx := &fakeIndex{}
	g := graph.New()
	embedder := embedding.NewDeterministic(16, false, 1)
	extractor := fakeExtractor{result: llmclient.ExtractionResult{
		Entities: []llmclient.ExtractedEntity{
			{Name: "Ada Lovelace", Type: "person"},
			{Name: "Analytical Engine", Type: "device"},
		},
		Relations: []llmclient.ExtractedRelation{
			{Source: "Ada Lovelace", Target: "Analytical Engine", Label: "programmed"},
		},
	}}

	p := New(st, idx, g, embedder, extractor, nil, chunker.Config{Size: 1000, Overlap: 0})

	result, err := p.Ingest(context.Background(), Request{
		DocType: model.DocTypeText,
		Content: "Ada Lovelace programmed the Analytical Engine.",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.EntitiesExtracted)
	assert.Len(t, st.relations, 1)
	assert.Equal(t, 2, g.NodeCount())

	ada, ok := g.GetNodeByName("Ada Lovelace", "person")
	require.True(t, ok)
	neighbors := g.Neighbors(ada.ID)
	require.Len(t, neighbors, 1)
}

func TestPipeline_Ingest_VectorAddFailureMarksDocumentFailed(t *testing.T) {
	st := newFakeStore()
	idx := &fakeIndex{addErr: assertErr("boom")}
	g := graph.New()
	embedder := embedding.NewDeterministic(16, false, 1)

	p := New(st, idx, g, embedder, fakeExtractor{}, nil, chunker.Config{Size: 1000, Overlap: 0})

	result, err := p.Ingest(context.Background(), Request{
		DocType: model.DocTypeText,
		Content: "some content that will fail to index",
	})
	require.Error(t, err)
	assert.Equal(t, model.DocStatusFailed, result.Status)
	assert.Equal(t, model.DocStatusFailed, st.docs[result.DocID].Status)
}

func TestPipeline_Ingest_EmptyContentCompletesWithZeroChunks(t *testing.T) {
	st := newFakeStore()
	idx := &fakeIndex{}
	g := graph.New()
	embedder := embedding.NewDeterministic(16, false, 1)

	p := New(st, idx, g, embedder, fakeExtractor{}, nil, chunker.Config{Size: 1000, Overlap: 0})

	result, err := p.Ingest(context.Background(), Request{DocType: model.DocTypeText, Content: ""})
	require.NoError(t, err)
	assert.Equal(t, model.DocStatusCompleted, result.Status)
	assert.Zero(t, result.ChunksCreated)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
