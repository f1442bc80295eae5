package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridrag/internal/apperr"
	"hybridrag/internal/chunker"
	"hybridrag/internal/embedding"
	"hybridrag/internal/engine"
	"hybridrag/internal/graph"
	"hybridrag/internal/ids"
	"hybridrag/internal/ingest"
	"hybridrag/internal/llmclient"
	"hybridrag/internal/model"
	"hybridrag/internal/retrieval"
	"hybridrag/internal/selector"
	"hybridrag/internal/store"
	"hybridrag/internal/vectorindex"
)

type memStore struct {
	docs   map[ids.ID]model.Document
	chunks map[ids.ID][]model.Chunk
	logs   []model.QueryLog
}

func newMemStore() *memStore {
	return &memStore{docs: map[ids.ID]model.Document{}, chunks: map[ids.ID][]model.Chunk{}}
}

func (s *memStore) InsertDocument(ctx context.Context, doc model.Document) error {
	s.docs[doc.ID] = doc
	return nil
}
func (s *memStore) UpdateDocumentStatus(ctx context.Context, docID ids.ID, status model.DocStatus) error {
	d := s.docs[docID]
	d.Status = status
	s.docs[docID] = d
	return nil
}
func (s *memStore) GetDocument(ctx context.Context, docID ids.ID) (model.Document, error) {
	d, ok := s.docs[docID]
	if !ok {
		return model.Document{}, store.ErrNotFound
	}
	return d, nil
}
func (s *memStore) ListDocuments(ctx context.Context, limit, offset int, status model.DocStatus) ([]model.Document, error) {
	var out []model.Document
	for _, d := range s.docs {
		out = append(out, d)
	}
	return out, nil
}
func (s *memStore) DeleteDocument(ctx context.Context, docID ids.ID) error {
	delete(s.docs, docID)
	delete(s.chunks, docID)
	return nil
}
func (s *memStore) InsertChunks(ctx context.Context, batch store.ChunkBatch) error {
	s.chunks[batch.DocID] = append(s.chunks[batch.DocID], batch.Chunks...)
	return nil
}
func (s *memStore) GetChunksByDoc(ctx context.Context, docID ids.ID) ([]model.Chunk, error) {
	return s.chunks[docID], nil
}
func (s *memStore) GetChunk(ctx context.Context, chunkID ids.ID) (model.Chunk, error) {
	return model.Chunk{}, store.ErrNotFound
}
func (s *memStore) GetChunks(ctx context.Context, chunkIDs []ids.ID) ([]model.Chunk, error) {
	return nil, nil
}
func (s *memStore) UpsertEntity(ctx context.Context, e model.Entity) (model.Entity, error) {
	if e.ID.Empty() {
		e.ID = ids.New()
	}
	return e, nil
}
func (s *memStore) GetEntityByName(ctx context.Context, name, entityType string) (model.Entity, error) {
	return model.Entity{}, store.ErrNotFound
}
func (s *memStore) LinkEntityChunk(ctx context.Context, link model.EntityChunkLink) error { return nil }
func (s *memStore) InsertRelation(ctx context.Context, r model.Relation) error            { return nil }
func (s *memStore) EntityNamesForChunk(ctx context.Context, chunkID ids.ID) ([]string, error) {
	return nil, nil
}
func (s *memStore) ChunksForEntityName(ctx context.Context, name string, limit int) ([]model.Chunk, error) {
	return nil, nil
}
func (s *memStore) AllEntities(ctx context.Context) ([]model.Entity, error)   { return nil, nil }
func (s *memStore) AllRelations(ctx context.Context) ([]model.Relation, error) { return nil, nil }
func (s *memStore) ExecuteQuery(ctx context.Context, entityName string, limit int) ([]store.EntityChunkHit, error) {
	return nil, nil
}
func (s *memStore) InsertProvenanceLog(ctx context.Context, log model.QueryLog) error {
	s.logs = append(s.logs, log)
	return nil
}
func (s *memStore) ListProvenanceLogs(ctx context.Context, limit int, sessionID string) ([]model.QueryLog, error) {
	return s.logs, nil
}
func (s *memStore) Close() error { return nil }

var _ store.Store = (*memStore)(nil)

type memIndex struct{ removed []ids.ID }

func (m *memIndex) AddChunks(ctx context.Context, vectors []vectorindex.ChunkVector) error {
	return nil
}
func (m *memIndex) RemoveChunks(ctx context.Context, chunkIDs []ids.ID) error {
	m.removed = append(m.removed, chunkIDs...)
	return nil
}
func (m *memIndex) Search(ctx context.Context, query []float32, topK int) ([]vectorindex.Match, error) {
	return nil, nil
}
func (m *memIndex) Save(path string) error      { return nil }
func (m *memIndex) Load(path string) error      { return nil }
func (m *memIndex) GetStats() vectorindex.Stats { return vectorindex.Stats{VectorCount: 0} }
func (m *memIndex) Close() error                { return nil }

var _ vectorindex.Index = (*memIndex)(nil)

type fakeSelector struct{}

func (fakeSelector) Select(ctx context.Context, q string) (selector.Mode, float64) {
	return selector.ModeSpeed, 0.1
}

type fakeRetriever struct{ result retrieval.Result }

func (f fakeRetriever) Retrieve(ctx context.Context, question string, opts retrieval.Options) (retrieval.Result, error) {
	return f.result, nil
}

type fakeSynth struct{}

func (fakeSynth) SynthesizeAnswer(ctx context.Context, question, context, systemPrompt string, timeout time.Duration) (string, error) {
	return "a grounded answer", nil
}
func (fakeSynth) GenerateStream(ctx context.Context, prompt string, opts llmclient.GenerateOptions, h llmclient.StreamHandler) error {
	h.OnDelta("stream ")
	h.OnDelta("chunk")
	return nil
}
func (fakeSynth) CheckConnection(ctx context.Context) error { return nil }

type fakeExtractor struct{}

func (fakeExtractor) ExtractEntities(ctx context.Context, text string) (llmclient.ExtractionResult, error) {
	return llmclient.ExtractionResult{}, nil
}

func newTestServer(t *testing.T) (*Server, *memStore, *memIndex) {
	t.Helper()
	st := newMemStore()
	idx := &memIndex{}
	g := graph.New()
	embedder := embedding.NewDeterministic(8, false, 1)

	result := retrieval.Result{
		Context:  "[Source: Doc]\nsome content",
		Chunks:   []retrieval.ChunkHit{{Chunk: model.Chunk{ID: ids.New(), DocID: ids.New(), Content: "some content"}, Score: 0.9}},
		Metadata: retrieval.Metadata{Mode: "speed", ChunksRetrieved: 1, DocumentsUsed: 1},
	}
	eng := engine.New(fakeSelector{}, fakeRetriever{result: result}, fakeRetriever{}, fakeSynth{}, st, nil, time.Second)
	pipeline := ingest.New(st, idx, g, embedder, fakeExtractor{}, nil, chunker.Config{Size: 50, Overlap: 0})

	srv := NewServer(eng, pipeline, st, idx, g, nil, fakeSynth{})
	return srv, st, idx
}

func TestHandleIngest_FromContent(t *testing.T) {
	srv, st, _ := newTestServer(t)

	var buf strings.Builder
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("doc_type", "text")
	_ = mw.WriteField("title", "hello")
	_ = mw.WriteField("content", strings.Repeat("hello world ", 20))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/ingest", strings.NewReader(buf.String()))
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp ingestResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "completed", resp.Status)
	assert.Greater(t, resp.ChunksCreated, 0)
	assert.Len(t, st.docs, 1)
}

func TestHandleIngest_MissingSourceIsBadRequest(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var buf strings.Builder
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("doc_type", "text")
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/ingest", strings.NewReader(buf.String()))
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleGetDocument_NotFoundReturns404(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/documents/does-not-exist", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleDeleteDocument_RemovesVectorsAndRecord(t *testing.T) {
	srv, st, idx := newTestServer(t)
	docID := ids.New()
	chunkID := ids.New()
	st.docs[docID] = model.Document{ID: docID, Status: model.DocStatusCompleted}
	st.chunks[docID] = []model.Chunk{{ID: chunkID, DocID: docID}}

	req := httptest.NewRequest(http.MethodDelete, "/api/documents/"+docID.String(), nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	_, exists := st.docs[docID]
	assert.False(t, exists)
	assert.Contains(t, idx.removed, chunkID)
}

func TestHandleQuery_ReturnsAnswerAndOptionalProvenance(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body := `{"question":"what is x?","mode":"speed","include_provenance":true,"include_reasoning":true}`
	req := httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp queryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "a grounded answer", resp.Answer)
	assert.Equal(t, "speed", resp.ModeUsed)
	require.NotNil(t, resp.Provenance)
	assert.Len(t, resp.Provenance.Chunks, 1)
	assert.NotEmpty(t, resp.ReasoningSteps)
}

func TestHandleQuery_EmptyQuestionIsBadRequest(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader(`{"question":""}`))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleQueryStream_WritesDeltasAsPlainText(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/query/stream", strings.NewReader(`{"question":"q","mode":"speed"}`))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "stream chunk", w.Body.String())
}

func TestStatusFromError_MapsKindToStatusCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{apperr.New(apperr.InputInvalid, errors.New("bad")), http.StatusBadRequest},
		{apperr.New(apperr.NotFound, errors.New("missing")), http.StatusNotFound},
		{apperr.New(apperr.UpstreamTransient, errors.New("timeout")), http.StatusServiceUnavailable},
		{apperr.New(apperr.UpstreamFatal, errors.New("rejected")), http.StatusBadGateway},
		{apperr.New(apperr.Storage, errors.New("disk")), http.StatusInternalServerError},
		{fmt.Errorf("wrapped: %w", apperr.New(apperr.NotFound, errors.New("missing"))), http.StatusNotFound},
		{store.ErrNotFound, http.StatusNotFound},
		{errors.New("unclassified"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFromError(tc.err))
	}
}

func TestHandleSystemHealth_ReportsLMReachability(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/system/health", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["lm_reachable"])
}
