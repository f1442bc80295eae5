package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridrag/internal/ids"
	"hybridrag/internal/model"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chunkstore.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLite_DocumentLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestSQLite(t)

	doc := model.Document{
		ID:        ids.New(),
		Title:     "Quarterly Report",
		DocType:   model.DocTypePDF,
		FilePath:  "/data/documents/report.pdf",
		Status:    model.DocStatusProcessing,
		Tags:      []string{"finance", "q3"},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.InsertDocument(ctx, doc))

	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.Title, got.Title)
	assert.Equal(t, doc.Tags, got.Tags)
	assert.Equal(t, model.DocStatusProcessing, got.Status)

	require.NoError(t, s.UpdateDocumentStatus(ctx, doc.ID, model.DocStatusCompleted))
	got, err = s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DocStatusCompleted, got.Status)

	require.NoError(t, s.DeleteDocument(ctx, doc.ID))
	_, err = s.GetDocument(ctx, doc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_GetDocument_NotFound(t *testing.T) {
	t.Parallel()
	s := newTestSQLite(t)
	_, err := s.GetDocument(context.Background(), ids.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_InsertChunks_CascadesOnDocumentDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestSQLite(t)

	doc := model.Document{ID: ids.New(), Title: "t", DocType: model.DocTypeText, Status: model.DocStatusCompleted, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.InsertDocument(ctx, doc))

	chunks := []model.Chunk{
		{ID: ids.New(), DocID: doc.ID, StartChar: 0, EndChar: 10, ChunkIndex: 0, Content: "hello world"},
		{ID: ids.New(), DocID: doc.ID, StartChar: 10, EndChar: 20, ChunkIndex: 1, Content: "second span"},
	}
	require.NoError(t, s.InsertChunks(ctx, ChunkBatch{DocID: doc.ID, Chunks: chunks}))

	got, err := s.GetChunksByDoc(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].ChunkIndex)
	assert.Equal(t, 1, got[1].ChunkIndex)

	require.NoError(t, s.DeleteDocument(ctx, doc.ID))
	remaining, err := s.GetChunksByDoc(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestSQLite_EntityUpsertIsIdempotentOnNameAndType(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestSQLite(t)

	first, err := s.UpsertEntity(ctx, model.Entity{Name: "Ada Lovelace", EntityType: "person"})
	require.NoError(t, err)

	second, err := s.UpsertEntity(ctx, model.Entity{Name: "Ada Lovelace", EntityType: "person", Aliases: []string{"Ada"}})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, []string{"Ada"}, second.Aliases)
}

func TestSQLite_ExecuteQuery_JoinsEntityChunkLinks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestSQLite(t)

	doc := model.Document{ID: ids.New(), Title: "t", DocType: model.DocTypeText, Status: model.DocStatusCompleted, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.InsertDocument(ctx, doc))
	chunk := model.Chunk{ID: ids.New(), DocID: doc.ID, StartChar: 0, EndChar: 5, ChunkIndex: 0, Content: "Turing"}
	require.NoError(t, s.InsertChunks(ctx, ChunkBatch{DocID: doc.ID, Chunks: []model.Chunk{chunk}}))

	entity, err := s.UpsertEntity(ctx, model.Entity{Name: "Alan Turing", EntityType: "person"})
	require.NoError(t, err)
	require.NoError(t, s.LinkEntityChunk(ctx, model.EntityChunkLink{EntityID: entity.ID, ChunkID: chunk.ID}))

	hits, err := s.ExecuteQuery(ctx, "Alan Turing", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, chunk.ID, hits[0].Chunk.ID)
	assert.Equal(t, "Alan Turing", hits[0].Entity.Name)
}

func TestSQLite_ProvenanceLogRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestSQLite(t)

	log := model.QueryLog{
		ID:             ids.New(),
		Question:       "who invented the telephone?",
		Answer:         "Alexander Graham Bell.",
		Mode:           "speed",
		Confidence:     0.82,
		ChunkIDs:       []ids.ID{ids.New(), ids.New()},
		ProcessingTime: 250 * time.Millisecond,
		SessionID:      "sess-1",
		Timestamp:      time.Now().UTC(),
	}
	require.NoError(t, s.InsertProvenanceLog(ctx, log))

	logs, err := s.ListProvenanceLogs(ctx, 10, "sess-1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, log.Answer, logs[0].Answer)
	assert.Equal(t, log.ChunkIDs, logs[0].ChunkIDs)
	assert.Equal(t, log.ProcessingTime, logs[0].ProcessingTime)
}
