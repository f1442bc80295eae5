package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridrag/internal/graph"
	"hybridrag/internal/ids"
	"hybridrag/internal/llmclient"
	"hybridrag/internal/model"
	"hybridrag/internal/vectorindex"
)

type fakeExtractor struct {
	result llmclient.ExtractionResult
	err    error
}

func (f fakeExtractor) ExtractEntities(ctx context.Context, text string) (llmclient.ExtractionResult, error) {
	return f.result, f.err
}

func TestDeepRetriever_Retrieve_EmptyVectorSearchReturnsEmptyResult(t *testing.T) {
	idx := fakeIndex{}
	r := NewDeepRetriever(idx, &fakeStore{}, fakeEmbedder{dim: 4}, graph.New(), fakeExtractor{}, 5, 2, 32)
	result, err := r.Retrieve(context.Background(), "anything", Options{})
	require.NoError(t, err)
	assert.Equal(t, "deep", result.Metadata.Mode)
	assert.Zero(t, result.Metadata.ChunksRetrieved)
}

func TestDeepRetriever_Retrieve_ExpandsViaGraphPaths(t *testing.T) {
	doc := model.Document{ID: ids.New(), Title: "Doc A"}
	c1 := model.Chunk{ID: ids.New(), DocID: doc.ID, Content: "Ada Lovelace designed it"}
	c2 := model.Chunk{ID: ids.New(), DocID: doc.ID, Content: "the analytical engine ran programs"}

	g := graph.New()
	ada := g.UpsertEntity(model.Entity{Name: "Ada Lovelace", EntityType: "person"})
	engine := g.UpsertEntity(model.Entity{Name: "Analytical Engine", EntityType: "device"})
	g.AddRelation(model.Relation{SrcEntity: ada.ID, DstEntity: engine.ID, Label: "designed"})

	st := &fakeStore{
		chunks:      map[ids.ID]model.Chunk{c1.ID: c1, c2.ID: c2},
		docs:        map[ids.ID]model.Document{doc.ID: doc},
		entityNames: map[ids.ID][]string{c1.ID: {"Ada Lovelace"}},
		entityChunks: map[string][]model.Chunk{
			"Analytical Engine": {c2},
		},
	}
	idx := fakeIndex{matches: []vectorindex.Match{{ChunkID: c1.ID, Distance: 0.1}}}
	extractor := fakeExtractor{result: llmclient.ExtractionResult{
		Entities: []llmclient.ExtractedEntity{{Name: "Ada Lovelace", Type: "person"}},
	}}

	r := NewDeepRetriever(idx, st, fakeEmbedder{dim: 4}, g, extractor, 5, 2, 32)
	result, err := r.Retrieve(context.Background(), "who designed the analytical engine?", Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"Ada Lovelace"}, result.QueryEntities)
	assert.Equal(t, 1, result.Metadata.GraphPathsFound)
	assert.Equal(t, 1, result.Metadata.EntitiesExpanded)
	require.Len(t, result.Chunks, 2)
	assert.Equal(t, c1.ID, result.Chunks[0].Chunk.ID)
	assert.Equal(t, c2.ID, result.Chunks[1].Chunk.ID)
	assert.Contains(t, result.Context, "Key Entities: Ada Lovelace")
	assert.Contains(t, result.Context, "Knowledge Graph Paths:")
	assert.Contains(t, result.Context, "1. Ada Lovelace -> Analytical Engine")
	assert.Contains(t, result.Context, "Relevant Information:")
}

func TestDeepRetriever_Retrieve_PerQueryMaxHopsZeroYieldsNoGraphPaths(t *testing.T) {
	doc := model.Document{ID: ids.New(), Title: "Doc A"}
	c1 := model.Chunk{ID: ids.New(), DocID: doc.ID, Content: "Ada Lovelace designed it"}

	g := graph.New()
	ada := g.UpsertEntity(model.Entity{Name: "Ada Lovelace", EntityType: "person"})
	engine := g.UpsertEntity(model.Entity{Name: "Analytical Engine", EntityType: "device"})
	g.AddRelation(model.Relation{SrcEntity: ada.ID, DstEntity: engine.ID, Label: "designed"})

	st := &fakeStore{
		chunks:      map[ids.ID]model.Chunk{c1.ID: c1},
		docs:        map[ids.ID]model.Document{doc.ID: doc},
		entityNames: map[ids.ID][]string{c1.ID: {"Ada Lovelace"}},
	}
	idx := fakeIndex{matches: []vectorindex.Match{{ChunkID: c1.ID, Distance: 0.1}}}
	extractor := fakeExtractor{result: llmclient.ExtractionResult{
		Entities: []llmclient.ExtractedEntity{{Name: "Ada Lovelace", Type: "person"}},
	}}

	r := NewDeepRetriever(idx, st, fakeEmbedder{dim: 4}, g, extractor, 5, 2, 32)
	maxHops := 0
	result, err := r.Retrieve(context.Background(), "who designed the analytical engine?", Options{MaxHops: &maxHops})
	require.NoError(t, err)
	assert.Zero(t, result.Metadata.GraphPathsFound)
	assert.Zero(t, result.Metadata.EntitiesExpanded)
}

func TestDeepRetriever_Retrieve_FallsBackToTokensWhenExtractionFails(t *testing.T) {
	doc := model.Document{ID: ids.New(), Title: "Doc A"}
	c1 := model.Chunk{ID: ids.New(), DocID: doc.ID, Content: "some content"}
	st := &fakeStore{
		chunks: map[ids.ID]model.Chunk{c1.ID: c1},
		docs:   map[ids.ID]model.Document{doc.ID: doc},
	}
	idx := fakeIndex{matches: []vectorindex.Match{{ChunkID: c1.ID, Distance: 0.3}}}
	extractor := fakeExtractor{err: assertionError("lm down")}

	r := NewDeepRetriever(idx, st, fakeEmbedder{dim: 4}, graph.New(), extractor, 5, 2, 32)
	result, err := r.Retrieve(context.Background(), "what about programming?", Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"what", "about", "programming"}, result.QueryEntities)
}

type assertionError string

func (e assertionError) Error() string { return string(e) }
