package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridrag/internal/model"
)

func TestGraph_UpsertEntityMergesAliasesOnRepeat(t *testing.T) {
	g := New()
	first := g.UpsertEntity(model.Entity{Name: "Grace Hopper", EntityType: "person"})
	second := g.UpsertEntity(model.Entity{Name: "Grace Hopper", EntityType: "person", Aliases: []string{"Amazing Grace"}})

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, g.NodeCount())
	got, ok := g.GetNode(first.ID)
	require.True(t, ok)
	assert.Equal(t, []string{"Amazing Grace"}, got.Aliases)
}

func TestGraph_FindPaths_DirectNeighbor(t *testing.T) {
	g := New()
	a := g.UpsertEntity(model.Entity{Name: "A", EntityType: "x"})
	b := g.UpsertEntity(model.Entity{Name: "B", EntityType: "x"})
	g.AddRelation(model.Relation{SrcEntity: a.ID, DstEntity: b.ID, Label: "related_to"})

	paths := g.FindPaths(context.Background(), a.ID, 2, 10)
	require.Len(t, paths, 1)
	assert.Equal(t, a.ID, paths[0].Nodes[0])
	assert.Equal(t, b.ID, paths[0].Nodes[1])
	assert.Equal(t, []string{"related_to"}, paths[0].Edges)
}

func TestGraph_FindPaths_TraversesUndirected(t *testing.T) {
	g := New()
	a := g.UpsertEntity(model.Entity{Name: "A", EntityType: "x"})
	b := g.UpsertEntity(model.Entity{Name: "B", EntityType: "x"})
	g.AddRelation(model.Relation{SrcEntity: b.ID, DstEntity: a.ID, Label: "mentions"})

	// a has no outgoing edges of its own; the only path out of a walks
	// the b->a relation backwards.
	paths := g.FindPaths(context.Background(), a.ID, 2, 10)
	require.Len(t, paths, 1)
	assert.Equal(t, a.ID, paths[0].Nodes[0])
	assert.Equal(t, b.ID, paths[0].Nodes[1])
}

func TestGraph_FindPaths_RespectsMaxHops(t *testing.T) {
	g := New()
	a := g.UpsertEntity(model.Entity{Name: "A", EntityType: "x"})
	b := g.UpsertEntity(model.Entity{Name: "B", EntityType: "x"})
	c := g.UpsertEntity(model.Entity{Name: "C", EntityType: "x"})
	g.AddRelation(model.Relation{SrcEntity: a.ID, DstEntity: b.ID, Label: "r1"})
	g.AddRelation(model.Relation{SrcEntity: b.ID, DstEntity: c.ID, Label: "r2"})

	onehop := g.FindPaths(context.Background(), a.ID, 1, 10)
	require.Len(t, onehop, 1)
	assert.Equal(t, b.ID, onehop[0].Nodes[1])

	paths := g.FindPaths(context.Background(), a.ID, 2, 10)
	// a->b (1 hop) and a->b->c (2 hops) both survive; a->b->c must come
	// after a->b since results are shortest-first.
	require.Len(t, paths, 2)
	assert.Equal(t, []string{"r1"}, paths[0].Edges)
	assert.Equal(t, []string{"r1", "r2"}, paths[1].Edges)
}

func TestGraph_FindPaths_TruncatesToMaxPaths(t *testing.T) {
	g := New()
	a := g.UpsertEntity(model.Entity{Name: "A", EntityType: "x"})
	for i := 0; i < 5; i++ {
		mid := g.UpsertEntity(model.Entity{Name: "mid", EntityType: string(rune('a' + i))})
		g.AddRelation(model.Relation{SrcEntity: a.ID, DstEntity: mid.ID, Label: "r"})
	}

	paths := g.FindPaths(context.Background(), a.ID, 3, 2)
	assert.Len(t, paths, 2)
}

func TestGraph_FindPaths_UnknownStartYieldsNil(t *testing.T) {
	g := New()
	assert.Nil(t, g.FindPaths(context.Background(), "does-not-exist", 2, 10))
}

func TestGraph_Neighbors_OrderedByRelationInsertionNotByID(t *testing.T) {
	g := New()
	a := g.UpsertEntity(model.Entity{Name: "A", EntityType: "x"})

	// Create many candidate neighbors up front so at least one sorts before
	// "first" and at least one after "second" by raw UUID value; insertion
	// order below is what must win.
	var first, second model.Entity
	for i := 0; i < 20; i++ {
		n := g.UpsertEntity(model.Entity{Name: "n", EntityType: string(rune('a' + i))})
		if i == 5 {
			first = n
			g.AddRelation(model.Relation{SrcEntity: a.ID, DstEntity: first.ID, Label: "r"})
		}
		if i == 15 {
			second = n
			g.AddRelation(model.Relation{SrcEntity: a.ID, DstEntity: second.ID, Label: "r"})
		}
	}

	neighbors := g.Neighbors(a.ID)
	require.Len(t, neighbors, 2)
	assert.Equal(t, first.ID, neighbors[0])
	assert.Equal(t, second.ID, neighbors[1])
}

func TestGraph_ResolveStart_ByIDAndByName(t *testing.T) {
	g := New()
	a := g.UpsertEntity(model.Entity{Name: "Ada Lovelace", EntityType: "person"})

	byID, ok := g.ResolveStart(string(a.ID))
	require.True(t, ok)
	assert.Equal(t, a.ID, byID)

	byName, ok := g.ResolveStart("Ada Lovelace")
	require.True(t, ok)
	assert.Equal(t, a.ID, byName)

	_, ok = g.ResolveStart("nobody")
	assert.False(t, ok)
}
