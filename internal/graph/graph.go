// Package graph implements the Knowledge Graph (component C): an
// in-memory, undirected-for-traversal multigraph of entities connected by
// labeled relations, supporting bounded multi-hop path search.
package graph

import (
	"context"
	"sort"
	"sync"

	"hybridrag/internal/ids"
	"hybridrag/internal/model"
)

// Edge is one labeled, directed hop out of a node as seen by callers; the
// graph itself stores an adjacency list per node but walks it in both
// directions during path search. Seq records the relation's global
// insertion order, used to break neighbor-ordering ties by insertion
// order rather than by the node id's own value.
type Edge struct {
	To    ids.ID
	Label string
	Seq   int
}

// Path is an ordered walk of entity ids, start to end inclusive, with no
// repeated node (a simple path).
type Path struct {
	Nodes []ids.ID
	Edges []string // Edges[i] labels the hop Nodes[i] -> Nodes[i+1]
}

// Graph is the in-memory Knowledge Graph. Durability is delegated to the
// Chunk Store: every Upsert is mirrored there by the caller so the graph
// can be rebuilt on startup, the same way the engine's other in-memory
// state is hydrated.
type Graph struct {
	mu        sync.RWMutex
	entities  map[ids.ID]model.Entity
	byNameKey map[string]ids.ID // "name\x00type" -> id, for dedup on extraction
	adjacency map[ids.ID][]Edge
	nextSeq   int
}

func New() *Graph {
	return &Graph{
		entities:  make(map[ids.ID]model.Entity),
		byNameKey: make(map[string]ids.ID),
		adjacency: make(map[ids.ID][]Edge),
	}
}

func nameKey(name, entityType string) string { return name + "\x00" + entityType }

// UpsertEntity adds or updates a node. Name+EntityType identifies the
// entity; a repeat upsert merges aliases rather than creating a duplicate.
func (g *Graph) UpsertEntity(e model.Entity) model.Entity {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := nameKey(e.Name, e.EntityType)
	if existing, ok := g.byNameKey[key]; ok {
		merged := g.entities[existing]
		merged.Aliases = mergeAliases(merged.Aliases, e.Aliases)
		g.entities[existing] = merged
		return merged
	}

	if e.ID.Empty() {
		e.ID = ids.New()
	}
	g.entities[e.ID] = e
	g.byNameKey[key] = e.ID
	return e
}

func mergeAliases(existing, add []string) []string {
	seen := make(map[string]bool, len(existing))
	out := append([]string{}, existing...)
	for _, a := range existing {
		seen[a] = true
	}
	for _, a := range add {
		if !seen[a] {
			out = append(out, a)
			seen[a] = true
		}
	}
	return out
}

// AddRelation records a directed labeled edge. The graph walks edges in
// both directions at path-search time, so callers only add the forward
// direction once.
func (g *Graph) AddRelation(r model.Relation) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.adjacency[r.SrcEntity] = append(g.adjacency[r.SrcEntity], Edge{To: r.DstEntity, Label: r.Label, Seq: g.nextSeq})
	g.nextSeq++
}

// GetNode returns the entity for id, or false if it is not known.
func (g *Graph) GetNode(id ids.ID) (model.Entity, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.entities[id]
	return e, ok
}

// GetNodeByName looks an entity up by its unique (name, type) pair.
func (g *Graph) GetNodeByName(name, entityType string) (model.Entity, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.byNameKey[nameKey(name, entityType)]
	if !ok {
		return model.Entity{}, false
	}
	e := g.entities[id]
	return e, true
}

// Neighbors returns the ids directly reachable from id, walking edges in
// both directions (the graph is directed for storage, undirected for
// traversal).
func (g *Graph) Neighbors(id ids.ID) []ids.ID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.neighborsLocked(id)
}

// neighborsLocked returns the ids reachable from id, in the order their
// connecting relation was first inserted (spec.md: "ties broken by
// insertion order"), not by the neighbor id's own value.
func (g *Graph) neighborsLocked(id ids.ID) []ids.ID {
	firstSeq := make(map[ids.ID]int)
	for _, e := range g.adjacency[id] {
		if s, ok := firstSeq[e.To]; !ok || e.Seq < s {
			firstSeq[e.To] = e.Seq
		}
	}
	for src, edges := range g.adjacency {
		for _, e := range edges {
			if e.To != id {
				continue
			}
			if s, ok := firstSeq[src]; !ok || e.Seq < s {
				firstSeq[src] = e.Seq
			}
		}
	}

	out := make([]ids.ID, 0, len(firstSeq))
	for nb := range firstSeq {
		out = append(out, nb)
	}
	sort.Slice(out, func(i, j int) bool { return firstSeq[out[i]] < firstSeq[out[j]] })
	return out
}

// ResolveStart resolves a find_paths start argument that may be either a
// raw entity id or an entity name (the spec documents the parameter as
// "start_name_or_id"). Names are matched against any entity type; when
// several entities share the name, which one is returned is not defined
// (map iteration order). Unknown input yields ("", false)
// so callers can treat an unresolved start as "no paths", not an error.
func (g *Graph) ResolveStart(nameOrID string) (ids.ID, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.entities[ids.ID(nameOrID)]; ok {
		return ids.ID(nameOrID), true
	}
	for id, e := range g.entities {
		if e.Name == nameOrID {
			return id, true
		}
	}
	return "", false
}

// FindPaths enumerates every simple path (no repeated node) starting at
// start, up to maxHops edges, following edges in both directions (the
// graph is directed for storage, undirected for expansion). Results are
// truncated to at most maxPaths, shortest-first; a hop-by-hop breadth-first
// walk makes that ordering fall out naturally, with ties broken by
// discovery order within a hop level. An unknown start yields nil, not an
// error. It runs entirely in-memory and never suspends on I/O.
func (g *Graph) FindPaths(ctx context.Context, start ids.ID, maxHops, maxPaths int) []Path {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.entities[start]; !ok || maxHops <= 0 || maxPaths <= 0 {
		return nil
	}

	var found []Path
	frontier := []Path{{Nodes: []ids.ID{start}}}
	for hop := 0; hop < maxHops && len(found) < maxPaths && len(frontier) > 0; hop++ {
		var next []Path
		for _, p := range frontier {
			current := p.Nodes[len(p.Nodes)-1]
			visited := make(map[ids.ID]bool, len(p.Nodes))
			for _, n := range p.Nodes {
				visited[n] = true
			}

			for _, to := range g.neighborsLocked(current) {
				if visited[to] {
					continue
				}
				extended := Path{
					Nodes: append(append([]ids.ID{}, p.Nodes...), to),
					Edges: append(append([]string{}, p.Edges...), g.edgeLabelLocked(current, to)),
				}
				found = append(found, extended)
				next = append(next, extended)
				if len(found) >= maxPaths {
					break
				}
			}
			if len(found) >= maxPaths {
				break
			}
		}
		frontier = next
	}

	if len(found) > maxPaths {
		found = found[:maxPaths]
	}
	return found
}

// edgeLabelLocked returns the label of the edge between a and b,
// whichever direction it was stored in, for undirected-path display.
// Called with mu already held for reading.
func (g *Graph) edgeLabelLocked(a, b ids.ID) string {
	for _, e := range g.adjacency[a] {
		if e.To == b {
			return e.Label
		}
	}
	for _, e := range g.adjacency[b] {
		if e.To == a {
			return e.Label
		}
	}
	return ""
}

// AllEntities returns every known entity, for startup hydration checks
// and the system status surface.
func (g *Graph) AllEntities() []model.Entity {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]model.Entity, 0, len(g.entities))
	for _, e := range g.entities {
		out = append(out, e)
	}
	return out
}

// NodeCount reports the number of entities currently held.
func (g *Graph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entities)
}
