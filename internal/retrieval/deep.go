package retrieval

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"hybridrag/internal/apperr"
	"hybridrag/internal/embedding"
	"hybridrag/internal/graph"
	"hybridrag/internal/ids"
	"hybridrag/internal/llmclient"
	"hybridrag/internal/model"
	"hybridrag/internal/vectorindex"
)

// maxContextChunks and maxContextPaths bound the "Relevant Information"
// and "Knowledge Graph Paths" sections of the assembled context (§4.I
// step 7), independent of how many chunks/paths were actually gathered.
const (
	maxContextChunks = 10
	maxContextPaths  = 5
	chunksPerEntity  = 2
)

// entityExtractor is the subset of the LM Client the deep retriever needs.
type entityExtractor interface {
	ExtractEntities(ctx context.Context, text string) (llmclient.ExtractionResult, error)
}

// DeepRetriever is the Deep Retriever (§4.I): vector search plus
// knowledge-graph-driven expansion.
type DeepRetriever struct {
	index    vectorindex.Index
	store    ChunkStore
	embedder embedding.Provider
	graph    *graph.Graph
	extract  entityExtractor
	topK     int
	maxHops  int
	maxPaths int
}

func NewDeepRetriever(index vectorindex.Index, st ChunkStore, embedder embedding.Provider, g *graph.Graph, extract entityExtractor, topK, maxHops, maxPaths int) *DeepRetriever {
	if topK <= 0 {
		topK = 5
	}
	if maxHops <= 0 {
		maxHops = 2
	}
	if maxPaths <= 0 {
		maxPaths = 32
	}
	return &DeepRetriever{index: index, store: st, embedder: embedder, graph: g, extract: extract, topK: topK, maxHops: maxHops, maxPaths: maxPaths}
}

// Retrieve runs the eight fixed steps of §4.I in order.
func (r *DeepRetriever) Retrieve(ctx context.Context, question string, opts Options) (Result, error) {
	topK := resolve(opts.TopK, r.topK)
	maxHops := resolve(opts.MaxHops, r.maxHops)

	vec, err := r.embedder.EmbedText(ctx, question)
	if err != nil {
		return Result{}, fmt.Errorf("deep retriever: embed question: %w", err)
	}
	matches, err := r.index.Search(ctx, vec, topK)
	if err != nil {
		return Result{}, apperr.New(apperr.Storage, fmt.Errorf("deep retriever: vector search: %w", err))
	}
	if len(matches) == 0 {
		return Result{Metadata: Metadata{Mode: "deep"}}, nil
	}

	queryEntities := r.resolveQueryEntities(ctx, question)

	initialHits, chunkEntities, err := r.hydrateWithEntities(ctx, matches)
	if err != nil {
		return Result{}, err
	}

	pathEntities, rawPaths := r.expandGraph(ctx, queryEntities, maxHops)

	expansionHits, err := r.expandChunks(ctx, pathEntities, chunkEntities, initialHits)
	if err != nil {
		return Result{}, err
	}

	// E = P_E \ C_E (§4.I step 5): the distinct entities the graph walk
	// actually contributed beyond what the initial chunks already named.
	expandedEntities := 0
	for _, name := range pathEntities {
		if !chunkEntities[name] {
			expandedEntities++
		}
	}

	allHits := append(append([]ChunkHit{}, initialHits...), expansionHits...)
	docs, err := buildDocumentMap(allHits, func(docID ids.ID) (model.Document, error) {
		return r.store.GetDocument(ctx, docID)
	})
	if err != nil {
		return Result{}, apperr.New(apperr.Storage, fmt.Errorf("deep retriever: load documents: %w", err))
	}

	contextStr := assembleDeepContext(queryEntities, rawPaths, allHits, docs)

	return Result{
		Chunks:        allHits,
		Documents:     docs,
		Context:       contextStr,
		GraphPaths:    rawPaths,
		QueryEntities: queryEntities,
		PathEntities:  pathEntities,
		Metadata: Metadata{
			Mode:             "deep",
			ChunksRetrieved:  len(allHits),
			DocumentsUsed:    len(docs),
			GraphPathsFound:  len(rawPaths),
			EntitiesExpanded: expandedEntities,
		},
	}, nil
}

// resolveQueryEntities runs extract_entities(q) via the LM; on failure it
// falls back to the tokens of q longer than 3 characters (§4.I step 2).
func (r *DeepRetriever) resolveQueryEntities(ctx context.Context, question string) []string {
	if r.extract != nil {
		result, err := r.extract.ExtractEntities(ctx, question)
		if err == nil && len(result.Entities) > 0 {
			names := make([]string, 0, len(result.Entities))
			seen := make(map[string]bool)
			for _, e := range result.Entities {
				if !seen[e.Name] {
					seen[e.Name] = true
					names = append(names, e.Name)
				}
			}
			return names
		}
	}
	return fallbackTokens(question)
}

func fallbackTokens(q string) []string {
	fields := strings.FieldsFunc(q, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	})
	seen := make(map[string]bool)
	var out []string
	for _, f := range fields {
		if len(f) > 3 && !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

// hydrateWithEntities hydrates the initial chunks and, for each, fetches
// its linked entity names, forming the chunk entity set C_E (§4.I step 3).
func (r *DeepRetriever) hydrateWithEntities(ctx context.Context, matches []vectorindex.Match) ([]ChunkHit, map[string]bool, error) {
	chunkIDs := make([]ids.ID, len(matches))
	for i, m := range matches {
		chunkIDs[i] = m.ChunkID
	}
	chunks, err := r.store.GetChunks(ctx, chunkIDs)
	if err != nil {
		return nil, nil, apperr.New(apperr.Storage, fmt.Errorf("deep retriever: hydrate chunks: %w", err))
	}
	byID := make(map[ids.ID]model.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}

	hits := make([]ChunkHit, 0, len(matches))
	entitySet := make(map[string]bool)
	for _, m := range matches {
		c, ok := byID[m.ChunkID]
		if !ok {
			continue
		}
		hits = append(hits, ChunkHit{Chunk: c, Score: scoreFromDistance(m.Distance)})

		names, err := r.store.EntityNamesForChunk(ctx, c.ID)
		if err != nil {
			continue // degraded-but-served: missing entity links don't fail retrieval
		}
		for _, n := range names {
			entitySet[n] = true
		}
	}
	return hits, entitySet, nil
}

// expandGraph runs find_paths(name, max_hops) for every query entity,
// collecting every reachable node's name into the path entity set P_E
// (preserving encountered order) and every raw path as a name sequence.
func (r *DeepRetriever) expandGraph(ctx context.Context, queryEntities []string, maxHops int) ([]string, [][]string) {
	var pathEntities []string
	seen := make(map[string]bool)
	var rawPaths [][]string

	for _, name := range queryEntities {
		start, ok := r.graph.ResolveStart(name)
		if !ok {
			continue
		}
		paths := r.graph.FindPaths(ctx, start, maxHops, r.maxPaths)
		for _, p := range paths {
			named := make([]string, 0, len(p.Nodes))
			for _, nodeID := range p.Nodes {
				entity, ok := r.graph.GetNode(nodeID)
				nodeName := nodeID.String()
				if ok {
					nodeName = entity.Name
				}
				named = append(named, nodeName)
				if !seen[nodeName] {
					seen[nodeName] = true
					pathEntities = append(pathEntities, nodeName)
				}
			}
			rawPaths = append(rawPaths, named)
		}
	}
	return pathEntities, rawPaths
}

// expandChunks computes E = P_E \ C_E and fetches up to two additional
// chunks per entity in E, preserving overall order and skipping chunks
// already present from the initial search (§4.I step 5).
func (r *DeepRetriever) expandChunks(ctx context.Context, pathEntities []string, chunkEntities map[string]bool, existing []ChunkHit) ([]ChunkHit, error) {
	present := make(map[ids.ID]bool, len(existing))
	for _, h := range existing {
		present[h.Chunk.ID] = true
	}

	var expansion []ChunkHit
	for _, name := range pathEntities {
		if chunkEntities[name] {
			continue
		}
		chunks, err := r.store.ChunksForEntityName(ctx, name, chunksPerEntity)
		if err != nil {
			continue // degraded-but-served: expansion lookups may be skipped
		}
		for _, c := range chunks {
			if present[c.ID] {
				continue
			}
			present[c.ID] = true
			expansion = append(expansion, ChunkHit{Chunk: c, Score: 0})
		}
	}
	return expansion, nil
}

// assembleDeepContext builds the three labeled sections of §4.I step 7.
func assembleDeepContext(queryEntities []string, rawPaths [][]string, hits []ChunkHit, docs map[ids.ID]model.Document) string {
	var b strings.Builder

	b.WriteString("Key Entities: ")
	b.WriteString(strings.Join(queryEntities, ", "))

	b.WriteString("\n\nKnowledge Graph Paths:")
	pathLimit := rawPaths
	if len(pathLimit) > maxContextPaths {
		pathLimit = pathLimit[:maxContextPaths]
	}
	for i, p := range pathLimit {
		b.WriteString("\n")
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(". ")
		b.WriteString(strings.Join(p, " -> "))
	}

	b.WriteString("\n\nRelevant Information:\n")
	b.WriteString(buildContext(hits, docs, maxContextChunks))

	return b.String()
}
