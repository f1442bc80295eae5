package retrieval

import (
	"context"
	"fmt"
	"sort"

	"hybridrag/internal/apperr"
	"hybridrag/internal/embedding"
	"hybridrag/internal/ids"
	"hybridrag/internal/model"
	"hybridrag/internal/vectorindex"
)

// SpeedRetriever is the Speed Retriever (§4.H): similarity search only, no
// graph expansion. Each step's failure is fatal to the retrieval.
type SpeedRetriever struct {
	index    vectorindex.Index
	store    ChunkStore
	embedder embedding.Provider
	topK     int
}

func NewSpeedRetriever(index vectorindex.Index, st ChunkStore, embedder embedding.Provider, topK int) *SpeedRetriever {
	if topK <= 0 {
		topK = 5
	}
	return &SpeedRetriever{index: index, store: st, embedder: embedder, topK: topK}
}

// Retrieve runs the five fixed steps of §4.H in order.
func (r *SpeedRetriever) Retrieve(ctx context.Context, question string, opts Options) (Result, error) {
	vec, err := r.embedder.EmbedText(ctx, question)
	if err != nil {
		return Result{}, fmt.Errorf("speed retriever: embed question: %w", err)
	}

	topK := resolve(opts.TopK, r.topK)
	matches, err := r.index.Search(ctx, vec, topK)
	if err != nil {
		return Result{}, apperr.New(apperr.Storage, fmt.Errorf("speed retriever: vector search: %w", err))
	}

	hits, err := r.hydrate(ctx, matches)
	if err != nil {
		return Result{}, err
	}

	docs, err := buildDocumentMap(hits, func(docID ids.ID) (model.Document, error) {
		return r.store.GetDocument(ctx, docID)
	})
	if err != nil {
		return Result{}, apperr.New(apperr.Storage, fmt.Errorf("speed retriever: load documents: %w", err))
	}

	contextStr := buildContext(hits, docs, 0)
	return Result{
		Chunks:    hits,
		Documents: docs,
		Context:   contextStr,
		Metadata: Metadata{
			Mode:            "speed",
			ChunksRetrieved: len(hits),
			DocumentsUsed:   len(docs),
		},
	}, nil
}

// RetrieveReranked is the optional term-overlap reranking variant: it
// over-fetches 2x topK, scores by |Q∩C|/|Q| over lowercase token sets,
// sorts descending, and truncates to rerankTopN.
func (r *SpeedRetriever) RetrieveReranked(ctx context.Context, question string, rerankTopN int) (Result, error) {
	vec, err := r.embedder.EmbedText(ctx, question)
	if err != nil {
		return Result{}, fmt.Errorf("speed retriever: embed question: %w", err)
	}

	matches, err := r.index.Search(ctx, vec, r.topK*2)
	if err != nil {
		return Result{}, apperr.New(apperr.Storage, fmt.Errorf("speed retriever: vector search: %w", err))
	}

	hits, err := r.hydrate(ctx, matches)
	if err != nil {
		return Result{}, err
	}

	qTokens := tokenSet(question)
	type scored struct {
		hit     ChunkHit
		overlap float64
	}
	ranked := make([]scored, len(hits))
	for i, h := range hits {
		cTokens := tokenSet(h.Chunk.Content)
		var common int
		for t := range qTokens {
			if cTokens[t] {
				common++
			}
		}
		overlap := 0.0
		if len(qTokens) > 0 {
			overlap = float64(common) / float64(len(qTokens))
		}
		ranked[i] = scored{hit: h, overlap: overlap}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].overlap > ranked[j].overlap })

	if rerankTopN > 0 && len(ranked) > rerankTopN {
		ranked = ranked[:rerankTopN]
	}
	reranked := make([]ChunkHit, len(ranked))
	for i, s := range ranked {
		reranked[i] = s.hit
	}

	docs, err := buildDocumentMap(reranked, func(docID ids.ID) (model.Document, error) {
		return r.store.GetDocument(ctx, docID)
	})
	if err != nil {
		return Result{}, apperr.New(apperr.Storage, fmt.Errorf("speed retriever: load documents: %w", err))
	}
	contextStr := buildContext(reranked, docs, 0)
	return Result{
		Chunks:    reranked,
		Documents: docs,
		Context:   contextStr,
		Metadata: Metadata{
			Mode:            "speed",
			ChunksRetrieved: len(reranked),
			DocumentsUsed:   len(docs),
		},
	}, nil
}

// hydrate loads each match's chunk from the Chunk Store, preserving rank
// order, and attaches score = 1/(1+distance).
func (r *SpeedRetriever) hydrate(ctx context.Context, matches []vectorindex.Match) ([]ChunkHit, error) {
	if len(matches) == 0 {
		return nil, nil
	}
	chunkIDs := make([]ids.ID, len(matches))
	for i, m := range matches {
		chunkIDs[i] = m.ChunkID
	}
	chunks, err := r.store.GetChunks(ctx, chunkIDs)
	if err != nil {
		return nil, apperr.New(apperr.Storage, fmt.Errorf("speed retriever: hydrate chunks: %w", err))
	}
	byID := make(map[ids.ID]model.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}

	hits := make([]ChunkHit, 0, len(matches))
	for _, m := range matches {
		c, ok := byID[m.ChunkID]
		if !ok {
			continue // chunk vanished from the store since indexing; skip rather than fail the whole retrieval
		}
		hits = append(hits, ChunkHit{Chunk: c, Score: scoreFromDistance(m.Distance)})
	}
	return hits, nil
}
