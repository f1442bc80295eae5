// Package engine implements the Hybrid Engine (component J): the
// top-level query entry point that selects a retrieval mode, dispatches
// to the matching retriever, synthesizes an answer, scores confidence,
// and records provenance.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"hybridrag/internal/apperr"
	"hybridrag/internal/cache"
	"hybridrag/internal/ids"
	"hybridrag/internal/llmclient"
	"hybridrag/internal/model"
	"hybridrag/internal/retrieval"
	"hybridrag/internal/selector"
)

const insufficientInfoAnswer = "I don't have enough information in the knowledge base to answer this question."

const speedSystemPrompt = "Answer tersely using only the provided context. Do not speculate beyond it."
const deepSystemPrompt = "Synthesize an answer across every provided source. If sources disagree, flag the contradiction explicitly."

// modeSelector is the subset of the Mode Selector the engine depends on.
type modeSelector interface {
	Select(ctx context.Context, q string) (selector.Mode, float64)
}

// retriever is satisfied by both *retrieval.SpeedRetriever and
// *retrieval.DeepRetriever.
type retriever interface {
	Retrieve(ctx context.Context, question string, opts retrieval.Options) (retrieval.Result, error)
}

// synthesizer is the subset of the LM Client the engine depends on.
type synthesizer interface {
	SynthesizeAnswer(ctx context.Context, question, context, systemPrompt string, timeout time.Duration) (string, error)
	GenerateStream(ctx context.Context, prompt string, opts llmclient.GenerateOptions, h llmclient.StreamHandler) error
}

// provenanceStore is the subset of the Chunk Store the engine depends on.
type provenanceStore interface {
	InsertProvenanceLog(ctx context.Context, log model.QueryLog) error
}

// Engine is the Hybrid Engine (§4.J).
type Engine struct {
	selector      modeSelector
	speed         retriever
	deep          retriever
	lm            synthesizer
	store         provenanceStore
	cache         *cache.Cache
	answerTimeout time.Duration
}

func New(sel modeSelector, speed, deep retriever, lm synthesizer, store provenanceStore, c *cache.Cache, answerTimeout time.Duration) *Engine {
	return &Engine{selector: sel, speed: speed, deep: deep, lm: lm, store: store, cache: c, answerTimeout: answerTimeout}
}

// QueryOptions controls one query; Mode is "auto" (default), "speed", or
// "deep". TopK and MaxHops are per-query overrides of the retrievers'
// configured defaults; nil means "use the configured default" (spec.md's
// `query(q, mode=auto, top_k?, max_hops?)`).
type QueryOptions struct {
	Mode      string
	TopK      *int
	MaxHops   *int
	SessionID string
}

// Response is what the HTTP surface returns for a completed query.
type Response struct {
	Answer           string
	Confidence       float64
	ModeUsed         string
	Retrieval        retrieval.Result
	ProcessingTimeMs int64
	Cached           bool
}

// Query implements `query(q, mode, top_k?, max_hops?)` (§4.J).
func (e *Engine) Query(ctx context.Context, question string, opts QueryOptions) (Response, error) {
	started := time.Now()

	if strings.TrimSpace(question) == "" {
		return Response{}, apperr.New(apperr.InputInvalid, errors.New("question is required"))
	}

	mode := opts.Mode
	if mode == "" {
		mode = "auto"
	}
	var selectorScore float64
	if mode == "auto" {
		m, score := e.selector.Select(ctx, question)
		mode = string(m)
		selectorScore = score
	}

	if cached, ok := e.cache.Get(ctx, mode, question); ok {
		return Response{
			Answer:           cached.Answer,
			Confidence:       cached.Confidence,
			ModeUsed:         mode,
			ProcessingTimeMs: time.Since(started).Milliseconds(),
			Cached:           true,
		}, nil
	}

	result, err := e.retrieve(ctx, mode, question, opts)
	if err != nil {
		return Response{}, fmt.Errorf("engine: retrieval failed: %w", err)
	}

	log.Debug().Str("mode", mode).Float64("selector_score", selectorScore).Int("chunks", result.Metadata.ChunksRetrieved).Msg("engine: retrieval complete")

	if strings.TrimSpace(result.Context) == "" {
		resp := Response{
			Answer:           insufficientInfoAnswer,
			Confidence:       0,
			ModeUsed:         mode,
			Retrieval:        result,
			ProcessingTimeMs: time.Since(started).Milliseconds(),
		}
		e.logProvenance(ctx, question, resp, opts.SessionID, started)
		return resp, nil
	}

	systemPrompt := speedSystemPrompt
	if mode == "deep" {
		systemPrompt = deepSystemPrompt
	}
	answer, err := e.lm.SynthesizeAnswer(ctx, question, result.Context, systemPrompt, e.answerTimeout)
	if err != nil {
		return Response{}, fmt.Errorf("engine: answer synthesis failed: %w", err)
	}

	confidence := confidenceScore(result.Metadata, mode, answer)

	resp := Response{
		Answer:           answer,
		Confidence:       confidence,
		ModeUsed:         mode,
		Retrieval:        result,
		ProcessingTimeMs: time.Since(started).Milliseconds(),
	}
	e.cache.Set(ctx, mode, question, cache.Entry{Answer: answer, Confidence: confidence})
	e.logProvenance(ctx, question, resp, opts.SessionID, started)
	return resp, nil
}

// QueryStream performs steps 1-3 of §4.J then streams LM output chunks as
// they arrive via h. No confidence is reported for streams.
func (e *Engine) QueryStream(ctx context.Context, question string, opts QueryOptions, h llmclient.StreamHandler) error {
	if strings.TrimSpace(question) == "" {
		return apperr.New(apperr.InputInvalid, errors.New("question is required"))
	}

	mode := opts.Mode
	if mode == "" || mode == "auto" {
		m, _ := e.selector.Select(ctx, question)
		mode = string(m)
	}

	result, err := e.retrieve(ctx, mode, question, opts)
	if err != nil {
		return fmt.Errorf("engine: retrieval failed: %w", err)
	}
	if strings.TrimSpace(result.Context) == "" {
		h.OnDelta(insufficientInfoAnswer)
		return nil
	}

	systemPrompt := speedSystemPrompt
	if mode == "deep" {
		systemPrompt = deepSystemPrompt
	}
	prompt := fmt.Sprintf("Context:\n%s\n\nQuestion: %s", result.Context, question)
	return e.lm.GenerateStream(ctx, prompt, llmclient.GenerateOptions{SystemPrompt: systemPrompt, Temperature: 0.3, MaxTokens: 1024}, h)
}

func (e *Engine) retrieve(ctx context.Context, mode, question string, opts QueryOptions) (retrieval.Result, error) {
	retrievalOpts := retrieval.Options{TopK: opts.TopK, MaxHops: opts.MaxHops}
	if mode == "deep" {
		return e.deep.Retrieve(ctx, question, retrievalOpts)
	}
	return e.speed.Retrieve(ctx, question, retrievalOpts)
}

func (e *Engine) logProvenance(ctx context.Context, question string, resp Response, sessionID string, started time.Time) {
	chunkIDs := make([]ids.ID, len(resp.Retrieval.Chunks))
	for i, c := range resp.Retrieval.Chunks {
		chunkIDs[i] = c.Chunk.ID
	}
	entry := model.QueryLog{
		ID:             ids.New(),
		Question:       question,
		Answer:         resp.Answer,
		Mode:           resp.ModeUsed,
		Confidence:     resp.Confidence,
		ChunkIDs:       chunkIDs,
		ProcessingTime: time.Since(started),
		SessionID:      sessionID,
		Timestamp:      started,
	}
	if err := e.store.InsertProvenanceLog(ctx, entry); err != nil {
		log.Warn().Err(err).Msg("engine: failed to append provenance log")
	}
}

// confidenceScore implements the §4.J confidence heuristic: deterministic,
// starts at 0.5, clamped to [0,1].
func confidenceScore(meta retrieval.Metadata, mode, answer string) float64 {
	score := 0.5

	switch {
	case meta.ChunksRetrieved >= 5:
		score += 0.20
	case meta.ChunksRetrieved >= 3:
		score += 0.10
	}

	switch {
	case meta.DocumentsUsed >= 3:
		score += 0.15
	case meta.DocumentsUsed >= 2:
		score += 0.10
	}

	if mode == "deep" && meta.GraphPathsFound > 0 {
		score += 0.10
	}

	if len(answer) > 100 {
		score += 0.05
	}

	if strings.Contains(answer, "I don't") || strings.Contains(answer, "not enough") {
		score -= 0.20
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}
