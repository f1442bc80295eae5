// Package llmclient implements the LM Client (component E): a thin,
// provider-agnostic wrapper for text generation, intent detection, and
// entity extraction, used by the ingestion pipeline's entity extraction,
// the mode selector, the deep retriever's query-entity extraction, and
// the engine's answer synthesis step.
package llmclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"hybridrag/internal/apperr"
	"hybridrag/internal/model"
)

// GenerateOptions controls one generation call.
type GenerateOptions struct {
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}

// StreamHandler receives incremental generation output, mirroring the
// pack's own streaming callback shape for chat providers.
type StreamHandler interface {
	OnDelta(text string)
}

// Provider is implemented by each concrete backend (Anthropic, OpenAI).
type Provider interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
	GenerateStream(ctx context.Context, prompt string, opts GenerateOptions, h StreamHandler) error
	CheckConnection(ctx context.Context) error
}

// Client is the LM Client contract (§4.E): generation with retry, intent
// classification, and entity/relation extraction for the knowledge graph
// builder, all layered over one Provider.
type Client struct {
	provider   Provider
	maxRetries int
}

// New wraps a concrete provider with retry and the higher-level
// extraction helpers.
func New(provider Provider, maxRetries int) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Client{provider: provider, maxRetries: maxRetries}
}

// Generate performs one generation call with no retry.
func (c *Client) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	return c.provider.Generate(ctx, prompt, opts)
}

// GenerateWithRetry retries transient provider failures with capped
// exponential backoff, the way the pack's own SDK dependency already
// retries its own transport-level failures underneath us.
func (c *Client) GenerateWithRetry(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	op := func() (string, error) {
		out, err := c.provider.Generate(ctx, prompt, opts)
		if err != nil {
			log.Debug().Err(err).Msg("llmclient: generate attempt failed, retrying")
			return "", err
		}
		return out, nil
	}
	out, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(c.maxRetries)),
	)
	if err != nil {
		return "", apperr.New(apperr.UpstreamTransient, err)
	}
	return out, nil
}

// GenerateStream streams generation output through h as it arrives.
func (c *Client) GenerateStream(ctx context.Context, prompt string, opts GenerateOptions, h StreamHandler) error {
	return c.provider.GenerateStream(ctx, prompt, opts, h)
}

// CheckConnection verifies the provider is reachable, for the system
// health endpoint.
func (c *Client) CheckConnection(ctx context.Context) error {
	return c.provider.CheckConnection(ctx)
}

const intentPrompt = `Classify the following question's retrieval intent.
Respond with exactly one word, one of: factual, comparative, temporal, causal, exploratory.

Question: %s`

// Intent categories recognized by the mode selector.
const (
	IntentFactual     = "factual"
	IntentComparative = "comparative"
	IntentTemporal    = "temporal"
	IntentCausal      = "causal"
	IntentExploratory = "exploratory"
)

var knownIntents = map[string]bool{
	IntentFactual: true, IntentComparative: true, IntentTemporal: true,
	IntentCausal: true, IntentExploratory: true,
}

// DetectIntent classifies a question's retrieval intent, one signal among
// several the mode selector combines into its complexity score.
func (c *Client) DetectIntent(ctx context.Context, question string) (string, error) {
	out, err := c.GenerateWithRetry(ctx, fmt.Sprintf(intentPrompt, question), GenerateOptions{MaxTokens: 8, Temperature: 0})
	if err != nil {
		return "", fmt.Errorf("detect intent: %w", err)
	}
	normalized := strings.ToLower(strings.TrimSpace(out))
	for intent := range knownIntents {
		if strings.Contains(normalized, intent) {
			return intent, nil
		}
	}
	return IntentFactual, nil
}

const extractEntitiesPrompt = `Extract named entities and relations from the text below.
Respond with JSON only, matching this shape:
{"entities": [{"name": "...", "type": "..."}], "relations": [{"source": "...", "target": "...", "label": "..."}]}

Text:
%s`

// ExtractedEntity is one entity mention found in a chunk of text.
type ExtractedEntity struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ExtractedRelation is one relation found between two entity names.
type ExtractedRelation struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label"`
}

// ExtractionResult is the parsed output of ExtractEntities.
type ExtractionResult struct {
	Entities  []ExtractedEntity
	Relations []ExtractedRelation
}

// ExtractEntities runs named-entity and relation extraction over a single
// chunk's text, feeding the knowledge graph builder during ingestion.
func (c *Client) ExtractEntities(ctx context.Context, text string) (ExtractionResult, error) {
	raw, err := c.GenerateWithRetry(ctx, fmt.Sprintf(extractEntitiesPrompt, text), GenerateOptions{MaxTokens: 1024, Temperature: 0})
	if err != nil {
		return ExtractionResult{}, fmt.Errorf("extract entities: %w", err)
	}

	var parsed struct {
		Entities  []ExtractedEntity   `json:"entities"`
		Relations []ExtractedRelation `json:"relations"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &parsed); err != nil {
		return ExtractionResult{}, fmt.Errorf("parse extraction response: %w", err)
	}
	return ExtractionResult{Entities: parsed.Entities, Relations: parsed.Relations}, nil
}

// extractJSONObject trims any leading/trailing prose a model adds around
// a JSON object despite being asked for JSON only.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return "{}"
	}
	return s[start : end+1]
}

// SynthesizeAnswer produces the final natural-language answer from a
// question and its supporting context under a caller-supplied, mode-
// specific system prompt, applying the configured timeout as a hard
// ceiling on the call.
func (c *Client) SynthesizeAnswer(ctx context.Context, question, context, systemPrompt string, timeout time.Duration) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	prompt := fmt.Sprintf("Context:\n%s\n\nQuestion: %s", context, question)
	return c.GenerateWithRetry(ctx, prompt, GenerateOptions{SystemPrompt: systemPrompt, Temperature: 0.3, MaxTokens: 1024})
}

// EntityToModel converts one extracted entity into the storage model.
func EntityToModel(e ExtractedEntity) model.Entity {
	return model.Entity{Name: e.Name, EntityType: e.Type}
}
