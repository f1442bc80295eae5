// Package embedding implements the Embedding Provider (component D): text
// to fixed-dimension vector conversion, used during ingestion and at
// query time by both retrievers.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"hybridrag/internal/apperr"
)

// Provider converts text into embedding vectors.
type Provider interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	CheckConnection(ctx context.Context) error
}

// Config configures the HTTP-based embedding provider.
type Config struct {
	Host       string
	APIKey     string
	Model      string
	Dimensions int
	TimeoutSec int
}

// HTTPProvider calls an OpenAI-compatible /embeddings endpoint.
type HTTPProvider struct {
	cfg     Config
	timeout time.Duration
}

func NewHTTPProvider(cfg Config) *HTTPProvider {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{cfg: cfg, timeout: timeout}
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (p *HTTPProvider) EmbedText(ctx context.Context, text string) ([]float32, error) {
	out, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (p *HTTPProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(embedRequest{Model: p.cfg.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, p.cfg.Host+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, apperr.New(apperr.UpstreamTransient, fmt.Errorf("call embed endpoint: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.New(apperr.UpstreamTransient, fmt.Errorf("read embed response: %w", err))
	}
	if resp.StatusCode/100 != 2 {
		return nil, apperr.New(apperr.UpstreamFatal, fmt.Errorf("embed endpoint returned %s: %s", resp.Status, respBody))
	}

	var parsed embedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parse embed response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embed endpoint returned %d vectors, want %d", len(parsed.Data), len(texts))
	}

	out := make([][]float32, len(parsed.Data))
	for i := range parsed.Data {
		out[i] = parsed.Data[i].Embedding
	}
	return out, nil
}

func (p *HTTPProvider) Dimensions() int { return p.cfg.Dimensions }

func (p *HTTPProvider) CheckConnection(ctx context.Context) error {
	if _, err := p.EmbedText(ctx, "ping"); err != nil {
		return fmt.Errorf("embedding endpoint reachability check: %w", err)
	}
	return nil
}

var _ Provider = (*HTTPProvider)(nil)
