// Package selector implements the Mode Selector (component G): a
// heuristic-plus-LM classifier that decides whether a question should be
// answered via the Speed or Deep retrieval path.
package selector

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"hybridrag/internal/llmclient"
)

// IntentDetector is the subset of the LM Client the selector depends on;
// satisfied by *llmclient.Client.
type IntentDetector interface {
	DetectIntent(ctx context.Context, question string) (string, error)
}

// keywords contribute min(n*0.15, 0.40) where n is the number of distinct
// keywords present as a case-insensitive substring of the question.
var keywords = []string{
	"compare", "difference", "versus", "vs", "contrast", "how", "why", "when",
	"evolution", "change", "trend", "cause", "effect", "impact", "influence",
	"relationship", "between", "among",
}

// Config configures the deep/speed decision threshold.
type Config struct {
	Threshold float64 // T in the spec; default 0.5
}

// Selector is the Mode Selector (§4.G).
type Selector struct {
	threshold float64
	intent    IntentDetector
}

func New(cfg Config, intent IntentDetector) *Selector {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = 0.5
	}
	return &Selector{threshold: threshold, intent: intent}
}

// Mode is the retrieval path selected for a question, speed or deep.
type Mode string

const (
	ModeSpeed Mode = "speed"
	ModeDeep  Mode = "deep"
)

// Select computes the complexity score for q and returns the selected
// mode alongside the score, for logging and provenance.
func (s *Selector) Select(ctx context.Context, q string) (Mode, float64) {
	var score float64

	words := strings.Fields(q)
	switch {
	case len(words) > 20:
		score += 0.30
	case len(words) > 10 && len(words) <= 20:
		score += 0.15
	}

	if strings.Count(q, "?") > 1 {
		score += 0.20
	}

	lower := strings.ToLower(q)
	n := 0
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			n++
		}
	}
	kwScore := float64(n) * 0.15
	if kwScore > 0.40 {
		kwScore = 0.40
	}
	score += kwScore

	if s.intent != nil {
		intent, err := s.intent.DetectIntent(ctx, q)
		if err != nil {
			log.Warn().Err(err).Msg("selector: intent detection failed, contributing 0 to score")
		} else {
			switch intent {
			case llmclient.IntentComparative, llmclient.IntentTemporal, llmclient.IntentCausal:
				score += 0.30
			case llmclient.IntentExploratory:
				score += 0.20
			}
		}
	}

	if score > 1.0 {
		score = 1.0
	}

	mode := ModeSpeed
	if score >= s.threshold {
		mode = ModeDeep
	}
	log.Debug().Str("mode", string(mode)).Float64("score", score).Str("question", q).Msg("selector: mode decided")
	return mode, score
}
