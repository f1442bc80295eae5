package llmclient

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridrag/internal/apperr"
)

type stubProvider struct {
	responses []string
	errs      []error
	calls     int
}

func (s *stubProvider) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	i := s.calls
	s.calls++
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	var resp string
	if i < len(s.responses) {
		resp = s.responses[i]
	}
	return resp, err
}

func (s *stubProvider) GenerateStream(ctx context.Context, prompt string, opts GenerateOptions, h StreamHandler) error {
	return nil
}

func (s *stubProvider) CheckConnection(ctx context.Context) error { return nil }

func TestClient_GenerateWithRetry_SucceedsAfterTransientFailure(t *testing.T) {
	provider := &stubProvider{
		errs:      []error{errors.New("rate limited"), nil},
		responses: []string{"", "the answer"},
	}
	c := New(provider, 3)

	out, err := c.GenerateWithRetry(context.Background(), "question", GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "the answer", out)
	assert.Equal(t, 2, provider.calls)
}

func TestClient_GenerateWithRetry_GivesUpAfterMaxTries(t *testing.T) {
	provider := &stubProvider{errs: []error{errors.New("down"), errors.New("down"), errors.New("down")}}
	c := New(provider, 2)

	_, err := c.GenerateWithRetry(context.Background(), "question", GenerateOptions{})
	require.Error(t, err)
	assert.Equal(t, 2, provider.calls)
	kind, ok := apperr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, apperr.UpstreamTransient, kind)
}

func TestClient_DetectIntent_ParsesModelResponse(t *testing.T) {
	provider := &stubProvider{responses: []string{"Comparative"}}
	c := New(provider, 1)

	intent, err := c.DetectIntent(context.Background(), "compare the economic policies of three countries")
	require.NoError(t, err)
	assert.Equal(t, IntentComparative, intent)
}

func TestClient_DetectIntent_DefaultsToFactualOnUnrecognizedResponse(t *testing.T) {
	provider := &stubProvider{responses: []string{"uncertain"}}
	c := New(provider, 1)

	intent, err := c.DetectIntent(context.Background(), "what year was the company founded?")
	require.NoError(t, err)
	assert.Equal(t, IntentFactual, intent)
}

func TestClient_ExtractEntities_ParsesSurroundingProse(t *testing.T) {
	provider := &stubProvider{responses: []string{
		"Sure, here is the JSON:\n" +
			`{"entities":[{"name":"Ada Lovelace","type":"person"}],"relations":[{"source":"Ada Lovelace","target":"Analytical Engine","label":"designed"}]}` +
			"\nHope that helps!",
	}}
	c := New(provider, 1)

	result, err := c.ExtractEntities(context.Background(), "Ada Lovelace designed the Analytical Engine.")
	require.NoError(t, err)
	require.Len(t, result.Entities, 1)
	assert.Equal(t, "Ada Lovelace", result.Entities[0].Name)
	require.Len(t, result.Relations, 1)
	assert.Equal(t, "designed", result.Relations[0].Label)
}
