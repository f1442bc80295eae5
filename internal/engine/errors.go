package engine

import "hybridrag/internal/apperr"

// Error and Kind are the engine's error taxonomy (§7): a Kind the HTTP
// layer maps to a status code, with no core package importing net/http.
// Aliased onto apperr so retrieval, embedding, and llmclient can tag
// errors with a Kind too without importing engine.
type Error = apperr.Error
type Kind = apperr.Kind

const (
	KindInputInvalid      = apperr.InputInvalid
	KindNotFound          = apperr.NotFound
	KindUpstreamTransient = apperr.UpstreamTransient
	KindUpstreamFatal     = apperr.UpstreamFatal
	KindDegraded          = apperr.Degraded
	KindStorage           = apperr.Storage
)
