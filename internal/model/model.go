// Package model holds the data types shared by the chunk store, vector
// index, and knowledge graph: documents, chunks, entities, relations, and
// provenance logs.
package model

import (
	"time"

	"hybridrag/internal/ids"
)

// DocType enumerates the kinds of source material a document was ingested
// from.
type DocType string

const (
	DocTypePDF      DocType = "pdf"
	DocTypeText     DocType = "text"
	DocTypeMarkdown DocType = "markdown"
	DocTypeDocx     DocType = "docx"
	DocTypeURL      DocType = "url"
	DocTypeRaw      DocType = "raw"
)

// DocStatus tracks a document through ingestion.
type DocStatus string

const (
	DocStatusProcessing DocStatus = "processing"
	DocStatusCompleted  DocStatus = "completed"
	DocStatusFailed     DocStatus = "failed"
)

// Document is the top-level ingested unit. Mutated only to change Status;
// destroyed by explicit delete, cascading to its chunks and entity-chunk
// links.
type Document struct {
	ID        ids.ID
	Title     string
	DocType   DocType
	FilePath  string
	SourceURL string
	SizeBytes int64
	Status    DocStatus
	Tags      []string
	CreatedAt time.Time
}

// Chunk is a contiguous, immutable character span of one document.
type Chunk struct {
	ID         ids.ID
	DocID      ids.ID
	StartChar  int
	EndChar    int // exclusive
	Page       *int
	ChunkIndex int // monotone within its document
	Content    string
}

// Entity is a named concept mentioned across one or more chunks. The pair
// (Name, EntityType) is unique.
type Entity struct {
	ID         ids.ID
	Name       string
	EntityType string
	Aliases    []string
}

// EntityChunkLink records provenance of an entity mention inside a chunk.
type EntityChunkLink struct {
	EntityID ids.ID
	ChunkID  ids.ID
}

// Relation is a directed labeled edge between two entities.
type Relation struct {
	ID         ids.ID
	SrcEntity  ids.ID
	DstEntity  ids.ID
	Label      string
	Confidence float64 // 0 when not provided
	SourceChunk ids.ID  // empty when not provided
}

// QueryLog is an append-only provenance record for a served query.
type QueryLog struct {
	ID              ids.ID
	Question        string
	Answer          string
	Mode            string
	Confidence      float64
	ChunkIDs        []ids.ID
	ProcessingTime  time.Duration
	SessionID       string
	Timestamp       time.Time
}
