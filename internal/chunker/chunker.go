// Package chunker implements the Chunker (component F): splitting a
// document's raw text into fixed-size, overlapping, position-tracked
// spans ready for embedding and storage.
package chunker

import (
	"unicode/utf8"

	"hybridrag/internal/ids"
	"hybridrag/internal/model"
)

// Config controls the fixed-window splitter. Size and Overlap are counted
// in runes so multi-byte text is never split mid-character.
type Config struct {
	Size    int // window length; must be > 0
	Overlap int // overlap between adjacent windows; must be >= 0 and < Size
}

// DefaultConfig mirrors the spec's documented defaults.
func DefaultConfig() Config {
	return Config{Size: 1000, Overlap: 100}
}

func normalize(cfg Config) Config {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	if cfg.Overlap < 0 {
		cfg.Overlap = 0
	}
	if cfg.Overlap >= cfg.Size {
		cfg.Overlap = cfg.Size - 1
	}
	return cfg
}

// Split breaks text into chunks for docID, each carrying its character
// span (start inclusive, end exclusive) and a monotone ChunkIndex.
// Chunks have no assigned Page; callers that extract per-page text set
// Page themselves after splitting each page independently.
func Split(docID ids.ID, text string, cfg Config) []model.Chunk {
	if text == "" {
		return nil
	}
	cfg = normalize(cfg)

	// Record byte offsets per rune position so spans are reported in rune
	// (character) units while string slicing stays byte-safe.
	idxs := make([]int, 0, utf8.RuneCountInString(text)+1)
	idxs = append(idxs, 0)
	for i := 0; i < len(text); {
		_, w := utf8.DecodeRuneInString(text[i:])
		i += w
		idxs = append(idxs, i)
	}

	step := cfg.Size - cfg.Overlap
	if step <= 0 {
		step = 1
	}

	var chunks []model.Chunk
	chunkIndex := 0
	lastRune := len(idxs) - 1
	for start := 0; start < lastRune; start += step {
		end := start + cfg.Size
		if end >= lastRune {
			end = lastRune
		}
		if end <= start {
			break
		}

		content := text[idxs[start]:idxs[end]]
		if content != "" {
			chunks = append(chunks, model.Chunk{
				ID:         ids.New(),
				DocID:      docID,
				StartChar:  start,
				EndChar:    end,
				ChunkIndex: chunkIndex,
				Content:    content,
			})
			chunkIndex++
		}

		if end == lastRune {
			break
		}
	}
	return chunks
}
