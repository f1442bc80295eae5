package vectorindex

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"
	"github.com/gofrs/flock"

	"hybridrag/internal/ids"
)

// HNSWConfig configures an embedded HNSW index.
type HNSWConfig struct {
	Dimensions int
	Metric     string // "l2" (default) or "cos"
	M          int
	EfSearch   int
}

// HNSW is the default, embedded Vector Index backend: a pure-Go
// approximate nearest-neighbor graph with no external service to run.
// Qdrant is kept as the alternate remote backend behind the same
// interface.
type HNSW struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config HNSWConfig

	idMap   map[ids.ID]uint64
	keyMap  map[uint64]ids.ID
	nextKey uint64

	closed bool
}

// hnswMetadata is the gob-encoded sidecar persisted alongside the graph
// export, recording the string<->uint64 id mapping the graph itself
// cannot carry.
type hnswMetadata struct {
	IDMap   map[ids.ID]uint64
	NextKey uint64
	Config  HNSWConfig
}

// NewHNSW constructs an empty index with the given configuration.
func NewHNSW(cfg HNSWConfig) *HNSW {
	if cfg.Metric == "" {
		cfg.Metric = "l2"
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20
	}

	graph := hnsw.NewGraph[uint64]()
	switch cfg.Metric {
	case "cos":
		graph.Distance = hnsw.CosineDistance
	default:
		graph.Distance = hnsw.EuclideanDistance
	}
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	return &HNSW{
		graph:  graph,
		config: cfg,
		idMap:  make(map[ids.ID]uint64),
		keyMap: make(map[uint64]ids.ID),
	}
}

func (h *HNSW) AddChunks(ctx context.Context, vectors []ChunkVector) error {
	if len(vectors) == 0 {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}

	for _, cv := range vectors {
		if len(cv.Vector) != h.config.Dimensions {
			return ErrDimensionMismatch{Expected: h.config.Dimensions, Got: len(cv.Vector)}
		}
		if _, exists := h.idMap[cv.ChunkID]; exists {
			return ErrDuplicateID
		}
	}

	for _, cv := range vectors {
		key := h.nextKey
		h.nextKey++

		vec := make([]float32, len(cv.Vector))
		copy(vec, cv.Vector)
		if h.config.Metric == "cos" {
			normalizeInPlace(vec)
		}

		h.graph.Add(hnsw.MakeNode(key, vec))
		h.idMap[cv.ChunkID] = key
		h.keyMap[key] = cv.ChunkID
	}

	return nil
}

func (h *HNSW) RemoveChunks(ctx context.Context, chunkIDs []ids.ID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}

	for _, id := range chunkIDs {
		if key, exists := h.idMap[id]; exists {
			delete(h.keyMap, key)
			delete(h.idMap, id)
		}
	}
	return nil
}

func (h *HNSW) Search(ctx context.Context, query []float32, topK int) ([]Match, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return nil, ErrClosed
	}
	if len(query) != h.config.Dimensions {
		return nil, ErrDimensionMismatch{Expected: h.config.Dimensions, Got: len(query)}
	}
	if h.graph.Len() == 0 {
		return nil, nil
	}

	q := make([]float32, len(query))
	copy(q, query)
	if h.config.Metric == "cos" {
		normalizeInPlace(q)
	}

	nodes := h.graph.Search(q, topK)
	matches := make([]Match, 0, len(nodes))
	for _, node := range nodes {
		chunkID, ok := h.keyMap[node.Key]
		if !ok {
			continue // orphaned (lazily deleted or superseded) node
		}
		dist := h.graph.Distance(q, node.Value)
		matches = append(matches, Match{
			ChunkID:  chunkID,
			Distance: dist,
			Score:    distanceToScore(dist, h.config.Metric),
		})
	}
	return matches, nil
}

// Save persists the graph to path and its id-mapping sidecar to
// path+".meta", both via a temp-file-then-rename so a crash mid-write
// never leaves a half-written snapshot in place.
func (h *HNSW) Save(path string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return ErrClosed
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create index directory: %w", err)
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire index lock: %w", err)
	}
	defer lock.Unlock()

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	if err := h.graph.Export(file); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("export graph: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close index file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename index file: %w", err)
	}

	return h.saveMetadata(path + ".meta")
}

func (h *HNSW) saveMetadata(path string) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create metadata temp file: %w", err)
	}

	meta := hnswMetadata{IDMap: h.idMap, NextKey: h.nextKey, Config: h.config}
	if err := gob.NewEncoder(file).Encode(meta); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close metadata file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// Load replaces the in-memory graph and id mapping with the snapshot at
// path.
func (h *HNSW) Load(path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}

	lock := flock.New(path + ".lock")
	if err := lock.RLock(); err != nil {
		return fmt.Errorf("acquire index lock: %w", err)
	}
	defer lock.Unlock()

	if err := h.loadMetadata(path + ".meta"); err != nil {
		return fmt.Errorf("load metadata: %w", err)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open index file: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	if err := h.graph.Import(reader); err != nil {
		return fmt.Errorf("import graph: %w", err)
	}
	return nil
}

func (h *HNSW) loadMetadata(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open metadata file: %w", err)
	}
	defer file.Close()

	var meta hnswMetadata
	if err := gob.NewDecoder(file).Decode(&meta); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}

	h.idMap = meta.IDMap
	h.nextKey = meta.NextKey
	h.config = meta.Config
	h.keyMap = make(map[uint64]ids.ID, len(h.idMap))
	for id, key := range h.idMap {
		h.keyMap[key] = id
	}
	return nil
}

func (h *HNSW) GetStats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return Stats{}
	}
	return Stats{
		VectorCount: len(h.idMap),
		Dimensions:  h.config.Dimensions,
		Metric:      h.config.Metric,
	}
}

func (h *HNSW) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.graph = nil
	return nil
}

var _ Index = (*HNSW)(nil)

func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

// distanceToScore converts a raw distance into a 0..1 similarity score
// where higher means more similar; shared by all three backends.
func distanceToScore(distance float32, metric string) float32 {
	switch metric {
	case "cos":
		return 1.0 - distance/2.0
	default: // l2
		return 1.0 / (1.0 + distance)
	}
}
