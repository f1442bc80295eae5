package vectorindex

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/qdrant/go-client/qdrant"

	"hybridrag/internal/ids"
)

// Qdrant is the alternate, remote Vector Index backend for deployments
// that run a Qdrant cluster instead of the embedded HNSW default. Save
// and Load are no-ops: durability is Qdrant's responsibility, not ours.
type Qdrant struct {
	client     *qdrant.Client
	collection string
	dimensions int
	metric     string
}

// NewQdrant connects to dsn (host[:grpc-port], default 6334) and ensures
// the collection exists with the configured vector size and distance.
func NewQdrant(dsn, collection string, dimensions int, metric string) (*Qdrant, error) {
	if collection == "" {
		return nil, fmt.Errorf("qdrant collection name is required")
	}

	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant dsn: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := parsed.Port()
	if port == "" {
		port = "6334"
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant dsn: %w", err)
	}

	cfg := &qdrant.Config{Host: host, Port: portNum}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}

	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}

	q := &Qdrant{client: client, collection: collection, dimensions: dimensions, metric: metric}
	if err := q.ensureCollection(context.Background()); err != nil {
		client.Close()
		return nil, fmt.Errorf("ensure collection: %w", err)
	}
	return q, nil
}

func (q *Qdrant) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("check collection exists: %w", err)
	}
	if exists {
		return nil
	}

	var distance qdrant.Distance
	switch q.metric {
	case "cos", "cosine":
		distance = qdrant.Distance_Cosine
	default: // l2
		distance = qdrant.Distance_Euclid
	}

	return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dimensions),
			Distance: distance,
		}),
	})
}

func (q *Qdrant) AddChunks(ctx context.Context, vectors []ChunkVector) error {
	if len(vectors) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, 0, len(vectors))
	existingCheck := make([]*qdrant.PointId, 0, len(vectors))
	for _, cv := range vectors {
		if len(cv.Vector) != q.dimensions {
			return ErrDimensionMismatch{Expected: q.dimensions, Got: len(cv.Vector)}
		}
		vec := make([]float32, len(cv.Vector))
		copy(vec, cv.Vector)
		pointID := qdrant.NewIDUUID(cv.ChunkID.String())
		points = append(points, &qdrant.PointStruct{
			Id:      pointID,
			Vectors: qdrant.NewVectorsDense(vec),
		})
		existingCheck = append(existingCheck, pointID)
	}

	existing, err := q.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: q.collection,
		Ids:            existingCheck,
	})
	if err != nil {
		return fmt.Errorf("qdrant check duplicate ids: %w", err)
	}
	if len(existing) > 0 {
		return ErrDuplicateID
	}

	_, err = q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert: %w", err)
	}
	return nil
}

func (q *Qdrant) RemoveChunks(ctx context.Context, chunkIDs []ids.ID) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, len(chunkIDs))
	for i, id := range chunkIDs {
		pointIDs[i] = qdrant.NewIDUUID(id.String())
	}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
	})
	if err != nil {
		return fmt.Errorf("qdrant delete: %w", err)
	}
	return nil
}

func (q *Qdrant) Search(ctx context.Context, query []float32, topK int) ([]Match, error) {
	if len(query) != q.dimensions {
		return nil, ErrDimensionMismatch{Expected: q.dimensions, Got: len(query)}
	}
	if topK <= 0 {
		topK = 10
	}
	vec := make([]float32, len(query))
	copy(vec, query)
	limit := uint64(topK)

	hits, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant query: %w", err)
	}

	// Qdrant reports Euclid hits by distance and Cosine hits by similarity;
	// both are converted to a distance so Match means the same everywhere.
	metric := "l2"
	if q.metric == "cos" || q.metric == "cosine" {
		metric = "cos"
	}
	matches := make([]Match, 0, len(hits))
	for _, hit := range hits {
		uuidStr := hit.Id.GetUuid()
		if uuidStr == "" {
			continue
		}
		dist := hit.Score
		if metric == "cos" {
			dist = 1 - hit.Score
		}
		matches = append(matches, Match{
			ChunkID:  ids.ID(uuidStr),
			Distance: dist,
			Score:    distanceToScore(dist, metric),
		})
	}
	return matches, nil
}

// Save is a no-op: Qdrant persists its own collections server-side.
func (q *Qdrant) Save(path string) error { return nil }

// Load is a no-op for the same reason.
func (q *Qdrant) Load(path string) error { return nil }

func (q *Qdrant) GetStats() Stats {
	return Stats{Dimensions: q.dimensions, Metric: q.metric}
}

func (q *Qdrant) Close() error { return q.client.Close() }

var _ Index = (*Qdrant)(nil)
