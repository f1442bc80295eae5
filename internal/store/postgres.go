package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"hybridrag/internal/ids"
	"hybridrag/internal/model"
)

// Postgres is the alternate Chunk Store backend for deployments that
// already run a Postgres cluster instead of the embedded SQLite default.
type Postgres struct {
	pool *pgxpool.Pool
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	doc_type TEXT NOT NULL,
	file_path TEXT,
	source_url TEXT,
	size_bytes BIGINT NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	tags JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
	id TEXT PRIMARY KEY,
	doc_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	start_char INTEGER NOT NULL,
	end_char INTEGER NOT NULL,
	page INTEGER,
	chunk_index INTEGER NOT NULL,
	content TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunks_doc_id ON chunks(doc_id);

CREATE TABLE IF NOT EXISTS entities (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	aliases JSONB NOT NULL DEFAULT '[]'::jsonb,
	UNIQUE(name, entity_type)
);

CREATE TABLE IF NOT EXISTS entity_chunk_links (
	entity_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
	chunk_id TEXT NOT NULL REFERENCES chunks(id) ON DELETE CASCADE,
	PRIMARY KEY (entity_id, chunk_id)
);
CREATE INDEX IF NOT EXISTS idx_links_chunk_id ON entity_chunk_links(chunk_id);

CREATE TABLE IF NOT EXISTS relations (
	id TEXT PRIMARY KEY,
	src_entity TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
	dst_entity TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
	label TEXT NOT NULL,
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	source_chunk TEXT
);
CREATE INDEX IF NOT EXISTS idx_relations_src ON relations(src_entity);
CREATE INDEX IF NOT EXISTS idx_relations_dst ON relations(dst_entity);

CREATE TABLE IF NOT EXISTS query_logs (
	id TEXT PRIMARY KEY,
	question TEXT NOT NULL,
	answer TEXT NOT NULL,
	mode TEXT NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	chunk_ids JSONB NOT NULL DEFAULT '[]'::jsonb,
	processing_time_ms BIGINT NOT NULL,
	session_id TEXT,
	ts TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_query_logs_session ON query_logs(session_id);
`

var _ Store = (*Postgres)(nil)

// OpenPostgres connects to dsn and applies the schema the way the pack's
// own postgres_graph.go bootstraps its tables; a schema error fails the
// open.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply postgres schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) InsertDocument(ctx context.Context, doc model.Document) error {
	tags, _ := json.Marshal(doc.Tags)
	_, err := p.pool.Exec(ctx, `
		INSERT INTO documents (id, title, doc_type, file_path, source_url, size_bytes, status, tags, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		doc.ID, doc.Title, doc.DocType, doc.FilePath, doc.SourceURL, doc.SizeBytes, doc.Status, tags, doc.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateDocumentStatus(ctx context.Context, docID ids.ID, status model.DocStatus) error {
	tag, err := p.pool.Exec(ctx, `UPDATE documents SET status = $1 WHERE id = $2`, status, docID)
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) GetDocument(ctx context.Context, docID ids.ID) (model.Document, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, title, doc_type, file_path, source_url, size_bytes, status, tags, created_at
		FROM documents WHERE id = $1`, docID)
	return pgScanDocument(row)
}

func pgScanDocument(row pgx.Row) (model.Document, error) {
	var d model.Document
	var tags []byte
	var id, docType, status string
	err := row.Scan(&id, &d.Title, &docType, &d.FilePath, &d.SourceURL, &d.SizeBytes, &status, &tags, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Document{}, ErrNotFound
	}
	if err != nil {
		return model.Document{}, fmt.Errorf("scan document: %w", err)
	}
	d.ID = ids.ID(id)
	d.DocType = model.DocType(docType)
	d.Status = model.DocStatus(status)
	_ = json.Unmarshal(tags, &d.Tags)
	return d, nil
}

func (p *Postgres) ListDocuments(ctx context.Context, limit, offset int, status model.DocStatus) ([]model.Document, error) {
	query := `SELECT id, title, doc_type, file_path, source_url, size_bytes, status, tags, created_at FROM documents`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []model.Document
	for rows.Next() {
		var d model.Document
		var tags []byte
		var id, docType, st string
		if err := rows.Scan(&id, &d.Title, &docType, &d.FilePath, &d.SourceURL, &d.SizeBytes, &st, &tags, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan document row: %w", err)
		}
		d.ID = ids.ID(id)
		d.DocType = model.DocType(docType)
		d.Status = model.DocStatus(st)
		_ = json.Unmarshal(tags, &d.Tags)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteDocument(ctx context.Context, docID ids.ID) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, docID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) InsertChunks(ctx context.Context, batch ChunkBatch) error {
	if len(batch.Chunks) == 0 {
		return nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin chunk insert transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, c := range batch.Chunks {
		if _, err := tx.Exec(ctx, `
			INSERT INTO chunks (id, doc_id, start_char, end_char, page, chunk_index, content)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			c.ID, batch.DocID, c.StartChar, c.EndChar, c.Page, c.ChunkIndex, c.Content); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}

	return tx.Commit(ctx)
}

func (p *Postgres) GetChunksByDoc(ctx context.Context, docID ids.ID) ([]model.Chunk, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, doc_id, start_char, end_char, page, chunk_index, content
		FROM chunks WHERE doc_id = $1 ORDER BY chunk_index ASC`, docID)
	if err != nil {
		return nil, fmt.Errorf("get chunks by doc: %w", err)
	}
	defer rows.Close()
	return pgScanChunkRows(rows)
}

func (p *Postgres) GetChunk(ctx context.Context, chunkID ids.ID) (model.Chunk, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, doc_id, start_char, end_char, page, chunk_index, content
		FROM chunks WHERE id = $1`, chunkID)
	var c model.Chunk
	var id, docID string
	err := row.Scan(&id, &docID, &c.StartChar, &c.EndChar, &c.Page, &c.ChunkIndex, &c.Content)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Chunk{}, ErrNotFound
	}
	if err != nil {
		return model.Chunk{}, fmt.Errorf("scan chunk: %w", err)
	}
	c.ID, c.DocID = ids.ID(id), ids.ID(docID)
	return c, nil
}

func (p *Postgres) GetChunks(ctx context.Context, chunkIDs []ids.ID) ([]model.Chunk, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}
	strs := make([]string, len(chunkIDs))
	for i, id := range chunkIDs {
		strs[i] = string(id)
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, doc_id, start_char, end_char, page, chunk_index, content
		FROM chunks WHERE id = ANY($1)`, strs)
	if err != nil {
		return nil, fmt.Errorf("get chunks: %w", err)
	}
	defer rows.Close()
	return pgScanChunkRows(rows)
}

func pgScanChunkRows(rows pgx.Rows) ([]model.Chunk, error) {
	var out []model.Chunk
	for rows.Next() {
		var c model.Chunk
		var id, docID string
		if err := rows.Scan(&id, &docID, &c.StartChar, &c.EndChar, &c.Page, &c.ChunkIndex, &c.Content); err != nil {
			return nil, fmt.Errorf("scan chunk row: %w", err)
		}
		c.ID, c.DocID = ids.ID(id), ids.ID(docID)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertEntity(ctx context.Context, e model.Entity) (model.Entity, error) {
	if e.ID.Empty() {
		e.ID = ids.New()
	}
	aliases, _ := json.Marshal(e.Aliases)
	_, err := p.pool.Exec(ctx, `
		INSERT INTO entities (id, name, entity_type, aliases) VALUES ($1,$2,$3,$4)
		ON CONFLICT (name, entity_type) DO UPDATE SET aliases = excluded.aliases`,
		e.ID, e.Name, e.EntityType, aliases)
	if err != nil {
		return model.Entity{}, fmt.Errorf("upsert entity: %w", err)
	}
	return p.GetEntityByName(ctx, e.Name, e.EntityType)
}

func (p *Postgres) GetEntityByName(ctx context.Context, name, entityType string) (model.Entity, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, name, entity_type, aliases FROM entities WHERE name = $1 AND entity_type = $2`, name, entityType)
	var e model.Entity
	var id string
	var aliases []byte
	err := row.Scan(&id, &e.Name, &e.EntityType, &aliases)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Entity{}, ErrNotFound
	}
	if err != nil {
		return model.Entity{}, fmt.Errorf("scan entity: %w", err)
	}
	e.ID = ids.ID(id)
	_ = json.Unmarshal(aliases, &e.Aliases)
	return e, nil
}

func (p *Postgres) LinkEntityChunk(ctx context.Context, link model.EntityChunkLink) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO entity_chunk_links (entity_id, chunk_id) VALUES ($1,$2)
		ON CONFLICT DO NOTHING`, link.EntityID, link.ChunkID)
	if err != nil {
		return fmt.Errorf("link entity chunk: %w", err)
	}
	return nil
}

func (p *Postgres) InsertRelation(ctx context.Context, r model.Relation) error {
	if r.ID.Empty() {
		r.ID = ids.New()
	}
	var sourceChunk *string
	if !r.SourceChunk.Empty() {
		s := string(r.SourceChunk)
		sourceChunk = &s
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO relations (id, src_entity, dst_entity, label, confidence, source_chunk)
		VALUES ($1,$2,$3,$4,$5,$6)`, r.ID, r.SrcEntity, r.DstEntity, r.Label, r.Confidence, sourceChunk)
	if err != nil {
		return fmt.Errorf("insert relation: %w", err)
	}
	return nil
}

func (p *Postgres) EntityNamesForChunk(ctx context.Context, chunkID ids.ID) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT e.name FROM entities e
		JOIN entity_chunk_links l ON l.entity_id = e.id
		WHERE l.chunk_id = $1`, chunkID)
	if err != nil {
		return nil, fmt.Errorf("entity names for chunk: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan entity name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (p *Postgres) ChunksForEntityName(ctx context.Context, name string, limit int) ([]model.Chunk, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT c.id, c.doc_id, c.start_char, c.end_char, c.page, c.chunk_index, c.content
		FROM chunks c
		JOIN entity_chunk_links l ON l.chunk_id = c.id
		JOIN entities e ON e.id = l.entity_id
		WHERE e.name = $1 LIMIT $2`, name, limit)
	if err != nil {
		return nil, fmt.Errorf("chunks for entity name: %w", err)
	}
	defer rows.Close()
	return pgScanChunkRows(rows)
}

func (p *Postgres) AllEntities(ctx context.Context) ([]model.Entity, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, name, entity_type, aliases FROM entities`)
	if err != nil {
		return nil, fmt.Errorf("all entities: %w", err)
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		var e model.Entity
		var id string
		var aliases []byte
		if err := rows.Scan(&id, &e.Name, &e.EntityType, &aliases); err != nil {
			return nil, fmt.Errorf("scan entity row: %w", err)
		}
		e.ID = ids.ID(id)
		_ = json.Unmarshal(aliases, &e.Aliases)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) AllRelations(ctx context.Context) ([]model.Relation, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, src_entity, dst_entity, label, confidence, source_chunk FROM relations`)
	if err != nil {
		return nil, fmt.Errorf("all relations: %w", err)
	}
	defer rows.Close()

	var out []model.Relation
	for rows.Next() {
		var r model.Relation
		var id, src, dst string
		var sourceChunk *string
		if err := rows.Scan(&id, &src, &dst, &r.Label, &r.Confidence, &sourceChunk); err != nil {
			return nil, fmt.Errorf("scan relation row: %w", err)
		}
		r.ID, r.SrcEntity, r.DstEntity = ids.ID(id), ids.ID(src), ids.ID(dst)
		if sourceChunk != nil {
			r.SourceChunk = ids.ID(*sourceChunk)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) ExecuteQuery(ctx context.Context, entityName string, limit int) ([]EntityChunkHit, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT e.id, e.name, e.entity_type, e.aliases,
		       c.id, c.doc_id, c.start_char, c.end_char, c.page, c.chunk_index, c.content
		FROM entity_chunk_links l
		JOIN entities e ON e.id = l.entity_id
		JOIN chunks c ON c.id = l.chunk_id
		WHERE e.name = $1 LIMIT $2`, entityName, limit)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	var out []EntityChunkHit
	for rows.Next() {
		var hit EntityChunkHit
		var eid, aliases, cid, docID any
		var aliasesBytes []byte
		if err := rows.Scan(&eid, &hit.Entity.Name, &hit.Entity.EntityType, &aliasesBytes,
			&cid, &docID, &hit.Chunk.StartChar, &hit.Chunk.EndChar, &hit.Chunk.Page, &hit.Chunk.ChunkIndex, &hit.Chunk.Content); err != nil {
			return nil, fmt.Errorf("scan query hit: %w", err)
		}
		hit.Entity.ID = ids.ID(fmt.Sprint(eid))
		_ = json.Unmarshal(aliasesBytes, &hit.Entity.Aliases)
		hit.Chunk.ID, hit.Chunk.DocID = ids.ID(fmt.Sprint(cid)), ids.ID(fmt.Sprint(docID))
		_ = aliases
		out = append(out, hit)
	}
	return out, rows.Err()
}

func (p *Postgres) InsertProvenanceLog(ctx context.Context, log model.QueryLog) error {
	chunkIDs, _ := json.Marshal(log.ChunkIDs)
	_, err := p.pool.Exec(ctx, `
		INSERT INTO query_logs (id, question, answer, mode, confidence, chunk_ids, processing_time_ms, session_id, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		log.ID, log.Question, log.Answer, log.Mode, log.Confidence, chunkIDs,
		log.ProcessingTime.Milliseconds(), log.SessionID, log.Timestamp)
	if err != nil {
		return fmt.Errorf("insert provenance log: %w", err)
	}
	return nil
}

func (p *Postgres) ListProvenanceLogs(ctx context.Context, limit int, sessionID string) ([]model.QueryLog, error) {
	query := `SELECT id, question, answer, mode, confidence, chunk_ids, processing_time_ms, session_id, ts FROM query_logs`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = $1`
		args = append(args, sessionID)
	}
	query += fmt.Sprintf(` ORDER BY ts DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list provenance logs: %w", err)
	}
	defer rows.Close()

	var out []model.QueryLog
	for rows.Next() {
		var l model.QueryLog
		var id string
		var chunkIDsRaw []byte
		var ms int64
		var session *string
		if err := rows.Scan(&id, &l.Question, &l.Answer, &l.Mode, &l.Confidence, &chunkIDsRaw, &ms, &session, &l.Timestamp); err != nil {
			return nil, fmt.Errorf("scan provenance log row: %w", err)
		}
		l.ID = ids.ID(id)
		l.ProcessingTime = time.Duration(ms) * time.Millisecond
		if session != nil {
			l.SessionID = *session
		}
		var rawIDs []string
		_ = json.Unmarshal(chunkIDsRaw, &rawIDs)
		for _, r := range rawIDs {
			l.ChunkIDs = append(l.ChunkIDs, ids.ID(r))
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
