package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"hybridrag/internal/ids"
	"hybridrag/internal/model"
)

// SQLite is the default, embedded Chunk Store backend: a single file on
// disk, no external service to run. It is the primary implementation;
// Postgres is kept as an alternate backend behind the same interface.
type SQLite struct {
	db *sql.DB
}

// schema bootstraps the tables CREATE IF NOT EXISTS style, the way the
// pack's own Postgres backend documents its schema rather than shipping a
// separate migration tool.
const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	doc_type TEXT NOT NULL,
	file_path TEXT,
	source_url TEXT,
	size_bytes INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	tags TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMP NOT NULL
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
	aliases TEXT NOT NULL DEFAULT '[]',
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
	confidence REAL NOT NULL DEFAULT 0,
	source_chunk TEXT
);
CREATE INDEX IF NOT EXISTS idx_relations_src ON relations(src_entity);
CREATE INDEX IF NOT EXISTS idx_relations_dst ON relations(dst_entity);

CREATE TABLE IF NOT EXISTS query_logs (
	id TEXT PRIMARY KEY,
	question TEXT NOT NULL,
	answer TEXT NOT NULL,
	mode TEXT NOT NULL,
	confidence REAL NOT NULL,
	chunk_ids TEXT NOT NULL DEFAULT '[]',
	processing_time_ms INTEGER NOT NULL,
	session_id TEXT,
	ts TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_query_logs_session ON query_logs(session_id);
`

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (creating if necessary) the database file at path and
// applies the schema.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func marshalTags(tags []string) string {
	b, _ := json.Marshal(tags)
	return string(b)
}

func unmarshalTags(raw string) []string {
	var tags []string
	_ = json.Unmarshal([]byte(raw), &tags)
	return tags
}

func (s *SQLite) InsertDocument(ctx context.Context, doc model.Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, doc_type, file_path, source_url, size_bytes, status, tags, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Title, doc.DocType, doc.FilePath, doc.SourceURL, doc.SizeBytes, doc.Status, marshalTags(doc.Tags), doc.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *SQLite) UpdateDocumentStatus(ctx context.Context, docID ids.ID, status model.DocStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE documents SET status = ? WHERE id = ?`, status, docID)
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	return expectOneRow(res)
}

func (s *SQLite) GetDocument(ctx context.Context, docID ids.ID) (model.Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, doc_type, file_path, source_url, size_bytes, status, tags, created_at
		FROM documents WHERE id = ?`, docID)
	return scanDocument(row)
}

func scanDocument(row *sql.Row) (model.Document, error) {
	var d model.Document
	var tags string
	var id, docType, status string
	err := row.Scan(&id, &d.Title, &docType, &d.FilePath, &d.SourceURL, &d.SizeBytes, &status, &tags, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Document{}, ErrNotFound
	}
	if err != nil {
		return model.Document{}, fmt.Errorf("scan document: %w", err)
	}
	d.ID = ids.ID(id)
	d.DocType = model.DocType(docType)
	d.Status = model.DocStatus(status)
	d.Tags = unmarshalTags(tags)
	return d, nil
}

func (s *SQLite) ListDocuments(ctx context.Context, limit, offset int, status model.DocStatus) ([]model.Document, error) {
	query := `SELECT id, title, doc_type, file_path, source_url, size_bytes, status, tags, created_at FROM documents`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []model.Document
	for rows.Next() {
		var d model.Document
		var tags string
		var id, docType, st string
		if err := rows.Scan(&id, &d.Title, &docType, &d.FilePath, &d.SourceURL, &d.SizeBytes, &st, &tags, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan document row: %w", err)
		}
		d.ID = ids.ID(id)
		d.DocType = model.DocType(docType)
		d.Status = model.DocStatus(st)
		d.Tags = unmarshalTags(tags)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteDocument(ctx context.Context, docID ids.ID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, docID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return expectOneRow(res)
}

func (s *SQLite) InsertChunks(ctx context.Context, batch ChunkBatch) error {
	if len(batch.Chunks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chunk insert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, doc_id, start_char, end_char, page, chunk_index, content)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range batch.Chunks {
		if _, err := stmt.ExecContext(ctx, c.ID, batch.DocID, c.StartChar, c.EndChar, c.Page, c.ChunkIndex, c.Content); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}

	return tx.Commit()
}

func (s *SQLite) GetChunksByDoc(ctx context.Context, docID ids.ID) ([]model.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, doc_id, start_char, end_char, page, chunk_index, content
		FROM chunks WHERE doc_id = ? ORDER BY chunk_index ASC`, docID)
	if err != nil {
		return nil, fmt.Errorf("get chunks by doc: %w", err)
	}
	defer rows.Close()
	return scanChunkRows(rows)
}

func (s *SQLite) GetChunk(ctx context.Context, chunkID ids.ID) (model.Chunk, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, doc_id, start_char, end_char, page, chunk_index, content
		FROM chunks WHERE id = ?`, chunkID)
	var c model.Chunk
	var id, docID string
	err := row.Scan(&id, &docID, &c.StartChar, &c.EndChar, &c.Page, &c.ChunkIndex, &c.Content)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Chunk{}, ErrNotFound
	}
	if err != nil {
		return model.Chunk{}, fmt.Errorf("scan chunk: %w", err)
	}
	c.ID, c.DocID = ids.ID(id), ids.ID(docID)
	return c, nil
}

func (s *SQLite) GetChunks(ctx context.Context, chunkIDs []ids.ID) ([]model.Chunk, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}
	placeholders, args := inClause(chunkIDs)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, doc_id, start_char, end_char, page, chunk_index, content
		FROM chunks WHERE id IN (%s)`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("get chunks: %w", err)
	}
	defer rows.Close()
	return scanChunkRows(rows)
}

func scanChunkRows(rows *sql.Rows) ([]model.Chunk, error) {
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

func (s *SQLite) UpsertEntity(ctx context.Context, e model.Entity) (model.Entity, error) {
	if e.ID.Empty() {
		e.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (id, name, entity_type, aliases) VALUES (?, ?, ?, ?)
		ON CONFLICT(name, entity_type) DO UPDATE SET aliases = excluded.aliases`,
		e.ID, e.Name, e.EntityType, marshalTags(e.Aliases))
	if err != nil {
		return model.Entity{}, fmt.Errorf("upsert entity: %w", err)
	}
	return s.GetEntityByName(ctx, e.Name, e.EntityType)
}

func (s *SQLite) GetEntityByName(ctx context.Context, name, entityType string) (model.Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, entity_type, aliases FROM entities WHERE name = ? AND entity_type = ?`, name, entityType)
	var e model.Entity
	var id, aliases string
	err := row.Scan(&id, &e.Name, &e.EntityType, &aliases)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Entity{}, ErrNotFound
	}
	if err != nil {
		return model.Entity{}, fmt.Errorf("scan entity: %w", err)
	}
	e.ID = ids.ID(id)
	e.Aliases = unmarshalTags(aliases)
	return e, nil
}

func (s *SQLite) LinkEntityChunk(ctx context.Context, link model.EntityChunkLink) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entity_chunk_links (entity_id, chunk_id) VALUES (?, ?)
		ON CONFLICT(entity_id, chunk_id) DO NOTHING`, link.EntityID, link.ChunkID)
	if err != nil {
		return fmt.Errorf("link entity chunk: %w", err)
	}
	return nil
}

func (s *SQLite) InsertRelation(ctx context.Context, r model.Relation) error {
	if r.ID.Empty() {
		r.ID = ids.New()
	}
	var sourceChunk any
	if !r.SourceChunk.Empty() {
		sourceChunk = r.SourceChunk
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relations (id, src_entity, dst_entity, label, confidence, source_chunk)
		VALUES (?, ?, ?, ?, ?, ?)`, r.ID, r.SrcEntity, r.DstEntity, r.Label, r.Confidence, sourceChunk)
	if err != nil {
		return fmt.Errorf("insert relation: %w", err)
	}
	return nil
}

func (s *SQLite) EntityNamesForChunk(ctx context.Context, chunkID ids.ID) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.name FROM entities e
		JOIN entity_chunk_links l ON l.entity_id = e.id
		WHERE l.chunk_id = ?`, chunkID)
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

func (s *SQLite) ChunksForEntityName(ctx context.Context, name string, limit int) ([]model.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.doc_id, c.start_char, c.end_char, c.page, c.chunk_index, c.content
		FROM chunks c
		JOIN entity_chunk_links l ON l.chunk_id = c.id
		JOIN entities e ON e.id = l.entity_id
		WHERE e.name = ? LIMIT ?`, name, limit)
	if err != nil {
		return nil, fmt.Errorf("chunks for entity name: %w", err)
	}
	defer rows.Close()
	return scanChunkRows(rows)
}

func (s *SQLite) AllEntities(ctx context.Context) ([]model.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, entity_type, aliases FROM entities`)
	if err != nil {
		return nil, fmt.Errorf("all entities: %w", err)
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		var e model.Entity
		var id, aliases string
		if err := rows.Scan(&id, &e.Name, &e.EntityType, &aliases); err != nil {
			return nil, fmt.Errorf("scan entity row: %w", err)
		}
		e.ID = ids.ID(id)
		e.Aliases = unmarshalTags(aliases)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) AllRelations(ctx context.Context) ([]model.Relation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, src_entity, dst_entity, label, confidence, source_chunk FROM relations`)
	if err != nil {
		return nil, fmt.Errorf("all relations: %w", err)
	}
	defer rows.Close()

	var out []model.Relation
	for rows.Next() {
		var r model.Relation
		var id, src, dst string
		var sourceChunk sql.NullString
		if err := rows.Scan(&id, &src, &dst, &r.Label, &r.Confidence, &sourceChunk); err != nil {
			return nil, fmt.Errorf("scan relation row: %w", err)
		}
		r.ID, r.SrcEntity, r.DstEntity = ids.ID(id), ids.ID(src), ids.ID(dst)
		if sourceChunk.Valid {
			r.SourceChunk = ids.ID(sourceChunk.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) ExecuteQuery(ctx context.Context, entityName string, limit int) ([]EntityChunkHit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.name, e.entity_type, e.aliases,
		       c.id, c.doc_id, c.start_char, c.end_char, c.page, c.chunk_index, c.content
		FROM entity_chunk_links l
		JOIN entities e ON e.id = l.entity_id
		JOIN chunks c ON c.id = l.chunk_id
		WHERE e.name = ? LIMIT ?`, entityName, limit)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	var out []EntityChunkHit
	for rows.Next() {
		var hit EntityChunkHit
		var eid, aliases, cid, docID string
		if err := rows.Scan(&eid, &hit.Entity.Name, &hit.Entity.EntityType, &aliases,
			&cid, &docID, &hit.Chunk.StartChar, &hit.Chunk.EndChar, &hit.Chunk.Page, &hit.Chunk.ChunkIndex, &hit.Chunk.Content); err != nil {
			return nil, fmt.Errorf("scan query hit: %w", err)
		}
		hit.Entity.ID = ids.ID(eid)
		hit.Entity.Aliases = unmarshalTags(aliases)
		hit.Chunk.ID, hit.Chunk.DocID = ids.ID(cid), ids.ID(docID)
		out = append(out, hit)
	}
	return out, rows.Err()
}

func (s *SQLite) InsertProvenanceLog(ctx context.Context, log model.QueryLog) error {
	chunkIDs, _ := json.Marshal(log.ChunkIDs)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO query_logs (id, question, answer, mode, confidence, chunk_ids, processing_time_ms, session_id, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.Question, log.Answer, log.Mode, log.Confidence, string(chunkIDs),
		log.ProcessingTime.Milliseconds(), log.SessionID, log.Timestamp)
	if err != nil {
		return fmt.Errorf("insert provenance log: %w", err)
	}
	return nil
}

func (s *SQLite) ListProvenanceLogs(ctx context.Context, limit int, sessionID string) ([]model.QueryLog, error) {
	query := `SELECT id, question, answer, mode, confidence, chunk_ids, processing_time_ms, session_id, ts FROM query_logs`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY ts DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list provenance logs: %w", err)
	}
	defer rows.Close()

	var out []model.QueryLog
	for rows.Next() {
		var l model.QueryLog
		var id, chunkIDsRaw string
		var ms int64
		var session sql.NullString
		if err := rows.Scan(&id, &l.Question, &l.Answer, &l.Mode, &l.Confidence, &chunkIDsRaw, &ms, &session, &l.Timestamp); err != nil {
			return nil, fmt.Errorf("scan provenance log row: %w", err)
		}
		l.ID = ids.ID(id)
		l.ProcessingTime = time.Duration(ms) * time.Millisecond
		if session.Valid {
			l.SessionID = session.String
		}
		var rawIDs []string
		_ = json.Unmarshal([]byte(chunkIDsRaw), &rawIDs)
		for _, r := range rawIDs {
			l.ChunkIDs = append(l.ChunkIDs, ids.ID(r))
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func inClause(idList []ids.ID) (string, []any) {
	placeholders := ""
	args := make([]any, len(idList))
	for i, id := range idList {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = id
	}
	return placeholders, args
}
