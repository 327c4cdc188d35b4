package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/clinical-document-engine/internal/core/domain"
)

const (
	documentColumns = `id, patient_id, title, type, file_type, tags, status, status_reason, ai_processed, ai_findings, created_at, updated_at`
	versionColumns  = `id, document_id, version, file_name, file_type, size_bytes, upload_date, uploaded_by, blob_ref`

	uniqueViolation = "23505"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type DocumentRepository struct {
	db *sql.DB
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *DocumentRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101401)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	patient_id TEXT NOT NULL,
	title TEXT NOT NULL,
	type TEXT NOT NULL,
	file_type TEXT NOT NULL,
	tags JSONB NOT NULL DEFAULT '[]'::jsonb,
	status TEXT NOT NULL,
	status_reason TEXT NOT NULL DEFAULT '',
	ai_processed BOOLEAN NOT NULL DEFAULT FALSE,
	ai_findings JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS document_versions (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	version INTEGER NOT NULL,
	file_name TEXT NOT NULL,
	file_type TEXT NOT NULL,
	size_bytes BIGINT NOT NULL,
	upload_date TIMESTAMPTZ NOT NULL,
	uploaded_by TEXT NOT NULL,
	blob_ref TEXT NOT NULL,
	UNIQUE (document_id, version)
);

CREATE INDEX IF NOT EXISTS idx_documents_patient ON documents(patient_id);
CREATE INDEX IF NOT EXISTS idx_documents_processing ON documents(updated_at) WHERE status = 'processing';
CREATE INDEX IF NOT EXISTS idx_document_versions_document ON document_versions(document_id, version);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (r *DocumentRepository) Insert(ctx context.Context, doc *domain.Document) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := insertDocumentRow(ctx, tx, doc); err != nil {
		return mapWriteError("insert document", doc.ID, err)
	}
	for _, v := range doc.Versions {
		if err := insertVersionRow(ctx, tx, doc.ID, v); err != nil {
			return mapWriteError("insert version", doc.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert tx: %w", err)
	}
	return nil
}

func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	var doc *domain.Document
	err := r.readSnapshot(ctx, "get", func(q querier) error {
		var err error
		doc, err = loadDocument(ctx, q, id, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// readSnapshot runs fn in a read-only repeatable read transaction, so the
// document row and its versions come from the same committed state.
func (r *DocumentRepository) readSnapshot(ctx context.Context, op string, fn func(q querier) error) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin %s tx: %w", op, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s tx: %w", op, err)
	}
	return nil
}

// Update locks the document row for the whole read-modify-write, so writers
// for one document serialize. Versions are append-only: only rows past the
// previous count are inserted.
func (r *DocumentRepository) Update(ctx context.Context, id string, mutate func(*domain.Document) error) (*domain.Document, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	cur, err := loadDocument(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if next.ID != cur.ID || next.PatientID != cur.PatientID {
		return nil, domain.WrapError(domain.ErrInvalidInput, "update document", errors.New("id and patient id are immutable"))
	}
	if len(next.Versions) < len(cur.Versions) {
		return nil, domain.WrapError(domain.ErrInvalidInput, "update document", errors.New("versions are append-only"))
	}

	if err := updateDocumentRow(ctx, tx, next); err != nil {
		return nil, fmt.Errorf("update document row: %w", err)
	}
	for _, v := range next.Versions[len(cur.Versions):] {
		if err := insertVersionRow(ctx, tx, next.ID, v); err != nil {
			return nil, mapWriteError("insert version", next.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update tx: %w", err)
	}
	return next, nil
}

func (r *DocumentRepository) Delete(ctx context.Context, id string) (*domain.Document, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin delete tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	doc, err := loadDocument(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("delete document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete tx: %w", err)
	}
	return doc, nil
}

func (r *DocumentRepository) ListByPatient(ctx context.Context, patientID string) ([]domain.Document, error) {
	var docs []domain.Document
	err := r.readSnapshot(ctx, "list", func(q querier) error {
		var err error
		docs, err = listDocuments(ctx, q, `d.patient_id = $1`, `d.created_at DESC, d.id`, patientID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// ListProcessing returns documents still processing whose last write is
// older than updatedBefore, oldest first.
func (r *DocumentRepository) ListProcessing(ctx context.Context, updatedBefore time.Time) ([]domain.Document, error) {
	var docs []domain.Document
	err := r.readSnapshot(ctx, "list processing", func(q querier) error {
		var err error
		docs, err = listDocuments(ctx, q, `d.status = 'processing' AND d.updated_at < $1`, `d.updated_at, d.id`, updatedBefore.UTC())
		return err
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// listDocuments loads the documents matching where, then their versions with
// the same filter. where and order reference the documents table as d.
func listDocuments(ctx context.Context, q querier, where, order string, args ...any) ([]domain.Document, error) {
	rows, err := q.QueryContext(ctx, `
SELECT `+documentColumns+`
FROM documents d
WHERE `+where+`
ORDER BY `+order+`
`, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	docs := make([]domain.Document, 0)
	index := make(map[string]int)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		index[doc.ID] = len(docs)
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	if len(docs) == 0 {
		return docs, nil
	}

	vrows, err := q.QueryContext(ctx, `
SELECT v.id, v.document_id, v.version, v.file_name, v.file_type, v.size_bytes, v.upload_date, v.uploaded_by, v.blob_ref
FROM document_versions v
JOIN documents d ON d.id = v.document_id
WHERE `+where+`
ORDER BY v.document_id, v.version
`, args...)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer vrows.Close()

	for vrows.Next() {
		documentID, v, err := scanVersion(vrows)
		if err != nil {
			return nil, err
		}
		if i, ok := index[documentID]; ok {
			docs[i].Versions = append(docs[i].Versions, v)
		}
	}
	if err := vrows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}

	out := docs[:0]
	for i := range docs {
		if len(docs[i].Versions) == 0 {
			continue
		}
		syncCurrentVersion(&docs[i])
		out = append(out, docs[i])
	}
	return out, nil
}

func loadDocument(ctx context.Context, q querier, id string, forUpdate bool) (*domain.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	doc, err := scanDocument(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "load document", fmt.Errorf("id=%s", id))
		}
		return nil, err
	}

	rows, err := q.QueryContext(ctx, `SELECT `+versionColumns+` FROM document_versions WHERE document_id = $1 ORDER BY version`, id)
	if err != nil {
		return nil, fmt.Errorf("load versions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		_, v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		doc.Versions = append(doc.Versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	syncCurrentVersion(doc)
	return doc, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*domain.Document, error) {
	var (
		doc                     domain.Document
		docType, status, reason string
		tagsRaw                 []byte
		findingsRaw             []byte
	)
	err := row.Scan(
		&doc.ID, &doc.PatientID, &doc.Title, &docType, &doc.FileType, &tagsRaw,
		&status, &reason, &doc.AIProcessed, &findingsRaw, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	doc.Type = domain.DocumentType(docType)
	doc.Status = domain.DocumentStatus(status)
	doc.StatusReason = domain.StatusReason(reason)
	doc.Tags = []string{}
	if len(tagsRaw) > 0 {
		if err := json.Unmarshal(tagsRaw, &doc.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	if len(findingsRaw) > 0 && string(findingsRaw) != "null" {
		var findings domain.Findings
		if err := json.Unmarshal(findingsRaw, &findings); err != nil {
			return nil, fmt.Errorf("unmarshal findings: %w", err)
		}
		if findings.KeyFindings == nil {
			findings.KeyFindings = []string{}
		}
		doc.AIFindings = &findings
	}
	doc.Versions = []domain.Version{}
	return &doc, nil
}

func scanVersion(row scanner) (string, domain.Version, error) {
	var (
		v          domain.Version
		documentID string
		blobRef    string
	)
	if err := row.Scan(&v.ID, &documentID, &v.Version, &v.FileName, &v.FileType, &v.SizeBytes, &v.UploadDate, &v.UploadedBy, &blobRef); err != nil {
		return "", domain.Version{}, fmt.Errorf("scan version: %w", err)
	}
	v.BlobRef = domain.BlobRef(blobRef)
	return documentID, v, nil
}

// syncCurrentVersion derives the current-version pointer fields, which are not stored twice.
func syncCurrentVersion(doc *domain.Document) {
	if current, ok := doc.CurrentVersion(); ok {
		doc.UploadDate = current.UploadDate
		doc.UploadedBy = current.UploadedBy
		doc.BlobRef = current.BlobRef
	}
}

func insertDocumentRow(ctx context.Context, q querier, doc *domain.Document) error {
	tagsJSON, findingsJSON, err := encodeDocumentJSON(doc)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
INSERT INTO documents (`+documentColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
`,
		doc.ID, doc.PatientID, doc.Title, string(doc.Type), doc.FileType, tagsJSON,
		string(doc.Status), string(doc.StatusReason), doc.AIProcessed, findingsJSON, doc.CreatedAt, doc.UpdatedAt,
	)
	return err
}

func updateDocumentRow(ctx context.Context, q querier, doc *domain.Document) error {
	tagsJSON, findingsJSON, err := encodeDocumentJSON(doc)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
UPDATE documents
SET title = $2, tags = $3, status = $4, status_reason = $5, ai_processed = $6, ai_findings = $7, updated_at = $8
WHERE id = $1
`, doc.ID, doc.Title, tagsJSON, string(doc.Status), string(doc.StatusReason), doc.AIProcessed, findingsJSON, doc.UpdatedAt)
	return err
}

func insertVersionRow(ctx context.Context, q querier, documentID string, v domain.Version) error {
	_, err := q.ExecContext(ctx, `
INSERT INTO document_versions (`+versionColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`, v.ID, documentID, v.Version, v.FileName, v.FileType, v.SizeBytes, v.UploadDate, v.UploadedBy, string(v.BlobRef))
	return err
}

func encodeDocumentJSON(doc *domain.Document) ([]byte, []byte, error) {
	tags := doc.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal tags: %w", err)
	}
	if doc.AIFindings == nil {
		return tagsJSON, nil, nil
	}
	findingsJSON, err := json.Marshal(doc.AIFindings)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal findings: %w", err)
	}
	return tagsJSON, findingsJSON, nil
}

func mapWriteError(op, id string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return domain.WrapError(domain.ErrConflict, op, fmt.Errorf("id=%s: %s", id, pgErr.ConstraintName))
	}
	return fmt.Errorf("%s: %w", op, err)
}
