package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/p-n-ai/pai-grader/internal/ai"
)

const dbTimeout = 5 * time.Second

// PostgresStore is a PostgreSQL-backed Store. The archive_records table is
// created by database.DB.Migrate.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed archive store.
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is nil")
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Insert(ctx context.Context, rec Record) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	if rec.ContentHash == "" {
		return "", false, fmt.Errorf("content hash is required")
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var id string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO archive_records (id, content_hash, session_id, subject, question_text, student_answer,
		                              is_correct, grade_summary, image_path, parent_id, parent_text, created_at)
		 VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (content_hash) DO NOTHING
		 RETURNING id::text`,
		uuid.NewString(),
		rec.ContentHash,
		rec.SessionID,
		rec.Subject,
		rec.QuestionText,
		rec.StudentAnswer,
		rec.IsCorrect,
		rec.GradeSummary,
		nullIfEmpty(rec.ImagePath),
		nullIfEmpty(rec.ParentID),
		nullIfEmpty(rec.ParentText),
		createdAt,
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", false, fmt.Errorf("insert archive record: %w", err)
	}

	// The hash already exists.
	if err := s.pool.QueryRow(ctx,
		`SELECT id::text FROM archive_records WHERE content_hash = $1`,
		rec.ContentHash,
	).Scan(&id); err != nil {
		return "", false, fmt.Errorf("find existing archive record: %w", err)
	}
	return id, false, nil
}

const selectRecord = `SELECT id::text, content_hash, session_id, subject, question_text, student_answer,
       is_correct, grade_summary, image_path, parent_id, parent_text, analysis, concepts, created_at
FROM archive_records`

func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	if err := uuid.Validate(id); err != nil {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec, err := scanRecord(s.pool.QueryRow(ctx, selectRecord+` WHERE id = $1::uuid`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get archive record: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) FindByHash(ctx context.Context, hash string) (Record, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rec, err := scanRecord(s.pool.QueryRow(ctx, selectRecord+` WHERE content_hash = $1`, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("find archive record: %w", err)
	}
	return rec, true, nil
}

func (s *PostgresStore) SetAnalysis(ctx context.Context, id string, res ai.AnalysisResult) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	cmd, err := s.pool.Exec(ctx,
		`UPDATE archive_records SET analysis = $2, concepts = $3 WHERE id = $1::uuid`,
		id,
		res.Summary,
		res.Concepts,
	)
	if err != nil {
		return fmt.Errorf("set analysis: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	var imagePath, parentID, parentText, analysis *string
	if err := row.Scan(
		&rec.ID,
		&rec.ContentHash,
		&rec.SessionID,
		&rec.Subject,
		&rec.QuestionText,
		&rec.StudentAnswer,
		&rec.IsCorrect,
		&rec.GradeSummary,
		&imagePath,
		&parentID,
		&parentText,
		&analysis,
		&rec.Concepts,
		&rec.CreatedAt,
	); err != nil {
		return Record{}, err
	}
	rec.ImagePath = derefString(imagePath)
	rec.ParentID = derefString(parentID)
	rec.ParentText = derefString(parentText)
	rec.Analysis = derefString(analysis)
	return rec, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
