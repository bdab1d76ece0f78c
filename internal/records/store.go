package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/recallnet/base-aerodrome-agent/internal/verify"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("verification record not found")

const defaultListLimit = 20

// Store is the SQLite-backed verification sink.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

func Open(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create records directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create records lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open records sqlite: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS verifications (
			id TEXT PRIMARY KEY,
			chain_id TEXT NOT NULL,
			response_model TEXT NOT NULL,
			is_valid INTEGER NOT NULL,
			submitted INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_verifications_submitted_created ON verifications(submitted, created_at);",
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init records schema: %w", err)
		}
	}
	return &Store{db: db, lock: flock.New(lockPath)}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) withLock(ctx context.Context, fn func() error) error {
	locked, err := s.lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock records store: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock records store: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}

// Record inserts rec. Records are immutable, so a duplicate id is an error.
func (s *Store) Record(ctx context.Context, rec verify.Record) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("store verification record: missing id")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal verification record: %w", err)
	}
	created := rec.CreatedAt.UTC().Unix()
	if rec.CreatedAt.IsZero() {
		created = time.Now().UTC().Unix()
	}
	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.withLock(lockCtx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO verifications (id, chain_id, response_model, is_valid, submitted, created_at, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, rec.ID, rec.ChainID, rec.ResponseModel, boolInt(rec.IsValid), boolInt(rec.Submitted), created, payload)
		if err != nil {
			return fmt.Errorf("store verification record: %w", err)
		}
		return nil
	})
}

func (s *Store) Get(ctx context.Context, id string) (verify.Record, error) {
	var (
		payload   []byte
		submitted int
	)
	err := s.db.QueryRowContext(ctx, "SELECT payload, submitted FROM verifications WHERE id = ?", id).Scan(&payload, &submitted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return verify.Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return verify.Record{}, fmt.Errorf("read verification record: %w", err)
	}
	return decodeRecord(payload, submitted)
}

type ListFilter struct {
	UnsubmittedOnly bool
	Limit           int
}

// List returns records oldest first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]verify.Record, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := "SELECT payload, submitted FROM verifications ORDER BY created_at ASC, id ASC LIMIT ?"
	if filter.UnsubmittedOnly {
		query = "SELECT payload, submitted FROM verifications WHERE submitted = 0 ORDER BY created_at ASC, id ASC LIMIT ?"
	}
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list verification records: %w", err)
	}
	defer rows.Close()

	out := make([]verify.Record, 0)
	for rows.Next() {
		var (
			payload   []byte
			submitted int
		)
		if err := rows.Scan(&payload, &submitted); err != nil {
			return nil, fmt.Errorf("scan verification row: %w", err)
		}
		rec, err := decodeRecord(payload, submitted)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate verification rows: %w", err)
	}
	return out, nil
}

func (s *Store) ListUnsubmitted(ctx context.Context, limit int) ([]verify.Record, error) {
	return s.List(ctx, ListFilter{UnsubmittedOnly: true, Limit: limit})
}

// MarkSubmitted flags the given records and returns how many changed.
func (s *Store) MarkSubmitted(ctx context.Context, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var changed int64
	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := s.withLock(lockCtx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin mark submitted: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		for _, id := range ids {
			res, err := tx.ExecContext(ctx, "UPDATE verifications SET submitted = 1 WHERE id = ? AND submitted = 0", strings.TrimSpace(id))
			if err != nil {
				return fmt.Errorf("mark submitted %s: %w", id, err)
			}
			n, _ := res.RowsAffected()
			changed += n
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit mark submitted: %w", err)
		}
		return nil
	})
	return int(changed), err
}

func decodeRecord(payload []byte, submitted int) (verify.Record, error) {
	var rec verify.Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return verify.Record{}, fmt.Errorf("decode verification payload: %w", err)
	}
	rec.Submitted = submitted != 0
	return rec, nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
