// Package sessionstore persists upload sessions in an embedded SQLite
// database so interrupted uploads survive process restarts. It implements
// transfer.Store.
package sessionstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".

	"github.com/graphdrive/graphdrive/transfer"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// walJournalSizeLimit caps the WAL journal at 64 MiB.
const walJournalSizeLimit = 67108864

// ErrNotFound is returned by Get for an unknown session id.
var ErrNotFound = errors.New("sessionstore: session not found")

// Store is the SQLite-backed session store. Use ":memory:" as the path for
// tests.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	stmts sessionStatements
}

type sessionStatements struct {
	save, get, delete, list, purge *sql.Stmt
}

var _ transfer.Store = (*Store)(nil)

// Open opens (creating if needed) the database at dbPath, applies pending
// migrations, and prepares the statements.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("opening session database", slog.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: open sqlite: %w", err)
	}

	ctx := context.Background()

	if err := setPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: logger}

	if err := s.prepareStatements(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessionstore: prepare statements: %w", err)
	}

	return s, nil
}

// Close releases the prepared statements and the database handle.
func (s *Store) Close() error {
	for _, stmt := range []*sql.Stmt{
		s.stmts.save, s.stmts.get, s.stmts.delete, s.stmts.list, s.stmts.purge,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}

	return s.db.Close()
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit),
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("sessionstore: %s: %w", p, err)
		}
	}

	return nil
}

// runMigrations applies all pending schema migrations.
// Uses the goose v3 Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("sessionstore: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("sessionstore: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("sessionstore: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

func (s *Store) prepareStatements(ctx context.Context) error {
	var err error

	if s.stmts.save, err = s.db.PrepareContext(ctx, `
		INSERT INTO upload_sessions
			(id, local_path, remote_path, upload_url, size, chunk_size, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			local_path = excluded.local_path,
			remote_path = excluded.remote_path,
			upload_url = excluded.upload_url,
			size = excluded.size,
			chunk_size = excluded.chunk_size,
			expires_at = excluded.expires_at
	`); err != nil {
		return err
	}

	if s.stmts.get, err = s.db.PrepareContext(ctx, `
		SELECT id, local_path, remote_path, upload_url, size, chunk_size, expires_at, created_at
		FROM upload_sessions WHERE id = ?
	`); err != nil {
		return err
	}

	if s.stmts.delete, err = s.db.PrepareContext(ctx,
		`DELETE FROM upload_sessions WHERE id = ?`); err != nil {
		return err
	}

	if s.stmts.list, err = s.db.PrepareContext(ctx, `
		SELECT id, local_path, remote_path, upload_url, size, chunk_size, expires_at, created_at
		FROM upload_sessions ORDER BY created_at
	`); err != nil {
		return err
	}

	if s.stmts.purge, err = s.db.PrepareContext(ctx,
		`DELETE FROM upload_sessions WHERE expires_at > 0 AND expires_at < ?`); err != nil {
		return err
	}

	return nil
}

// Save inserts or updates a session record.
func (s *Store) Save(ctx context.Context, rec transfer.SessionRecord) error {
	_, err := s.stmts.save.ExecContext(ctx,
		rec.ID, rec.LocalPath, rec.RemotePath, rec.UploadURL,
		rec.Size, rec.ChunkSize, unixOrZero(rec.ExpiresAt), rec.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("sessionstore: save session %s: %w", rec.ID, err)
	}

	return nil
}

// Get fetches one session record by id. Returns ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, id string) (*transfer.SessionRecord, error) {
	rec, err := scanRecord(s.stmts.get.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("sessionstore: get session %s: %w", id, err)
	}

	return rec, nil
}

// Delete removes a session record. Deleting an absent record is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.stmts.delete.ExecContext(ctx, id); err != nil {
		return fmt.Errorf("sessionstore: delete session %s: %w", id, err)
	}

	return nil
}

// List returns every persisted session, oldest first.
func (s *Store) List(ctx context.Context) ([]transfer.SessionRecord, error) {
	rows, err := s.stmts.list.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: list sessions: %w", err)
	}
	defer rows.Close()

	var recs []transfer.SessionRecord

	for rows.Next() {
		rec, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("sessionstore: scanning session row: %w", scanErr)
		}

		recs = append(recs, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sessionstore: iterating sessions: %w", err)
	}

	return recs, nil
}

// PurgeExpired deletes every session whose expiry is before now. Returns
// the number of sessions removed.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.stmts.purge.ExecContext(ctx, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("sessionstore: purging expired sessions: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sessionstore: counting purged sessions: %w", err)
	}

	if n > 0 {
		s.logger.Info("purged expired upload sessions", slog.Int64("count", n))
	}

	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*transfer.SessionRecord, error) {
	var (
		rec                transfer.SessionRecord
		expires, createdAt int64
	)

	err := row.Scan(&rec.ID, &rec.LocalPath, &rec.RemotePath, &rec.UploadURL,
		&rec.Size, &rec.ChunkSize, &expires, &createdAt)
	if err != nil {
		return nil, err
	}

	if expires > 0 {
		rec.ExpiresAt = time.Unix(expires, 0).UTC()
	}

	rec.CreatedAt = time.Unix(createdAt, 0).UTC()

	return &rec, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.Unix()
}
