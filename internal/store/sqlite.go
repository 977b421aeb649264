package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"schedbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite store opened", logx.String("path", cfg.Path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

const jobColumns = `id, destination, schedule_name, body, media_type, media_ref, media_access_token, buttons, interval_seconds, fire_at, completed`

func (s *sqliteStore) Insert(ctx context.Context, r Record) (string, error) {
	id := uuid.NewString()
	btns, err := json.Marshal(buttonsOrEmpty(r.Buttons))
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs(`+jobColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		id, r.Destination, r.ScheduleName, r.Body,
		r.MediaType, r.MediaRef, r.MediaAccessToken, string(btns),
		r.IntervalSeconds, r.FireAt, boolInt(r.Completed),
	)
	if err != nil {
		return "", fmt.Errorf("insert: %w", err)
	}
	return id, nil
}

func (s *sqliteStore) FindByID(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanRecord(row)
}

func (s *sqliteStore) FindByName(ctx context.Context, destination int64, name string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE destination = ? AND schedule_name = ?`,
		destination, name)
	return scanRecord(row)
}

func (s *sqliteStore) ListPending(ctx context.Context, destination int64) ([]Record, error) {
	return s.query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE destination = ? AND completed = 0`, destination)
}

func (s *sqliteStore) PendingAll(ctx context.Context) ([]Record, error) {
	return s.query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE completed = 0`)
}

func (s *sqliteStore) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			s.log.Warn("skipping unreadable record", logx.Err(err))
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkCompleted(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET completed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	return requireAffected(res)
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return requireAffected(res)
}

func (s *sqliteStore) DeletePending(ctx context.Context, id string, destination int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE id = ? AND destination = ? AND completed = 0`, id, destination)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return requireAffected(res)
}

func (s *sqliteStore) Close(context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var r Record
	var btns string
	var completed int
	err := row.Scan(&r.ID, &r.Destination, &r.ScheduleName, &r.Body,
		&r.MediaType, &r.MediaRef, &r.MediaAccessToken, &btns,
		&r.IntervalSeconds, &r.FireAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	r.Completed = completed != 0
	if err := json.Unmarshal([]byte(btns), &r.Buttons); err != nil {
		return Record{}, fmt.Errorf("buttons column: %w", err)
	}
	return r, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func buttonsOrEmpty(b []Button) []Button {
	if b == nil {
		return []Button{}
	}
	return b
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
