package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"joinbot/internal/event"
	logx "joinbot/pkg/logx"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	const op = "sqlite.open"
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./joinbot.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, storageErr(op, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, storageErr(op, err)
	}
	// One writer keeps every transition a single serialized write.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, storageErr(op, fmt.Errorf("migrate: %w", err))
	}
	log.Info("sqlite store ready", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Insert(ctx context.Context, ev event.Event) (int64, error) {
	const op = "sqlite.insert"
	if err := checkInsert(ev); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ntf_events(name, description, time) VALUES(?,?,?)`,
		ev.Name, nullStr(ev.Description), ev.StartAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, storageErr(op, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr(op, err)
	}
	return id, nil
}

func (s *sqliteStore) MarkWarned(ctx context.Context, id int64) error {
	return s.setFlag(ctx, "sqlite.mark_warned", `UPDATE ntf_events SET warned = 1 WHERE id = ? AND done = 0`, id)
}

func (s *sqliteStore) MarkFired(ctx context.Context, id int64) error {
	return s.setFlag(ctx, "sqlite.mark_fired", `UPDATE ntf_events SET done = 1 WHERE id = ? AND done = 0`, id)
}

func (s *sqliteStore) Remove(ctx context.Context, id int64) error {
	return s.setFlag(ctx, "sqlite.remove", `UPDATE ntf_events SET done = 1 WHERE id = ? AND done = 0`, id)
}

// setFlag runs the guarded update. Zero affected rows is fine as long as the row exists.
func (s *sqliteStore) setFlag(ctx context.Context, op, query string, id int64) error {
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return storageErr(op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM ntf_events WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(op, id)
	}
	return storageErr(op, err)
}

func (s *sqliteStore) LoadActive(ctx context.Context) ([]event.Event, error) {
	const op = "sqlite.load_active"
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, time, done, warned FROM ntf_events WHERE done = 0 ORDER BY id`)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		ev, err := scanSQLiteEvent(rows)
		if err != nil {
			return nil, storageErr(op, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}

func (s *sqliteStore) Get(ctx context.Context, id int64) (event.Event, error) {
	const op = "sqlite.get"
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, time, done, warned FROM ntf_events WHERE id = ?`, id)
	ev, err := scanSQLiteEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, notFound(op, id)
	}
	if err != nil {
		return event.Event{}, storageErr(op, err)
	}
	return ev, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteEvent(r rowScanner) (event.Event, error) {
	var (
		ev           event.Event
		desc         sql.NullString
		rawTime      any
		done, warned bool
	)
	if err := r.Scan(&ev.ID, &ev.Name, &desc, &rawTime, &done, &warned); err != nil {
		return event.Event{}, err
	}
	t, err := parseStoredTime(rawTime)
	if err != nil {
		return event.Event{}, fmt.Errorf("event #%d: %w", ev.ID, err)
	}
	ev.Description = desc.String
	ev.StartAt = t
	ev.Status = statusOf(done, warned)
	return ev, nil
}

// parseStoredTime accepts what the driver hands back for a DATETIME column: either a parsed
// time.Time or the raw text. Rows written with minute precision are accepted too.
func parseStoredTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), nil
	case string:
		return parseTimeText(x)
	case []byte:
		return parseTimeText(string(x))
	default:
		return time.Time{}, fmt.Errorf("unexpected time value %T", v)
	}
}

func parseTimeText(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{timeLayout, event.DateFormat, time.RFC3339Nano} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", s)
}

func (s *sqliteStore) GrantRole(ctx context.Context, role string, member int64) error {
	if role == "" {
		return storageErr("sqlite.grant_role", errEmptyRole)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO role_members(role, member_id, added_at) VALUES(?,?,?)
		 ON CONFLICT(role, member_id) DO NOTHING`,
		role, member, time.Now().UTC().Format(time.RFC3339),
	)
	return storageErr("sqlite.grant_role", err)
}

func (s *sqliteStore) RevokeRole(ctx context.Context, role string, member int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM role_members WHERE role = ? AND member_id = ?`, role, member)
	return storageErr("sqlite.revoke_role", err)
}

func (s *sqliteStore) HasRole(ctx context.Context, role string, member int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM role_members WHERE role = ? AND member_id = ?`, role, member).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("sqlite.has_role", err)
	}
	return true, nil
}

func (s *sqliteStore) RoleMembers(ctx context.Context, role string) ([]int64, error) {
	const op = "sqlite.role_members"
	rows, err := s.db.QueryContext(ctx,
		`SELECT member_id FROM role_members WHERE role = ? ORDER BY member_id`, role)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr(op, err)
		}
		out = append(out, id)
	}
	return out, storageErr(op, rows.Err())
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
