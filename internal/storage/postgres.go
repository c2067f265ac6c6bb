package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"joinbot/internal/apperr"
	"joinbot/internal/event"
	logx "joinbot/pkg/logx"
)

//go:embed schema_postgres.sql
var postgresSchema string

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	const op = "postgres.open"
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, apperr.New(apperr.Validation, op, "postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, storageErr(op, fmt.Errorf("parse dsn: %w", err))
	}
	pcfg.MaxConns = 4

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(cctx, pcfg)
	if err != nil {
		return nil, storageErr(op, err)
	}
	if err := pool.Ping(cctx); err != nil {
		pool.Close()
		return nil, storageErr(op, fmt.Errorf("ping: %w", err))
	}
	if _, err := pool.Exec(cctx, postgresSchema); err != nil {
		pool.Close()
		return nil, storageErr(op, fmt.Errorf("migrate: %w", err))
	}
	log.Info("postgres store ready", logx.String("host", pcfg.ConnConfig.Host))
	return newPostgresStore(pool, log), nil
}

func newPostgresStore(pool *pgxpool.Pool, log logx.Logger) *postgresStore {
	return &postgresStore{pool: pool, log: log}
}

func (s *postgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *postgresStore) Insert(ctx context.Context, ev event.Event) (int64, error) {
	if err := checkInsert(ev); err != nil {
		return 0, err
	}
	const query = `INSERT INTO ntf_events(name, description, time) VALUES($1, NULLIF($2, ''), $3) RETURNING id`
	var id int64
	if err := s.pool.QueryRow(ctx, query, ev.Name, ev.Description, ev.StartAt.UTC()).Scan(&id); err != nil {
		return 0, storageErr("postgres.insert", err)
	}
	return id, nil
}

func (s *postgresStore) MarkWarned(ctx context.Context, id int64) error {
	return s.setFlag(ctx, "postgres.mark_warned", `UPDATE ntf_events SET warned = TRUE WHERE id = $1 AND NOT done`, id)
}

func (s *postgresStore) MarkFired(ctx context.Context, id int64) error {
	return s.setFlag(ctx, "postgres.mark_fired", `UPDATE ntf_events SET done = TRUE WHERE id = $1 AND NOT done`, id)
}

func (s *postgresStore) Remove(ctx context.Context, id int64) error {
	return s.setFlag(ctx, "postgres.remove", `UPDATE ntf_events SET done = TRUE WHERE id = $1 AND NOT done`, id)
}

func (s *postgresStore) setFlag(ctx context.Context, op, query string, id int64) error {
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return storageErr(op, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var one int
	err = s.pool.QueryRow(ctx, `SELECT 1 FROM ntf_events WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(op, id)
	}
	return storageErr(op, err)
}

const pgEventColumns = `id, name, COALESCE(description, ''), time, done, warned`

func scanPgEvent(r pgx.Row) (event.Event, error) {
	var (
		ev           event.Event
		done, warned bool
	)
	if err := r.Scan(&ev.ID, &ev.Name, &ev.Description, &ev.StartAt, &done, &warned); err != nil {
		return event.Event{}, err
	}
	ev.StartAt = ev.StartAt.UTC()
	ev.Status = statusOf(done, warned)
	return ev, nil
}

func (s *postgresStore) LoadActive(ctx context.Context) ([]event.Event, error) {
	const op = "postgres.load_active"
	rows, err := s.pool.Query(ctx, `SELECT `+pgEventColumns+` FROM ntf_events WHERE NOT done ORDER BY id`)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()
	var out []event.Event
	for rows.Next() {
		ev, err := scanPgEvent(rows)
		if err != nil {
			return nil, storageErr(op, err)
		}
		out = append(out, ev)
	}
	return out, storageErr(op, rows.Err())
}

func (s *postgresStore) Get(ctx context.Context, id int64) (event.Event, error) {
	const op = "postgres.get"
	ev, err := scanPgEvent(s.pool.QueryRow(ctx, `SELECT `+pgEventColumns+` FROM ntf_events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return event.Event{}, notFound(op, id)
	}
	if err != nil {
		return event.Event{}, storageErr(op, err)
	}
	return ev, nil
}

func (s *postgresStore) GrantRole(ctx context.Context, role string, member int64) error {
	if role == "" {
		return storageErr("postgres.grant_role", errEmptyRole)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO role_members(role, member_id) VALUES($1, $2) ON CONFLICT (role, member_id) DO NOTHING`,
		role, member)
	return storageErr("postgres.grant_role", err)
}

func (s *postgresStore) RevokeRole(ctx context.Context, role string, member int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM role_members WHERE role = $1 AND member_id = $2`, role, member)
	return storageErr("postgres.revoke_role", err)
}

func (s *postgresStore) HasRole(ctx context.Context, role string, member int64) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM role_members WHERE role = $1 AND member_id = $2)`, role, member).Scan(&ok)
	return ok, storageErr("postgres.has_role", err)
}

func (s *postgresStore) RoleMembers(ctx context.Context, role string) ([]int64, error) {
	const op = "postgres.role_members"
	rows, err := s.pool.Query(ctx, `SELECT member_id FROM role_members WHERE role = $1 ORDER BY member_id`, role)
	if err != nil {
		return nil, storageErr(op, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	return ids, storageErr(op, err)
}
