package storage

import (
	"context"
	"errors"
	"time"

	"joinbot/internal/apperr"
	"joinbot/internal/event"
)

// Config configures storage.
//
// Driver values: "sqlite" (default), "bolt", "postgres".
type Config struct {
	Driver      string
	Path        string        // sqlite and bolt
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite busy_timeout, bolt open timeout
}

// EventStore is the durable source of truth for events.
type EventStore interface {
	// Insert persists ev as Pending and returns the assigned id.
	Insert(ctx context.Context, ev event.Event) (int64, error)
	// MarkWarned is a no-op on a fired event.
	MarkWarned(ctx context.Context, id int64) error
	// MarkFired is idempotent.
	MarkFired(ctx context.Context, id int64) error
	// Remove cancels an event. The stored state equals a fired event.
	Remove(ctx context.Context, id int64) error
	// LoadActive returns every event that has not fired, ordered by id.
	LoadActive(ctx context.Context) ([]event.Event, error)
	Get(ctx context.Context, id int64) (event.Event, error)
}

// RoleStore keeps ping-role membership for platforms without native roles.
type RoleStore interface {
	GrantRole(ctx context.Context, role string, member int64) error
	RevokeRole(ctx context.Context, role string, member int64) error
	HasRole(ctx context.Context, role string, member int64) (bool, error)
	// RoleMembers is sorted ascending.
	RoleMembers(ctx context.Context, role string) ([]int64, error)
}

type Store interface {
	EventStore
	RoleStore
	Close() error
}

// timeLayout is how start instants are written by drivers that store text. Always UTC.
const timeLayout = "2006-01-02 15:04:05"

var errEmptyRole = errors.New("role is required")

func statusOf(done, warned bool) event.Status {
	switch {
	case done:
		return event.Fired
	case warned:
		return event.Warned
	default:
		return event.Pending
	}
}

func checkInsert(ev event.Event) error {
	if ev.Name == "" {
		return apperr.New(apperr.Validation, "storage.insert", "name is required")
	}
	if ev.StartAt.IsZero() {
		return apperr.New(apperr.Validation, "storage.insert", "start time is required")
	}
	return event.CheckLengths(ev.Name, ev.Description)
}

func notFound(op string, id int64) error {
	return apperr.Newf(apperr.NotFound, op, "event #%d", id)
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if apperr.KindOf(err) != apperr.Unknown {
		return err
	}
	return apperr.Wrap(apperr.Storage, op, err)
}
