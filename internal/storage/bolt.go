package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"joinbot/internal/event"
	logx "joinbot/pkg/logx"
)

var (
	bucketEvents = []byte("events")
	bucketRoles  = []byte("roles")
)

// boltEvent is the JSON value stored under the big-endian id key.
type boltEvent struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Time        time.Time `json:"time"`
	Done        bool      `json:"done"`
	Warned      bool      `json:"warned"`
}

func (b boltEvent) toEvent() event.Event {
	return event.Event{
		ID:          b.ID,
		Name:        b.Name,
		Description: b.Description,
		StartAt:     b.Time.UTC(),
		Status:      statusOf(b.Done, b.Warned),
	}
}

type boltStore struct {
	db  *bolt.DB
	log logx.Logger
}

func openBolt(cfg Config, log logx.Logger) (Store, error) {
	const op = "bolt.open"
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./joinbot.bolt"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, storageErr(op, err)
		}
	}
	timeout := cfg.BusyTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, storageErr(op, fmt.Errorf("failed to open database: %w", err))
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketEvents, bucketRoles} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, storageErr(op, err)
	}
	log.Info("bolt store ready", logx.String("path", path))
	return &boltStore{db: db, log: log}, nil
}

func (s *boltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func (s *boltStore) Insert(_ context.Context, ev event.Event) (int64, error) {
	if err := checkInsert(ev); err != nil {
		return 0, err
	}
	var id int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = int64(seq)
		data, err := json.Marshal(boltEvent{
			ID:          id,
			Name:        ev.Name,
			Description: ev.Description,
			Time:        ev.StartAt.UTC(),
		})
		if err != nil {
			return err
		}
		return b.Put(itob(id), data)
	})
	if err != nil {
		return 0, storageErr("bolt.insert", err)
	}
	return id, nil
}

// update loads one record, lets fn change it and writes it back in the same transaction.
func (s *boltStore) update(op string, id int64, fn func(*boltEvent)) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		data := b.Get(itob(id))
		if data == nil {
			return notFound(op, id)
		}
		var rec boltEvent
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if rec.Done {
			return nil
		}
		fn(&rec)
		out, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(itob(id), out)
	})
	return storageErr(op, err)
}

func (s *boltStore) MarkWarned(_ context.Context, id int64) error {
	return s.update("bolt.mark_warned", id, func(r *boltEvent) { r.Warned = true })
}

func (s *boltStore) MarkFired(_ context.Context, id int64) error {
	return s.update("bolt.mark_fired", id, func(r *boltEvent) { r.Done = true })
}

func (s *boltStore) Remove(_ context.Context, id int64) error {
	return s.update("bolt.remove", id, func(r *boltEvent) { r.Done = true })
}

func (s *boltStore) LoadActive(_ context.Context) ([]event.Event, error) {
	var out []event.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		// Big-endian keys iterate in id order.
		return tx.Bucket(bucketEvents).ForEach(func(_, v []byte) error {
			var rec boltEvent
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if !rec.Done {
				out = append(out, rec.toEvent())
			}
			return nil
		})
	})
	if err != nil {
		return nil, storageErr("bolt.load_active", err)
	}
	return out, nil
}

func (s *boltStore) Get(_ context.Context, id int64) (event.Event, error) {
	const op = "bolt.get"
	var rec boltEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEvents).Get(itob(id))
		if data == nil {
			return notFound(op, id)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return event.Event{}, storageErr(op, err)
	}
	return rec.toEvent(), nil
}

func (s *boltStore) GrantRole(_ context.Context, role string, member int64) error {
	if role == "" {
		return storageErr("bolt.grant_role", errEmptyRole)
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		rb, err := tx.Bucket(bucketRoles).CreateBucketIfNotExists([]byte(role))
		if err != nil {
			return err
		}
		return rb.Put(itob(member), []byte(time.Now().UTC().Format(time.RFC3339)))
	})
	return storageErr("bolt.grant_role", err)
}

func (s *boltStore) RevokeRole(_ context.Context, role string, member int64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		rb := tx.Bucket(bucketRoles).Bucket([]byte(role))
		if rb == nil {
			return nil
		}
		return rb.Delete(itob(member))
	})
	return storageErr("bolt.revoke_role", err)
}

func (s *boltStore) HasRole(_ context.Context, role string, member int64) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		rb := tx.Bucket(bucketRoles).Bucket([]byte(role))
		ok = rb != nil && rb.Get(itob(member)) != nil
		return nil
	})
	return ok, storageErr("bolt.has_role", err)
}

func (s *boltStore) RoleMembers(_ context.Context, role string) ([]int64, error) {
	var out []int64
	err := s.db.View(func(tx *bolt.Tx) error {
		rb := tx.Bucket(bucketRoles).Bucket([]byte(role))
		if rb == nil {
			return nil
		}
		return rb.ForEach(func(k, _ []byte) error {
			out = append(out, int64(binary.BigEndian.Uint64(k)))
			return nil
		})
	})
	if err != nil {
		return nil, storageErr("bolt.role_members", err)
	}
	// Negative ids (group chats) sort after positives in byte order.
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
