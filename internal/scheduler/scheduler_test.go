package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"joinbot/internal/apperr"
	"joinbot/internal/clock"
	"joinbot/internal/event"
	"joinbot/internal/eventbus"
	"joinbot/internal/notifier"
	"joinbot/internal/storage"
	kit "joinbot/internal/transport"
	logx "joinbot/pkg/logx"
)

var (
	t0      = time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)
	channel = kit.ChatTarget{ChatID: -1001}
)

type recorder struct {
	mu     sync.Mutex
	plain  []string
	embeds []notifier.Embed
	fail   bool
}

func (r *recorder) SendPlain(_ context.Context, _ kit.ChatTarget, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return apperr.New(apperr.Transport, "fake", "down")
	}
	r.plain = append(r.plain, text)
	return nil
}

func (r *recorder) SendEmbed(_ context.Context, _ kit.ChatTarget, e notifier.Embed) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return apperr.New(apperr.Transport, "fake", "down")
	}
	r.embeds = append(r.embeds, e)
	return nil
}

func (r *recorder) GrantRole(context.Context, int64, string) error { return nil }
func (r *recorder) RevokeRole(context.Context, int64, string) error { return nil }
func (r *recorder) HasRole(context.Context, int64, string) (bool, error) { return false, nil }

// flakyStore fails marks while failMarks is set.
type flakyStore struct {
	storage.Store
	mu        sync.Mutex
	failMarks bool
	marks     int
}

func (f *flakyStore) setFail(v bool) {
	f.mu.Lock()
	f.failMarks = v
	f.mu.Unlock()
}

func (f *flakyStore) check() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks++
	if f.failMarks {
		return apperr.Wrap(apperr.Storage, "fake", errors.New("disk gone"))
	}
	return nil
}

func (f *flakyStore) MarkWarned(ctx context.Context, id int64) error {
	if err := f.check(); err != nil {
		return err
	}
	return f.Store.MarkWarned(ctx, id)
}

func (f *flakyStore) MarkFired(ctx context.Context, id int64) error {
	if err := f.check(); err != nil {
		return err
	}
	return f.Store.MarkFired(ctx, id)
}

type fixture struct {
	sched *Scheduler
	store *flakyStore
	rec   *recorder
	clk   *clock.Manual
	ref   *notifier.TargetRef
	bus   *eventbus.Mem
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "s.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		store: &flakyStore{Store: st},
		rec:   &recorder{},
		clk:   clock.NewManual(t0),
		ref:   &notifier.TargetRef{},
		bus:   eventbus.New(),
	}
	f.ref.Set(notifier.Target{Channel: channel, Role: "ping"})
	f.sched = New(Config{Tick: time.Second}, Deps{
		Store: f.store, Notifier: f.rec, Target: f.ref, Clock: f.clk, Log: logx.Nop(), Bus: f.bus,
	})
	return f
}

func (f *fixture) add(t *testing.T, name string, in time.Duration) event.Event {
	t.Helper()
	ev, err := f.sched.Add(context.Background(), event.Event{Name: name, Description: name + " desc", StartAt: f.clk.Now().Add(in)})
	require.NoError(t, err)
	return ev
}

func TestWarnThenFire(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.add(t, "Raid", 20*time.Minute)

	res := f.sched.Tick(ctx)
	assert.Equal(t, []int64{ev.ID}, res.Warned)
	require.Len(t, f.rec.plain, 1)
	assert.Equal(t, "Raid will start in 20 minutes!", f.rec.plain[0])

	// Warned only once.
	f.clk.Advance(time.Minute)
	res = f.sched.Tick(ctx)
	assert.Empty(t, res.Warned)
	assert.Len(t, f.rec.plain, 1)

	f.clk.Advance(19*time.Minute - 30*time.Second)
	res = f.sched.Tick(ctx)
	assert.Equal(t, ev.ID, res.Fired)
	require.Len(t, f.rec.embeds, 1)
	e := f.rec.embeds[0]
	assert.Equal(t, "<@&ping> **Raid** is starting!", e.Content)
	assert.Equal(t, "Raid", e.Title)
	assert.Equal(t, "Raid desc", e.Description)
	assert.Equal(t, notifier.ColorGreen, e.Color)

	assert.Empty(t, f.sched.List())
	got, err := f.store.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, event.Fired, got.Status)

	f.sched.Tick(ctx)
	assert.Len(t, f.rec.embeds, 1, "fired events never re-deliver")
}

func TestOneFirePerTickManyWarns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.add(t, "A", 10*time.Minute)
	b := f.add(t, "B", 12*time.Minute)
	c := f.add(t, "C", 90*time.Minute)
	d := f.add(t, "D", 91*time.Minute)

	res := f.sched.Tick(ctx)
	assert.Equal(t, []int64{a.ID, b.ID}, res.Warned)

	// Both C and D are now overdue.
	f.clk.Advance(2 * time.Hour)
	res = f.sched.Tick(ctx)
	assert.Equal(t, a.ID, res.Fired)
	res = f.sched.Tick(ctx)
	assert.Equal(t, b.ID, res.Fired)
	res = f.sched.Tick(ctx)
	assert.Equal(t, c.ID, res.Fired)
	res = f.sched.Tick(ctx)
	assert.Equal(t, d.ID, res.Fired)
	assert.Len(t, f.rec.embeds, 4)
	assert.Len(t, f.rec.plain, 2, "overdue events skip the warning")
}

func TestOverdueAtLoadFires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.Insert(ctx, event.Event{Name: "Missed", StartAt: t0.Add(-3 * time.Hour)})
	require.NoError(t, err)
	require.NoError(t, f.sched.Load(ctx))
	require.Len(t, f.sched.List(), 1)

	res := f.sched.Tick(ctx)
	assert.NotZero(t, res.Fired)
	assert.Len(t, f.rec.embeds, 1)
}

func TestSkippedUntilTargetResolved(t *testing.T) {
	f := newFixture(t)
	f.add(t, "Soon", 10*time.Minute)
	f.sched.target = &notifier.TargetRef{}

	res := f.sched.Tick(context.Background())
	assert.True(t, res.Skipped)
	assert.Empty(t, f.rec.plain)
}

func TestStoreFailureDoesNotAdvance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.add(t, "Raid", 10*time.Minute)

	f.store.setFail(true)
	res := f.sched.Tick(ctx)
	assert.Empty(t, res.Warned)
	assert.Equal(t, event.Pending, f.sched.List()[0].Status)

	f.store.setFail(false)
	res = f.sched.Tick(ctx)
	assert.Equal(t, []int64{ev.ID}, res.Warned)
	assert.Len(t, f.rec.plain, 2, "warning resent after failed write")

	f.clk.Advance(10 * time.Minute)
	f.store.setFail(true)
	f.sched.Tick(ctx)
	assert.Len(t, f.sched.List(), 1, "fired event stays until the write lands")

	f.store.setFail(false)
	res = f.sched.Tick(ctx)
	assert.Equal(t, ev.ID, res.Fired)
	assert.Empty(t, f.sched.List())
}

func TestDeliveryFailureStillCommits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.add(t, "Raid", 30*time.Second)
	f.rec.fail = true

	res := f.sched.Tick(ctx)
	assert.Equal(t, ev.ID, res.Fired)
	assert.Empty(t, f.sched.List())
	got, err := f.store.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, event.Fired, got.Status)
}

func TestForce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.add(t, "Later", 48*time.Hour)

	marksBefore := f.store.marks
	_, err := f.sched.Force(ctx, 999)
	assert.True(t, apperr.Is(err, apperr.NotFound))
	assert.Equal(t, marksBefore, f.store.marks, "unknown id must not touch the store")

	fired, err := f.sched.Force(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, event.Fired, fired.Status)
	assert.Len(t, f.rec.embeds, 1)
	assert.Empty(t, f.sched.List())

	_, err = f.sched.Force(ctx, ev.ID)
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestRemoveSendsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.add(t, "Cancelled", 10*time.Minute)
	removedCh, unsub := f.bus.Subscribe(2, eventbus.EventRemoved)
	defer unsub()

	got, err := f.sched.Remove(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "Cancelled", got.Name)
	assert.Empty(t, f.sched.List())

	f.sched.Tick(ctx)
	assert.Empty(t, f.rec.plain)
	assert.Empty(t, f.rec.embeds)

	select {
	case e := <-removedCh:
		assert.Equal(t, ev.ID, e.Data.(event.Event).ID)
	case <-time.After(time.Second):
		t.Fatal("event.removed not published")
	}

	active, err := f.store.LoadActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = f.sched.Remove(ctx, ev.ID)
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestLoadRestoresWarnedState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.add(t, "Raid", 10*time.Minute)
	f.sched.Tick(ctx)

	other := New(Config{}, Deps{Store: f.store, Notifier: f.rec, Target: f.ref, Clock: f.clk})
	require.NoError(t, other.Load(ctx))
	list := other.List()
	require.Len(t, list, 1)
	assert.Equal(t, ev.ID, list[0].ID)
	assert.Equal(t, event.Warned, list[0].Status)

	other.Tick(ctx)
	assert.Len(t, f.rec.plain, 1, "restart must not re-warn")
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	f.sched.Start(context.Background())
	f.sched.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f.sched.Stop(ctx)
	f.sched.Stop(ctx)
}
