package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"joinbot/internal/apperr"
	"joinbot/internal/clock"
	"joinbot/internal/event"
	"joinbot/internal/eventbus"
	"joinbot/internal/metrics"
	"joinbot/internal/notifier"
	"joinbot/internal/storage"
	logx "joinbot/pkg/logx"
)

const (
	DefaultTick = 10 * time.Second

	// storeWriteTimeout bounds a transition's store write, which runs detached from cancellation.
	storeWriteTimeout = 5 * time.Second
	// stopGrace is how long Stop waits for an abandoned tick after cancelling its calls.
	stopGrace = 2 * time.Second
)

type Config struct {
	Tick     time.Duration
	Location *time.Location // display zone for messages
}

type Deps struct {
	Store    storage.EventStore
	Notifier notifier.Notifier
	Target   *notifier.TargetRef
	Clock    clock.Clock
	Log      logx.Logger
	Bus      eventbus.Bus
}

type Scheduler struct {
	cfg    Config
	store  storage.EventStore
	notify notifier.Notifier
	target *notifier.TargetRef
	clock  clock.Clock
	log    logx.Logger
	bus    eventbus.Bus

	// mu guards set and is held for the whole of one event's transition.
	mu  sync.Mutex
	set []event.Event

	cmu       sync.Mutex
	c         *cron.Cron
	runCancel context.CancelFunc
}

// TickResult reports what one tick did.
type TickResult struct {
	Skipped bool
	Warned  []int64
	Fired   int64
}

func New(cfg Config, d Deps) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if d.Clock == nil {
		d.Clock = clock.NewSystem()
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.Target == nil {
		d.Target = &notifier.TargetRef{}
	}
	return &Scheduler{
		cfg:    cfg,
		store:  d.Store,
		notify: d.Notifier,
		target: d.Target,
		clock:  d.Clock,
		log:    d.Log.With(logx.String("comp", "scheduler")),
		bus:    d.Bus,
	}
}

func (s *Scheduler) Location() *time.Location { return s.cfg.Location }

func (s *Scheduler) Now() time.Time { return s.clock.Now() }

// Load replaces the working set with every active event in the store.
func (s *Scheduler) Load(ctx context.Context) error {
	evs, err := s.store.LoadActive(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.set = evs
	n := len(s.set)
	s.mu.Unlock()
	metrics.EventsActive.Set(float64(n))
	s.log.Info("working set loaded", logx.Int("events", n))
	return nil
}

// Start registers the tick. It is idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	s.cmu.Lock()
	defer s.cmu.Unlock()
	if s.c != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel

	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s.c.Schedule(cron.Every(s.cfg.Tick), cron.FuncJob(func() {
		s.Tick(runCtx)
	}))
	s.c.Start()
	s.log.Info("scheduler started", logx.Duration("tick", s.cfg.Tick))
}

// Stop halts the tick and waits for an in-flight tick up to ctx's deadline. If the deadline
// passes, pending notifier calls are cancelled; store writes still complete.
func (s *Scheduler) Stop(ctx context.Context) {
	start := time.Now()
	s.cmu.Lock()
	c, cancel := s.c, s.runCancel
	s.c, s.runCancel = nil, nil
	s.cmu.Unlock()
	if c == nil {
		return
	}

	done := c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("tick still running at stop deadline, cancelling delivery")
		cancel()
		t := time.NewTimer(stopGrace)
		select {
		case <-done:
		case <-t.C:
		}
		t.Stop()
	}
	cancel()
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// Tick evaluates the working set once.
func (s *Scheduler) Tick(ctx context.Context) TickResult {
	var res TickResult
	target, ok := s.target.Get()
	if !ok {
		s.log.Debug("tick skipped, target unresolved")
		res.Skipped = true
		return res
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulerTickDuration)

	s.mu.Lock()
	ids := make([]int64, len(s.set))
	for i, ev := range s.set {
		ids[i] = ev.ID
	}
	s.mu.Unlock()
	if len(ids) > 0 {
		s.log.Debug("checking events", logx.Int("events", len(ids)))
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		warned, fired := s.evaluate(ctx, target, id)
		if warned {
			res.Warned = append(res.Warned, id)
		}
		if fired {
			res.Fired = id
			break
		}
	}
	return res
}

// evaluate runs at most one transition for id. fired is true once a start was attempted,
// which ends the tick whether or not the store write succeeded.
func (s *Scheduler) evaluate(ctx context.Context, target notifier.Target, id int64) (warned, fired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return false, false
	}
	ev := s.set[i]
	now := s.clock.Now()

	switch {
	case ev.ShouldWarn(now):
		return s.warnLocked(ctx, target, i, now), false
	case ev.ShouldFire(now):
		s.fireLocked(ctx, target, i, "timer")
		return false, true
	}
	return false, false
}

func (s *Scheduler) warnLocked(ctx context.Context, target notifier.Target, i int, now time.Time) bool {
	ev := s.set[i]
	log := s.log.With(logx.Int64("event_id", ev.ID), logx.String("event", ev.Name))
	log.Info("warning event")

	msg := fmt.Sprintf("%s will start in %s!", ev.Name, ev.RemainingText(now))
	if err := s.notify.SendPlain(ctx, target.Channel, msg); err != nil {
		log.Warn("warning delivery failed", logx.Err(err))
	}

	wctx, cancel := s.writeCtx(ctx)
	defer cancel()
	if err := s.store.MarkWarned(wctx, ev.ID); err != nil {
		log.Error("mark warned failed, will retry", logx.Err(err))
		return false
	}
	s.set[i].Advance(event.Warned)
	metrics.EventTransitionsTotal.WithLabelValues("warned").Inc()
	s.bus.Publish(eventbus.Event{Type: eventbus.EventWarned, Data: s.set[i]})
	return true
}

// fireLocked sends the start embed and drops the event from the working set.
func (s *Scheduler) fireLocked(ctx context.Context, target notifier.Target, i int, reason string) error {
	ev := s.set[i]
	log := s.log.With(logx.Int64("event_id", ev.ID), logx.String("event", ev.Name), logx.String("reason", reason))
	log.Info("starting event")

	embed := notifier.Embed{
		Content:     fmt.Sprintf("%s **%s** is starting!", target.Mention(), ev.Name),
		Title:       ev.Name,
		Description: ev.Description,
		Color:       notifier.ColorGreen,
	}
	if err := s.notify.SendEmbed(ctx, target.Channel, embed); err != nil {
		log.Warn("start delivery failed", logx.Err(err))
	}

	wctx, cancel := s.writeCtx(ctx)
	defer cancel()
	if err := s.store.MarkFired(wctx, ev.ID); err != nil {
		log.Error("mark fired failed, will retry", logx.Err(err))
		return err
	}
	ev.Advance(event.Fired)
	s.removeLocked(i)
	metrics.EventTransitionsTotal.WithLabelValues("fired").Inc()
	s.bus.Publish(eventbus.Event{Type: eventbus.EventFired, Data: ev})
	return nil
}

// Add persists ev and puts it in the working set.
func (s *Scheduler) Add(ctx context.Context, ev event.Event) (event.Event, error) {
	if ev.Status != event.Pending {
		return event.Event{}, apperr.New(apperr.Validation, "scheduler.add", "new events must be pending")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.store.Insert(ctx, ev)
	if err != nil {
		return event.Event{}, err
	}
	ev.ID = id
	s.set = append(s.set, ev)
	metrics.EventsActive.Set(float64(len(s.set)))
	metrics.EventTransitionsTotal.WithLabelValues("added").Inc()
	s.bus.Publish(eventbus.Event{Type: eventbus.EventAdded, Data: ev})
	s.log.Info("event added", logx.Int64("event_id", id), logx.String("event", ev.Name), logx.Time("start_at", ev.StartAt))
	return ev, nil
}

// Remove cancels an active event without notifying anyone.
func (s *Scheduler) Remove(ctx context.Context, id int64) (event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return event.Event{}, apperr.Newf(apperr.NotFound, "scheduler.remove", "event #%d", id)
	}
	ev := s.set[i]
	wctx, cancel := s.writeCtx(ctx)
	defer cancel()
	if err := s.store.Remove(wctx, id); err != nil {
		return event.Event{}, err
	}
	ev.Advance(event.Fired)
	s.removeLocked(i)
	metrics.EventTransitionsTotal.WithLabelValues("removed").Inc()
	s.bus.Publish(eventbus.Event{Type: eventbus.EventRemoved, Data: ev})
	s.log.Info("event removed", logx.Int64("event_id", id), logx.String("event", ev.Name))
	return ev, nil
}

// Force fires an active event now, outside the tick cadence.
func (s *Scheduler) Force(ctx context.Context, id int64) (event.Event, error) {
	target, ok := s.target.Get()
	if !ok {
		return event.Event{}, apperr.New(apperr.NotReady, "scheduler.force", "target unresolved")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return event.Event{}, apperr.Newf(apperr.NotFound, "scheduler.force", "event #%d", id)
	}
	ev := s.set[i]
	if err := s.fireLocked(ctx, target, i, "forced"); err != nil {
		return event.Event{}, err
	}
	ev.Advance(event.Fired)
	return ev, nil
}

// List returns a copy of the working set in id order.
func (s *Scheduler) List() []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event.Event(nil), s.set...)
}

func (s *Scheduler) indexLocked(id int64) int {
	for i := range s.set {
		if s.set[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Scheduler) removeLocked(i int) {
	s.set = append(s.set[:i], s.set[i+1:]...)
	metrics.EventsActive.Set(float64(len(s.set)))
}

func (s *Scheduler) writeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
}

// cronLogger routes robfig/cron's logging through logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
