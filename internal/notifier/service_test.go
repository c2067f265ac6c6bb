package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"joinbot/internal/apperr"
	"joinbot/internal/eventbus"
	kit "joinbot/internal/transport"
	logx "joinbot/pkg/logx"
)

type flakyPlatform struct {
	mu       sync.Mutex
	failures int
	calls    int
	embeds   []Embed
	roles    map[int64]bool
}

func (f *flakyPlatform) Name() string { return "fake" }

func (f *flakyPlatform) attempt() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("platform unavailable")
	}
	return nil
}

func (f *flakyPlatform) SendPlain(ctx context.Context, to kit.ChatTarget, text string) error {
	return f.attempt()
}

func (f *flakyPlatform) SendEmbed(ctx context.Context, to kit.ChatTarget, e Embed) error {
	if err := f.attempt(); err != nil {
		return err
	}
	f.mu.Lock()
	f.embeds = append(f.embeds, e)
	f.mu.Unlock()
	return nil
}

func (f *flakyPlatform) GrantRole(ctx context.Context, member int64, role string) error {
	if err := f.attempt(); err != nil {
		return err
	}
	f.mu.Lock()
	if f.roles == nil {
		f.roles = map[int64]bool{}
	}
	f.roles[member] = true
	f.mu.Unlock()
	return nil
}

func (f *flakyPlatform) RevokeRole(ctx context.Context, member int64, role string) error {
	if err := f.attempt(); err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.roles, member)
	f.mu.Unlock()
	return nil
}

func (f *flakyPlatform) HasRole(ctx context.Context, member int64, role string) (bool, error) {
	if err := f.attempt(); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.roles[member], nil
}

func newTestService(p Platform, retryMax int, bus eventbus.Bus) *Service {
	s := New(Config{RatePerSec: 1000, RetryMax: retryMax, RetryBase: time.Millisecond}, p, logx.Nop(), bus)
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s
}

func TestRetriesThenSucceeds(t *testing.T) {
	p := &flakyPlatform{failures: 2}
	bus := eventbus.New()
	sent, unsub := bus.Subscribe(4, eventbus.NotifierSent)
	defer unsub()

	s := newTestService(p, 3, bus)
	err := s.SendEmbed(context.Background(), kit.ChatTarget{ChatID: 1}, Embed{Title: "t"})
	require.NoError(t, err)
	assert.Equal(t, 3, p.calls)
	require.Len(t, p.embeds, 1)

	select {
	case e := <-sent:
		res := e.Data.(Result)
		assert.Equal(t, 3, res.Attempts)
		assert.Equal(t, kindEmbed, res.Kind)
	case <-time.After(time.Second):
		t.Fatal("notifier.sent not published")
	}
}

func TestExhaustedRetriesAreTransportErrors(t *testing.T) {
	p := &flakyPlatform{failures: 10}
	bus := eventbus.New()
	failed, unsub := bus.Subscribe(4, eventbus.NotifierFailed)
	defer unsub()

	s := newTestService(p, 1, bus)
	err := s.SendPlain(context.Background(), kit.ChatTarget{ChatID: 1}, "hi")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Transport), "got %v", err)
	assert.Equal(t, 2, p.calls)

	select {
	case e := <-failed:
		assert.Contains(t, e.Data.(Result).Error, "platform unavailable")
	case <-time.After(time.Second):
		t.Fatal("notifier.failed not published")
	}
}

func TestEmptyPlainIsSkipped(t *testing.T) {
	p := &flakyPlatform{}
	s := newTestService(p, 0, nil)
	require.NoError(t, s.SendPlain(context.Background(), kit.ChatTarget{ChatID: 1}, ""))
	assert.Zero(t, p.calls)
}

func TestRoleOps(t *testing.T) {
	p := &flakyPlatform{}
	s := newTestService(p, 0, nil)
	ctx := context.Background()

	require.NoError(t, s.GrantRole(ctx, 5, "ping"))
	ok, err := s.HasRole(ctx, 5, "ping")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.RevokeRole(ctx, 5, "ping"))
	ok, err = s.HasRole(ctx, 5, "ping")
	require.NoError(t, err)
	assert.False(t, ok)

	p.failures = 1
	_, err = s.HasRole(ctx, 5, "ping")
	assert.True(t, apperr.Is(err, apperr.Transport))
}

func TestNoPlatformIsNotReady(t *testing.T) {
	s := New(Config{}, nil, logx.Nop(), nil)
	err := s.SendPlain(context.Background(), kit.ChatTarget{ChatID: 1}, "x")
	assert.True(t, apperr.Is(err, apperr.NotReady))
}

func TestCancelledContextStopsRetrying(t *testing.T) {
	p := &flakyPlatform{failures: 10}
	s := newTestService(p, 5, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.SendPlain(ctx, kit.ChatTarget{ChatID: 1}, "x")
	assert.True(t, apperr.Is(err, apperr.Transport))
	assert.LessOrEqual(t, p.calls, 1)
}

func TestRetryDelayBounds(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("attempt %d: delay %v out of bounds", attempt, d)
		}
	}
	if d := retryDelay(cfg, 1); d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("first delay %v outside jitter window", d)
	}
}

func TestTargetRef(t *testing.T) {
	var ref TargetRef
	assert.False(t, ref.Ready())
	ref.Set(Target{Channel: kit.ChatTarget{ChatID: -100}, Role: "ping"})
	got, ok := ref.Get()
	require.True(t, ok)
	assert.Equal(t, "<@&ping>", got.Mention())
	var nilRef *TargetRef
	assert.False(t, nilRef.Ready())
}
