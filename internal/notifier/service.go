package notifier

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"joinbot/internal/apperr"
	"joinbot/internal/eventbus"
	"joinbot/internal/metrics"
	kit "joinbot/internal/transport"
	logx "joinbot/pkg/logx"
)

const (
	kindPlain  = "plain"
	kindEmbed  = "embed"
	kindGrant  = "grant_role"
	kindRevoke = "revoke_role"
	kindHas    = "has_role"
)

// Service implements Notifier on top of a Platform. It is safe for concurrent use.
type Service struct {
	mu       sync.Mutex
	cfg      Config
	limiter  *rate.Limiter
	platform Platform

	log logx.Logger
	bus eventbus.Bus

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, platform Platform, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{
		platform: platform,
		log:      log.With(logx.String("comp", "notifier")),
		bus:      bus,
		sleep:    sleepCtx,
	}
	s.Apply(cfg)
	return s
}

// Apply swaps delivery policy at runtime.
func (s *Service) Apply(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	s.mu.Lock()
	s.cfg = cfg
	// Burst equals the per-second rate so short spikes pass without waiting.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

func (s *Service) SendPlain(ctx context.Context, to kit.ChatTarget, text string) error {
	if text == "" {
		return nil
	}
	return s.do(ctx, kindPlain, to.ChatID, func(c context.Context, p Platform) error {
		return p.SendPlain(c, to, text)
	})
}

func (s *Service) SendEmbed(ctx context.Context, to kit.ChatTarget, e Embed) error {
	return s.do(ctx, kindEmbed, to.ChatID, func(c context.Context, p Platform) error {
		return p.SendEmbed(c, to, e)
	})
}

func (s *Service) GrantRole(ctx context.Context, member int64, role string) error {
	return s.do(ctx, kindGrant, 0, func(c context.Context, p Platform) error {
		return p.GrantRole(c, member, role)
	})
}

func (s *Service) RevokeRole(ctx context.Context, member int64, role string) error {
	return s.do(ctx, kindRevoke, 0, func(c context.Context, p Platform) error {
		return p.RevokeRole(c, member, role)
	})
}

// HasRole is a read: it gets a timeout but no rate limit and no retry.
func (s *Service) HasRole(ctx context.Context, member int64, role string) (bool, error) {
	s.mu.Lock()
	p, timeout := s.platform, s.cfg.SendTimeout
	s.mu.Unlock()
	if p == nil {
		return false, apperr.New(apperr.NotReady, "notifier.has_role", "no platform")
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ok, err := p.HasRole(cctx, member, role)
	if err != nil {
		metrics.NotifierSendsTotal.WithLabelValues(kindHas, "error").Inc()
		return false, apperr.Wrap(apperr.Transport, "notifier.has_role", err)
	}
	return ok, nil
}

func (s *Service) do(ctx context.Context, kind string, chatID int64, call func(context.Context, Platform) error) error {
	s.mu.Lock()
	cfg, lim, p := s.cfg, s.limiter, s.platform
	s.mu.Unlock()

	op := "notifier." + kind
	if p == nil {
		return apperr.New(apperr.NotReady, op, "no platform")
	}

	attempts := 1 + cfg.RetryMax
	var lastErr error
	n := 0
	for n < attempts {
		n++
		if err := lim.Wait(ctx); err != nil {
			lastErr = err
			break
		}
		cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := call(cctx, p)
		cancel()
		if err == nil {
			metrics.NotifierSendsTotal.WithLabelValues(kind, "ok").Inc()
			s.bus.Publish(eventbus.Event{Type: eventbus.NotifierSent, Data: Result{
				Kind: kind, Platform: p.Name(), ChatID: chatID, Attempts: n, At: time.Now(),
			}})
			return nil
		}
		lastErr = err
		s.log.Debug("notifier call failed", logx.String("kind", kind), logx.Int("attempt", n), logx.Int("max", attempts), logx.Err(err))
		if n >= attempts || ctx.Err() != nil {
			break
		}
		if err := s.sleep(ctx, retryDelay(cfg, n)); err != nil {
			break
		}
	}

	metrics.NotifierSendsTotal.WithLabelValues(kind, "error").Inc()
	s.bus.Publish(eventbus.Event{Type: eventbus.NotifierFailed, Data: Result{
		Kind: kind, Platform: p.Name(), ChatID: chatID, Attempts: n, At: time.Now(), Error: lastErr.Error(),
	}})
	return apperr.Wrap(apperr.Transport, op, lastErr)
}

// retryDelay is the wait before attempt+1: base * 2^(attempt-1), capped, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
