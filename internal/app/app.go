// Package app wires every component once and owns startup and shutdown order.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"joinbot/internal/apperr"
	"joinbot/internal/clock"
	"joinbot/internal/commands"
	"joinbot/internal/config"
	"joinbot/internal/eventbus"
	"joinbot/internal/notifier"
	"joinbot/internal/observability/admin"
	"joinbot/internal/relay"
	rtsup "joinbot/internal/runtime/supervisor"
	"joinbot/internal/scheduler"
	"joinbot/internal/storage"
	"joinbot/internal/tokens"
	kit "joinbot/internal/transport"
	"joinbot/internal/transport/telegram"
	logx "joinbot/pkg/logx"
)

const commandTimeout = 30 * time.Second

type plainSender interface {
	SendPlain(ctx context.Context, to kit.ChatTarget, text string) error
}

// chatLogSender delivers chat-sink log records through the notifier.
type chatLogSender struct{ n plainSender }

func (s chatLogSender) SendPlain(ctx context.Context, to logx.ChatTarget, text string) error {
	return s.n.SendPlain(ctx, kit.ChatTarget{ChatID: to.ChatID, ThreadID: to.ThreadID}, text)
}

type App struct {
	cfgm *config.ConfigManager

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.Mem
	sup  *rtsup.Supervisor

	store  storage.Store
	tokens *tokens.Set
	target *notifier.TargetRef

	tg     *telegram.Adapter
	notif  *notifier.Service
	sched  *scheduler.Scheduler
	relay  *relay.Relay
	server *relay.Server
	cmds   *commands.Handler
	admin  *admin.Service

	updates chan kit.Message
}

// New loads the config and builds every component. Storage, the token file and
// the telegram bot are opened here, so errors are fatal.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The chat sink needs the notifier, which does not exist yet: boot without it.
	bootLog := mapLogging(cfg)
	bootLog.Chat.Enabled = false
	logs, root := logx.New(bootLog, nil)
	log := root.With(logx.String("comp", "app"))

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     eventbus.New(),
		target:  &notifier.TargetRef{},
		updates: make(chan kit.Message, 256),
	}
	fail := func(err error) (*App, error) {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logs.Close()
		return nil, err
	}

	sc, err := StorageConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.store, err = storage.Open(ctx, sc, root)
	if err != nil {
		return fail(fmt.Errorf("open storage: %w", err))
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	a.tokens, err = tokens.LoadFile(cfg.Relay.TokensPath)
	if err != nil {
		return fail(err)
	}
	log.Info("tokens loaded", logx.Int("count", a.tokens.Len()))
	if a.tokens.Len() == 0 {
		log.Warn("token file has no tokens; every join request will be rejected", logx.String("path", cfg.Relay.TokensPath))
	}

	tc, err := mapTelegram(cfg)
	if err != nil {
		return fail(err)
	}
	a.tg, err = telegram.New(tc, a.store, root)
	if err != nil {
		return fail(fmt.Errorf("telegram: %w", err))
	}

	nc, err := mapNotifier(cfg)
	if err != nil {
		return fail(err)
	}
	a.notif = notifier.New(nc, a.tg, root, a.bus)

	logs.SetSender(chatLogSender{a.notif})
	logs.SetChatTarget(logx.ChatTarget{ChatID: cfg.Telegram.ChatID, ThreadID: cfg.Logging.Chat.ThreadID})
	logs.Apply(mapLogging(cfg))

	schedCfg, err := mapScheduler(cfg)
	if err != nil {
		return fail(err)
	}
	a.sched = scheduler.New(schedCfg, scheduler.Deps{
		Store:    a.store,
		Notifier: a.notif,
		Target:   a.target,
		Clock:    clock.NewSystem(),
		Log:      root,
		Bus:      a.bus,
	})

	a.relay = relay.New(mapRelay(cfg), a.tokens, a.notif, a.target, root, a.bus)
	srvCfg, err := mapServer(cfg)
	if err != nil {
		return fail(err)
	}
	a.server = relay.NewServer(srvCfg, a.relay, root)

	a.cmds = commands.New(commands.Deps{
		Events:   a.sched,
		Notifier: a.notif,
		Target:   a.target,
		Members:  a.tg,
		SelfID:   a.tg.SelfID(),
		Log:      root,
	})

	ac, err := mapAdmin(cfg)
	if err != nil {
		return fail(err)
	}
	a.admin = admin.New(ac, a.health, root)
	return a, nil
}

// Done is closed when the app supervisor is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// RelayAddr is the bound join-request address.
func (a *App) RelayAddr() string { return a.server.Addr() }

// AdminAddr is the bound admin address, or "" when disabled.
func (a *App) AdminAddr() string { return a.admin.Addr() }

func (a *App) health() error {
	if !a.target.Ready() {
		return apperr.New(apperr.NotReady, "app.health", "delivery target unresolved")
	}
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Start brings the process up: relay listener, telegram polling, target resolution,
// the working set, then the scheduler. Any failure here is fatal.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	if err := a.server.Listen(); err != nil {
		return apperr.Wrap(apperr.Transport, "app.relay_listen", err)
	}
	a.sup.Go("relay.http", a.server.Serve)

	if err := a.tg.Start(run, a.updates); err != nil {
		return err
	}
	a.sup.Go("commands.dispatch", a.dispatch)

	target, err := a.tg.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("resolve delivery target: %w", err)
	}
	a.target.Set(target)
	a.log.Info("delivery target ready", logx.String("channel", target.Channel.String()), logx.String("role", target.Role))

	if err := a.sched.Load(ctx); err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	a.sched.Start(run)

	if err := a.admin.Start(run); err != nil {
		return err
	}

	a.startBusLogger()
	a.startConfigReload()

	a.notifyReady()
	a.sup.Go0("systemd.watchdog", a.runWatchdog)
	a.log.Info("app started", logx.String("relay_addr", a.server.Addr()))
	return nil
}

func (a *App) dispatch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-a.updates:
			cctx, cancel := context.WithTimeout(ctx, commandTimeout)
			err := a.cmds.Handle(cctx, commands.Message{
				Channel:  m.Chat,
				Direct:   m.Private,
				AuthorID: m.FromID,
				Text:     m.Text,
			})
			cancel()
			if err != nil {
				a.log.Warn("command failed", logx.Int64("user_id", m.FromID), logx.Err(err))
			}
		}
	}
}

// startBusLogger logs domain events at debug level.
func (a *App) startBusLogger() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})
}

// startConfigReload applies logging changes live and warns about the rest.
func (a *App) startConfigReload() {
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(last, newCfg)
				last = newCfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	for _, s := range sections {
		if s == "logging" {
			chatID := oldCfg.Telegram.ChatID
			if t, ok := a.target.Get(); ok {
				chatID = t.Channel.ChatID
			}
			a.logs.SetChatTarget(logx.ChatTarget{ChatID: chatID, ThreadID: newCfg.Logging.Chat.ThreadID})
			a.logs.Apply(mapLogging(newCfg))
		}
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop runs the shutdown steps in order, each bounded so one component cannot
// stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		// Built but never started.
		err := a.store.Close()
		_ = a.logs.Close()
		return err
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notifyStopping()

	a.step(ctx, "scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "relay", 5*time.Second, a.server.Shutdown)
	a.step(ctx, "telegram", 3*time.Second, a.tg.Stop)
	a.step(ctx, "admin", 2*time.Second, a.admin.Stop)
	a.step(ctx, "storage", 2*time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Stop)

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	// Never extend the caller's deadline.
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
		return
	}
	sctx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(sctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-sctx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
