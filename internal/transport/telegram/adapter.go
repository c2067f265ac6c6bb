// Package telegram binds the notifier, the command surface and the log sink to a Telegram group.
//
// Telegram has no server-side roles, so role membership lives in the role store and
// a role mention expands to inline links for every stored member.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"joinbot/internal/apperr"
	"joinbot/internal/notifier"
	rtsup "joinbot/internal/runtime/supervisor"
	kit "joinbot/internal/transport"
	logx "joinbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// APIURL overrides the Bot API endpoint.
	APIURL string

	ChatID   int64
	ThreadID int
	Role     string
	RoleName string
	// OwnerIDs always hold the elevated permission.
	OwnerIDs       []int64
	MemberCacheTTL time.Duration
}

// Roles is the persisted role membership.
type Roles interface {
	GrantRole(ctx context.Context, role string, member int64) error
	RevokeRole(ctx context.Context, role string, member int64) error
	HasRole(ctx context.Context, role string, member int64) (bool, error)
	RoleMembers(ctx context.Context, role string) ([]int64, error)
}

type Adapter struct {
	cfg   Config
	log   logx.Logger
	roles Roles

	bot     *tele.Bot
	out     atomic.Value // chan<- kit.Message
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	// droppedUpdates counts messages dropped because the consumer was slower than the poll loop.
	droppedUpdates atomic.Uint64

	memMu   sync.Mutex
	members map[int64]cachedMember
}

type cachedMember struct {
	m       kit.Member
	ok      bool
	expires time.Time
}

func New(cfg Config, roles Roles, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, apperr.New(apperr.Validation, "telegram.new", "token is empty")
	}
	if roles == nil {
		return nil, apperr.New(apperr.Validation, "telegram.new", "role store is required")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.MemberCacheTTL <= 0 {
		cfg.MemberCacheTTL = time.Minute
	}
	if cfg.Role == "" {
		cfg.Role = "ping"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "telegram"))

	b, err := tele.NewBot(tele.Settings{
		URL:    cfg.APIURL,
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
		OnError: func(err error, _ tele.Context) {
			log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Transport, "telegram.new", err)
	}
	a := &Adapter{cfg: cfg, log: log, roles: roles, bot: b, members: map[int64]cachedMember{}}
	var nilOut chan<- kit.Message
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) Name() string { return "telegram" }

// SelfID is the bot's own user id.
func (a *Adapter) SelfID() int64 {
	if a.bot.Me == nil {
		return 0
	}
	return a.bot.Me.ID
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil || m.Chat == nil {
			return nil
		}
		a.rememberName(m.Sender)
		a.sendUpdate(kit.Message{
			ID:           m.ID,
			Chat:         kit.ChatTarget{ChatID: m.Chat.ID, ThreadID: m.ThreadID},
			FromID:       m.Sender.ID,
			FromUsername: m.Sender.Username,
			FromName:     displayName(m.Sender),
			Text:         m.Text,
			Private:      m.Private(),
		})
		return nil
	})
}

func (a *Adapter) sendUpdate(m kit.Message) {
	out, _ := a.out.Load().(chan<- kit.Message)
	if out == nil {
		return
	}
	select {
	case out <- m:
	default:
		a.droppedUpdates.Add(1)
	}
}

// Resolve checks the home chat exists and is reachable, and returns the delivery target.
func (a *Adapter) Resolve(ctx context.Context) (notifier.Target, error) {
	const op = "telegram.resolve"
	if a.cfg.ChatID == 0 {
		return notifier.Target{}, apperr.New(apperr.Validation, op, "chat id is not configured")
	}
	if err := ctx.Err(); err != nil {
		return notifier.Target{}, err
	}
	chat, err := a.bot.ChatByID(a.cfg.ChatID)
	if err != nil {
		return notifier.Target{}, apperr.Wrap(apperr.NotReady, op, err)
	}
	if chat.Type == tele.ChatPrivate {
		return notifier.Target{}, apperr.Newf(apperr.Validation, op, "chat %d is a private chat", chat.ID)
	}
	name := a.cfg.RoleName
	if name == "" {
		name = a.cfg.Role
	}
	t := notifier.Target{
		Channel:  kit.ChatTarget{ChatID: chat.ID, ThreadID: a.cfg.ThreadID},
		Role:     a.cfg.Role,
		RoleName: name,
	}
	a.log.Info("home chat resolved", logx.Int64("chat_id", chat.ID), logx.String("title", chat.Title))
	return t, nil
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Message) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-ticker.C:
				a.reportDropped(cap(out))
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// bot.Start blocks until Stop; restart it if it returns while we are still running.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := a.droppedUpdates.Swap(0); n > 0 {
		a.log.Warn("incoming messages dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Message
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping")
	sup.Cancel()

	// Keep shutdown snappy even if getUpdates is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

func (a *Adapter) SendPlain(ctx context.Context, to kit.ChatTarget, text string) error {
	return a.sendHTML(ctx, to, Render(text, a.resolver(ctx)))
}

func (a *Adapter) SendEmbed(ctx context.Context, to kit.ChatTarget, e notifier.Embed) error {
	return a.sendHTML(ctx, to, RenderEmbed(e, a.resolver(ctx)))
}

func (a *Adapter) sendHTML(ctx context.Context, to kit.ChatTarget, body string) error {
	chat := &tele.Chat{ID: to.ChatID}
	for _, chunk := range splitText(body, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             tele.ModeHTML,
			DisableWebPagePreview: true,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) GrantRole(ctx context.Context, member int64, role string) error {
	return a.roles.GrantRole(ctx, role, member)
}

func (a *Adapter) RevokeRole(ctx context.Context, member int64, role string) error {
	return a.roles.RevokeRole(ctx, role, member)
}

func (a *Adapter) HasRole(ctx context.Context, member int64, role string) (bool, error) {
	return a.roles.HasRole(ctx, role, member)
}

// Lookup reports whether userID is a current member of the home chat. Results are cached briefly.
func (a *Adapter) Lookup(ctx context.Context, userID int64) (kit.Member, bool, error) {
	now := time.Now()
	a.memMu.Lock()
	if c, hit := a.members[userID]; hit && now.Before(c.expires) {
		a.memMu.Unlock()
		return c.m, c.ok, nil
	}
	a.memMu.Unlock()

	if err := ctx.Err(); err != nil {
		return kit.Member{}, false, err
	}
	cm, err := a.bot.ChatMemberOf(&tele.Chat{ID: a.cfg.ChatID}, &tele.User{ID: userID})
	if err != nil {
		if isUserGone(err) {
			a.cache(userID, kit.Member{}, false, now)
			return kit.Member{}, false, nil
		}
		return kit.Member{}, false, apperr.Wrap(apperr.Transport, "telegram.lookup", err)
	}

	var m kit.Member
	ok := false
	switch cm.Role {
	case tele.Creator, tele.Administrator, tele.Member, tele.Restricted:
		ok = true
	}
	if cm.User != nil {
		m = kit.Member{ID: cm.User.ID, Username: cm.User.Username, Name: displayName(cm.User)}
	} else {
		m = kit.Member{ID: userID}
	}
	m.CanManage = cm.Role == tele.Creator || cm.Role == tele.Administrator || a.isOwner(userID)
	a.cache(userID, m, ok, now)
	return m, ok, nil
}

func (a *Adapter) cache(id int64, m kit.Member, ok bool, now time.Time) {
	a.memMu.Lock()
	a.members[id] = cachedMember{m: m, ok: ok, expires: now.Add(a.cfg.MemberCacheTTL)}
	a.memMu.Unlock()
}

func (a *Adapter) rememberName(u *tele.User) {
	a.memMu.Lock()
	defer a.memMu.Unlock()
	if c, hit := a.members[u.ID]; hit {
		c.m.Name = displayName(u)
		c.m.Username = u.Username
		a.members[u.ID] = c
	}
}

func (a *Adapter) isOwner(id int64) bool {
	for _, o := range a.cfg.OwnerIDs {
		if o == id {
			return true
		}
	}
	return false
}

func isUserGone(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "user not found") || strings.Contains(s, "participant_id_invalid")
}

func displayName(u *tele.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" && u.Username != "" {
		name = "@" + u.Username
	}
	return name
}

// resolver snapshots role membership for one render pass.
func (a *Adapter) resolver(ctx context.Context) Resolver {
	return &adapterResolver{a: a, ctx: ctx}
}

type adapterResolver struct {
	a   *Adapter
	ctx context.Context
}

func (r *adapterResolver) UserLabel(id int64) string {
	r.a.memMu.Lock()
	defer r.a.memMu.Unlock()
	if c, ok := r.a.members[id]; ok && c.m.Name != "" {
		return c.m.Name
	}
	return ""
}

func (r *adapterResolver) RoleMembers(role string) ([]int64, string) {
	label := role
	if role == r.a.cfg.Role && r.a.cfg.RoleName != "" {
		label = r.a.cfg.RoleName
	}
	ids, err := r.a.roles.RoleMembers(r.ctx, role)
	if err != nil {
		r.a.log.Warn("role members lookup failed", logx.String("role", role), logx.Err(err))
		return nil, label
	}
	return ids, label
}
