// Package commands implements the "!" chat command surface.
package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"joinbot/internal/apperr"
	"joinbot/internal/event"
	"joinbot/internal/metrics"
	"joinbot/internal/notifier"
	kit "joinbot/internal/transport"
	logx "joinbot/pkg/logx"
)

const prefix = "!"

// Message is one inbound chat line.
type Message struct {
	Channel  kit.ChatTarget
	Direct   bool
	AuthorID int64
	Text     string
}

// Members resolves an author to a member of the home chat. ok is false for strangers.
type Members interface {
	Lookup(ctx context.Context, userID int64) (m kit.Member, ok bool, err error)
}

// Events is the scheduler surface the commands mutate.
type Events interface {
	Add(ctx context.Context, ev event.Event) (event.Event, error)
	Remove(ctx context.Context, id int64) (event.Event, error)
	Force(ctx context.Context, id int64) (event.Event, error)
	List() []event.Event
	Now() time.Time
	Location() *time.Location
}

type Deps struct {
	Events   Events
	Notifier notifier.Notifier
	Target   *notifier.TargetRef
	Members  Members
	// SelfID is the bot's own user id; its messages are ignored.
	SelfID int64
	Log    logx.Logger
}

type Handler struct {
	events  Events
	notify  notifier.Notifier
	target  *notifier.TargetRef
	members Members
	selfID  int64
	log     logx.Logger
}

func New(d Deps) *Handler {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Target == nil {
		d.Target = &notifier.TargetRef{}
	}
	return &Handler{
		events:  d.Events,
		notify:  d.Notifier,
		target:  d.Target,
		members: d.Members,
		selfID:  d.SelfID,
		log:     d.Log.With(logx.String("comp", "commands")),
	}
}

// SetSelfID is called once the binding knows the bot's identity.
func (h *Handler) SetSelfID(id int64) { h.selfID = id }

// Handle applies gating and runs at most one command. Only delivery errors are returned;
// user mistakes are answered in chat.
func (h *Handler) Handle(ctx context.Context, msg Message) error {
	if !strings.HasPrefix(msg.Text, prefix) {
		return nil
	}
	if msg.AuthorID == h.selfID && h.selfID != 0 {
		return nil
	}
	target, ok := h.target.Get()
	if !ok {
		return nil
	}
	if msg.Channel.ChatID != target.Channel.ChatID && !msg.Direct {
		return nil
	}
	member, ok, err := h.members.Lookup(ctx, msg.AuthorID)
	if err != nil {
		h.log.Warn("member lookup failed", logx.Int64("user_id", msg.AuthorID), logx.Err(err))
		return nil
	}
	if !ok {
		return nil
	}

	fields := strings.Fields(strings.TrimPrefix(msg.Text, prefix))
	if len(fields) == 0 {
		return nil
	}
	name := strings.ToLower(fields[0])
	// Strip a telegram-style "@botname" suffix.
	if i := strings.IndexByte(name, '@'); i > 0 {
		name = name[:i]
	}

	c := call{h: h, msg: msg, member: member, target: target, args: fields[1:]}
	var run func(context.Context) error
	switch name {
	case "add":
		run = c.addRole
	case "remove":
		run = c.removeRole
	case "events":
		run = c.listEvents
	case "addevent":
		run = c.elevated(c.addEvent)
	case "removeevent":
		run = c.elevated(c.removeEvent)
	case "forceevent":
		run = c.elevated(c.forceEvent)
	default:
		return nil
	}
	metrics.CommandsTotal.WithLabelValues(name).Inc()
	h.log.Debug("command", logx.String("command", name), logx.Int64("user_id", member.ID))
	return run(ctx)
}

type call struct {
	h      *Handler
	msg    Message
	member kit.Member
	target notifier.Target
	args   []string
}

// elevated silently drops the command for members without manage permission.
func (c call) elevated(fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		if !c.member.CanManage {
			return nil
		}
		return fn(ctx)
	}
}

func (c call) reply(ctx context.Context, format string, args ...any) error {
	return c.h.notify.SendPlain(ctx, c.msg.Channel, fmt.Sprintf(format, args...))
}

func (c call) roleName() string {
	if c.target.RoleName != "" {
		return c.target.RoleName
	}
	return c.target.Role
}

func (c call) addRole(ctx context.Context) error {
	has, err := c.h.notify.HasRole(ctx, c.member.ID, c.target.Role)
	if err != nil {
		return err
	}
	if has {
		return c.reply(ctx, "%s You already have role %s!", c.member.Mention(), c.roleName())
	}
	c.h.log.Info("adding ping role", logx.Int64("user_id", c.member.ID), logx.String("user", c.member.Username))
	if err := c.h.notify.GrantRole(ctx, c.member.ID, c.target.Role); err != nil {
		return err
	}
	return c.reply(ctx, "%s Added role %s.", c.member.Mention(), c.roleName())
}

func (c call) removeRole(ctx context.Context) error {
	has, err := c.h.notify.HasRole(ctx, c.member.ID, c.target.Role)
	if err != nil {
		return err
	}
	if !has {
		return c.reply(ctx, "%s You don't have role %s!", c.member.Mention(), c.roleName())
	}
	c.h.log.Info("removing ping role", logx.Int64("user_id", c.member.ID), logx.String("user", c.member.Username))
	if err := c.h.notify.RevokeRole(ctx, c.member.ID, c.target.Role); err != nil {
		return err
	}
	return c.reply(ctx, "%s Removed role %s.", c.member.Mention(), c.roleName())
}

func (c call) listEvents(ctx context.Context) error {
	evs := c.h.events.List()
	if len(evs) == 0 {
		return c.reply(ctx, "No events found! :(")
	}
	now := c.h.events.Now()
	loc := c.h.events.Location()
	embed := notifier.Embed{
		Content: fmt.Sprintf("%d event(s)", len(evs)),
		Title:   "Events",
		Color:   notifier.ColorGreen,
		Fields:  make([]notifier.Field, 0, len(evs)),
	}
	for _, ev := range evs {
		embed.Fields = append(embed.Fields, notifier.Field{
			Name:  fmt.Sprintf("#%d %s | %s", ev.ID, ev.Name, ev.StartText(loc)),
			Value: ev.RemainingText(now),
		})
	}
	return c.h.notify.SendEmbed(ctx, c.msg.Channel, embed)
}

func (c call) addEvent(ctx context.Context) error {
	now := c.h.events.Now()
	ev, err := event.Parse(c.msg.Text, now, c.h.events.Location())
	if err != nil {
		c.h.log.Debug("addevent rejected", logx.Err(err))
		return c.reply(ctx, "%s Invalid syntax!", c.member.Mention())
	}
	ev, err = c.h.events.Add(ctx, ev)
	if err != nil {
		if apperr.Is(err, apperr.Validation) {
			return c.reply(ctx, "%s Invalid syntax!", c.member.Mention())
		}
		c.h.log.Error("add event failed", logx.Err(err))
		return c.reply(ctx, "%s Could not save the event, try again later.", c.member.Mention())
	}
	return c.reply(ctx, "%s Added event **%s** (#%d)\n%s\n**Event happens in %s**.",
		c.member.Mention(), ev.Name, ev.ID, ev.StartText(c.h.events.Location()), ev.RemainingText(now))
}

// eventID reads the first argument; -1 mirrors what the "not found" reply shows for junk input.
func (c call) eventID() int64 {
	if len(c.args) == 0 {
		return -1
	}
	id, err := strconv.ParseInt(c.args[0], 10, 64)
	if err != nil {
		return -1
	}
	return id
}

func (c call) removeEvent(ctx context.Context) error {
	id := c.eventID()
	ev, err := c.h.events.Remove(ctx, id)
	if apperr.Is(err, apperr.NotFound) {
		return c.reply(ctx, "%s Could not find event #%d!", c.member.Mention(), id)
	}
	if err != nil {
		c.h.log.Error("remove event failed", logx.Int64("event_id", id), logx.Err(err))
		return c.reply(ctx, "%s Could not remove event #%d, try again later.", c.member.Mention(), id)
	}
	return c.reply(ctx, "%s Removed event **%s** (%s).", c.member.Mention(), ev.Name, ev.StartText(c.h.events.Location()))
}

func (c call) forceEvent(ctx context.Context) error {
	id := c.eventID()
	_, err := c.h.events.Force(ctx, id)
	if apperr.Is(err, apperr.NotFound) {
		return c.reply(ctx, "%s Could not find event #%d!", c.member.Mention(), id)
	}
	if err != nil {
		c.h.log.Error("force event failed", logx.Int64("event_id", id), logx.Err(err))
		return c.reply(ctx, "%s Could not start event #%d, try again later.", c.member.Mention(), id)
	}
	return nil
}
