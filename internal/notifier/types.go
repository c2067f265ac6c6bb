package notifier

import (
	"context"
	"sync/atomic"
	"time"

	kit "joinbot/internal/transport"
)

// Config controls delivery policy.
type Config struct {
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

// ColorGreen is the embed accent used for join and start notifications.
const ColorGreen = 0x13e82e

type Field struct {
	Name   string
	Value  string
	Inline bool
}

// Embed is a message with a highlighted card. Content is shown above the card.
type Embed struct {
	Content     string
	Title       string
	Description string
	Color       int
	Fields      []Field
}

// Notifier is what the core calls into.
type Notifier interface {
	SendPlain(ctx context.Context, to kit.ChatTarget, text string) error
	SendEmbed(ctx context.Context, to kit.ChatTarget, e Embed) error
	GrantRole(ctx context.Context, member int64, role string) error
	RevokeRole(ctx context.Context, member int64, role string) error
	HasRole(ctx context.Context, member int64, role string) (bool, error)
}

// Platform is a chat binding. Name labels logs and metrics.
type Platform interface {
	Notifier
	Name() string
}

// Target is where the bot delivers: the home channel and the ping role.
type Target struct {
	Channel  kit.ChatTarget
	Role     string
	RoleName string
}

// RoleMention is the markup token that pings every member of role.
func RoleMention(role string) string { return "<@&" + role + ">" }

func (t Target) Mention() string { return RoleMention(t.Role) }

// TargetRef holds the resolved Target. It is empty until startup resolution
// succeeds and is read without locks afterwards.
type TargetRef struct {
	v atomic.Pointer[Target]
}

func (r *TargetRef) Set(t Target) {
	cp := t
	r.v.Store(&cp)
}

func (r *TargetRef) Get() (Target, bool) {
	if r == nil {
		return Target{}, false
	}
	p := r.v.Load()
	if p == nil {
		return Target{}, false
	}
	return *p, true
}

func (r *TargetRef) Ready() bool {
	_, ok := r.Get()
	return ok
}

// Result is published on the bus after every outbound operation.
type Result struct {
	Kind     string    `json:"kind"`
	Platform string    `json:"platform"`
	ChatID   int64     `json:"chat_id,omitempty"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
