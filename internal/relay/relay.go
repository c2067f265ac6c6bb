// Package relay turns authenticated join requests from game servers into chat embeds.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"joinbot/internal/apperr"
	"joinbot/internal/eventbus"
	"joinbot/internal/metrics"
	"joinbot/internal/notifier"
	logx "joinbot/pkg/logx"
)

// ConnectScheme prefixes the join address in the embed link.
const ConnectScheme = "steam://connect/"

type Outcome uint8

const (
	Accepted Outcome = iota
	Rejected
	NotReady
	Throttled
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case NotReady:
		return "not_ready"
	case Throttled:
		return "throttled"
	default:
		return "unknown"
	}
}

// TokenChecker is satisfied by *tokens.Set.
type TokenChecker interface {
	Contains(token string) bool
}

type Config struct {
	// RatePerToken limits accepted requests per token per second. Zero disables limiting.
	RatePerToken float64
	Burst        int
}

// JoinRequest is a validated, sanitized request.
type JoinRequest struct {
	Host       string
	JoinAddr   string
	Player     string
	NumPlayers int
	MaxPlayers int
}

type Relay struct {
	cfg    Config
	tokens TokenChecker
	notify notifier.Notifier
	target *notifier.TargetRef
	log    logx.Logger
	bus    eventbus.Bus

	lmu      sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(cfg Config, tokens TokenChecker, n notifier.Notifier, target *notifier.TargetRef, log logx.Logger, bus eventbus.Bus) *Relay {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if target == nil {
		target = &notifier.TargetRef{}
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Relay{
		cfg:      cfg,
		tokens:   tokens,
		notify:   n,
		target:   target,
		log:      log.With(logx.String("comp", "relay")),
		bus:      bus,
		limiters: map[string]*rate.Limiter{},
	}
}

// Handle validates body and dispatches the join embed. A delivery failure is logged and
// still reported as Accepted.
func (r *Relay) Handle(ctx context.Context, body []byte) (Outcome, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RelayRequestDuration)

	out, err := r.handle(ctx, body)
	metrics.RelayRequestsTotal.WithLabelValues(out.String()).Inc()
	return out, err
}

func (r *Relay) handle(ctx context.Context, body []byte) (Outcome, error) {
	log := r.log
	if id := RequestID(ctx); id != "" {
		log = log.With(logx.String("request_id", id))
	}

	token, req, err := r.parse(body)
	if err != nil {
		log.Warn("rejected join request", logx.Err(err), logx.String("body", redactBody(body)))
		r.bus.Publish(eventbus.Event{Type: eventbus.RelayRejected, Data: err.Error()})
		return Rejected, err
	}
	if !r.allow(token) {
		log.Warn("join request throttled", logx.String("host", req.Host))
		return Throttled, apperr.New(apperr.Validation, "relay.handle", "rate limited")
	}
	target, ok := r.target.Get()
	if !ok {
		return NotReady, apperr.New(apperr.NotReady, "relay.handle", "target unresolved")
	}

	embed := BuildEmbed(target, req)
	log.Info("sending join mention", logx.String("host", req.Host), logx.Int("players", req.NumPlayers), logx.Int("max_players", req.MaxPlayers))
	if err := r.notify.SendEmbed(ctx, target.Channel, embed); err != nil {
		log.Error("join mention delivery failed", logx.Err(err))
	}
	r.bus.Publish(eventbus.Event{Type: eventbus.RelayAccepted, Data: req})
	return Accepted, nil
}

// BuildEmbed renders the join notification. req must already be sanitized.
func BuildEmbed(target notifier.Target, req JoinRequest) notifier.Embed {
	return notifier.Embed{
		Content:     fmt.Sprintf("%s **%s** wants you to join! (*%d*/*%d*)", target.Mention(), req.Player, req.NumPlayers, req.MaxPlayers),
		Title:       req.Host,
		Description: ConnectScheme + req.JoinAddr,
		Color:       notifier.ColorGreen,
	}
}

type wireRequest struct {
	Token      *string `json:"token"`
	Hostname   *string `json:"hostname"`
	JoinIP     *string `json:"join_ip"`
	NumPlayers *count  `json:"num_players"`
	MaxPlayers *count  `json:"max_players"`
	PlayerName *string `json:"player_name"`
}

// count accepts a JSON integer or a string holding one.
type count int

func (c *count) UnmarshalJSON(b []byte) error {
	s := string(bytes.TrimSpace(b))
	if s == "null" {
		return fmt.Errorf("count is null")
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unq)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("count %s is not an integer", s)
	}
	if n < 0 {
		return fmt.Errorf("count %d is negative", n)
	}
	*c = count(n)
	return nil
}

func (r *Relay) parse(body []byte) (string, JoinRequest, error) {
	const op = "relay.parse"
	var w wireRequest
	if err := json.Unmarshal(body, &w); err != nil {
		return "", JoinRequest{}, &apperr.Error{Kind: apperr.Validation, Op: op, Msg: "bad json", Err: err}
	}
	if w.Token == nil || *w.Token == "" {
		return "", JoinRequest{}, apperr.New(apperr.Validation, op, "missing token")
	}
	if r.tokens == nil || !r.tokens.Contains(*w.Token) {
		return "", JoinRequest{}, apperr.New(apperr.Validation, op, "invalid token")
	}
	missing := make([]string, 0, 5)
	if w.Hostname == nil {
		missing = append(missing, "hostname")
	}
	if w.JoinIP == nil {
		missing = append(missing, "join_ip")
	}
	if w.NumPlayers == nil {
		missing = append(missing, "num_players")
	}
	if w.MaxPlayers == nil {
		missing = append(missing, "max_players")
	}
	if w.PlayerName == nil {
		missing = append(missing, "player_name")
	}
	if len(missing) > 0 {
		return "", JoinRequest{}, apperr.New(apperr.Validation, op, "missing "+strings.Join(missing, ", "))
	}
	return *w.Token, JoinRequest{
		Host:       Sanitize(*w.Hostname),
		JoinAddr:   Sanitize(*w.JoinIP),
		Player:     Sanitize(*w.PlayerName),
		NumPlayers: int(*w.NumPlayers),
		MaxPlayers: int(*w.MaxPlayers),
	}, nil
}

func (r *Relay) allow(token string) bool {
	if r.cfg.RatePerToken <= 0 {
		return true
	}
	r.lmu.Lock()
	lim, ok := r.limiters[token]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(r.cfg.RatePerToken), r.cfg.Burst)
		r.limiters[token] = lim
	}
	r.lmu.Unlock()
	return lim.AllowN(time.Now(), 1)
}

// redactBody returns body for logging with the token value masked.
func redactBody(body []byte) string {
	const maxLog = 512
	var m map[string]any
	if err := json.Unmarshal(body, &m); err == nil {
		if _, ok := m["token"]; ok {
			m["token"] = "***"
		}
		if b, err := json.Marshal(m); err == nil {
			body = b
		}
	}
	s := string(body)
	if len(s) > maxLog {
		s = s[:maxLog] + "..."
	}
	return s
}

type ctxKey struct{}

// WithRequestID tags ctx with the HTTP request id used in relay logs.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}
