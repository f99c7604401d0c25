package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/mistakeknot/querydesk/internal/core"
)

// SubjectPrefix roots every subject this service publishes.
const SubjectPrefix = "querydesk"

// Publisher is the part of *nats.Conn the transport needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSTransport publishes envelopes to querydesk.user.<id> and
// querydesk.role.<role> so every server instance can relay them to its own
// websocket rooms.
type NATSTransport struct {
	pub Publisher
}

func NewNATSTransport(pub Publisher) *NATSTransport {
	return &NATSTransport{pub: pub}
}

func UserSubject(userID string) string { return SubjectPrefix + ".user." + userID }
func RoleSubject(role core.Role) string { return SubjectPrefix + ".role." + string(role) }

func validToken(s string) bool {
	return s != "" && !strings.ContainsAny(s, ".*> \t\r\n")
}

func (t *NATSTransport) SendToUser(_ context.Context, userID string, env Envelope) error {
	if !validToken(userID) {
		return fmt.Errorf("nats: user id %q is not a valid subject token", userID)
	}
	return t.publish(UserSubject(userID), env)
}

func (t *NATSTransport) SendToRole(_ context.Context, role core.Role, env Envelope) error {
	if !validToken(string(role)) {
		return fmt.Errorf("nats: role %q is not a valid subject token", role)
	}
	return t.publish(RoleSubject(role), env)
}

func (t *NATSTransport) publish(subject string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("nats: encode envelope: %w", err)
	}
	if err := t.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("nats: publish %s: %w", subject, err)
	}
	return nil
}

// Relay forwards envelopes arriving on NATS into a local transport,
// usually the websocket hub of this instance.
type Relay struct {
	local  Transport
	logger *slog.Logger
	sub    *nats.Subscription
}

func NewRelay(local Transport, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{local: local, logger: logger.With("component", "nats-relay")}
}

// Start subscribes to every querydesk subject on nc.
func (r *Relay) Start(nc *nats.Conn) error {
	sub, err := nc.Subscribe(SubjectPrefix+".>", r.HandleMsg)
	if err != nil {
		return fmt.Errorf("nats: subscribe: %w", err)
	}
	r.sub = sub
	return nil
}

func (r *Relay) Stop() error {
	if r.sub == nil {
		return nil
	}
	return r.sub.Unsubscribe()
}

// HandleMsg routes one NATS message to the matching local room.
func (r *Relay) HandleMsg(msg *nats.Msg) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		r.logger.Warn("dropping malformed envelope", "subject", msg.Subject, "error", err)
		return
	}
	rest, ok := strings.CutPrefix(msg.Subject, SubjectPrefix+".")
	if !ok {
		return
	}
	kind, target, ok := strings.Cut(rest, ".")
	if !ok {
		return
	}
	ctx := context.Background()
	var err error
	switch kind {
	case "user":
		err = r.local.SendToUser(ctx, target, env)
	case "role":
		err = r.local.SendToRole(ctx, core.Role(target), env)
	default:
		return
	}
	if err != nil {
		r.logger.Debug("relay send failed", "subject", msg.Subject, "error", err)
	}
}
