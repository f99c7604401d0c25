package fanout

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mistakeknot/querydesk/internal/core"
)

// Delivery paths recorded in Envelope.Channel.
const (
	ChannelTargeted  = "targeted"
	ChannelBroadcast = "broadcast"
)

// Envelope is the wire frame pushed to subscribers. ID is the notification
// id and is identical on both delivery paths.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Channel   string          `json:"channel"`
	EmittedAt time.Time       `json:"emittedAt"`
	Data      json.RawMessage `json:"data"`
}

// Envelopes renders the targeted and broadcast frames for n. A path with no
// audience yields a nil envelope.
func Envelopes(n core.Notification) (targeted, broadcast *Envelope, err error) {
	if len(n.Targets) > 0 {
		data, err := json.Marshal(n.Payload)
		if err != nil {
			return nil, nil, fmt.Errorf("encode %s payload: %w", n.Kind, err)
		}
		targeted = &Envelope{ID: n.ID, Type: n.Kind.TargetedEvent(), Channel: ChannelTargeted, EmittedAt: n.EmittedAt, Data: data}
	}
	if len(n.Roles) > 0 {
		payload := n.BroadcastPayload
		if payload == nil {
			payload = n.Payload
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("encode %s broadcast payload: %w", n.Kind, err)
		}
		broadcast = &Envelope{ID: n.ID, Type: n.Kind.BroadcastEvent(), Channel: ChannelBroadcast, EmittedAt: n.EmittedAt, Data: data}
	}
	return targeted, broadcast, nil
}
