package broker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/civictrack/relay/internal/envelope"
	"github.com/civictrack/relay/internal/relayerr"
)

// clientCommand is the inbound client frame format.
type clientCommand struct {
	Action   string          `json:"action"`
	Topic    string          `json:"topic,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Priority string          `json:"priority,omitempty"`
}

type ackFrame struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Topic  string `json:"topic,omitempty"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// handleReceive is the transport receive handler: every inbound frame is a
// client command, and every frame counts as a heartbeat.
func (b *Broker) handleReceive(connID uuid.UUID, data []byte) {
	b.manager.Heartbeat(connID)

	var cmd clientCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		b.sendError(connID, relayerr.Validation("malformed command frame"))
		return
	}

	var err error
	switch cmd.Action {
	case "ping":
		// Heartbeat already recorded above.
	case "subscribe":
		err = b.Subscribe(connID, cmd.Topic)
	case "unsubscribe":
		err = b.Unsubscribe(connID, cmd.Topic)
	case "publish":
		var pri envelope.Priority
		pri, err = envelope.ParsePriority(cmd.Priority)
		if err != nil {
			err = relayerr.Validation(err.Error())
		} else {
			err = b.Publish(context.Background(), cmd.Topic, cmd.Payload, pri)
		}
	default:
		err = relayerr.Validation("unknown action " + cmd.Action)
	}

	if err != nil {
		b.sendError(connID, err)
		return
	}
	b.sendAck(connID, cmd.Action, cmd.Topic)
}

func (b *Broker) sendAck(connID uuid.UUID, action, topic string) {
	b.sendControl(connID, ackFrame{Type: "ack", Action: action, Topic: topic})
}

func (b *Broker) sendError(connID uuid.UUID, err error) {
	e := relayerr.AsStructured(err)
	b.sendControl(connID, errorFrame{Type: "error", Kind: string(e.Kind), Message: e.Message})
}

// sendControl writes a control frame straight through the owning adapter,
// bypassing the batch queue so acks are not subject to flush windows.
func (b *Broker) sendControl(connID uuid.UUID, v any) {
	c, err := b.manager.Get(connID)
	if err != nil {
		return
	}
	adapter, ok := b.manager.AdapterByName(c.Adapter())
	if !ok {
		return
	}
	frame, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := adapter.Send(context.Background(), connID, frame); err != nil {
		slog.Debug("Control frame send failed", "conn_id", connID, "error", err)
	}
}
