package websocket

import (
	"encoding/json"
	"fmt"

	fincharts "github.com/irzhakbasil/fincharts/adapter"
)

// Message is one inbound streaming message. Update is non-nil only for
// l1-update messages; Raw always holds the original payload.
type Message struct {
	Type   string
	Update *fincharts.L1Update
	Raw    json.RawMessage
}

type messageEnvelope struct {
	Type string `json:"type"`
}

// ParseMessage decodes an inbound text frame into a typed Message.
func ParseMessage(data []byte) (Message, error) {
	var envelope messageEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Message{}, fmt.Errorf("failed to parse message envelope: %w", err)
	}

	msg := Message{
		Type: envelope.Type,
		Raw:  json.RawMessage(append([]byte(nil), data...)),
	}

	if envelope.Type == fincharts.MessageTypeL1Update {
		var update fincharts.L1Update
		if err := json.Unmarshal(data, &update); err != nil {
			return Message{}, fmt.Errorf("failed to parse l1-update: %w", err)
		}
		msg.Update = &update
	}

	return msg, nil
}
