package chunkchan

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// Kind tags a worker message.
type Kind string

const (
	// KindData carries one captured chunk to the worker.
	KindData Kind = "data"
	// KindProcessedData carries a transformed chunk back from the worker.
	KindProcessedData Kind = "processedData"
)

// Message is the unit exchanged with a chunk worker.
type Message struct {
	Kind    Kind   `json:"kind"`
	Seq     uint64 `json:"seq"`
	Payload []byte `json:"payload"`
}

// DataMessage builds the outbound message for a captured chunk.
func DataMessage(seq uint64, payload []byte) Message {
	return Message{Kind: KindData, Seq: seq, Payload: payload}
}

// Validate checks the kind tag.
func (m Message) Validate() error {
	switch m.Kind {
	case KindData, KindProcessedData:
		return nil
	default:
		return errors.Errorf("unknown message kind %q", m.Kind)
	}
}

// UnmarshalJSON rejects messages with an unknown kind.
func (m *Message) UnmarshalJSON(b []byte) error {
	type plain Message
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	msg := Message(p)
	if err := msg.Validate(); err != nil {
		return err
	}
	*m = msg
	return nil
}

func (m Message) clone() Message {
	out := m
	if m.Payload != nil {
		out.Payload = make([]byte, len(m.Payload))
		copy(out.Payload, m.Payload)
	}
	return out
}

// Transformer is the worker-side processing step.
type Transformer interface {
	Transform(ctx context.Context, msg Message) (Message, error)
}

// TransformFunc adapts a function to Transformer.
type TransformFunc func(ctx context.Context, msg Message) (Message, error)

// Transform implements Transformer.
func (f TransformFunc) Transform(ctx context.Context, msg Message) (Message, error) {
	return f(ctx, msg)
}

// Identity echoes every data message back as processedData with the same
// payload and sequence number.
func Identity() Transformer {
	return TransformFunc(func(_ context.Context, msg Message) (Message, error) {
		return Message{Kind: KindProcessedData, Seq: msg.Seq, Payload: msg.Payload}, nil
	})
}
