package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the purpose of a message envelope.
type Kind string

const (
	KindReserve   Kind = "RESERVE"
	KindConfirm   Kind = "CONFIRM"
	KindCancel    Kind = "CANCEL"
	KindHeartbeat Kind = "HEARTBEAT"
	KindSuccess   Kind = "SUCCESS"
	KindError     Kind = "ERROR"
)

// Payload carries the type-dependent data of a message.
type Payload struct {
	ProductID     string `json:"productId,omitempty"`
	Quantity      int    `json:"quantity,omitempty"`
	ReservationID string `json:"reservationId,omitempty"`
	OrderID       string `json:"orderId,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Message is the wire envelope exchanged between the coordinator and sellers.
// CorrelationID routes a response to its awaiting request; MessageID is the
// idempotency key and stays stable across retries of the same logical request.
type Message struct {
	MessageID     string  `json:"messageId"`
	CorrelationID string  `json:"correlationId,omitempty"`
	Type          Kind    `json:"type"`
	SenderID      string  `json:"senderId,omitempty"`
	Timestamp     int64   `json:"timestamp"`
	Data          Payload `json:"data"`
}

// New constructs a message of the given kind with a fresh message ID and
// the current timestamp in milliseconds.
func New(kind Kind, data Payload) Message {
	return Message{
		MessageID: uuid.NewString(),
		Type:      kind,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
}

// Encode serializes the message to its JSON wire form.
func Encode(m Message) ([]byte, error) {
	if m.Type == "" {
		return nil, fmt.Errorf("encode message: missing type")
	}
	return json.Marshal(m)
}

// Decode parses a JSON wire payload into a message.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("decode message: missing type")
	}
	return m, nil
}
