package db

import (
	"time"
)

// Identifiers are the system-generated identifiers assigned to a patient on
// first contact.
type Identifiers struct {
	MedicalRecordNumber string `json:"mrn"`
	PublicIndex         string `json:"public_index"`
	Hub                 string `json:"hub"`
	AccountNumber       string `json:"account_number"`
}

type PatientRecord struct {
	NaturalKey     string      `json:"natural_key"`
	Name           string      `json:"name"`
	FamilyName     string      `json:"family_name"`
	GivenName      string      `json:"given_name"`
	BirthDate      string      `json:"birth_date,omitempty"`
	Sex            string      `json:"sex,omitempty"`
	Address        string      `json:"address,omitempty"`
	Phone          string      `json:"phone,omitempty"`
	Identifiers    Identifiers `json:"identifiers"`
	IdentifierList string      `json:"identifier_list"` // PID-3 composite, "~" separated
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Transaction is one inbound message and the acknowledgment we returned for it.
type Transaction struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	RemoteAddr  string    `json:"remote_addr"`
	MessageType string    `json:"message_type"` // "ADT^A04"
	ControlID   string    `json:"control_id"`
	AckCode     string    `json:"ack_code"` // "AA", "AE"
	Error       string    `json:"error,omitempty"`
	RawMessage  []byte    `json:"raw_message"`
}

// Delivery is one attempt to send a scheduled follow-up message downstream.
type Delivery struct {
	ID          string     `json:"id"`
	Job         string     `json:"job"`
	Destination string     `json:"destination"`
	MessageType string     `json:"message_type"`
	ControlID   string     `json:"control_id"`
	Status      string     `json:"status"` // "delivered", "failed"
	AckCode     string     `json:"ack_code,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	AttemptedAt *time.Time `json:"attempted_at,omitempty"`
	RawMessage  []byte     `json:"raw_message,omitempty"`
}

const (
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

type Stats struct {
	Transactions     int    `json:"transactions"`
	Accepted         int    `json:"accepted"`
	Rejected         int    `json:"rejected"`
	Deliveries       int    `json:"deliveries"`
	FailedDeliveries int    `json:"failed_deliveries"`
	LastTransaction  string `json:"last_transaction,omitempty"`
	LastDelivery     string `json:"last_delivery,omitempty"`
}

type StreamInfo struct {
	Name          string `json:"name"`
	Messages      uint64 `json:"messages"`
	Bytes         uint64 `json:"bytes"`
	FirstSequence uint64 `json:"first_sequence"`
	LastSequence  uint64 `json:"last_sequence"`
}
