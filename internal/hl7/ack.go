package hl7

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Acknowledgment codes (MSA-1).
const (
	AckAccept = "AA"
	AckError  = "AE"
	AckReject = "AR"
)

// Identity is how this system names itself in the headers it writes.
type Identity struct {
	Application string
	Facility    string
	Version     string
}

// NewControlID returns a fresh 32-character hex message control id.
func NewControlID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Timestamp formats t as an HL7 TS value.
func Timestamp(t time.Time) string {
	return t.Format("20060102150405")
}

// CreateACK builds the acknowledgment for incoming. MSA-2 echoes the incoming
// control id. A non-empty text goes into MSA-3 and, for a negative code, into
// an ERR segment.
func CreateACK(incoming *Message, code, text string, id Identity) *Message {
	return buildACK(incoming.ControlID(), incoming.Trigger(), incoming.SendingApplication(),
		incoming.SendingFacility(), incoming.Version(), code, text, id)
}

// CreateParseErrorACK builds a negative acknowledgment for a payload that
// never parsed, citing whatever control id could be salvaged.
func CreateParseErrorACK(perr *ParseError, id Identity) *Message {
	return buildACK(perr.ControlID, "", "", "", "", AckError, perr.Reason, id)
}

func buildACK(controlID, trigger, sendingApp, sendingFac, version, code, text string, id Identity) *Message {
	if version == "" {
		version = id.Version
	}
	msgType := Scalar("ACK")
	if trigger != "" {
		msgType = Composite("ACK", trigger, "ACK")
	}

	b := NewBuilder(DefaultDelimiters)
	b.Header().
		Set(3, Scalar(id.Application)).
		Set(4, Scalar(id.Facility)).
		Set(5, Scalar(sendingApp)).
		Set(6, Scalar(sendingFac)).
		Set(7, Scalar(Timestamp(time.Now()))).
		Set(9, msgType).
		Set(10, Scalar(NewControlID())).
		Set(11, Scalar("P")).
		Set(12, Scalar(version))

	msa := b.Add("MSA").
		Set(1, Scalar(code)).
		Set(2, Scalar(controlID))
	if text != "" {
		msa.Set(3, Scalar(text))
	}
	if text != "" && code != AckAccept {
		b.Add("ERR").Set(1, Scalar(text))
	}

	ack, err := b.Build()
	if err != nil {
		panic(err)
	}
	return ack
}

// AckCode returns MSA-1 of an acknowledgment message.
func AckCode(m *Message) string {
	if msa := m.Segment("MSA"); msa != nil {
		return msa.Field(1).Value()
	}
	return ""
}
