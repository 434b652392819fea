package domain

import "time"

// AudioPayload is the raw audio attached to an inbound event, before any
// decoding. FormatHint is a container/extension hint ("ogg", "mp3", ...).
type AudioPayload struct {
	Data       []byte
	FormatHint string
}

// InboundEvent is one chat notification delivered by the external client
// adapter. It is immutable once created and consumed exactly once by the
// dispatch loop. Raw is an opaque handle back to the delivering client.
type InboundEvent struct {
	ID             string
	ConversationID string
	SenderID       string
	Timestamp      time.Time
	Text           string
	Audio          *AudioPayload
	Raw            any
}

// PayloadKind classifies what an event carries.
type PayloadKind int

const (
	PayloadText PayloadKind = iota
	PayloadAudio
	PayloadOther
)

func (e *InboundEvent) Kind() PayloadKind {
	switch {
	case e.Audio != nil:
		return PayloadAudio
	case e.Text != "":
		return PayloadText
	default:
		return PayloadOther
	}
}

// MessageSource records whether text came in as text or was transcribed.
type MessageSource string

const (
	SourceOriginal    MessageSource = "original"
	SourceTranscribed MessageSource = "transcribed"
)

// NormalizedMessage is an InboundEvent with its payload resolved to text.
// Audio events become transcribed text before routing.
type NormalizedMessage struct {
	ConversationID string
	SenderID       string
	Timestamp      time.Time
	Text           string
	Source         MessageSource
}
