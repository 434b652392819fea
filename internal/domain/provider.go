package domain

import "context"

// Message is one (role, text) turn of conversation context.
type Message struct {
	Role string `json:"role"` // system | user | assistant
	Text string `json:"text"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// CompleteOptions tunes a single completion request.
type CompleteOptions struct {
	Model        string
	MaxTokens    int
	Temperature  float64
	SystemPrompt string
}

// Completer is the logical contract of one AI provider: turn ordered
// conversation context into a generated reply. Errors are always
// *ProviderError for expected failure modes.
type Completer interface {
	Name() string
	Complete(ctx context.Context, msgs []Message, opts CompleteOptions) (string, error)
}

// AudioClip is a normalized audio buffer handed to transcribers. Raw keeps
// the original container bytes (cloud adapters upload these); PCM is the
// decoded mono 16 kHz float32 signal (local adapters consume it). PCM may be
// empty when the pre-step decoder could not handle the container.
type AudioClip struct {
	Raw        []byte
	FormatHint string
	PCM        []float32
}

// Transcriber is the logical contract of one speech-to-text provider.
type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, clip *AudioClip) (string, error)
}

// ChatClient is the outbound half of the external chat-protocol client.
type ChatClient interface {
	Send(ctx context.Context, conversationID, text string) error
}
