package domain

// ReplyKind classifies the router's decision for one event.
type ReplyKind int

const (
	ReplyText ReplyKind = iota
	ReplySilence
	ReplyError
)

// ReplyIntent is what (if anything) should be sent back for one event.
type ReplyIntent struct {
	Kind ReplyKind
	Text string
}

func TextReply(text string) ReplyIntent { return ReplyIntent{Kind: ReplyText, Text: text} }

func Silence() ReplyIntent { return ReplyIntent{Kind: ReplySilence} }

// ErrorReply carries a user-facing error message, e.g. "unknown command".
func ErrorReply(text string) ReplyIntent { return ReplyIntent{Kind: ReplyError, Text: text} }
