package transport

import "context"

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
	UpdateUnknown UpdateKind = "unknown"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID     int64
	PeerID int64 // conversation id (user id for DMs, 2e9+ for chats)
	FromID int64
	Text   string
	// Payload carries the JSON blob a keyboard button attached to the
	// message, empty for plain text.
	Payload string
}

type SendOptions struct {
	// Keyboard is a serialized VK keyboard object, attached as-is.
	Keyboard        string
	DisableMentions bool
	ReplyTo         int64
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, peerID int64, text string, opt *SendOptions) (int64, error)
}
