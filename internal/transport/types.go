package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID            int
	ChatID        int64
	FromID        int64
	FromUsername  string
	FromFirstName string
	FromLastName  string
	IsGroup       bool

	Text     string
	Entities []Entity

	// At most one media ref is set. Refs are opaque handles to media the
	// platform already stores; they are never re-uploaded.
	PhotoRef        string
	VideoRef        string
	DocumentRef     string
	Caption         string
	CaptionEntities []Entity
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Entity is a rich-text span (bold, link, mention, ...) carried through
// broadcasts untouched.
type Entity struct {
	Type   string
	Offset int
	Length int
	URL    string
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Entities       []Entity
	// ReplyMarkupAdapter is adapter-specific markup (Telegram: *telebot.ReplyMarkup).
	ReplyMarkupAdapter any
}

// Media is an already-uploaded attachment plus its caption.
type Media struct {
	Ref             string
	Caption         string
	CaptionEntities []Entity
}

type MemberRole string

const (
	RoleCreator       MemberRole = "creator"
	RoleAdministrator MemberRole = "administrator"
	RoleMember        MemberRole = "member"
	RoleNone          MemberRole = "none"
)

type ChatInfo struct {
	ID    int64
	Title string
	Kind  string // "private", "group", "supergroup", "channel"
}

// Sender is the minimal surface the dispatch engine needs: one primitive
// per payload variant. Failures carry a human-readable reason in Error().
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendPhoto(ctx context.Context, to ChatTarget, m Media) (MessageRef, error)
	SendVideo(ctx context.Context, to ChatTarget, m Media) (MessageRef, error)
	SendDocument(ctx context.Context, to ChatTarget, m Media) (MessageRef, error)
}

type Adapter interface {
	Sender

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error

	// SelfRole reports the bot's own membership role in the destination.
	SelfRole(ctx context.Context, chatID int64) (MemberRole, error)
	Chat(ctx context.Context, chatID int64) (ChatInfo, error)
}
