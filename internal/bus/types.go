package bus

// MessageType classifies an attachment or message body.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeAudio MessageType = "audio"
	TypeVideo MessageType = "video"
	TypeFile  MessageType = "file"
)

// ParseMode selects outbound text formatting.
type ParseMode string

const (
	ParseMarkdown ParseMode = "markdown"
	ParseHTML     ParseMode = "html"
	ParsePlain    ParseMode = "plain"
)

// largeAttachmentBytes is the threshold above which an attachment is
// considered large (10 MiB).
const largeAttachmentBytes = 10 << 20

// Attachment is a media item travelling with a message. At least one of
// URL, Data, or LocalPath is set by the time a consumer sees it; anything
// handed to the agent bridge carries LocalPath only.
type Attachment struct {
	Type      MessageType `json:"type"`
	URL       string      `json:"url,omitempty"`
	Data      []byte      `json:"data,omitempty"`
	Filename  string      `json:"filename,omitempty"`
	MimeType  string      `json:"mime_type,omitempty"`
	Size      int64       `json:"size,omitempty"`
	LocalPath string      `json:"local_path,omitempty"`
}

// IsLarge reports whether the attachment exceeds the large-file threshold.
func (a Attachment) IsLarge() bool { return a.Size > largeAttachmentBytes }

// InboundMessage is a message received from a channel (Telegram, Discord,
// etc.) in the gateway's unified form. All identifiers are opaque strings;
// the gateway never parses them. A zero Timestamp means "now" and is filled
// in by the manager before routing.
type InboundMessage struct {
	Channel     string            `json:"channel"`
	UserID      string            `json:"user_id"`
	ChatID      string            `json:"chat_id"`
	Content     string            `json:"content"`
	MessageID   string            `json:"message_id"`
	Timestamp   int64             `json:"timestamp,omitempty"` // unix millis
	Attachments []Attachment      `json:"attachments,omitempty"`
	IsGroup     bool              `json:"is_group,omitempty"`
	ReplyToID   string            `json:"reply_to_id,omitempty"`
	UserName    string            `json:"user_name,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a message to be delivered back to a channel.
type OutboundMessage struct {
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ParseMode   ParseMode    `json:"parse_mode,omitempty"`
	ReplyToID   string       `json:"reply_to_id,omitempty"`
}

// ChannelCapabilities is declared by an adapter at construction and never
// mutated afterwards.
type ChannelCapabilities struct {
	SupportsMarkdown      bool `json:"supports_markdown"`
	SupportsHTML          bool `json:"supports_html"`
	SupportsReactions     bool `json:"supports_reactions"`
	SupportsThreads       bool `json:"supports_threads"`
	SupportsEdit          bool `json:"supports_edit"`
	SupportsDelete        bool `json:"supports_delete"`
	MaxMessageLength      int  `json:"max_message_length"`
	SupportsAttachments   bool `json:"supports_attachments"`
	SupportsVoice         bool `json:"supports_voice"`
	SupportsStreamingEdit bool `json:"supports_streaming_edit"`
	EditRateLimitMs       int  `json:"edit_rate_limit_ms"`
}

// Event is a server-side event broadcast to control-plane subscribers.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event. Handlers run on the caller's
// goroutine and must not block; spawn a goroutine for heavy work.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription. Used by the
// gateway server and the channel manager to decouple from the concrete bus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}
