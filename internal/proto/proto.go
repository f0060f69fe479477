// Package proto defines the message, content-block, and tool wire types
// shared between the chat orchestrator, the upstream completion API client,
// and the HTTP layer.
package proto

// Role of a chat message author.
type Role string

// Message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// Attachment is a base64-encoded media payload plus its encoding format
// ("png", "wav", ...).
type Attachment struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

// Document is a base64-encoded PDF payload plus its display filename.
type Document struct {
	Data     string `json:"data"`
	Filename string `json:"filename"`
}

// Message is one conversation turn as accepted from the route layer. Optional
// attachments ride alongside the text; expansion into upstream content blocks
// happens once, in BuildConversation.
type Message struct {
	Role     Role        `json:"role"`
	Text     string      `json:"content,omitempty"`
	Image    *Attachment `json:"image,omitempty"`
	Audio    *Attachment `json:"audio,omitempty"`
	Document *Document   `json:"pdf,omitempty"`
}

// HasImages reports whether any message carries an image attachment.
func HasImages(msgs []Message) bool {
	for _, m := range msgs {
		if m.Image != nil {
			return true
		}
	}
	return false
}

// HasAudio reports whether any message carries an audio attachment.
func HasAudio(msgs []Message) bool {
	for _, m := range msgs {
		if m.Audio != nil {
			return true
		}
	}
	return false
}

// HasDocuments reports whether any message carries a document attachment.
func HasDocuments(msgs []Message) bool {
	for _, m := range msgs {
		if m.Document != nil {
			return true
		}
	}
	return false
}
