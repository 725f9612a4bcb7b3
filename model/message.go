package model

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message in a thread
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
	RoleTool  Role = "tool"
)

// Image is a single binary attachment with its MIME type.
// Data is encoded as base64 in JSON.
type Image struct {
	Data     []byte `json:"data" bson:"data"`
	MimeType string `json:"mimeType" bson:"mime_type"`
}

// Message represents one entry of a thread's history
type Message struct {
	// ID is a unique identifier for this message
	ID string `json:"id" bson:"id"`

	// Role is the message author (user, agent, tool)
	Role Role `json:"role" bson:"role"`

	// Text is the message content
	Text string `json:"text" bson:"text"`

	// Attachments holds images sent with the message, in submission order
	Attachments []Image `json:"attachments,omitempty" bson:"attachments,omitempty"`

	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
}

// NewMessage creates a message stamped with a fresh id and the current time
func NewMessage(role Role, text string, attachments ...Image) Message {
	return Message{
		ID:          uuid.NewString(),
		Role:        role,
		Text:        text,
		Attachments: attachments,
		Timestamp:   time.Now().UTC(),
	}
}

// NewUserMessage creates a user-authored message
func NewUserMessage(text string, images []Image) Message {
	return NewMessage(RoleUser, text, images...)
}

// NewAgentMessage creates an agent-authored message
func NewAgentMessage(text string) Message {
	return NewMessage(RoleAgent, text)
}
