// ABOUTME: Message envelope carried between channel adapters and the router
// ABOUTME: Clone produces an independent copy so redirection never mutates the original

package router

import (
	"time"

	"github.com/2389/switchboard/internal/store"
)

// Attachment references a file carried alongside a message. Content stays on
// the originating platform; only the reference travels.
type Attachment struct {
	ContentType string `json:"content_type"`
	URL         string `json:"url"`
	Name        string `json:"name,omitempty"`
}

// Message is the platform-neutral envelope the router forwards between the
// two parties of a connection.
type Message struct {
	ID          string            `json:"id"`
	Text        string            `json:"text"`
	From        store.Identity    `json:"from"`
	Recipient   store.Identity    `json:"recipient"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Clone returns a deep copy with its own attachment slice and metadata map.
func (m *Message) Clone() *Message {
	out := *m
	if m.Attachments != nil {
		out.Attachments = make([]Attachment, len(m.Attachments))
		copy(out.Attachments, m.Attachments)
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
