package mail

import (
	"strings"

	"github.com/google/uuid"
)

// MessageId identifies a stored message. Rendered canonically as the
// 36-character lowercase hyphenated form.
type MessageId = uuid.UUID

// Address is a single mailbox from an address header. Both fields are
// pointers because address headers may be malformed or incomplete.
type Address struct {
	Name  *string `json:"name"`
	Email *string `json:"email"`
}

// NewAddress builds an Address from a display name and email, mapping empty
// strings to nil
func NewAddress(name, email string) Address {
	a := Address{}
	if len(name) > 0 {
		a.Name = &name
	}
	if len(email) > 0 {
		a.Email = &email
	}
	return a
}

// Attachment is a decoded MIME part that is not one of the message bodies
type Attachment struct {
	Filename  string  `json:"filename"`
	ContentID *string `json:"content_id"`
	Mime      string  `json:"mime"`
	Size      string  `json:"size"`
	// Content holds the decoded part bytes, base64 encoded
	Content string `json:"content"`
}

// AttachmentMetadata is the attachment projection without the content bytes
type AttachmentMetadata struct {
	Filename string `json:"filename"`
	Mime     string `json:"mime"`
	Size     string `json:"size"`
}

// Message is the canonical in-memory record of a received email
type Message struct {
	ID          MessageId         `json:"id"`
	Time        int64             `json:"time"`
	Date        string            `json:"date"`
	Size        string            `json:"size"`
	From        Address           `json:"from"`
	To          []Address         `json:"to"`
	Subject     string            `json:"subject"`
	Text        string            `json:"text"`
	HTML        string            `json:"html"`
	Attachments []Attachment      `json:"attachments"`
	Headers     map[string]string `json:"headers"`
	// Raw is the on-wire byte buffer as received, base64 encoded
	Raw    string `json:"raw"`
	Opened bool   `json:"opened"`
	// envelope data from MAIL FROM / RCPT TO, distinct from the headers
	EnvelopeFrom       string   `json:"envelope_from"`
	EnvelopeRecipients []string `json:"envelope_recipients"`
}

// MessageMetadata is the Message projection without the heavy body and
// attachment bytes, for listings and the live feed
type MessageMetadata struct {
	ID          MessageId            `json:"id"`
	Time        int64                `json:"time"`
	Date        string               `json:"date"`
	Size        string               `json:"size"`
	From        Address              `json:"from"`
	To          []Address            `json:"to"`
	Subject     string               `json:"subject"`
	Opened      bool                 `json:"opened"`
	HasHTML     bool                 `json:"has_html"`
	HasPlain    bool                 `json:"has_plain"`
	Attachments []AttachmentMetadata `json:"attachments"`

	EnvelopeFrom       string   `json:"envelope_from"`
	EnvelopeRecipients []string `json:"envelope_recipients"`
}

// Metadata projects the message for listings and the websocket feed
func (m *Message) Metadata() MessageMetadata {
	attachments := make([]AttachmentMetadata, len(m.Attachments))
	for i, a := range m.Attachments {
		attachments[i] = AttachmentMetadata{
			Filename: a.Filename,
			Mime:     a.Mime,
			Size:     a.Size,
		}
	}
	return MessageMetadata{
		ID:                 m.ID,
		Time:               m.Time,
		Date:               m.Date,
		Size:               m.Size,
		From:               m.From,
		To:                 m.To,
		Subject:            m.Subject,
		Opened:             m.Opened,
		HasHTML:            len(m.HTML) > 0,
		HasPlain:           len(m.Text) > 0,
		Attachments:        attachments,
		EnvelopeFrom:       m.EnvelopeFrom,
		EnvelopeRecipients: m.EnvelopeRecipients,
	}
}

// Open marks the message as opened
func (m *Message) Open() {
	m.Opened = true
}

// Render returns the HTML body with inline cid: attachment references
// rewritten to data: URLs, or the plain text body if there is no HTML
func (m *Message) Render() string {
	if len(m.HTML) == 0 {
		return m.Text
	}
	html := m.HTML
	for _, a := range m.Attachments {
		if a.ContentID == nil {
			continue
		}
		from := "cid:" + strings.TrimPrefix(*a.ContentID, "cid:")
		encoded := strings.Map(func(r rune) rune {
			if r == ' ' || r == '\t' || r == '\r' || r == '\n' {
				return -1
			}
			return r
		}, a.Content)
		to := "data:" + a.Mime + ";base64," + encoded
		html = strings.ReplaceAll(html, from, to)
	}
	return html
}
