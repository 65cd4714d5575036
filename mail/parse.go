package mail

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/mailcrab/mailcrab/log"
)

// Parser converts raw RFC 5322 / MIME bytes into a Message.
// Content defects are tolerated with defaults; only a message the reader can
// make no sense of at all produces an error.
type Parser struct {
	log log.Logger
}

func NewParser(logger log.Logger) *Parser {
	return &Parser{log: logger}
}

// Parse interprets raw as an email message. The returned Message carries a
// freshly assigned id; envelope data is stamped by the caller.
func (p *Parser) Parse(raw []byte) (*Message, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, fmt.Errorf("could not read message: %w", err)
	}

	m := &Message{
		ID:          uuid.New(),
		Size:        humanize.Bytes(uint64(len(raw))),
		Raw:         base64.StdEncoding.EncodeToString(raw),
		Attachments: []Attachment{},
		Headers:     map[string]string{},
	}

	header := gomail.Header{Header: entity.Header}

	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		m.From = NewAddress(from[0].Name, from[0].Address)
	} else {
		p.log.Warn("could not parse 'From' address header, setting placeholder address")
		m.From = NewAddress("No from header", "no-from-header@example.com")
	}

	if to, err := header.AddressList("To"); err == nil && len(to) > 0 {
		for _, a := range to {
			m.To = append(m.To, NewAddress(a.Name, a.Address))
		}
	} else {
		p.log.Warn("could not parse 'To' address header, setting placeholder address")
		m.To = []Address{NewAddress("No to header", "no-to-header@example.com")}
	}

	if subject, err := header.Subject(); err == nil {
		m.Subject = subject
	} else {
		m.Subject = strings.TrimSpace(entity.Header.Get("Subject"))
	}

	date, err := header.Date()
	if err != nil || date.IsZero() {
		date = time.Now()
	}
	date = date.Local()
	m.Time = date.Unix()
	m.Date = date.Format("2006-01-02 15:04:05")

	// fields are iterated newest first, so keeping the first occurrence of a
	// key collapses duplicates to the last header on the wire
	fields := entity.Header.Fields()
	for fields.Next() {
		if _, seen := m.Headers[fields.Key()]; !seen {
			m.Headers[fields.Key()] = fields.Value()
		}
	}

	p.walk(entity, m)

	return m, nil
}

// walk descends into multipart entities, collecting bodies and attachments
// in document order
func (p *Parser) walk(entity *message.Entity, m *Message) {
	mr := entity.MultipartReader()
	if mr == nil {
		p.leaf(entity, m)
		return
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return
		} else if err != nil {
			p.log.WithError(err).Warn("skipping unreadable MIME part")
			return
		}
		p.walk(part, m)
	}
}

func (p *Parser) leaf(entity *message.Entity, m *Message) {
	mimeType, typeParams, err := entity.Header.ContentType()
	hasType := err == nil && len(mimeType) > 0
	if !hasType {
		mimeType = "text/plain"
	}
	disposition, dispParams, _ := entity.Header.ContentDisposition()

	filename := dispParams["filename"]
	if len(filename) == 0 {
		filename = typeParams["name"]
	}
	contentID := strings.Trim(entity.Header.Get("Content-Id"), "<> ")

	isText := strings.HasPrefix(mimeType, "text/")
	isHTML := mimeType == "text/html"
	attached := disposition == "attachment" || len(filename) > 0 || len(contentID) > 0 || !isText

	body, err := io.ReadAll(entity.Body)
	if err != nil {
		p.log.WithError(err).Warn("could not decode MIME part body")
		return
	}

	if !attached {
		if isHTML && len(m.HTML) == 0 {
			m.HTML = string(body)
		} else if !isHTML && len(m.Text) == 0 {
			m.Text = string(body)
		}
		return
	}

	if !hasType {
		mimeType = "application/octet-stream"
	}
	a := Attachment{
		Filename: filename,
		Mime:     mimeType,
		Size:     humanize.Bytes(uint64(len(body))),
		Content:  base64.StdEncoding.EncodeToString(body),
	}
	if len(contentID) > 0 {
		a.ContentID = &contentID
	}
	m.Attachments = append(m.Attachments, a)
}
