package mail

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewAddress(t *testing.T) {
	a := NewAddress("", "joe@example.com")
	assert.Nil(t, a.Name)
	if assert.NotNil(t, a.Email) {
		assert.Equal(t, "joe@example.com", *a.Email)
	}

	b := NewAddress("", "")
	assert.Nil(t, b.Name)
	assert.Nil(t, b.Email)
}

func TestRenderPlain(t *testing.T) {
	m := &Message{Text: "hello"}
	assert.Equal(t, "hello", m.Render())
}

func TestRenderHTMLWithInlineAttachment(t *testing.T) {
	content := base64.StdEncoding.EncodeToString([]byte("png-bytes"))
	cid := "logo"
	m := &Message{
		Text: "plain",
		HTML: `<img src="cid:logo">`,
		Attachments: []Attachment{
			{Filename: "logo.png", Mime: "image/png", ContentID: &cid, Content: content},
		},
	}
	assert.Equal(t, `<img src="data:image/png;base64,`+content+`">`, m.Render())
}

func TestRenderIgnoresAttachmentsWithoutContentID(t *testing.T) {
	m := &Message{
		HTML:        `<img src="cid:missing">`,
		Attachments: []Attachment{{Filename: "a.bin", Mime: "application/octet-stream"}},
	}
	assert.Equal(t, `<img src="cid:missing">`, m.Render())
}

func TestOpen(t *testing.T) {
	m := &Message{}
	assert.False(t, m.Opened)
	m.Open()
	assert.True(t, m.Opened)

	meta := m.Metadata()
	assert.True(t, meta.Opened)
	assert.False(t, meta.HasHTML)
	assert.False(t, meta.HasPlain)
}
