package mailcrab

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailcrab/mailcrab/mail"
)

func startTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	cfg := testServerConfig()
	cfg.LogLevel = "debug"
	cfg.LogDest = "off"

	d, err := New(cfg)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start()
	}()

	// wait until both listeners are bound
	require.Eventually(t, func() bool {
		return !strings.HasSuffix(d.SMTPAddr(), ":0") && !strings.HasSuffix(d.HTTPAddr(), ":0")
	}, 2*time.Second, 10*time.Millisecond)

	t.Cleanup(func() {
		d.Shutdown()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("daemon did not stop in time")
		}
	})
	return d
}

func httpGet(t *testing.T, d *Daemon, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://%s%s", d.HTTPAddr(), path))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, body
}

func TestDaemonEndToEnd(t *testing.T) {
	d := startTestDaemon(t)

	c := dialServer(t, d.smtp)
	c.readLine()
	c.cmd("HELO x")
	c.cmd("MAIL FROM:<a@b>")
	c.cmd("RCPT TO:<c@d>")
	c.cmd("DATA")
	c.send("Subject: hi")
	c.send("")
	c.send("body")
	queued := c.cmd(".")
	require.True(t, strings.HasPrefix(queued, "250 2.0.0 Ok: queued as "), queued)
	c.cmd("QUIT")

	// the store consumes from the queue asynchronously
	require.Eventually(t, func() bool {
		return d.Store().Count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, body := httpGet(t, d, "/api/messages")
	var list []mail.MessageMetadata
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "hi", list[0].Subject)
	assert.Equal(t, "a@b", list[0].EnvelopeFrom)
	assert.Equal(t, []string{"c@d"}, list[0].EnvelopeRecipients)
	assert.False(t, list[0].Opened)
	// canonical hyphenated uuid rendering
	assert.Len(t, list[0].ID.String(), 36)

	resp, body := httpGet(t, d, "/api/message/"+list[0].ID.String())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var m mail.Message
	require.NoError(t, json.Unmarshal(body, &m))
	assert.Equal(t, "body", strings.TrimRight(m.Text, "\r\n"))
	assert.Empty(t, m.HTML)

	resp, body = httpGet(t, d, "/api/version")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var v map[string]string
	require.NoError(t, json.Unmarshal(body, &v))
	assert.Equal(t, Version, v["version_be"])
}

func TestDaemonShutdownIsIdempotent(t *testing.T) {
	d := startTestDaemon(t)
	d.Shutdown()
	d.Shutdown()
}
