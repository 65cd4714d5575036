package web

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailcrab/mailcrab/mail"
)

func dialWS(t *testing.T, env *testEnv, prefix string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(env.http, prefix), nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	waitForSubscriber(t, env.bus)
	return conn
}

func readMetadata(t *testing.T, conn *websocket.Conn) mail.MessageMetadata {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	var meta mail.MessageMetadata
	require.NoError(t, json.Unmarshal(frame, &meta))
	return meta
}

func TestWebSocketReceivesMetadata(t *testing.T) {
	env := newTestEnv(t, "")
	conn := dialWS(t, env, "")

	m := testMessage("pushed", 100)
	require.NoError(t, env.bus.Publish(m))

	meta := readMetadata(t, conn)
	assert.Equal(t, m.ID, meta.ID)
	assert.Equal(t, "pushed", meta.Subject)
	assert.True(t, meta.HasPlain)
	assert.Equal(t, "sender@example.com", meta.EnvelopeFrom)
}

func TestWebSocketPreservesOrder(t *testing.T) {
	env := newTestEnv(t, "")
	conn := dialWS(t, env, "")

	for i := 0; i < 5; i++ {
		require.NoError(t, env.bus.Publish(testMessage(fmt.Sprintf("msg-%d", i), int64(i))))
	}
	for i := 0; i < 5; i++ {
		meta := readMetadata(t, conn)
		assert.Equal(t, fmt.Sprintf("msg-%d", i), meta.Subject)
	}
}

func TestWebSocketOpenCommand(t *testing.T) {
	env := newTestEnv(t, "")
	conn := dialWS(t, env, "")

	m := testMessage("to open", 100)
	env.store.Insert(m)

	cmd := fmt.Sprintf(`{"Open":"%s"}`, m.ID)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(cmd)))

	require.Eventually(t, func() bool {
		got, ok := env.store.Get(m.ID)
		return ok && got.Opened
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketRemoveCommand(t *testing.T) {
	env := newTestEnv(t, "")
	conn := dialWS(t, env, "")

	m := testMessage("to remove", 100)
	env.store.Insert(m)

	cmd := fmt.Sprintf(`{"Remove":"%s"}`, m.ID)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(cmd)))

	require.Eventually(t, func() bool {
		return env.store.Count() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketRemoveAllCommand(t *testing.T) {
	env := newTestEnv(t, "")
	conn := dialWS(t, env, "")

	env.store.Insert(testMessage("a", 100))
	env.store.Insert(testMessage("b", 200))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`"RemoveAll"`)))

	require.Eventually(t, func() bool {
		return env.store.Count() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketMalformedCommandIgnored(t *testing.T) {
	env := newTestEnv(t, "")
	conn := dialWS(t, env, "")

	env.store.Insert(testMessage("kept", 100))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{{{`)))

	// the session keeps working after a bad frame
	m := testMessage("after", 200)
	require.NoError(t, env.bus.Publish(m))
	meta := readMetadata(t, conn)
	assert.Equal(t, "after", meta.Subject)
	assert.Equal(t, 1, env.store.Count())
}

func TestWebSocketClientCloseDetaches(t *testing.T) {
	env := newTestEnv(t, "")
	conn := dialWS(t, env, "")
	require.Equal(t, 1, env.bus.SubscriberCount())

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = conn.Close()

	require.Eventually(t, func() bool {
		return env.bus.SubscriberCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketUnderPrefix(t *testing.T) {
	env := newTestEnv(t, "/mailcrab")
	conn := dialWS(t, env, "/mailcrab")

	m := testMessage("prefixed", 100)
	require.NoError(t, env.bus.Publish(m))
	meta := readMetadata(t, conn)
	assert.Equal(t, m.ID, meta.ID)
}
