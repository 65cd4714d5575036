package store

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailcrab/mailcrab/log"
	"github.com/mailcrab/mailcrab/mail"
	"github.com/mailcrab/mailcrab/queue"
)

func testStore(t *testing.T, retention time.Duration) *Store {
	t.Helper()
	logger, err := log.GetLogger("off", "error")
	require.NoError(t, err)
	return New(retention, logger)
}

func testMessage(age time.Duration) mail.Message {
	return mail.Message{
		ID:   uuid.New(),
		Time: time.Now().Add(-age).Unix(),
	}
}

func TestInsertGetRemove(t *testing.T) {
	s := testStore(t, 0)
	m := testMessage(0)
	s.Insert(m)

	got, ok := s.Get(m.ID)
	require.True(t, ok)
	assert.Equal(t, m.ID, got.ID)

	assert.True(t, s.Remove(m.ID))
	assert.False(t, s.Remove(m.ID))
	_, ok = s.Get(m.ID)
	assert.False(t, ok)
}

func TestClear(t *testing.T) {
	s := testStore(t, 0)
	s.Insert(testMessage(0))
	s.Insert(testMessage(0))
	assert.Equal(t, 2, s.Clear())
	assert.Zero(t, s.Count())
}

func TestOpen(t *testing.T) {
	s := testStore(t, 0)
	m := testMessage(0)
	s.Insert(m)

	require.True(t, s.Open(m.ID))
	got, ok := s.Get(m.ID)
	require.True(t, ok)
	assert.True(t, got.Opened)

	assert.False(t, s.Open(uuid.New()))
}

func TestListMetadataOrderedByTime(t *testing.T) {
	s := testStore(t, 0)
	oldest := testMessage(3 * time.Hour)
	middle := testMessage(2 * time.Hour)
	newest := testMessage(time.Hour)
	s.Insert(middle)
	s.Insert(newest)
	s.Insert(oldest)

	list := s.ListMetadata()
	require.Len(t, list, 3)
	assert.Equal(t, oldest.ID, list[0].ID)
	assert.Equal(t, middle.ID, list[1].ID)
	assert.Equal(t, newest.ID, list[2].ID)
}

func TestSweep(t *testing.T) {
	s := testStore(t, 2*time.Minute)
	old := testMessage(5 * time.Minute)
	fresh := testMessage(time.Minute)
	s.Insert(old)
	s.Insert(fresh)

	removed := s.Sweep(time.Now())
	assert.Equal(t, 1, removed)

	_, ok := s.Get(old.ID)
	assert.False(t, ok)
	_, ok = s.Get(fresh.ID)
	assert.True(t, ok)
}

func TestSweepKeepsMessageAtCutoff(t *testing.T) {
	s := testStore(t, 2*time.Minute)
	now := time.Now()
	edge := mail.Message{ID: uuid.New(), Time: now.Add(-2 * time.Minute).Unix()}
	s.Insert(edge)

	assert.Zero(t, s.Sweep(now))
	_, ok := s.Get(edge.ID)
	assert.True(t, ok)
}

func TestSweepDisabled(t *testing.T) {
	s := testStore(t, 0)
	s.Insert(testMessage(24 * 365 * time.Hour))
	assert.Zero(t, s.Sweep(time.Now()))
	assert.Equal(t, 1, s.Count())
}

func TestSweepInterval(t *testing.T) {
	assert.Equal(t, time.Minute, testStore(t, 0).sweepInterval())
	assert.Equal(t, time.Minute, testStore(t, 2*time.Minute).sweepInterval())
	assert.Equal(t, time.Hour, testStore(t, 10*time.Hour).sweepInterval())
}

func TestRunStoresBroadcastMessages(t *testing.T) {
	s := testStore(t, 0)
	bus := queue.NewBroadcaster(8)
	sub, err := bus.Subscribe()
	require.NoError(t, err)

	shutdown := make(chan struct{})
	done := make(chan struct{})
	go func() {
		s.Run(sub, shutdown)
		close(done)
	}()

	m := testMessage(0)
	require.NoError(t, bus.Publish(m))

	assert.Eventually(t, func() bool {
		_, ok := s.Get(m.ID)
		return ok
	}, time.Second, 10*time.Millisecond)

	close(shutdown)
	<-done
}
