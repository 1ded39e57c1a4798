package hub

import (
	"encoding/json"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	frames   [][]byte
	closes   [][]byte
	failNext bool
	closed   bool
}

func (s *fakeSink) WriteMessage(messageType int, data []byte) error {
	if s.failNext {
		return errors.New("broken pipe")
	}
	if messageType == websocket.CloseMessage {
		s.closes = append(s.closes, data)
		return nil
	}
	s.frames = append(s.frames, data)
	return nil
}

func (s *fakeSink) Close() error {
	s.closed = true
	return nil
}

type testEvent struct {
	Type string `json:"type"`
	Body string `json:"body"`
}

func TestDeliverToVisitor(t *testing.T) {
	h := New(zerolog.Nop())
	tab1 := &fakeSink{}
	tab2 := &fakeSink{}
	other := &fakeSink{}

	h.Register("anon-1", tab1)
	h.Register("anon-1", tab2)
	h.Register("anon-2", other)

	require.NoError(t, h.DeliverToVisitor("anon-1", testEvent{Type: "message", Body: "hi"}))

	// Every socket of the visitor gets the frame; nobody else does.
	require.Len(t, tab1.frames, 1)
	require.Len(t, tab2.frames, 1)
	assert.Empty(t, other.frames)

	var ev testEvent
	require.NoError(t, json.Unmarshal(tab1.frames[0], &ev))
	assert.Equal(t, "hi", ev.Body)
}

func TestDeliverToVisitor_NobodyHome(t *testing.T) {
	h := New(zerolog.Nop())
	// No queueing, no error: the event is simply gone.
	require.NoError(t, h.DeliverToVisitor("anon-1", testEvent{Type: "message"}))
}

func TestDeliverToVisitor_DropsFailedSocket(t *testing.T) {
	h := New(zerolog.Nop())
	good := &fakeSink{}
	bad := &fakeSink{failNext: true}

	h.Register("anon-1", good)
	h.Register("anon-1", bad)

	require.NoError(t, h.DeliverToVisitor("anon-1", testEvent{Type: "message"}))
	assert.True(t, bad.closed)
	assert.Equal(t, 1, h.CountFor("anon-1"))

	// The healthy socket keeps receiving.
	require.NoError(t, h.DeliverToVisitor("anon-1", testEvent{Type: "message"}))
	assert.Len(t, good.frames, 2)
}

func TestDeregister(t *testing.T) {
	h := New(zerolog.Nop())
	s := &fakeSink{}

	h.Register("anon-1", s)
	assert.Equal(t, 1, h.CountFor("anon-1"))

	h.Deregister("anon-1", s)
	assert.Equal(t, 0, h.CountFor("anon-1"))

	// Deregistering twice is harmless.
	h.Deregister("anon-1", s)
}

func TestBroadcastAll(t *testing.T) {
	h := New(zerolog.Nop())
	a := &fakeSink{}
	b := &fakeSink{}

	h.Register("anon-1", a)
	h.Register("anon-2", b)

	require.NoError(t, h.BroadcastAll(testEvent{Type: "presence", Body: "online"}))
	assert.Len(t, a.frames, 1)
	assert.Len(t, b.frames, 1)
}

func TestCloseVisitor(t *testing.T) {
	h := New(zerolog.Nop())
	s := &fakeSink{}
	survivor := &fakeSink{}

	h.Register("anon-1", s)
	h.Register("anon-2", survivor)

	h.CloseVisitor("anon-1", 4001, "session revoked")

	require.Len(t, s.closes, 1)
	code := int(s.closes[0][0])<<8 | int(s.closes[0][1])
	assert.Equal(t, 4001, code)
	assert.True(t, s.closed)
	assert.Equal(t, 0, h.CountFor("anon-1"))

	assert.False(t, survivor.closed)
	assert.Equal(t, 1, h.CountFor("anon-2"))
}
