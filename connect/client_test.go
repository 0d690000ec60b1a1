package connect

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{}

func newWsServer(t *testing.T, handler func(ws *websocket.Conn)) (*httptest.Server, string) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(ws)
	}))
	t.Cleanup(server.Close)
	return server, "ws" + strings.TrimPrefix(server.URL, "http")
}

func testClientSettings() *SessionClientSettings {
	settings := DefaultSessionClientSettings()
	settings.MaxReconnectAttempts = 3
	settings.ReconnectDelay = 10 * time.Millisecond
	settings.MaxReconnectDelay = 50 * time.Millisecond
	settings.HeartbeatInterval = 0
	return settings
}

type stateRecorder struct {
	lock   sync.Mutex
	states []ConnectionState
}

func (self *stateRecorder) record(state ConnectionState) {
	self.lock.Lock()
	defer self.lock.Unlock()
	self.states = append(self.states, state)
}

func (self *stateRecorder) snapshot() []ConnectionState {
	self.lock.Lock()
	defer self.lock.Unlock()
	out := make([]ConnectionState, len(self.states))
	copy(out, self.states)
	return out
}

func TestClientConnectAndSend(t *testing.T) {
	received := make(chan *Envelope, 16)
	_, url := newWsServer(t, func(ws *websocket.Conn) {
		defer ws.Close()
		for {
			_, message, err := ws.ReadMessage()
			if err != nil {
				return
			}
			envelope, err := DecodeEnvelope(message)
			if err != nil {
				return
			}
			received <- envelope
		}
	})

	client := NewSessionClient(url, testClientSettings())
	defer client.Disconnect()
	client.SetSessionId("s1")

	err := client.Connect()
	assert.Equal(t, err, nil)
	assert.Equal(t, client.State(), ConnectionStateConnected)

	ok, err := client.Send(MessageTypeStatus, &StatusPayload{QueueSize: 2}, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)

	select {
	case envelope := <-received:
		assert.Equal(t, envelope.T, MessageTypeStatus)
		assert.Equal(t, envelope.Sid, "s1")
		assert.Equal(t, envelope.Seq, uint64(1))
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope received")
	}
}

func TestClientConnectExhaustsAndFails(t *testing.T) {
	dialCount := atomic.Int64{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dialCount.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	client := NewSessionClient(url, testClientSettings())
	recorder := &stateRecorder{}
	client.SetOnStateChange(recorder.record)

	err := client.Connect()
	if err == nil {
		t.Fatal("connect should fail")
	}
	var exhausted *RetryExhaustedError
	assert.Equal(t, errors.As(err, &exhausted), true)
	assert.Equal(t, dialCount.Load(), int64(3))
	assert.Equal(t, client.State(), ConnectionStateFailed)

	assert.Equal(t, recorder.snapshot(), []ConnectionState{
		ConnectionStateConnecting,
		ConnectionStateReconnecting,
		ConnectionStateConnecting,
		ConnectionStateReconnecting,
		ConnectionStateConnecting,
		ConnectionStateFailed,
	})
}

func TestClientReconnectAfterDrop(t *testing.T) {
	connCount := atomic.Int64{}
	_, url := newWsServer(t, func(ws *websocket.Conn) {
		n := connCount.Add(1)
		if n == 1 {
			// drop the first connection immediately
			ws.Close()
			return
		}
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	client := NewSessionClient(url, testClientSettings())
	defer client.Disconnect()
	dropped := make(chan error, 1)
	client.SetOnDisconnect(func(err error) {
		select {
		case dropped <- err:
		default:
		}
	})

	err := client.Connect()
	assert.Equal(t, err, nil)

	select {
	case <-dropped:
	case <-time.After(2 * time.Second):
		t.Fatal("drop not observed")
	}

	waitForCondition(t, func() bool {
		return client.State() == ConnectionStateConnected && connCount.Load() == 2
	})
}

func TestClientDisconnectCancelsReconnect(t *testing.T) {
	dialCount := atomic.Int64{}
	rejecting := atomic.Bool{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dialCount.Add(1)
		if rejecting.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		rejecting.Store(true)
		ws.Close()
	}))
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	settings := testClientSettings()
	settings.MaxReconnectAttempts = 10
	settings.ReconnectDelay = 50 * time.Millisecond
	client := NewSessionClient(url, settings)

	err := client.Connect()
	assert.Equal(t, err, nil)

	waitForCondition(t, func() bool {
		return client.State() == ConnectionStateReconnecting
	})

	client.Disconnect()
	assert.Equal(t, client.State(), ConnectionStateDisconnected)

	// let any dial already in flight at disconnect settle
	time.Sleep(20 * time.Millisecond)
	settled := dialCount.Load()
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, dialCount.Load(), settled)
	assert.Equal(t, client.State(), ConnectionStateDisconnected)
}

func TestClientBuffersWhileDisconnected(t *testing.T) {
	received := make(chan *Envelope, 16)
	_, url := newWsServer(t, func(ws *websocket.Conn) {
		defer ws.Close()
		for {
			_, message, err := ws.ReadMessage()
			if err != nil {
				return
			}
			envelope, err := DecodeEnvelope(message)
			if err != nil {
				return
			}
			received <- envelope
		}
	})

	client := NewSessionClient(url, testClientSettings())
	defer client.Disconnect()

	for i := 0; i < 3; i += 1 {
		ok, err := client.Send(MessageTypeAsrPartial, &AsrTextPayload{Text: "x"}, nil)
		assert.Equal(t, err, nil)
		assert.Equal(t, ok, true)
	}
	assert.Equal(t, client.BufferStats().Size, 3)

	err := client.Connect()
	assert.Equal(t, err, nil)

	// buffered envelopes arrive in fifo order ahead of anything new
	for i := 0; i < 3; i += 1 {
		select {
		case envelope := <-received:
			assert.Equal(t, envelope.Seq, uint64(i+1))
		case <-time.After(2 * time.Second):
			t.Fatal("flush not observed")
		}
	}
	assert.Equal(t, client.BufferStats().Size, 0)
}

func TestClientFlushDrainsConcurrentSends(t *testing.T) {
	received := make(chan *Envelope, 64)
	_, url := newWsServer(t, func(ws *websocket.Conn) {
		defer ws.Close()
		for {
			_, message, err := ws.ReadMessage()
			if err != nil {
				return
			}
			envelope, err := DecodeEnvelope(message)
			if err != nil {
				return
			}
			received <- envelope
			// slow reader so the flush is still in flight while new
			// sends arrive
			time.Sleep(2 * time.Millisecond)
		}
	})

	settings := testClientSettings()
	settings.BufferSettings = &MessageBufferSettings{
		MaxSize:      512,
		MaxBytes:     Mib(8),
		DropStrategy: DropOldest,
	}
	client := NewSessionClient(url, settings)
	defer client.Disconnect()

	payload := &AsrTextPayload{Text: strings.Repeat("x", 32*1024)}
	bufferedCount := 40
	for i := 0; i < bufferedCount; i += 1 {
		ok, err := client.Send(MessageTypeAsrPartial, payload, nil)
		assert.Equal(t, err, nil)
		assert.Equal(t, ok, true)
	}

	concurrentCount := 10
	sendDone := make(chan struct{})
	go func() {
		defer close(sendDone)
		for i := 0; i < concurrentCount; i += 1 {
			client.Send(MessageTypeAsrPartial, payload, nil)
			time.Sleep(time.Millisecond)
		}
	}()

	err := client.Connect()
	assert.Equal(t, err, nil)
	<-sendDone

	// every envelope buffered before or during the flush is
	// delivered in seq order, none strand behind the drain
	totalCount := bufferedCount + concurrentCount
	lastSeq := uint64(0)
	for i := 0; i < totalCount; i += 1 {
		select {
		case envelope := <-received:
			if envelope.Seq <= lastSeq {
				t.Fatalf("seq %d arrived after %d", envelope.Seq, lastSeq)
			}
			lastSeq = envelope.Seq
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of %d envelopes", i, totalCount)
		}
	}
	waitForCondition(t, func() bool {
		return client.BufferStats().Size == 0
	})
}

func TestClientFlushFailureKeepsOrderedTail(t *testing.T) {
	// the server never reads, so large writes back up until they hit
	// the write deadline
	release := make(chan struct{})
	defer close(release)
	_, url := newWsServer(t, func(ws *websocket.Conn) {
		defer ws.Close()
		<-release
	})

	settings := testClientSettings()
	settings.WriteTimeout = 50 * time.Millisecond
	settings.BufferSettings = &MessageBufferSettings{
		MaxSize:      512,
		MaxBytes:     Mib(16),
		DropStrategy: DropOldest,
	}
	client := NewSessionClient(url, settings)

	payload := &AsrTextPayload{Text: strings.Repeat("x", 1024*1024)}
	count := 8
	for i := 0; i < count; i += 1 {
		ok, err := client.Send(MessageTypeAsrPartial, payload, nil)
		assert.Equal(t, err, nil)
		assert.Equal(t, ok, true)
	}

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	assert.Equal(t, err, nil)
	defer ws.Close()

	err = client.flush(ws)
	if err == nil {
		t.Fatal("expected a write failure")
	}

	// the unsent tail stays buffered as a contiguous fifo run ending
	// at the last seq
	items := client.buffer.Items()
	if len(items) == 0 {
		t.Fatal("tail not requeued")
	}
	for i, envelope := range items {
		assert.Equal(t, envelope.Seq, items[0].Seq+uint64(i))
	}
	assert.Equal(t, items[len(items)-1].Seq, uint64(count))
}

func TestClientHeartbeat(t *testing.T) {
	pingCount := atomic.Int64{}
	_, url := newWsServer(t, func(ws *websocket.Conn) {
		defer ws.Close()
		for {
			_, message, err := ws.ReadMessage()
			if err != nil {
				return
			}
			envelope, err := DecodeEnvelope(message)
			if err != nil {
				return
			}
			if envelope.T == MessageTypeStatusPing {
				pingCount.Add(1)
			}
		}
	})

	settings := testClientSettings()
	settings.HeartbeatInterval = 20 * time.Millisecond
	client := NewSessionClient(url, settings)
	defer client.Disconnect()

	err := client.Connect()
	assert.Equal(t, err, nil)

	waitForCondition(t, func() bool {
		return 2 <= pingCount.Load()
	})
}

func TestClientSendTooLarge(t *testing.T) {
	_, url := newWsServer(t, func(ws *websocket.Conn) {
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	settings := testClientSettings()
	settings.MaxMessageBytes = 128
	client := NewSessionClient(url, settings)
	defer client.Disconnect()

	err := client.Connect()
	assert.Equal(t, err, nil)

	ok, err := client.Send(MessageTypeAsrFinal, &AsrTextPayload{
		Text: strings.Repeat("a", 512),
	}, nil)
	assert.Equal(t, ok, false)
	assert.Equal(t, errors.Is(err, ErrMessageTooLarge), true)
}
