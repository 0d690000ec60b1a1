package connect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateReconnecting ConnectionState = "reconnecting"
	ConnectionStateFailed       ConnectionState = "failed"
)

type SessionClientSettings struct {
	// 0 disables reconnection entirely
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	// 0 disables the heartbeat
	HeartbeatInterval  time.Duration
	MaxMessageBytes    ByteCount
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	BufferSettings     *MessageBufferSettings
}

func DefaultSessionClientSettings() *SessionClientSettings {
	return &SessionClientSettings{
		MaxReconnectAttempts: 5,
		ReconnectDelay:       500 * time.Millisecond,
		MaxReconnectDelay:    30 * time.Second,
		HeartbeatInterval:    15 * time.Second,
		MaxMessageBytes:      Mib(1),
		WsHandshakeTimeout:   2 * time.Second,
		WriteTimeout:         5 * time.Second,
		BufferSettings:       DefaultMessageBufferSettings(),
	}
}

type SendOptions struct {
	CorrelationId string
}

// long-lived duplex connection to the captioning backend.
// frames typed envelopes over a websocket, reconnects with exponential
// backoff, and buffers outgoing envelopes while disconnected.
// connection failures surface through the OnError/OnDisconnect callbacks;
// Connect returns an error only once reconnection is exhausted or cancelled.
type SessionClient struct {
	url      string
	settings *SessionClientSettings

	buffer *MessageBuffer[*Envelope]
	epoch  time.Time

	stateLock sync.Mutex

	state ConnectionState
	// fresh per Connect, cancelled by Disconnect. gates every scheduled
	// reconnect so a disconnected client can never dial again.
	token            *CancelToken
	ws               *websocket.Conn
	connStop         chan struct{}
	seq              uint64
	sessionId        string
	reconnectAttempt int
	reconnectTimer   *time.Timer

	receiveCallback    func(envelope *Envelope)
	stateCallback      func(state ConnectionState)
	errorCallback      func(err error)
	disconnectCallback func(err error)

	// gorilla allows one concurrent writer
	writeLock sync.Mutex
}

func NewSessionClientWithDefaults(url string) *SessionClient {
	return NewSessionClient(url, DefaultSessionClientSettings())
}

func NewSessionClient(url string, settings *SessionClientSettings) *SessionClient {
	bufferSettings := settings.BufferSettings
	if bufferSettings == nil {
		bufferSettings = DefaultMessageBufferSettings()
	}
	return &SessionClient{
		url:      url,
		settings: settings,
		buffer:   NewMessageBuffer[*Envelope](bufferSettings, JsonSizeEstimator[*Envelope]),
		epoch:    time.Now(),
		state:    ConnectionStateDisconnected,
	}
}

// callbacks should be set before Connect

func (self *SessionClient) SetOnMessage(callback func(envelope *Envelope)) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.receiveCallback = callback
}

func (self *SessionClient) SetOnStateChange(callback func(state ConnectionState)) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.stateCallback = callback
}

func (self *SessionClient) SetOnError(callback func(err error)) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.errorCallback = callback
}

func (self *SessionClient) SetOnDisconnect(callback func(err error)) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.disconnectCallback = callback
}

func (self *SessionClient) SetSessionId(sessionId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.sessionId = sessionId
}

func (self *SessionClient) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *SessionClient) BufferStats() MessageBufferStats {
	return self.buffer.Stats()
}

// dials until connected or attempts are exhausted.
// transitions connecting -> reconnecting per failed attempt while
// attempts remain, then failed.
func (self *SessionClient) Connect() error {
	self.stateLock.Lock()
	switch self.state {
	case ConnectionStateConnecting, ConnectionStateConnected, ConnectionStateReconnecting:
		self.stateLock.Unlock()
		return fmt.Errorf("already %s", self.state)
	}
	token := NewCancelToken()
	self.token = token
	self.reconnectAttempt = 0
	self.stateLock.Unlock()

	maxAttempts := max(1, self.settings.MaxReconnectAttempts)
	retrySettings := &RetrySettings{
		MaxAttempts:       maxAttempts,
		InitialDelay:      self.settings.ReconnectDelay,
		MaxDelay:          self.settings.MaxReconnectDelay,
		BackoffMultiplier: 2.0,
		Jitter:            false,
	}

	_, err := WithRetry(func() (bool, error) {
		self.transitionFor(token, ConnectionStateConnecting)
		if err := self.establish(token); err != nil {
			self.stateLock.Lock()
			attempt := self.reconnectAttempt
			self.reconnectAttempt += 1
			self.stateLock.Unlock()
			if attempt+1 < maxAttempts && !token.IsCancelled() {
				self.transitionFor(token, ConnectionStateReconnecting)
			}
			return false, err
		}
		return true, nil
	}, retrySettings, token)

	if err != nil {
		if errors.Is(err, ErrCancelled) {
			// Disconnect already moved the state
			return err
		}
		self.transitionFor(token, ConnectionStateFailed)
		return err
	}

	self.stateLock.Lock()
	self.reconnectAttempt = 0
	self.stateLock.Unlock()
	return nil
}

// terminal until Connect is called again with a fresh token
func (self *SessionClient) Disconnect() {
	self.stateLock.Lock()
	token := self.token
	ws := self.ws
	connStop := self.connStop
	timer := self.reconnectTimer
	self.ws = nil
	self.connStop = nil
	self.reconnectTimer = nil
	changed := self.state != ConnectionStateDisconnected
	self.state = ConnectionStateDisconnected
	stateCallback := self.stateCallback
	self.stateLock.Unlock()

	if token != nil {
		token.Cancel()
	}
	if timer != nil {
		timer.Stop()
	}
	if connStop != nil {
		close(connStop)
	}
	if ws != nil {
		ws.Close()
	}
	glog.V(2).Infof("[client]disconnect\n")
	if changed && stateCallback != nil {
		safeInvoke("state", func() {
			stateCallback(ConnectionStateDisconnected)
		})
	}
}

// constructs a versioned envelope with the next sequence number.
// when not connected the envelope is buffered instead, and the return
// reports whether buffering admitted it.
func (self *SessionClient) Send(messageType MessageType, data any, options *SendOptions) (bool, error) {
	var raw json.RawMessage
	if r, ok := data.(json.RawMessage); ok {
		raw = r
	} else {
		var err error
		raw, err = json.Marshal(data)
		if err != nil {
			return false, err
		}
	}

	correlationId := ""
	if options != nil {
		correlationId = options.CorrelationId
	}

	self.stateLock.Lock()
	self.seq += 1
	envelope := &Envelope{
		V:       EnvelopeVersion,
		T:       messageType,
		Sid:     self.sessionId,
		Id:      NewId().String(),
		Seq:     self.seq,
		Corr:    correlationId,
		TWall:   time.Now().UTC().Format(time.RFC3339Nano),
		TMonoNs: time.Since(self.epoch).Nanoseconds(),
		Data:    raw,
	}
	connected := self.state == ConnectionStateConnected
	ws := self.ws
	self.stateLock.Unlock()

	if !connected || ws == nil {
		admitted := self.buffer.Enqueue(envelope)
		glog.V(2).Infof("[client]buffer %s seq=%d admitted=%t\n", messageType, envelope.Seq, admitted)
		if admitted {
			// the connection may have come up between the state
			// snapshot and the enqueue. flush here so the envelope
			// does not strand until the next reconnect
			self.stateLock.Lock()
			connected = self.state == ConnectionStateConnected
			ws = self.ws
			self.stateLock.Unlock()
			if connected && ws != nil {
				if err := self.flush(ws); err != nil {
					glog.Infof("[client]late flush error = %s\n", err)
				}
			}
		}
		return admitted, nil
	}

	b, err := EncodeEnvelope(envelope)
	if err != nil {
		return false, err
	}
	if self.settings.MaxMessageBytes < ByteCount(len(b)) {
		err := fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(b), self.settings.MaxMessageBytes)
		self.reportError(err)
		return false, err
	}

	if err := self.write(ws, b); err != nil {
		glog.Infof("[client]send error = %s\n", err)
		self.reportError(err)
		return false, err
	}
	glog.V(2).Infof("[client]send %s seq=%d\n", messageType, envelope.Seq)
	return true, nil
}

func (self *SessionClient) write(ws *websocket.Conn, b []byte) error {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return ws.WriteMessage(websocket.TextMessage, b)
}

// one connection attempt: dial, flush the buffer, then accept new sends
func (self *SessionClient) establish(token *CancelToken) error {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	dialCtx, dialCancel := context.WithCancel(context.Background())
	defer dialCancel()
	token.OnCancel(dialCancel)

	ws, _, err := dialer.DialContext(dialCtx, self.url, nil)
	if err != nil {
		glog.V(2).Infof("[client]dial error = %s\n", err)
		self.reportError(err)
		return err
	}

	// buffered envelopes flush in fifo order before new sends are
	// accepted. connected is claimed in the same critical section as
	// the empty check so a send cannot buffer behind the last drain
	connStop := make(chan struct{})
	for {
		if err := self.flush(ws); err != nil {
			ws.Close()
			self.reportError(err)
			return err
		}

		self.stateLock.Lock()
		if self.token != token || token.IsCancelled() {
			self.stateLock.Unlock()
			ws.Close()
			return ErrCancelled
		}
		if 0 < self.buffer.Size() {
			self.stateLock.Unlock()
			continue
		}
		previous := self.state
		self.state = ConnectionStateConnected
		self.ws = ws
		self.connStop = connStop
		callback := self.stateCallback
		self.stateLock.Unlock()

		glog.V(2).Infof("[client]%s -> %s\n", previous, ConnectionStateConnected)
		if callback != nil {
			safeInvoke("state", func() {
				callback(ConnectionStateConnected)
			})
		}
		break
	}

	go self.readLoop(token, ws)
	if 0 < self.settings.HeartbeatInterval {
		go self.heartbeatLoop(token, connStop)
	}
	return nil
}

func (self *SessionClient) flush(ws *websocket.Conn) error {
	flushed := 0
	// sends that land while a batch is in flight buffer behind the
	// drain snapshot. keep draining until the buffer is truly empty
	// so nothing strands pre-connected
	for {
		envelopes := self.buffer.Drain()
		if len(envelopes) == 0 {
			break
		}
		for i, envelope := range envelopes {
			b, err := EncodeEnvelope(envelope)
			if err == nil {
				err = self.write(ws, b)
			}
			if err != nil {
				// keep the unsent tail, in order, ahead of anything
				// buffered while this flush ran
				self.buffer.Requeue(envelopes[i:])
				return err
			}
			glog.V(2).Infof("[client]flush %s seq=%d\n", envelope.T, envelope.Seq)
			flushed += 1
		}
	}
	if 0 < flushed {
		glog.Infof("[client]flushed %d buffered\n", flushed)
	}
	return nil
}

func (self *SessionClient) readLoop(token *CancelToken, ws *websocket.Conn) {
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			self.handleConnectionLost(token, ws, err)
			return
		}
		envelope, err := DecodeEnvelope(message)
		if err != nil {
			glog.Infof("[client]decode error = %s\n", err)
			self.reportError(err)
			continue
		}
		glog.V(2).Infof("[client]receive %s seq=%d\n", envelope.T, envelope.Seq)

		self.stateLock.Lock()
		callback := self.receiveCallback
		self.stateLock.Unlock()
		if callback != nil {
			safeInvoke("receive", func() {
				callback(envelope)
			})
		}
	}
}

func (self *SessionClient) heartbeatLoop(token *CancelToken, connStop chan struct{}) {
	ticker := time.NewTicker(self.settings.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-connStop:
			return
		case <-token.Done():
			return
		case <-ticker.C:
			self.Send(MessageTypeStatusPing, nil, nil)
		}
	}
}

func (self *SessionClient) handleConnectionLost(token *CancelToken, ws *websocket.Conn, cause error) {
	self.stateLock.Lock()
	if self.ws != ws {
		// a newer connection or Disconnect already took over
		self.stateLock.Unlock()
		return
	}
	self.ws = nil
	connStop := self.connStop
	self.connStop = nil
	disconnectCallback := self.disconnectCallback
	cancelled := token.IsCancelled()
	self.stateLock.Unlock()

	if connStop != nil {
		close(connStop)
	}
	ws.Close()

	if cancelled {
		return
	}

	glog.Infof("[client]connection lost = %s\n", cause)
	if disconnectCallback != nil {
		safeInvoke("disconnect", func() {
			disconnectCallback(cause)
		})
	}
	self.scheduleReconnect(token)
}

// at most one outstanding reconnect timer. the timer no-ops if
// cancellation happened or the state moved on before it fired.
func (self *SessionClient) scheduleReconnect(token *CancelToken) {
	self.stateLock.Lock()
	if token.IsCancelled() || self.token != token {
		self.stateLock.Unlock()
		return
	}
	if self.settings.MaxReconnectAttempts <= self.reconnectAttempt {
		self.stateLock.Unlock()
		glog.Infof("[client]reconnect exhausted after %d attempts\n", self.reconnectAttempt)
		self.transitionFor(token, ConnectionStateFailed)
		return
	}
	if self.reconnectTimer != nil {
		self.stateLock.Unlock()
		return
	}
	attempt := self.reconnectAttempt
	self.reconnectAttempt += 1
	delay := self.reconnectDelay(attempt)
	self.reconnectTimer = time.AfterFunc(delay, func() {
		self.reconnectNow(token)
	})
	self.stateLock.Unlock()

	glog.V(2).Infof("[client]reconnect %d in %s\n", attempt+1, delay)
	self.transitionFor(token, ConnectionStateReconnecting)
}

func (self *SessionClient) reconnectNow(token *CancelToken) {
	self.stateLock.Lock()
	self.reconnectTimer = nil
	if token.IsCancelled() || self.token != token || self.state != ConnectionStateReconnecting {
		self.stateLock.Unlock()
		return
	}
	self.stateLock.Unlock()

	self.transitionFor(token, ConnectionStateConnecting)
	if err := self.establish(token); err != nil {
		self.scheduleReconnect(token)
	}
}

// doubles per attempt, capped at MaxReconnectDelay
func (self *SessionClient) reconnectDelay(attempt int) time.Duration {
	if 20 < attempt {
		attempt = 20
	}
	delay := self.settings.ReconnectDelay << attempt
	if self.settings.MaxReconnectDelay < delay {
		delay = self.settings.MaxReconnectDelay
	}
	return delay
}

func (self *SessionClient) transitionFor(token *CancelToken, state ConnectionState) {
	self.stateLock.Lock()
	if self.token != token || token.IsCancelled() {
		self.stateLock.Unlock()
		return
	}
	if self.state == state {
		self.stateLock.Unlock()
		return
	}
	previous := self.state
	self.state = state
	callback := self.stateCallback
	self.stateLock.Unlock()

	glog.V(2).Infof("[client]%s -> %s\n", previous, state)
	if callback != nil {
		safeInvoke("state", func() {
			callback(state)
		})
	}
}

func (self *SessionClient) reportError(err error) {
	self.stateLock.Lock()
	callback := self.errorCallback
	self.stateLock.Unlock()
	if callback != nil {
		safeInvoke("error", func() {
			callback(err)
		})
	}
}
