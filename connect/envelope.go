package connect

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const EnvelopeVersion = 1

// namespaced message type discriminant
type MessageType string

const (
	MessageTypeSessionStarted MessageType = "session.started"
	MessageTypeSessionStopped MessageType = "session.stopped"
	MessageTypeSessionError   MessageType = "session.error"

	MessageTypeAsrPartial MessageType = "asr.partial"
	MessageTypeAsrFinal   MessageType = "asr.final"
	MessageTypeMtFinal    MessageType = "mt.final"

	MessageTypeStatus     MessageType = "status"
	MessageTypeStatusPing MessageType = "status.ping"

	MessageTypeDownloadStarted  MessageType = "download.started"
	MessageTypeDownloadProgress MessageType = "download.progress"
	MessageTypeDownloadDone     MessageType = "download.done"
	MessageTypeDownloadError    MessageType = "download.error"
)

// wire message wrapper. `Data` stays opaque until the handler for `T`
// interprets it. `Seq` strictly increases per connection when assigned
// by the sender.
type Envelope struct {
	V       int             `json:"v"`
	T       MessageType     `json:"t"`
	Sid     string          `json:"sid,omitempty"`
	Id      string          `json:"id,omitempty"`
	Seq     uint64          `json:"seq,omitempty"`
	Corr    string          `json:"corr,omitempty"`
	TWall   string          `json:"t_wall,omitempty"`
	TMonoNs int64           `json:"t_mono_ns,omitempty"`
	Data    json.RawMessage `json:"data"`
}

func EncodeEnvelope(envelope *Envelope) ([]byte, error) {
	return json.Marshal(envelope)
}

func DecodeEnvelope(b []byte) (*Envelope, error) {
	envelope := &Envelope{}
	if err := json.Unmarshal(b, envelope); err != nil {
		return nil, err
	}
	// the version must be checked before `Data` is interpreted
	if envelope.V != EnvelopeVersion {
		return nil, fmt.Errorf("%w: %d", ErrEnvelopeVersion, envelope.V)
	}
	return envelope, nil
}

func (self *Envelope) UnmarshalData(payload any) error {
	return json.Unmarshal(self.Data, payload)
}

// payloads for the message types the ui layer renders.
// everything else stays opaque per-type json.

type AsrTextPayload struct {
	Text    string  `json:"text"`
	Lang    string  `json:"lang,omitempty"`
	Final   bool    `json:"final"`
	Stamp   float64 `json:"stamp,omitempty"`
	Segment int     `json:"segment,omitempty"`
}

type MtTextPayload struct {
	Text       string `json:"text"`
	SourceLang string `json:"source_lang,omitempty"`
	TargetLang string `json:"target_lang,omitempty"`
	Segment    int    `json:"segment,omitempty"`
}

type StatusPayload struct {
	State     string  `json:"state,omitempty"`
	QueueSize int     `json:"queue_size,omitempty"`
	RtFactor  float64 `json:"rt_factor,omitempty"`
}

type DownloadProgressPayload struct {
	JobId    string  `json:"job_id"`
	ModelId  string  `json:"model_id"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message,omitempty"`
}

type EnvelopeHandler func(envelope *Envelope)

// the single point where incoming envelopes are matched to handlers
type EnvelopeDispatcher struct {
	stateLock sync.Mutex

	handlers       map[MessageType][]EnvelopeHandler
	defaultHandler EnvelopeHandler
}

func NewEnvelopeDispatcher() *EnvelopeDispatcher {
	return &EnvelopeDispatcher{
		handlers: map[MessageType][]EnvelopeHandler{},
	}
}

func (self *EnvelopeDispatcher) Register(messageType MessageType, handler EnvelopeHandler) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.handlers[messageType] = append(self.handlers[messageType], handler)
}

// receives envelopes with no registered handler
func (self *EnvelopeDispatcher) SetDefaultHandler(handler EnvelopeHandler) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.defaultHandler = handler
}

func (self *EnvelopeDispatcher) RegisteredTypes() []MessageType {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	messageTypes := maps.Keys(self.handlers)
	slices.Sort(messageTypes)
	return messageTypes
}

func (self *EnvelopeDispatcher) Dispatch(envelope *Envelope) {
	self.stateLock.Lock()
	handlers := self.handlers[envelope.T]
	defaultHandler := self.defaultHandler
	self.stateLock.Unlock()

	if len(handlers) == 0 {
		if defaultHandler != nil {
			safeInvoke("dispatch", func() {
				defaultHandler(envelope)
			})
		} else {
			glog.V(2).Infof("[dispatch]no handler for %s\n", envelope.T)
		}
		return
	}
	for _, handler := range handlers {
		handler := handler
		safeInvoke("dispatch", func() {
			handler(envelope)
		})
	}
}

func (self *EnvelopeDispatcher) DispatchBytes(b []byte) error {
	envelope, err := DecodeEnvelope(b)
	if err != nil {
		return err
	}
	self.Dispatch(envelope)
	return nil
}
