package connect

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

const (
	progressSampleWindow = 50
	progressMinSamples   = 3
	// smoothing target when the caller does not supply one
	defaultProgressTargetHz = float64(MaxEmitHz)
)

type computeRequestType string

const (
	computeRequestInit     computeRequestType = "init"
	computeRequestProgress computeRequestType = "compute_progress"
	computeRequestEta      computeRequestType = "compute_eta"
)

type ProgressSample struct {
	Timestamp time.Time
	Progress  float64
}

type ProgressEstimate struct {
	// smoothed, in [0, 1]
	Progress float64
	// progress units per second
	Rate       float64
	EtaSeconds float64
	HasEta     bool
}

type computeRequest struct {
	requestType computeRequestType
	id          uint64
	samples     []ProgressSample
	targetHz    float64
}

type computeResponse struct {
	id       uint64
	estimate *ProgressEstimate
	err      error
}

type ComputeChannelSettings struct {
	RequestTimeout time.Duration
	RequestBuffer  int
}

func DefaultComputeChannelSettings() *ComputeChannelSettings {
	return &ComputeChannelSettings{
		RequestTimeout: 5 * time.Second,
		RequestBuffer:  32,
	}
}

// request/response bridge to a worker goroutine that owns the
// progress smoothing state. requests carry a unique id and settle
// exactly once: with the matching response, a timeout, cancellation,
// or shutdown, whichever comes first. a response arriving after its
// request already settled is logged and dropped.
type ComputeChannel struct {
	settings *ComputeChannelSettings

	requests  chan *computeRequest
	responses chan *computeResponse
	stop      chan struct{}

	stateLock sync.Mutex
	nextId    uint64
	pending   map[uint64]chan *computeResponse
	shutdown  bool
}

func NewComputeChannelWithDefaults() *ComputeChannel {
	return NewComputeChannel(DefaultComputeChannelSettings())
}

func NewComputeChannel(settings *ComputeChannelSettings) *ComputeChannel {
	computeChannel := &ComputeChannel{
		settings:  settings,
		requests:  make(chan *computeRequest, settings.RequestBuffer),
		responses: make(chan *computeResponse, settings.RequestBuffer),
		stop:      make(chan struct{}),
		pending:   map[uint64]chan *computeResponse{},
	}
	go computeChannel.run()
	go computeChannel.dispatch()
	return computeChannel
}

// resets the worker's sample window and resolves on acknowledgment
func (self *ComputeChannel) Initialize(token *CancelToken) error {
	_, err := self.submit(&computeRequest{
		requestType: computeRequestInit,
	}, token)
	return err
}

func (self *ComputeChannel) ComputeProgress(samples []ProgressSample, targetHz float64, token *CancelToken) (*ProgressEstimate, error) {
	return self.submit(&computeRequest{
		requestType: computeRequestProgress,
		samples:     samples,
		targetHz:    targetHz,
	}, token)
}

func (self *ComputeChannel) ComputeEta(samples []ProgressSample, token *CancelToken) (*ProgressEstimate, error) {
	return self.submit(&computeRequest{
		requestType: computeRequestEta,
		samples:     samples,
		targetHz:    defaultProgressTargetHz,
	}, token)
}

// rejects all outstanding requests and terminates the worker.
// subsequent calls fail immediately.
func (self *ComputeChannel) Shutdown() {
	self.stateLock.Lock()
	if self.shutdown {
		self.stateLock.Unlock()
		return
	}
	self.shutdown = true
	pending := self.pending
	self.pending = map[uint64]chan *computeResponse{}
	self.stateLock.Unlock()

	for id, pendingResponse := range pending {
		pendingResponse <- &computeResponse{
			id:  id,
			err: ErrComputeShutdown,
		}
	}
	close(self.stop)
	glog.V(2).Infof("[compute]shutdown with %d pending\n", len(pending))
}

func (self *ComputeChannel) PendingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.pending)
}

func (self *ComputeChannel) submit(request *computeRequest, token *CancelToken) (*ProgressEstimate, error) {
	if token != nil {
		if err := token.Err(); err != nil {
			return nil, err
		}
	}

	id, pendingResponse, err := self.register()
	if err != nil {
		return nil, err
	}
	request.id = id

	var done <-chan struct{}
	if token != nil {
		done = token.Done()
	}
	select {
	case self.requests <- request:
	case <-self.stop:
		self.removePending(id)
		return nil, ErrComputeShutdown
	case <-done:
		self.removePending(id)
		return nil, ErrCancelled
	}
	return self.await(id, pendingResponse, token)
}

func (self *ComputeChannel) register() (uint64, chan *computeResponse, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.shutdown {
		return 0, nil, ErrComputeShutdown
	}
	self.nextId += 1
	pendingResponse := make(chan *computeResponse, 1)
	self.pending[self.nextId] = pendingResponse
	return self.nextId, pendingResponse, nil
}

func (self *ComputeChannel) await(id uint64, pendingResponse chan *computeResponse, token *CancelToken) (*ProgressEstimate, error) {
	timeout := time.NewTimer(self.settings.RequestTimeout)
	defer timeout.Stop()
	var done <-chan struct{}
	if token != nil {
		done = token.Done()
	}
	select {
	case response := <-pendingResponse:
		if response.err != nil {
			return nil, response.err
		}
		return response.estimate, nil
	case <-timeout.C:
		self.removePending(id)
		return nil, fmt.Errorf("%w: request %d after %s", ErrComputeTimeout, id, self.settings.RequestTimeout)
	case <-done:
		self.removePending(id)
		return nil, ErrCancelled
	}
}

func (self *ComputeChannel) removePending(id uint64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.pending, id)
}

// worker goroutine. owns the tracker so the smoothing state is never
// touched from more than one goroutine.
func (self *ComputeChannel) run() {
	tracker := &progressTracker{}
	for {
		select {
		case <-self.stop:
			return
		case request := <-self.requests:
			response := &computeResponse{
				id: request.id,
			}
			switch request.requestType {
			case computeRequestInit:
				tracker = &progressTracker{}
				response.estimate = &ProgressEstimate{}
			case computeRequestProgress, computeRequestEta:
				tracker.add(request.samples...)
				response.estimate = tracker.estimate(request.targetHz)
			default:
				response.err = fmt.Errorf("unknown request type %s", request.requestType)
			}
			select {
			case self.responses <- response:
			case <-self.stop:
				return
			}
		}
	}
}

func (self *ComputeChannel) dispatch() {
	for {
		select {
		case <-self.stop:
			return
		case response := <-self.responses:
			self.stateLock.Lock()
			pendingResponse, ok := self.pending[response.id]
			if ok {
				delete(self.pending, response.id)
			}
			self.stateLock.Unlock()
			if !ok {
				glog.Infof("[compute]unexpected response id=%d\n", response.id)
				continue
			}
			pendingResponse <- response
		}
	}
}

// bounded window of the most recent samples with ema smoothing and an
// ols rate fit over the window
type progressTracker struct {
	samples []ProgressSample
}

func (self *progressTracker) add(samples ...ProgressSample) {
	self.samples = append(self.samples, samples...)
	if progressSampleWindow < len(self.samples) {
		self.samples = self.samples[len(self.samples)-progressSampleWindow:]
	}
}

func (self *progressTracker) estimate(targetHz float64) *ProgressEstimate {
	count := len(self.samples)
	if count == 0 {
		return &ProgressEstimate{}
	}
	if count < progressMinSamples {
		return &ProgressEstimate{
			Progress: clampUnit(self.samples[count-1].Progress),
		}
	}

	alpha := targetHz / 60
	if 1 < alpha {
		alpha = 1
	}
	// first sample seeds the average
	smoothed := self.samples[0].Progress
	for _, sample := range self.samples[1:] {
		smoothed = alpha*sample.Progress + (1-alpha)*smoothed
	}
	smoothed = clampUnit(smoothed)

	rate := self.rate()
	estimate := &ProgressEstimate{
		Progress: smoothed,
		Rate:     rate,
	}
	if 0 < rate && smoothed < 1 {
		estimate.EtaSeconds = (1 - smoothed) / rate
		estimate.HasEta = true
	}
	return estimate
}

func (self *progressTracker) rate() float64 {
	count := float64(len(self.samples))
	start := self.samples[0].Timestamp
	var sumX, sumY, sumXY, sumXX float64
	for _, sample := range self.samples {
		x := sample.Timestamp.Sub(start).Seconds()
		y := sample.Progress
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denominator := count*sumXX - sumX*sumX
	if denominator <= 1e-12 {
		return 0
	}
	return (count*sumXY - sumX*sumY) / denominator
}

func clampUnit(value float64) float64 {
	if value < 0 {
		return 0
	}
	if 1 < value {
		return 1
	}
	return value
}
