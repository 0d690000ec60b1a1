package connect

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func constantRateSamples(count int, interval time.Duration, rate float64) []ProgressSample {
	start := time.Unix(1700000000, 0)
	samples := make([]ProgressSample, count)
	for i := 0; i < count; i += 1 {
		elapsed := time.Duration(i) * interval
		samples[i] = ProgressSample{
			Timestamp: start.Add(elapsed),
			Progress:  rate * elapsed.Seconds(),
		}
	}
	return samples
}

func TestProgressTrackerConstantRate(t *testing.T) {
	rate := 0.1
	tracker := &progressTracker{}
	tracker.add(constantRateSamples(20, 100*time.Millisecond, rate)...)

	// targetHz 60 makes the average track the latest sample exactly
	estimate := tracker.estimate(60)
	if 1e-9 < math.Abs(estimate.Rate-rate) {
		t.Fatalf("rate = %f, want %f", estimate.Rate, rate)
	}
	assert.Equal(t, estimate.HasEta, true)
	wantEta := (1 - estimate.Progress) / rate
	if 1e-9 < math.Abs(estimate.EtaSeconds-wantEta) {
		t.Fatalf("eta = %f, want %f", estimate.EtaSeconds, wantEta)
	}
}

func TestProgressTrackerBelowMinSamples(t *testing.T) {
	tracker := &progressTracker{}
	tracker.add(constantRateSamples(2, 100*time.Millisecond, 0.5)...)

	estimate := tracker.estimate(10)
	assert.Equal(t, estimate.Rate, float64(0))
	assert.Equal(t, estimate.HasEta, false)
	assert.Equal(t, estimate.Progress, 0.05)
}

func TestProgressTrackerDegenerateRegression(t *testing.T) {
	stamp := time.Unix(1700000000, 0)
	tracker := &progressTracker{}
	for i := 0; i < 5; i += 1 {
		tracker.add(ProgressSample{
			Timestamp: stamp,
			Progress:  float64(i) / 10,
		})
	}

	estimate := tracker.estimate(10)
	assert.Equal(t, estimate.Rate, float64(0))
	assert.Equal(t, estimate.HasEta, false)
}

func TestProgressTrackerWindowBounded(t *testing.T) {
	tracker := &progressTracker{}
	tracker.add(constantRateSamples(3*progressSampleWindow, 10*time.Millisecond, 0.001)...)
	assert.Equal(t, len(tracker.samples), progressSampleWindow)
}

func TestProgressTrackerClampsProgress(t *testing.T) {
	start := time.Unix(1700000000, 0)
	tracker := &progressTracker{}
	for i := 0; i < 5; i += 1 {
		tracker.add(ProgressSample{
			Timestamp: start.Add(time.Duration(i) * time.Second),
			Progress:  1.5,
		})
	}
	estimate := tracker.estimate(60)
	assert.Equal(t, estimate.Progress, float64(1))
	assert.Equal(t, estimate.HasEta, false)
}

func TestComputeChannelRoundtrip(t *testing.T) {
	computeChannel := NewComputeChannelWithDefaults()
	defer computeChannel.Shutdown()

	err := computeChannel.Initialize(nil)
	assert.Equal(t, err, nil)

	estimate, err := computeChannel.ComputeProgress(
		constantRateSamples(20, 100*time.Millisecond, 0.1),
		60,
		nil,
	)
	assert.Equal(t, err, nil)
	assert.Equal(t, estimate.HasEta, true)
	if 1e-9 < math.Abs(estimate.Rate-0.1) {
		t.Fatalf("rate = %f, want 0.1", estimate.Rate)
	}
	assert.Equal(t, computeChannel.PendingCount(), 0)
}

func TestComputeChannelEtaAccumulates(t *testing.T) {
	computeChannel := NewComputeChannelWithDefaults()
	defer computeChannel.Shutdown()

	samples := constantRateSamples(20, 100*time.Millisecond, 0.1)
	_, err := computeChannel.ComputeProgress(samples[:10], 60, nil)
	assert.Equal(t, err, nil)

	// the worker keeps the window across requests
	estimate, err := computeChannel.ComputeEta(samples[10:], nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, estimate.HasEta, true)
}

func TestComputeChannelTimeout(t *testing.T) {
	computeChannel := NewComputeChannel(&ComputeChannelSettings{
		RequestTimeout: 20 * time.Millisecond,
		RequestBuffer:  4,
	})
	defer computeChannel.Shutdown()

	// a registered request with no response times out locally
	id, pendingResponse, err := computeChannel.register()
	assert.Equal(t, err, nil)
	_, err = computeChannel.await(id, pendingResponse, nil)
	assert.Equal(t, errors.Is(err, ErrComputeTimeout), true)
	assert.Equal(t, computeChannel.PendingCount(), 0)
}

func TestComputeChannelCancellation(t *testing.T) {
	computeChannel := NewComputeChannelWithDefaults()
	defer computeChannel.Shutdown()

	token := NewCancelToken()
	id, pendingResponse, err := computeChannel.register()
	assert.Equal(t, err, nil)

	go func() {
		time.Sleep(10 * time.Millisecond)
		token.Cancel()
	}()

	start := time.Now()
	_, err = computeChannel.await(id, pendingResponse, token)
	assert.Equal(t, errors.Is(err, ErrCancelled), true)
	if time.Second < time.Since(start) {
		t.Fatal("cancellation waited for the timeout")
	}
	assert.Equal(t, computeChannel.PendingCount(), 0)
}

func TestComputeChannelShutdownRejectsPending(t *testing.T) {
	computeChannel := NewComputeChannelWithDefaults()

	id, pendingResponse, err := computeChannel.register()
	assert.Equal(t, err, nil)

	result := make(chan error, 1)
	go func() {
		_, err := computeChannel.await(id, pendingResponse, nil)
		result <- err
	}()

	time.Sleep(10 * time.Millisecond)
	computeChannel.Shutdown()

	select {
	case err := <-result:
		assert.Equal(t, errors.Is(err, ErrComputeShutdown), true)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not rejected")
	}

	_, err = computeChannel.ComputeEta(nil, nil)
	assert.Equal(t, errors.Is(err, ErrComputeShutdown), true)
}
