package connect

import (
	"github.com/golang/glog"
)

// Logging convention in the `connect` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - backpressure drops and connectivity timeouts
//     - retry exhaustion and abnormal exits
// Error:
//     unrecoverable crash details
//     this includes:
//     - unexpected panics even if handled and suppressed for partial operation
// V(2):
//     key events for trace debugging and statistics
//     this includes:
//     - per-message send/receive/drop events with ids that can be used to filter
//     - state transitions and scheduled timers

// note all user callbacks are wrapped to recover from panics,
// so a misbehaving callback can never take down the canceller
// or the connection read loop
func safeInvoke(tag string, callback func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("[%s]callback panic = %v\n", tag, r)
		}
	}()
	callback()
}
