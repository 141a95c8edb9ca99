package metrics

import "time"

// NoopRecorder implements Recorder with no-op methods.
type NoopRecorder struct{}

// NewNoop returns a Recorder that discards all metrics.
func NewNoop() Recorder {
	return &NoopRecorder{}
}

func (n *NoopRecorder) ObserveHTTPRequest(method, route string, status int, duration time.Duration) {}

func (n *NoopRecorder) ObserveARMRequest(operation, outcome string, duration time.Duration) {}

func (n *NoopRecorder) IncPurchase(outcome string) {}

func (n *NoopRecorder) IncStateChange(state string) {}

func (n *NoopRecorder) IncKeyRotation(keyType string) {}

func (n *NoopRecorder) IncUserLookup(outcome string) {}
