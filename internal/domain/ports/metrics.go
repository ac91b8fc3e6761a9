package ports

// Metrics receives diagnostic counters from the synchronization layer
type Metrics interface {
	IngestAccepted(producer string)
	IngestRejected(producer string, reason string)
	SinkFailed(sink string)
	EventsDrained(n int)
	EventsDropped(n uint64)
	ConnectionOpened()
	ConnectionClosed()
	HandshakeRejected(status int)
	Broadcast(messageType string)
}

// NopMetrics discards every measurement
type NopMetrics struct{}

func (NopMetrics) IngestAccepted(string)         {}
func (NopMetrics) IngestRejected(string, string) {}
func (NopMetrics) SinkFailed(string)             {}
func (NopMetrics) EventsDrained(int)             {}
func (NopMetrics) EventsDropped(uint64)          {}
func (NopMetrics) ConnectionOpened()             {}
func (NopMetrics) ConnectionClosed()             {}
func (NopMetrics) HandshakeRejected(int)         {}
func (NopMetrics) Broadcast(string)              {}

var _ Metrics = NopMetrics{}
