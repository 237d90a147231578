package volc

// Metrics receives relay counters. internal/metrics.Collector implements it.
type Metrics interface {
	FrameSent(messageType string)
	FrameDropped(reason string)
	AudioDropped(reason string)
	DecompressionFailed()
	VendorError(code uint32)
	UpstreamError(kind string)
}

type nopMetrics struct{}

func (nopMetrics) FrameSent(string)     {}
func (nopMetrics) FrameDropped(string)  {}
func (nopMetrics) AudioDropped(string)  {}
func (nopMetrics) DecompressionFailed() {}
func (nopMetrics) VendorError(uint32)   {}
func (nopMetrics) UpstreamError(string) {}
