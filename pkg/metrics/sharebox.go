package metrics

import "time"

// Transfer directions reported to RecordBytesTransferred.
const (
	DirectionUpload   = "upload"
	DirectionDownload = "download"
)

// Handshake outcomes reported to RecordHandshake.
const (
	HandshakeAccepted  = "accepted"
	HandshakeDuplicate = "duplicate"
	HandshakeInvalid   = "invalid"
	HandshakeError     = "error"
)

// ShareboxMetrics provides observability for the sharebox adapter.
//
// Implementations collect metrics about requests, connection lifecycle,
// handshakes and file throughput. This interface is optional - if not
// provided to the adapter, a no-op implementation is used with zero overhead.
//
// Example usage:
//
//	// With metrics enabled
//	metrics.InitRegistry()
//	m := prometheus.NewShareboxMetrics()
//	adapter := sharebox.New(config, deps, m)
//
//	// Without metrics (no-op)
//	adapter := sharebox.New(config, deps, nil)
type ShareboxMetrics interface {
	// RecordRequest records a completed request with its opcode, duration,
	// and outcome.
	//
	// Parameters:
	//   - opcode: Request opcode (e.g., "UPL", "DWN", "SHR")
	//   - duration: Time taken to process the request
	//   - err: Error if the request failed, nil if successful
	RecordRequest(opcode string, duration time.Duration, err error)

	// RecordRequestStart increments the in-flight request counter.
	RecordRequestStart(opcode string)

	// RecordRequestEnd decrements the in-flight request counter.
	RecordRequestEnd(opcode string)

	// RecordBytesTransferred records file payload bytes moved.
	//
	// Parameters:
	//   - direction: DirectionUpload or DirectionDownload
	//   - bytes: Number of bytes transferred
	RecordBytesTransferred(direction string, bytes int64)

	// RecordHandshake counts handshakes by outcome (see Handshake* constants).
	RecordHandshake(result string)

	// SetActiveConnections updates the current connection count.
	SetActiveConnections(count int32)

	// RecordConnectionAccepted increments the total accepted connections counter.
	RecordConnectionAccepted()

	// RecordConnectionClosed increments the total closed connections counter.
	RecordConnectionClosed()

	// RecordConnectionForceClosed counts connections dropped by shutdown.
	RecordConnectionForceClosed()
}

// NewNoopShareboxMetrics returns a ShareboxMetrics that discards everything.
func NewNoopShareboxMetrics() ShareboxMetrics {
	return noopShareboxMetrics{}
}

// noopShareboxMetrics is a no-op implementation of ShareboxMetrics with zero overhead.
type noopShareboxMetrics struct{}

func (noopShareboxMetrics) RecordRequest(opcode string, duration time.Duration, err error) {}
func (noopShareboxMetrics) RecordRequestStart(opcode string)                             {}
func (noopShareboxMetrics) RecordRequestEnd(opcode string)                               {}
func (noopShareboxMetrics) RecordBytesTransferred(direction string, bytes int64)         {}
func (noopShareboxMetrics) RecordHandshake(result string)                                {}
func (noopShareboxMetrics) SetActiveConnections(count int32)                             {}
func (noopShareboxMetrics) RecordConnectionAccepted()                                    {}
func (noopShareboxMetrics) RecordConnectionClosed()                                      {}
func (noopShareboxMetrics) RecordConnectionForceClosed()                                 {}
