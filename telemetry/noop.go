package telemetry

// NoopSink discards everything; used when no telemetry backend is
// configured.
type NoopSink struct{}

func (NoopSink) RecordUDSExchange(UDSExchange) error           { return nil }
func (NoopSink) RecordISOTPTransfer(ISOTPTransfer) error       { return nil }
func (NoopSink) RecordConnectionQuality(ConnectionQuality) error { return nil }
func (NoopSink) Close() error                                  { return nil }
