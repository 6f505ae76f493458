// Package telemetry streams diagnostic-session metrics (UDS request
// latency, ISO-TP throughput, connection quality) to a time-series sink.
package telemetry

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// UDSExchange is one recorded request/response round trip.
type UDSExchange struct {
	ConnectionID string
	ServiceID    byte
	LatencyMs    float64
	NegativeNRC  *byte
	At           time.Time
}

// ISOTPTransfer is one completed ISO-TP PDU send or receive, single- or
// multi-frame.
type ISOTPTransfer struct {
	ConnectionID string
	Direction    string // "tx" or "rx"
	Bytes        int
	DurationMs   float64
	At           time.Time
}

// ConnectionQuality is a point-in-time quality sample (mirrors
// connstate.Quality without importing that package, keeping telemetry a
// leaf dependency).
type ConnectionQuality struct {
	ConnectionID string
	Score        int
	RSSI         int
	ResponseMs   int
	ErrorRatePc  float64
	At           time.Time
}

// Sink is the write-side contract telemetry producers depend on.
type Sink interface {
	RecordUDSExchange(e UDSExchange) error
	RecordISOTPTransfer(t ISOTPTransfer) error
	RecordConnectionQuality(q ConnectionQuality) error
	Close() error
}

// InfluxSink implements Sink against InfluxDB.
type InfluxSink struct {
	client   influxdb2.Client
	org      string
	bucket   string
	writeAPI api.WriteAPIBlocking
}

// NewInfluxSink opens (and pings) a connection to an InfluxDB instance.
func NewInfluxSink(url, token, org, bucket string) (*InfluxSink, error) {
	client := influxdb2.NewClient(url, token)
	if _, err := client.Ping(context.Background()); err != nil {
		client.Close()
		return nil, fmt.Errorf("telemetry: connecting to influxdb: %w", err)
	}
	return &InfluxSink{
		client:   client,
		org:      org,
		bucket:   bucket,
		writeAPI: client.WriteAPIBlocking(org, bucket),
	}, nil
}

func (s *InfluxSink) RecordUDSExchange(e UDSExchange) error {
	fields := map[string]any{
		"latency_ms": e.LatencyMs,
		"service_id": int(e.ServiceID),
	}
	if e.NegativeNRC != nil {
		fields["nrc"] = int(*e.NegativeNRC)
	}
	point := influxdb2.NewPoint(
		"uds_exchange",
		map[string]string{"connection_id": e.ConnectionID},
		fields,
		e.At,
	)
	if err := s.writeAPI.WritePoint(context.Background(), point); err != nil {
		return fmt.Errorf("telemetry: writing uds_exchange: %w", err)
	}
	return nil
}

func (s *InfluxSink) RecordISOTPTransfer(t ISOTPTransfer) error {
	point := influxdb2.NewPoint(
		"isotp_transfer",
		map[string]string{"connection_id": t.ConnectionID, "direction": t.Direction},
		map[string]any{
			"bytes":       t.Bytes,
			"duration_ms": t.DurationMs,
		},
		t.At,
	)
	if err := s.writeAPI.WritePoint(context.Background(), point); err != nil {
		return fmt.Errorf("telemetry: writing isotp_transfer: %w", err)
	}
	return nil
}

func (s *InfluxSink) RecordConnectionQuality(q ConnectionQuality) error {
	point := influxdb2.NewPoint(
		"connection_quality",
		map[string]string{"connection_id": q.ConnectionID},
		map[string]any{
			"score":         q.Score,
			"rssi":          q.RSSI,
			"response_ms":   q.ResponseMs,
			"error_rate_pc": q.ErrorRatePc,
		},
		q.At,
	)
	if err := s.writeAPI.WritePoint(context.Background(), point); err != nil {
		return fmt.Errorf("telemetry: writing connection_quality: %w", err)
	}
	return nil
}

func (s *InfluxSink) Close() error {
	s.client.Close()
	return nil
}
