package scanner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/anodyne74/diagcore/connstate"
	"github.com/anodyne74/diagcore/j2534"
	"github.com/anodyne74/diagcore/safety"
	"github.com/anodyne74/diagcore/uds"
)

// fakeTransport is an in-memory j2534.Transport that records every frame
// written and replays a scripted queue of response frames on Read.
type fakeTransport struct {
	sent     [][]byte
	inbound  chan []byte
	events   chan j2534.StateEvent
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		events:  make(chan j2534.StateEvent, 4),
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error    { return nil }
func (f *fakeTransport) Disconnect(ctx context.Context) error { return nil }

func (f *fakeTransport) Write(ctx context.Context, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeTransport) Read(ctx context.Context, timeout time.Duration) ([]byte, error) {
	select {
	case data := <-f.inbound:
		return data, nil
	case <-time.After(timeout):
		return nil, errReadTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Observe() <-chan j2534.StateEvent { return f.events }

func (f *fakeTransport) queueFrame(frame [8]byte) {
	f.inbound <- frame[:]
}

type readTimeoutErr struct{}

func (readTimeoutErr) Error() string { return "fake transport: read timeout" }

var errReadTimeout = readTimeoutErr{}

func singleFrame(payload []byte) [8]byte {
	var f [8]byte
	f[0] = byte(len(payload) & 0x0F)
	copy(f[1:], payload)
	return f
}

func testScanner(t *testing.T, ft *fakeTransport) (*Scanner, *Connection) {
	t.Helper()
	opts := DefaultOptions()
	sc := New(opts)
	sc.RegisterCandidate(Candidate{
		ScannerID: "bench",
		Type:      connstate.ScannerJ2534,
		Device:    j2534.Device{Vendor: "test", Product: "fake"},
		NewTransport: func() (j2534.Transport, error) {
			return ft, nil
		},
	})
	conn, err := sc.Connect(context.Background(), "bench", j2534.ProtocolISO15765, 0x7E0, 0x7E8)
	require.NoError(t, err)
	return sc, conn
}

func TestScanner_EnterExtendedSession_NoFragmentation(t *testing.T) {
	ft := newFakeTransport()
	ft.queueFrame(singleFrame([]byte{0x50, 0x03, 0x00, 0x32, 0x01, 0xF4}))

	_, conn := testScanner(t, ft)

	resp, warnings, err := conn.EnterSession(context.Background(), uds.SessionExtended)
	require.NoError(t, err)
	require.Empty(t, warnings)
	require.Equal(t, byte(0x50), resp[0])
	require.Equal(t, uds.SessionExtended, conn.Session().Type)
	require.Len(t, ft.sent, 1, "a short request must not fragment into multiple frames")
}

func TestScanner_Send_DTCClearingGatedByVoltage(t *testing.T) {
	ft := newFakeTransport()
	ft.queueFrame(singleFrame([]byte{0x54}))

	opts := DefaultOptions()
	opts.VehicleState = func(ctx context.Context) (safety.VehicleState, error) {
		return safety.VehicleState{BusVoltage: 9.0}, nil
	}
	sc := New(opts)
	sc.RegisterCandidate(Candidate{
		ScannerID: "bench",
		Type:      connstate.ScannerJ2534,
		NewTransport: func() (j2534.Transport, error) {
			return ft, nil
		},
	})
	conn, err := sc.Connect(context.Background(), "bench", j2534.ProtocolISO15765, 0x7E0, 0x7E8)
	require.NoError(t, err)

	_, _, err = conn.Send(context.Background(), uds.SIDClearDiagnosticInformation, 0xFF, 0xFF, 0xFF)
	require.Error(t, err)
	var violation *safety.Violation
	require.ErrorAs(t, err, &violation)
	require.Empty(t, ft.sent, "a blocked operation must not touch the wire")
}

// rawWriterTransport wraps fakeTransport and additionally implements
// j2534.RawWriter, so StartPeriodic's dispatch prefers it over Write.
type rawWriterTransport struct {
	*fakeTransport
	rawSent [][]byte
}

func (r *rawWriterTransport) RawWrite(id uint32, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	r.rawSent = append(r.rawSent, cp)
	return nil
}

func TestScanner_StartPeriodic_PrefersRawWriter(t *testing.T) {
	ft := newFakeTransport()
	ft.queueFrame(singleFrame([]byte{0x50, 0x03, 0x00, 0x32, 0x01, 0xF4}))
	raw := &rawWriterTransport{fakeTransport: ft}

	opts := DefaultOptions()
	sc := New(opts)
	sc.RegisterCandidate(Candidate{
		ScannerID: "bench",
		Type:      connstate.ScannerJ2534,
		NewTransport: func() (j2534.Transport, error) {
			return raw, nil
		},
	})
	conn, err := sc.Connect(context.Background(), "bench", j2534.ProtocolISO15765, 0x7E0, 0x7E8)
	require.NoError(t, err)

	id, err := conn.StartPeriodic(context.Background(), 0x123, []byte{0x01, 0x02}, 20)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		return len(raw.rawSent) > 0
	}, time.Second, 5*time.Millisecond, "periodic pump must route through RawWrite when available")
	require.Empty(t, raw.sent, "periodic sends must not go through the ordinary Write path when RawWriter is available")

	conn.StopPeriodic(id)
}

func TestDestructiveOpClassification(t *testing.T) {
	cases := []struct {
		sid   uds.ServiceID
		op    safety.Operation
		gated bool
	}{
		{uds.SIDClearDiagnosticInformation, safety.OpDTCClearing, true},
		{uds.SIDWriteDataByIdentifier, safety.OpECUCoding, true},
		{uds.SIDRequestDownload, safety.OpECUProgramming, true},
		{uds.SIDTransferData, safety.OpECUProgramming, true},
		{uds.SIDReadDataByIdentifier, 0, false},
		{uds.SIDTesterPresent, 0, false},
	}
	for _, c := range cases {
		op, gated := destructiveOp(c.sid)
		require.Equal(t, c.gated, gated, "sid 0x%02X", c.sid)
		if gated {
			require.Equal(t, c.op, op, "sid 0x%02X", c.sid)
		}
	}
}
