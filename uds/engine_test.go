package uds

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakePDUTransport is an in-memory PDUTransport that replays a scripted
// sequence of responses for each SendPDU call, keyed by call order.
type fakePDUTransport struct {
	responses [][]byte
	calls     int
	sent      [][]byte
}

func (f *fakePDUTransport) SendPDU(_ context.Context, _, _ uint32, payload []byte) error {
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakePDUTransport) RecvPDU(_ context.Context, _ time.Duration) ([]byte, error) {
	if f.calls >= len(f.responses) {
		return nil, errTimeout("recv")
	}
	r := f.responses[f.calls]
	f.calls++
	return r, nil
}

func TestEnterExtendedSession(t *testing.T) {
	fake := &fakePDUTransport{responses: [][]byte{{0x50, 0x03, 0x00, 0x32, 0x01, 0xF4}}}
	eng := NewEngine(fake, 0x7E0, 0x7E8, DefaultTiming(), nil)

	resp, err := eng.EnterSession(context.Background(), SessionExtended)
	require.NoError(t, err)
	require.Equal(t, byte(0x50), resp[0])
	require.Equal(t, SessionExtended, eng.Session().Type)
}

func TestNegativeResponseUnchangedSession(t *testing.T) {
	fake := &fakePDUTransport{responses: [][]byte{{0x7F, 0x10, 0x12}}}
	eng := NewEngine(fake, 0x7E0, 0x7E8, DefaultTiming(), nil)

	_, err := eng.EnterSession(context.Background(), SessionExtended)
	require.Error(t, err)
	uErr, ok := err.(*Error)
	require.True(t, ok)
	require.Equal(t, NRCSubFunctionNotSupported, uErr.NRC)
	require.Equal(t, SessionDefault, eng.Session().Type)
}

func TestProtocolViolationOnMismatchedSID(t *testing.T) {
	fake := &fakePDUTransport{responses: [][]byte{{0x51, 0x03}}} // wrong SID for 0x10 request
	eng := NewEngine(fake, 0x7E0, 0x7E8, DefaultTiming(), nil)

	_, err := eng.EnterSession(context.Background(), SessionExtended)
	require.Error(t, err)
	uErr, ok := err.(*Error)
	require.True(t, ok)
	require.Equal(t, KindProtocolViolation, uErr.Kind)
}

func TestResponsePendingExtendsDeadlineThenSucceeds(t *testing.T) {
	fake := &fakePDUTransport{responses: [][]byte{
		{0x7F, 0x27, 0x78},
		{0x7F, 0x27, 0x78},
		{0x7F, 0x27, 0x78},
		{0x67, 0x03, 0x01, 0x02, 0x03, 0x04},
	}}
	timing := DefaultTiming()
	eng := NewEngine(fake, 0x7E0, 0x7E8, timing, func(seed []byte, level int) ([]byte, error) {
		return []byte{0xAA, 0xBB}, nil
	})

	resp, err := eng.SendAndAwait(context.Background(), SIDSecurityAccess, 0x03)
	require.NoError(t, err)
	require.Equal(t, byte(0x67), resp[0])
}

func TestResponsePendingExhausted(t *testing.T) {
	responses := make([][]byte, 0, 12)
	for i := 0; i < 11; i++ {
		responses = append(responses, []byte{0x7F, 0x22, 0x78})
	}
	fake := &fakePDUTransport{responses: responses}
	timing := DefaultTiming()
	timing.ResponsePendingMax = 10
	eng := NewEngine(fake, 0x7E0, 0x7E8, timing, nil)

	_, err := eng.SendAndAwait(context.Background(), SIDReadDataByIdentifier, 0xF1, 0x90)
	require.Error(t, err)
	uErr, ok := err.(*Error)
	require.True(t, ok)
	require.Equal(t, KindResponsePendingExhausted, uErr.Kind)
}

func TestBusyRepeatRequestRetries(t *testing.T) {
	fake := &fakePDUTransport{responses: [][]byte{
		{0x7F, 0x22, 0x21},
		{0x62, 0xF1, 0x90},
	}}
	eng := NewEngine(fake, 0x7E0, 0x7E8, DefaultTiming(), nil)
	eng.busyBackoff = time.Millisecond

	resp, err := eng.SendAndAwait(context.Background(), SIDReadDataByIdentifier, 0xF1, 0x90)
	require.NoError(t, err)
	require.Equal(t, byte(0x62), resp[0])
	require.Len(t, fake.sent, 2)
}

func TestSecurityAccessFullHandshake(t *testing.T) {
	fake := &fakePDUTransport{responses: [][]byte{
		{0x67, 0x03, 0x11, 0x22, 0x33, 0x44},
		{0x67, 0x04},
	}}
	eng := NewEngine(fake, 0x7E0, 0x7E8, DefaultTiming(), func(seed []byte, level int) ([]byte, error) {
		require.Equal(t, 3, level)
		key := make([]byte, len(seed))
		for i, b := range seed {
			key[i] = b ^ 0xFF
		}
		return key, nil
	})

	err := eng.RequestSecurityAccess(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, 3, eng.Session().SecurityLevel)
}

func TestDecodeDTC(t *testing.T) {
	d, err := DecodeDTC([]byte{0x01, 0x71, 0x08})
	require.NoError(t, err)
	require.Equal(t, "P0171", d.String())
	require.True(t, d.Status.ConfirmedDTC)
}

func TestDecodeDTCTypes(t *testing.T) {
	cases := []struct {
		byte0 byte
		want  string
	}{
		{0x00, "P"},
		{0x40, "C"},
		{0x80, "B"},
		{0xC0, "U"},
	}
	for _, c := range cases {
		d, err := DecodeDTC([]byte{c.byte0, 0x00})
		require.NoError(t, err)
		require.Equal(t, c.want, d.Type.String())
	}
}
