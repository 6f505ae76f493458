package isotp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReassemblerSingleFrame(t *testing.T) {
	ra := NewReassembler(DefaultReassemblerConfig())
	frame := [8]byte{0x03, 0x22, 0xF1, 0x90, 0, 0, 0, 0}
	out, err := ra.Feed(1, frame, noopFC{})
	require.NoError(t, err)
	require.Equal(t, []byte{0x22, 0xF1, 0x90}, out)
}

func TestReassemblerSequenceMismatch(t *testing.T) {
	ra := NewReassembler(DefaultReassemblerConfig())
	ff := [8]byte{0x10, 0x14, 0x62, 0xF1, 0x90, 'V', '1', '2'}
	_, err := ra.Feed(1, ff, noopFC{})
	require.NoError(t, err)

	badCF := [8]byte{0x22, '3', '4', '5', '6', '7', '8', '9'} // sn=2, expected 1
	_, err = ra.Feed(1, badCF, noopFC{})
	require.Error(t, err)
	tErr, ok := err.(*Error)
	require.True(t, ok)
	require.Equal(t, KindSequenceMismatch, tErr.Kind)
}

func TestReassemblerInterFrameTimeout(t *testing.T) {
	cfg := DefaultReassemblerConfig()
	cfg.NCRMax = 10 * time.Millisecond
	ra := NewReassembler(cfg)

	ff := [8]byte{0x10, 0x14, 0x62, 0xF1, 0x90, 'V', '1', '2'}
	_, err := ra.Feed(1, ff, noopFC{})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	cf := [8]byte{0x21, '3', '4', '5', '6', '7', '8', '9'}
	_, err = ra.Feed(1, cf, noopFC{})
	require.Error(t, err)
	tErr, ok := err.(*Error)
	require.True(t, ok)
	require.Equal(t, KindInterFrameTimeout, tErr.Kind)
}

func TestReassemblerFFRestartsExistingTransfer(t *testing.T) {
	ra := NewReassembler(DefaultReassemblerConfig())
	ff1 := [8]byte{0x10, 0x14, 0x62, 0xF1, 0x90, 'A', 'A', 'A'}
	_, err := ra.Feed(1, ff1, noopFC{})
	require.NoError(t, err)

	// Second FF for the same source restarts, not errors.
	ff2 := [8]byte{0x10, 0x08, 0x62, 0xF2, 0x00, 'B', 'B', 'B'}
	_, err = ra.Feed(1, ff2, noopFC{})
	require.NoError(t, err)

	cf := [8]byte{0x21, '1', '2', 0, 0, 0, 0, 0}
	out, err := ra.Feed(1, cf, noopFC{})
	require.NoError(t, err)
	require.Equal(t, []byte{0x62, 0xF2, 0x00, 'B', 'B', 'B', '1', '2'}, out)
}

func TestReassemblerConcurrentSourcesIndependent(t *testing.T) {
	ra := NewReassembler(DefaultReassemblerConfig())
	sf := [8]byte{0x03, 0x10, 0x20, 0x30, 0, 0, 0, 0}

	out1, err := ra.Feed(1, sf, noopFC{})
	require.NoError(t, err)
	out2, err := ra.Feed(2, sf, noopFC{})
	require.NoError(t, err)
	require.Equal(t, out1, out2)
}

func TestReassemblerCFTruncatedAtExpectedLength(t *testing.T) {
	ra := NewReassembler(DefaultReassemblerConfig())
	ff := [8]byte{0x10, 0x08, 0x62, 0xF1, 0x90, 'A', 'A', 'A'} // expects 8 bytes total, 6 already in
	_, err := ra.Feed(1, ff, noopFC{})
	require.NoError(t, err)

	// Only 2 more bytes are needed; a 7-byte CF is truncated at expected_length
	// rather than erroring, per the reassembly state machine.
	cf := [8]byte{0x21, '1', '2', '3', '4', '5', '6', '7'}
	out, err := ra.Feed(1, cf, noopFC{})
	require.NoError(t, err)
	require.Equal(t, []byte{0x62, 0xF1, 0x90, 'A', 'A', 'A', '1', '2', '3', '4', '5'}[:8], out)
}

func TestReassemblerExpireIdle(t *testing.T) {
	ra := NewReassembler(DefaultReassemblerConfig())
	ff := [8]byte{0x10, 0x14, 0x62, 0xF1, 0x90, 'A', 'A', 'A'}
	_, err := ra.Feed(1, ff, noopFC{})
	require.NoError(t, err)

	expired := ra.ExpireIdle(0)
	require.Contains(t, expired, uint32(1))
}
