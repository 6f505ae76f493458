package uds

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProgrammingSequenceHappyPath(t *testing.T) {
	fake := &fakePDUTransport{responses: [][]byte{
		{0x74, 0x20, 0x10, 0x00}, // RequestDownload positive
		{0x76, 0x01},             // TransferData block 1
		{0x76, 0x02},             // TransferData block 2
		{0x77},                   // RequestTransferExit positive
		{0x71, 0x01, 0x12, 0x34}, // RoutineControl positive
	}}
	eng := NewEngine(fake, 0x7E0, 0x7E8, DefaultTiming(), nil)
	seq := NewProgrammingSequence(eng)

	data := make([]byte, 16)
	err := seq.Run(context.Background(), []byte{0x00, 0x44, 0x00, 0x00, 0x10, 0x00}, data, 8, 0x1234)
	require.NoError(t, err)
	require.Len(t, fake.sent, 5)
}

func TestProgrammingSequenceAbortsOnNRC(t *testing.T) {
	fake := &fakePDUTransport{responses: [][]byte{
		{0x74, 0x20, 0x10, 0x00},
		{0x7F, 0x36, 0x72}, // TransferData fails with GeneralProgrammingFailure
	}}
	eng := NewEngine(fake, 0x7E0, 0x7E8, DefaultTiming(), nil)
	seq := NewProgrammingSequence(eng)

	data := make([]byte, 16)
	err := seq.Run(context.Background(), []byte{0x00}, data, 8, 0x1234)
	require.Error(t, err)
	require.Len(t, fake.sent, 2)
}
