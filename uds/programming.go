package uds

import "context"

// ProgrammingSequence drives RequestDownload -> TransferData(...) ->
// RequestTransferExit -> RoutineControl(eraseOrVerify), aborting on the
// first NRC per spec §4.4.
type ProgrammingSequence struct {
	eng *Engine
}

// NewProgrammingSequence binds a programming sequence to an engine already
// in the programming session (caller's responsibility to have entered it
// and passed the safety gate).
func NewProgrammingSequence(eng *Engine) *ProgrammingSequence {
	return &ProgrammingSequence{eng: eng}
}

// Run executes the full sequence, chunking data into blockSize pieces.
// routineID is the erase-or-verify routine invoked after transfer exit.
func (p *ProgrammingSequence) Run(ctx context.Context, requestDownloadArgs []byte, data []byte, blockSize int, routineID uint16) error {
	if _, err := p.eng.SendAndAwait(ctx, SIDRequestDownload, requestDownloadArgs...); err != nil {
		return err
	}

	seq := uint8(1)
	for offset := 0; offset < len(data); offset += blockSize {
		end := offset + blockSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[offset:end]
		args := append([]byte{seq}, chunk...)
		if _, err := p.eng.SendAndAwait(ctx, SIDTransferData, args...); err != nil {
			return err
		}
		if seq == 255 {
			seq = 1
		} else {
			seq++
		}
	}

	if _, err := p.eng.SendAndAwait(ctx, SIDRequestTransferExit); err != nil {
		return err
	}

	routineArgs := []byte{0x01, byte(routineID >> 8), byte(routineID)} // 0x01 = startRoutine
	if _, err := p.eng.SendAndAwait(ctx, SIDRoutineControl, routineArgs...); err != nil {
		return err
	}
	return nil
}
