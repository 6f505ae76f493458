package uds

import "context"

// RequestSecurityAccess performs the two-step seed->key handshake for the
// given odd sub-function level, computing the key via the engine's
// pluggable SeedKeyFunc. On success the session's SecurityLevel advances.
func (e *Engine) RequestSecurityAccess(ctx context.Context, level int) error {
	if level%2 == 0 || level < 1 {
		return errProtocolViolation("security access level must be odd and >=1, got %d", level)
	}
	if e.seedKey == nil {
		return errSecurityDenied("no seed->key hook configured")
	}

	seedResp, err := e.SendAndAwait(ctx, SIDSecurityAccess, byte(level))
	if err != nil {
		e.classifySecurityFailure(level, err)
		return err
	}
	if len(seedResp) < 3 {
		return errProtocolViolation("security access seed response too short")
	}
	seed := seedResp[2:]

	key, err := e.seedKey(seed, level)
	if err != nil {
		return errSecurityDenied(err.Error())
	}

	keyLevel := byte(level + 1)
	args := append([]byte{keyLevel}, key...)
	_, err = e.SendAndAwait(ctx, SIDSecurityAccess, args...)
	if err != nil {
		e.classifySecurityFailure(level, err)
		return err
	}

	e.session.setSecurityLevel(level)
	return nil
}

// classifySecurityFailure bumps the per-level retry counter for the NRCs
// that drive security access failure (0x35/0x36/0x37). No delay timer or
// temporary-locked state is kept.
func (e *Engine) classifySecurityFailure(level int, err error) {
	uErr, ok := err.(*Error)
	if !ok || uErr.Kind != KindNegativeResponse {
		return
	}
	switch uErr.NRC {
	case NRCInvalidKey, NRCExceedNumberOfAttempts, NRCRequiredTimeDelayNotExpired:
		e.session.bumpRetry(level)
	}
}
