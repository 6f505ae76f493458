package j2534

// FilterKind is the category of a channel filter (spec §3).
type FilterKind int

const (
	FilterPass FilterKind = iota
	FilterBlock
	FilterFlowControl
)

// Filter restricts which frames a channel accepts, or auto-responds to
// ISO-TP first frames matching it when Kind is FilterFlowControl.
type Filter struct {
	ID                 string
	Kind               FilterKind
	Mask               []byte
	Pattern            []byte
	FlowControlPayload []byte // only meaningful for FilterFlowControl
}

// Validate checks the mask/pattern-length invariant (spec §4.3).
func (f *Filter) Validate() error {
	if f.Kind == FilterPass || f.Kind == FilterBlock {
		if len(f.Mask) != len(f.Pattern) {
			return newError(KindFilterInvalid, "mask length %d != pattern length %d", len(f.Mask), len(f.Pattern))
		}
	}
	return nil
}

// Match reports whether frame matches this filter per spec §3:
// (frame_bytes & mask) == (pattern & mask) element-wise up to filter length.
func (f *Filter) Match(frame []byte) bool {
	n := len(f.Mask)
	if len(frame) < n {
		return false
	}
	for i := 0; i < n; i++ {
		if frame[i]&f.Mask[i] != f.Pattern[i]&f.Mask[i] {
			return false
		}
	}
	return true
}

// Periodic is a payload the channel manager transmits every period_ms
// (±10%) until stopped or the channel closes (spec §4.3).
type Periodic struct {
	ID        string
	Payload   []byte
	PeriodMs  int
	stopCh    chan struct{}
	stopped   bool
}
