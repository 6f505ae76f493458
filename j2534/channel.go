package j2534

import (
	"sync"
	"time"
)

// Priority is a channel's scheduling priority (spec §3/§4.3).
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// rank orders priorities for bandwidth allocation: critical>high>normal>low.
func (p Priority) rank() int { return int(p) }

// ChannelState is a channel's lifecycle state (spec §3).
type ChannelState int

const (
	ChannelActive ChannelState = iota
	ChannelSuspended
	ChannelClosed
)

// Allocation is a channel's resource budget (spec §4.3).
type Allocation struct {
	MaxBandwidthPercent int
	MaxFilters          int
	MaxBufferSize        int
	TimeSliceMs          int
	CanPreempt           bool
	ExclusiveProtocol    bool

	// AllocatedBandwidthPercent is the bandwidth actually granted after
	// rebalancing, capped at MaxBandwidthPercent.
	AllocatedBandwidthPercent int
}

// Stats is a channel's traffic counters (spec §4.3).
type Stats struct {
	MessagesSent     uint64
	MessagesReceived uint64
	Errors           uint64
	UptimeMs         int64
	LastActivity     time.Time
}

// Channel is a logical communication channel borrowed exclusively by the
// protocol engine currently sending on it (spec §3/§5).
type Channel struct {
	mu sync.Mutex

	ID         string
	DeviceRef  string
	Protocol   Protocol
	Baud       int
	Flags      uint32
	Priority   Priority
	Allocation Allocation
	State      ChannelState

	filters   map[string]*Filter
	periodics map[string]*Periodic

	stats     Stats
	createdAt time.Time
	borrowed  bool
}

// newChannel constructs a channel in the active state.
func newChannel(id, deviceRef string, protocol Protocol, baud int, flags uint32, priority Priority, alloc Allocation) *Channel {
	return &Channel{
		ID:         id,
		DeviceRef:  deviceRef,
		Protocol:   protocol,
		Baud:       baud,
		Flags:      flags,
		Priority:   priority,
		Allocation: alloc,
		State:      ChannelActive,
		filters:    make(map[string]*Filter),
		periodics:  make(map[string]*Periodic),
		createdAt:  time.Now(),
		stats:      Stats{LastActivity: time.Now()},
	}
}

// AddFilter installs a filter, enforcing the MaxFilters cap (spec §4.3).
func (c *Channel) AddFilter(f *Filter) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := f.Validate(); err != nil {
		return err
	}
	if len(c.filters) >= c.Allocation.MaxFilters {
		return newError(KindResourceExhausted, "channel %s already has %d filters (max %d)", c.ID, len(c.filters), c.Allocation.MaxFilters)
	}
	c.filters[f.ID] = f
	return nil
}

// RemoveFilter uninstalls a filter by id.
func (c *Channel) RemoveFilter(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.filters, id)
}

// Filters returns a snapshot of installed filters.
func (c *Channel) Filters() []*Filter {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Filter, 0, len(c.filters))
	for _, f := range c.filters {
		out = append(out, f)
	}
	return out
}

// MatchIncoming reports whether frame passes this channel's installed
// pass/block filters. A frame with no filters installed is accepted; a
// frame matching any block filter is rejected; otherwise it must match at
// least one pass filter if any pass filters exist.
func (c *Channel) MatchIncoming(frame []byte) (accept bool, fcFilter *Filter) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hasPass := false
	for _, f := range c.filters {
		switch f.Kind {
		case FilterBlock:
			if f.Match(frame) {
				return false, nil
			}
		case FilterPass:
			hasPass = true
			if f.Match(frame) {
				accept = true
			}
		case FilterFlowControl:
			if f.Match(frame) {
				fcFilter = f
			}
		}
	}
	if !hasPass {
		return true, fcFilter
	}
	return accept, fcFilter
}

// recordSent/recordReceived/recordError update traffic counters.
func (c *Channel) recordSent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.MessagesSent++
	c.stats.LastActivity = time.Now()
}

func (c *Channel) recordReceived() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.MessagesReceived++
	c.stats.LastActivity = time.Now()
}

func (c *Channel) recordError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Errors++
}

// Statistics returns the channel's computed resource usage (spec §4.3).
func (c *Channel) Statistics() ResourceUsage {
	c.mu.Lock()
	defer c.mu.Unlock()
	uptime := time.Since(c.createdAt)
	bufPct := 0
	if c.Allocation.MaxBufferSize > 0 {
		// Without a real ring buffer to sample, usage tracks traffic volume
		// relative to the allocated buffer budget, clamped to 100.
		used := int((c.stats.MessagesSent + c.stats.MessagesReceived) * 8)
		bufPct = used * 100 / c.Allocation.MaxBufferSize
		if bufPct > 100 {
			bufPct = 100
		}
	}
	return ResourceUsage{
		BandwidthPercent: c.Allocation.AllocatedBandwidthPercent,
		FilterCount:      len(c.filters),
		BufferPercent:    bufPct,
		CPUPercent:       estimateCPUPercent(c.stats, uptime),
		Stats:            c.stats,
	}
}

// ResourceUsage is the derived view over a channel's stats (spec §4.3).
type ResourceUsage struct {
	BandwidthPercent int
	FilterCount      int
	BufferPercent    int
	CPUPercent       int
	Stats            Stats
}

func estimateCPUPercent(s Stats, uptime time.Duration) int {
	if uptime <= 0 {
		return 0
	}
	msgsPerSec := float64(s.MessagesSent+s.MessagesReceived) / uptime.Seconds()
	// Rough heuristic: every 100 msg/s consumes ~1% modeled CPU budget.
	pct := int(msgsPerSec / 100)
	if pct > 100 {
		pct = 100
	}
	return pct
}

// TryBorrow exclusively claims the channel for the duration of one
// exchange; returns false if already borrowed (spec §5 shared-resource policy).
func (c *Channel) TryBorrow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.borrowed || c.State != ChannelActive {
		return false
	}
	c.borrowed = true
	return true
}

// Release gives the channel back.
func (c *Channel) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.borrowed = false
}
