package j2534

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultMaxChannels = 10

// ChannelRequest carries the parameters for creating a new channel (spec §4.3).
type ChannelRequest struct {
	Protocol   Protocol
	Flags      uint32
	Baud       int
	Priority   Priority
	Allocation Allocation
}

// Manager multiplexes logical channels over one physical device, arbitrating
// protocol conflicts and per-channel resource allocations (spec §4.3).
type Manager struct {
	mu sync.Mutex

	device      *Device
	maxChannels int
	channels    map[string]*Channel

	events chan Event
}

// Event is emitted on channel lifecycle and periodic-pump activity.
type Event struct {
	Kind      string // "created", "closed", "suspended", "resumed", "rebalanced", "periodic_sent"
	ChannelID string
	At        time.Time
}

// NewManager constructs a Manager bound to one physical device.
func NewManager(device *Device, maxChannels int) *Manager {
	if maxChannels <= 0 {
		maxChannels = defaultMaxChannels
	}
	return &Manager{
		device:      device,
		maxChannels: maxChannels,
		channels:    make(map[string]*Channel),
		events:      make(chan Event, 64),
	}
}

// Events returns the manager's event stream.
func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) emit(kind, channelID string) {
	select {
	case m.events <- Event{Kind: kind, ChannelID: channelID, At: time.Now()}:
	default:
	}
}

// activeCount returns the number of non-closed channels. Caller must hold m.mu.
func (m *Manager) activeCount() int {
	n := 0
	for _, c := range m.channels {
		if c.State != ChannelClosed {
			n++
		}
	}
	return n
}

// anyExclusiveActive reports whether any active channel is exclusive_protocol.
// Caller must hold m.mu.
func (m *Manager) anyExclusiveActive() bool {
	for _, c := range m.channels {
		if c.State == ChannelActive && c.Allocation.ExclusiveProtocol {
			return true
		}
	}
	return false
}

// protocolGroup maps a protocol to its shared admission-cap bucket (spec §4.3).
func protocolGroup(p Protocol) (group string, groupCap int) {
	switch p {
	case ProtocolCAN, ProtocolISO15765:
		return "can", 4
	case ProtocolISO14230, ProtocolISO9141:
		return "kline", 1
	case ProtocolJ1850VPW, ProtocolJ1850PWM:
		return "j1850", 1
	default:
		return "other", defaultMaxChannels
	}
}

// countInGroup counts active channels in the given protocol group. Caller must hold m.mu.
func (m *Manager) countInGroup(group string) int {
	n := 0
	for _, c := range m.channels {
		if c.State == ChannelActive {
			g, _ := protocolGroup(c.Protocol)
			if g == group {
				n++
			}
		}
	}
	return n
}

// CreateChannel admits a new channel per the ordered checks in spec §4.3.
func (m *Manager) CreateChannel(req ChannelRequest) (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeCount() >= m.maxChannels {
		return nil, newError(KindResourceExhausted, "active channel count at limit (%d)", m.maxChannels)
	}
	if m.anyExclusiveActive() {
		return nil, newError(KindProtocolConflict, "an active channel holds exclusive_protocol")
	}
	if req.Allocation.ExclusiveProtocol && m.activeCount() > 0 {
		return nil, newError(KindProtocolConflict, "cannot request exclusive_protocol while other channels are active")
	}
	group, groupCap := protocolGroup(req.Protocol)
	if m.countInGroup(group) >= groupCap {
		if groupCap == 1 {
			return nil, newError(KindProtocolConflict, "protocol group %s is single-slot and already occupied", group)
		}
		return nil, newError(KindResourceExhausted, "protocol group %s at cap (%d)", group, groupCap)
	}

	ch := newChannel(uuid.NewString(), m.device.ID, req.Protocol, req.Baud, req.Flags, req.Priority, req.Allocation)
	m.channels[ch.ID] = ch
	m.rebalanceLocked()
	m.emit("created", ch.ID)
	return ch, nil
}

// CloseChannel closes a channel and frees its resources.
func (m *Manager) CloseChannel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[id]
	if !ok {
		return newError(KindNotConnected, "channel %s not found", id)
	}
	ch.mu.Lock()
	ch.State = ChannelClosed
	for _, p := range ch.periodics {
		stopPeriodic(p)
	}
	ch.mu.Unlock()
	m.rebalanceLocked()
	m.emit("closed", id)
	return nil
}

// Suspend marks a channel suspended and frees its bandwidth for rebalancing
// (spec §4.3). A running periodic pump stops on its next tick. The channel
// keeps no TX/RX buffers to drop, and its filters are left installed and
// still apply in MatchIncoming.
func (m *Manager) Suspend(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[id]
	if !ok {
		return newError(KindNotConnected, "channel %s not found", id)
	}
	ch.mu.Lock()
	ch.State = ChannelSuspended
	ch.Allocation.AllocatedBandwidthPercent = 0
	ch.mu.Unlock()
	m.rebalanceLocked()
	m.emit("suspended", id)
	return nil
}

// Resume reverses Suspend, subject to admission re-check.
func (m *Manager) Resume(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[id]
	if !ok {
		return newError(KindNotConnected, "channel %s not found", id)
	}
	if ch.State != ChannelActive {
		if m.activeCount() >= m.maxChannels {
			return newError(KindResourceExhausted, "active channel count at limit (%d)", m.maxChannels)
		}
		if m.anyExclusiveActive() || (ch.Allocation.ExclusiveProtocol && m.activeCount() > 0) {
			return newError(KindProtocolConflict, "exclusive_protocol conflicts with the active channels")
		}
		if group, groupCap := protocolGroup(ch.Protocol); m.countInGroup(group) >= groupCap {
			if groupCap == 1 {
				return newError(KindProtocolConflict, "protocol group %s is single-slot and already occupied", group)
			}
			return newError(KindResourceExhausted, "protocol group %s at cap (%d)", group, groupCap)
		}
	}
	ch.mu.Lock()
	ch.State = ChannelActive
	ch.mu.Unlock()
	m.rebalanceLocked()
	m.emit("resumed", id)
	return nil
}

// SetPriority changes a channel's priority and triggers rebalancing.
func (m *Manager) SetPriority(id string, p Priority) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[id]
	if !ok {
		return newError(KindNotConnected, "channel %s not found", id)
	}
	ch.mu.Lock()
	ch.Priority = p
	ch.mu.Unlock()
	m.rebalanceLocked()
	return nil
}

// rebalanceLocked sorts active channels by priority and greedily allocates
// bandwidth up to each channel's request (spec §4.3). Caller must hold m.mu.
func (m *Manager) rebalanceLocked() {
	var active []*Channel
	for _, c := range m.channels {
		if c.State == ChannelActive {
			active = append(active, c)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].Priority.rank() != active[j].Priority.rank() {
			return active[i].Priority.rank() > active[j].Priority.rank()
		}
		return active[i].createdAt.Before(active[j].createdAt)
	})

	remaining := 100
	for _, c := range active {
		c.mu.Lock()
		want := c.Allocation.MaxBandwidthPercent
		grant := want
		if grant > remaining {
			grant = remaining
		}
		if grant < 0 {
			grant = 0
		}
		c.Allocation.AllocatedBandwidthPercent = grant
		remaining -= grant
		c.mu.Unlock()
	}
	m.emit("rebalanced", "")
}

// Channel returns a channel by id, or nil.
func (m *Manager) Channel(id string) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[id]
}

// Channels returns a snapshot of all channels.
func (m *Manager) Channels() []*Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Channel, 0, len(m.channels))
	for _, c := range m.channels {
		out = append(out, c)
	}
	return out
}

// StartPeriodic begins sending payload on channel id every period_ms (±10%)
// until stopped or the channel closes (spec §4.3).
func (m *Manager) StartPeriodic(ctx context.Context, id string, payload []byte, periodMs int, send func([]byte) error) (string, error) {
	ch := m.Channel(id)
	if ch == nil {
		return "", newError(KindNotConnected, "channel %s not found", id)
	}
	p := &Periodic{ID: uuid.NewString(), Payload: payload, PeriodMs: periodMs, stopCh: make(chan struct{})}

	ch.mu.Lock()
	ch.periodics[p.ID] = p
	ch.mu.Unlock()

	go m.pumpPeriodic(ctx, ch, p, send)
	return p.ID, nil
}

// StopPeriodic halts a periodic message pump.
func (m *Manager) StopPeriodic(channelID, periodicID string) {
	ch := m.Channel(channelID)
	if ch == nil {
		return
	}
	ch.mu.Lock()
	p, ok := ch.periodics[periodicID]
	if ok {
		delete(ch.periodics, periodicID)
	}
	ch.mu.Unlock()
	if ok {
		stopPeriodic(p)
	}
}

func stopPeriodic(p *Periodic) {
	if p.stopped {
		return
	}
	p.stopped = true
	close(p.stopCh)
}

func (m *Manager) pumpPeriodic(ctx context.Context, ch *Channel, p *Periodic, send func([]byte) error) {
	jitterLow := time.Duration(float64(p.PeriodMs)*0.9) * time.Millisecond
	ticker := time.NewTicker(jitterLow)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			ch.mu.Lock()
			active := ch.State == ChannelActive
			ch.mu.Unlock()
			if !active {
				return
			}
			if err := send(p.Payload); err == nil {
				ch.recordSent()
				m.emit("periodic_sent", ch.ID)
			} else {
				ch.recordError()
			}
		}
	}
}
