package j2534

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testDevice() *Device {
	return &Device{
		ID:     "dev-1",
		Vendor: "Acme",
		SupportedProtocols: []Protocol{
			ProtocolCAN, ProtocolISO15765, ProtocolISO14230, ProtocolISO9141,
			ProtocolJ1850VPW, ProtocolJ1850PWM,
		},
	}
}

func TestCreateChannelBasic(t *testing.T) {
	m := NewManager(testDevice(), 10)
	ch, err := m.CreateChannel(ChannelRequest{
		Protocol:   ProtocolISO15765,
		Priority:   PriorityNormal,
		Allocation: Allocation{MaxBandwidthPercent: 50, MaxFilters: 4, MaxBufferSize: 4096, TimeSliceMs: 100},
	})
	require.NoError(t, err)
	require.Equal(t, ChannelActive, ch.State)
}

func TestResourceExhaustedOnMaxChannels(t *testing.T) {
	m := NewManager(testDevice(), 1)
	_, err := m.CreateChannel(ChannelRequest{Protocol: ProtocolCAN, Allocation: Allocation{MaxBandwidthPercent: 10, MaxFilters: 1, MaxBufferSize: 512, TimeSliceMs: 10}})
	require.NoError(t, err)

	_, err = m.CreateChannel(ChannelRequest{Protocol: ProtocolCAN, Allocation: Allocation{MaxBandwidthPercent: 10, MaxFilters: 1, MaxBufferSize: 512, TimeSliceMs: 10}})
	require.Error(t, err)
	jErr, ok := err.(*Error)
	require.True(t, ok)
	require.Equal(t, KindResourceExhausted, jErr.Kind)
}

func TestExclusiveProtocolConflict(t *testing.T) {
	m := NewManager(testDevice(), 10)
	_, err := m.CreateChannel(ChannelRequest{
		Protocol:   ProtocolISO14230,
		Allocation: Allocation{MaxBandwidthPercent: 50, MaxFilters: 1, MaxBufferSize: 512, TimeSliceMs: 10, ExclusiveProtocol: true},
	})
	require.NoError(t, err)

	_, err = m.CreateChannel(ChannelRequest{
		Protocol:   ProtocolISO9141,
		Allocation: Allocation{MaxBandwidthPercent: 50, MaxFilters: 1, MaxBufferSize: 512, TimeSliceMs: 10},
	})
	require.Error(t, err)
	jErr, ok := err.(*Error)
	require.True(t, ok)
	require.Equal(t, KindProtocolConflict, jErr.Kind)
}

func TestKWP2000AndK9141SharedCap(t *testing.T) {
	m := NewManager(testDevice(), 10)
	_, err := m.CreateChannel(ChannelRequest{
		Protocol:   ProtocolISO14230,
		Allocation: Allocation{MaxBandwidthPercent: 10, MaxFilters: 1, MaxBufferSize: 512, TimeSliceMs: 10},
	})
	require.NoError(t, err)

	_, err = m.CreateChannel(ChannelRequest{
		Protocol:   ProtocolISO9141,
		Allocation: Allocation{MaxBandwidthPercent: 10, MaxFilters: 1, MaxBufferSize: 512, TimeSliceMs: 10},
	})
	require.Error(t, err)
	jErr, ok := err.(*Error)
	require.True(t, ok)
	require.Equal(t, KindProtocolConflict, jErr.Kind)
}

func TestRebalanceCapsAt100(t *testing.T) {
	m := NewManager(testDevice(), 10)
	for i := 0; i < 3; i++ {
		_, err := m.CreateChannel(ChannelRequest{
			Protocol:   ProtocolCAN,
			Priority:   PriorityNormal,
			Allocation: Allocation{MaxBandwidthPercent: 50, MaxFilters: 1, MaxBufferSize: 512, TimeSliceMs: 10},
		})
		require.NoError(t, err)
	}

	total := 0
	for _, ch := range m.Channels() {
		total += ch.Allocation.AllocatedBandwidthPercent
	}
	require.LessOrEqual(t, total, 100)
}

func TestPriorityOrderedRebalance(t *testing.T) {
	m := NewManager(testDevice(), 10)
	low, err := m.CreateChannel(ChannelRequest{Protocol: ProtocolCAN, Priority: PriorityLow, Allocation: Allocation{MaxBandwidthPercent: 80, MaxFilters: 1, MaxBufferSize: 512, TimeSliceMs: 10}})
	require.NoError(t, err)
	high, err := m.CreateChannel(ChannelRequest{Protocol: ProtocolCAN, Priority: PriorityCritical, Allocation: Allocation{MaxBandwidthPercent: 80, MaxFilters: 1, MaxBufferSize: 512, TimeSliceMs: 10}})
	require.NoError(t, err)

	require.Equal(t, 80, high.Allocation.AllocatedBandwidthPercent)
	require.Equal(t, 20, low.Allocation.AllocatedBandwidthPercent)
}

func TestFilterExceedsMax(t *testing.T) {
	m := NewManager(testDevice(), 10)
	ch, err := m.CreateChannel(ChannelRequest{Protocol: ProtocolCAN, Allocation: Allocation{MaxBandwidthPercent: 10, MaxFilters: 1, MaxBufferSize: 512, TimeSliceMs: 10}})
	require.NoError(t, err)

	err = ch.AddFilter(&Filter{ID: "f1", Kind: FilterPass, Mask: []byte{0xFF}, Pattern: []byte{0x01}})
	require.NoError(t, err)

	err = ch.AddFilter(&Filter{ID: "f2", Kind: FilterPass, Mask: []byte{0xFF}, Pattern: []byte{0x02}})
	require.Error(t, err)
}

func TestFilterMaskPatternLengthMismatch(t *testing.T) {
	f := &Filter{Kind: FilterPass, Mask: []byte{0xFF, 0xFF}, Pattern: []byte{0x01}}
	err := f.Validate()
	require.Error(t, err)
}

func TestSuspendFreesBandwidthForRebalance(t *testing.T) {
	m := NewManager(testDevice(), 10)
	a, err := m.CreateChannel(ChannelRequest{Protocol: ProtocolCAN, Priority: PriorityNormal, Allocation: Allocation{MaxBandwidthPercent: 60, MaxFilters: 1, MaxBufferSize: 512, TimeSliceMs: 10}})
	require.NoError(t, err)
	b, err := m.CreateChannel(ChannelRequest{Protocol: ProtocolCAN, Priority: PriorityNormal, Allocation: Allocation{MaxBandwidthPercent: 60, MaxFilters: 1, MaxBufferSize: 512, TimeSliceMs: 10}})
	require.NoError(t, err)
	require.Equal(t, 60, a.Allocation.AllocatedBandwidthPercent)
	require.Equal(t, 40, b.Allocation.AllocatedBandwidthPercent)

	require.NoError(t, m.Suspend(a.ID))
	require.Equal(t, 60, b.Allocation.AllocatedBandwidthPercent)
}

func TestCloseChannelFreesResourceExhaustedSlot(t *testing.T) {
	m := NewManager(testDevice(), 1)
	ch, err := m.CreateChannel(ChannelRequest{Protocol: ProtocolCAN, Allocation: Allocation{MaxBandwidthPercent: 10, MaxFilters: 1, MaxBufferSize: 512, TimeSliceMs: 10}})
	require.NoError(t, err)

	require.NoError(t, m.CloseChannel(ch.ID))

	_, err = m.CreateChannel(ChannelRequest{Protocol: ProtocolCAN, Allocation: Allocation{MaxBandwidthPercent: 10, MaxFilters: 1, MaxBufferSize: 512, TimeSliceMs: 10}})
	require.NoError(t, err)
}
