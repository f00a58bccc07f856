package coordinator

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zstack-go-home/internal/ncp"
	"zstack-go-home/internal/store"
	"zstack-go-home/internal/zcl"
)

// memStore is a minimal in-memory store for device manager tests.
type memStore struct {
	mu       sync.Mutex
	devices  map[string]store.Device
	netState *store.NetworkState
	lists    int
}

func newMemStore() *memStore {
	return &memStore{devices: make(map[string]store.Device)}
}

func (m *memStore) SaveDevice(dev *store.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[dev.IEEEAddress] = *dev
	return nil
}
func (m *memStore) GetDevice(ieee string) (*store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[ieee]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", ieee, store.ErrNotFound)
	}
	return &d, nil
}
func (m *memStore) UpdateDevice(ieee string, fn func(dev *store.Device) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[ieee]
	if !ok {
		return fmt.Errorf("device %s: %w", ieee, store.ErrNotFound)
	}
	if err := fn(&d); err != nil {
		return err
	}
	m.devices[ieee] = d
	return nil
}
func (m *memStore) DeleteDevice(ieee string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, ieee)
	return nil
}
func (m *memStore) ListDevices() ([]*store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists++
	list := make([]*store.Device, 0, len(m.devices))
	for _, d := range m.devices {
		d := d
		list = append(list, &d)
	}
	return list, nil
}
func (m *memStore) RecordMeasurements(ieee string, seen time.Time, lqi uint8, readings map[string]store.Measurement) error {
	return m.UpdateDevice(ieee, func(dev *store.Device) error {
		dev.LastSeen = seen
		dev.LQI = lqi
		if len(readings) > 0 && dev.Measurements == nil {
			dev.Measurements = make(map[string]store.Measurement)
		}
		for name, r := range readings {
			dev.Measurements[name] = r
		}
		return nil
	})
}
func (m *memStore) Measurement(ieee, name string) (store.Measurement, error) {
	dev, err := m.GetDevice(ieee)
	if err != nil {
		return store.Measurement{}, err
	}
	r, ok := dev.Measurements[name]
	if !ok {
		return store.Measurement{}, store.ErrNotFound
	}
	return r, nil
}
func (m *memStore) MeasuredDevices() ([]*store.Device, error) {
	all, _ := m.ListDevices()
	var out []*store.Device
	for _, d := range all {
		if !d.Left && len(d.Measurements) > 0 {
			out = append(out, d)
		}
	}
	return out, nil
}
func (m *memStore) SaveNetworkState(s *store.NetworkState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.netState = s
	return nil
}
func (m *memStore) GetNetworkState() (*store.NetworkState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.netState == nil {
		return nil, store.ErrNotFound
	}
	return m.netState, nil
}
func (m *memStore) Close() error { return nil }

func newTestDM(t *testing.T) (*DeviceManager, *memStore) {
	t.Helper()
	c, _, ms, _ := newTestCoordinator(t, Config{})
	return c.devices, ms
}

func TestAddrIndexUpdateAndLookup(t *testing.T) {
	dm, _ := newTestDM(t)

	dm.updateAddrIndex("00158D00012A3B4C", 0x1234)

	got := dm.lookupIEEE(0x1234)
	if got != "00158D00012A3B4C" {
		t.Errorf("lookupIEEE(0x1234) = %q, want 00158D00012A3B4C", got)
	}

	// A new short address replaces the old one.
	dm.updateAddrIndex("00158D00012A3B4C", 0x4321)
	if ieee := dm.lookupIEEE(0x1234); ieee != "" {
		t.Errorf("stale lookupIEEE(0x1234) = %q, want empty", ieee)
	}
	if ieee := dm.lookupIEEE(0x4321); ieee != "00158D00012A3B4C" {
		t.Errorf("lookupIEEE(0x4321) = %q", ieee)
	}

	if ieee := dm.lookupIEEE(0xFFFF); ieee != "" {
		t.Errorf("lookupIEEE(0xFFFF) = %q, want empty", ieee)
	}
}

func TestAddrIndexRemove(t *testing.T) {
	dm, _ := newTestDM(t)

	dm.updateAddrIndex("00158D00012A3B4C", 0x1234)
	dm.removeFromAddrIndex("00158D00012A3B4C")

	if ieee := dm.lookupIEEE(0x1234); ieee != "" {
		t.Errorf("after remove, lookupIEEE(0x1234) = %q, want empty", ieee)
	}
}

func TestLookupOrRebuild(t *testing.T) {
	dm, ms := newTestDM(t)

	// Store has devices but the index is empty.
	require.NoError(t, ms.SaveDevice(&store.Device{IEEEAddress: "CCCCCCCCCCCCCCCC", ShortAddress: 0x0003}))
	require.NoError(t, ms.SaveDevice(&store.Device{IEEEAddress: "DDDDDDDDDDDDDDDD", ShortAddress: 0x0004, Left: true}))

	if ieee := dm.lookupOrRebuild(0x0003); ieee != "CCCCCCCCCCCCCCCC" {
		t.Errorf("lookupOrRebuild(0x0003) = %q, want CCCCCCCCCCCCCCCC", ieee)
	}
	if ieee := dm.lookupOrRebuild(0x0004); ieee != "" {
		t.Errorf("left device indexed: %q", ieee)
	}
	if ieee := dm.lookupOrRebuild(0xDEAD); ieee != "" {
		t.Errorf("lookupOrRebuild(0xDEAD) = %q, want empty", ieee)
	}
}

func (m *memStore) listCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lists
}

func TestLookupUnknownAddressScansOnce(t *testing.T) {
	dm, ms := newTestDM(t)
	base := ms.listCount()

	for i := 0; i < 5; i++ {
		assert.Empty(t, dm.lookupOrRebuild(0xDEAD))
	}
	assert.Equal(t, base+1, ms.listCount(), "repeated frames from an unknown address")

	// An announce makes the address known without another scan.
	dm.HandleAnnounce(ncp.DeviceAnnounce{ShortAddr: 0xDEAD, IEEEAddr: testDeviceIEEE})
	dm.Wait()
	assert.Equal(t, testDeviceID, dm.lookupOrRebuild(0xDEAD))
	assert.Equal(t, base+1, ms.listCount())

	// Expired misses are checked against the store again.
	dm.addrMu.Lock()
	dm.misses[0xBEEF] = time.Now().Add(-2 * unknownAddrRetry)
	dm.addrMu.Unlock()
	assert.Empty(t, dm.lookupOrRebuild(0xBEEF))
	assert.Equal(t, base+2, ms.listCount())
}

func TestAnnounceUpdatesExistingDevice(t *testing.T) {
	dm, ms := newTestDM(t)
	joined := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, ms.SaveDevice(&store.Device{
		IEEEAddress: testDeviceID, ShortAddress: 0x1111, JoinedAt: joined, FriendlyName: "porch", Left: true,
	}))

	dm.HandleAnnounce(ncp.DeviceAnnounce{ShortAddr: 0x2222, IEEEAddr: testDeviceIEEE})
	dm.Wait()

	dev, err := ms.GetDevice(testDeviceID)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x2222), dev.ShortAddress)
	assert.Equal(t, "porch", dev.FriendlyName)
	assert.True(t, dev.JoinedAt.Equal(joined))
	assert.False(t, dev.Left)
	assert.Equal(t, testDeviceID, dm.lookupIEEE(0x2222))
}

func TestLeaveRemovesDevice(t *testing.T) {
	c, _, ms, log := newTestCoordinator(t, Config{})
	dm := c.devices
	dm.HandleAnnounce(ncp.DeviceAnnounce{ShortAddr: 0x1234, IEEEAddr: testDeviceIEEE})
	dm.Wait()

	c.HandleEvent(ncp.Event{Kind: ncp.EventDeviceLeftNetwork, Data: ncp.DeviceLeave{ShortAddr: 0x1234, IEEEAddr: testDeviceIEEE}})

	_, err := ms.GetDevice(testDeviceID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, dm.lookupIEEE(0x1234))
	require.Len(t, log.ofType(EventDeviceLeft), 1)
}

func TestLeaveWithRejoinKeepsDevice(t *testing.T) {
	c, _, ms, _ := newTestCoordinator(t, Config{})
	dm := c.devices
	dm.HandleAnnounce(ncp.DeviceAnnounce{ShortAddr: 0x1234, IEEEAddr: testDeviceIEEE})
	dm.Wait()

	dm.HandleLeave(ncp.DeviceLeave{ShortAddr: 0x1234, IEEEAddr: testDeviceIEEE, Rejoin: true})

	dev, err := ms.GetDevice(testDeviceID)
	require.NoError(t, err)
	assert.True(t, dev.Left)
	assert.Empty(t, dm.lookupIEEE(0x1234))
}

func TestMessageProducesMeasurement(t *testing.T) {
	c, _, ms, log := newTestCoordinator(t, Config{})
	require.NoError(t, ms.SaveDevice(&store.Device{IEEEAddress: testDeviceID, ShortAddress: 0x1234}))

	c.HandleEvent(ncp.Event{Kind: ncp.EventMessageReceived, Data: ncp.IncomingMessage{
		ClusterID:   0x0402,
		SrcAddr:     0x1234,
		SrcEndpoint: 1,
		DstEndpoint: 1,
		LinkQuality: 0x50,
		Data:        []byte{0x18, 0x01, 0x0A, 0x00, 0x00, 0x29, 0xB8, 0x0B},
	}})

	reports := log.ofType(EventAttributeReport)
	require.Len(t, reports, 1)
	r := reports[0].Data.(map[string]interface{})
	assert.Equal(t, testDeviceID, r["ieee"])
	assert.Equal(t, "Temperature Measurement", r["cluster_name"])
	assert.Equal(t, "MeasuredValue", r["attr_name"])
	assert.Equal(t, int64(3000), r["value"])

	ms2 := log.ofType(EventMeasurement)
	require.Len(t, ms2, 1)
	m := ms2[0].Data.(map[string]interface{})
	assert.Equal(t, "temperature", m["name"])
	assert.Equal(t, 30.0, m["value"])
	assert.Equal(t, "°C", m["unit"])

	dev, err := ms.GetDevice(testDeviceID)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x50), dev.LQI)
	require.Contains(t, dev.Measurements, "temperature")
	assert.Equal(t, 30.0, dev.Measurements["temperature"].Value)
	assert.Equal(t, uint16(0x0402), dev.Measurements["temperature"].ClusterID)
}

func TestMessageUnknownTypeKeepsEarlierAttributes(t *testing.T) {
	c, _, ms, log := newTestCoordinator(t, Config{})
	require.NoError(t, ms.SaveDevice(&store.Device{IEEEAddress: testDeviceID, ShortAddress: 0x1234}))

	c.devices.HandleMessage(ncp.IncomingMessage{
		ClusterID:   0x0001,
		SrcAddr:     0x1234,
		SrcEndpoint: 1,
		Data: []byte{
			0x18, 0x02, 0x0A,
			0x21, 0x00, 0x20, 0xB4, // 90 %
			0x05, 0x00, 0x42, 0x01, 'x',
		},
	})

	evs := log.ofType(EventMeasurement)
	require.Len(t, evs, 1)
	assert.Equal(t, "battery", evs[0].Data.(map[string]interface{})["name"])
	assert.Equal(t, 90.0, evs[0].Data.(map[string]interface{})["value"])
}

func TestMessageFromUnknownDevice(t *testing.T) {
	c, _, _, log := newTestCoordinator(t, Config{})
	c.devices.HandleMessage(ncp.IncomingMessage{
		ClusterID: 0x0402,
		SrcAddr:   0x7777,
		Data:      []byte{0x18, 0x01, 0x0A, 0x00, 0x00, 0x29, 0x00, 0x00},
	})
	evs := log.ofType(EventMeasurement)
	require.Len(t, evs, 1)
	assert.Equal(t, "", evs[0].Data.(map[string]interface{})["ieee"])
}

func TestMessageReportingStatus(t *testing.T) {
	c, _, ms, log := newTestCoordinator(t, Config{})
	require.NoError(t, ms.SaveDevice(&store.Device{IEEEAddress: testDeviceID, ShortAddress: 0x1234}))

	c.devices.HandleMessage(ncp.IncomingMessage{
		ClusterID: 0x0001,
		SrcAddr:   0x1234,
		Data:      []byte{0x18, 0x05, 0x07, 0x8C, 0x00, 0x21, 0x00},
	})

	evs := log.ofType(EventReporting)
	require.Len(t, evs, 1)
	data := evs[0].Data.(map[string]interface{})
	assert.Equal(t, false, data["ok"])
	assert.Equal(t, []zcl.ReportingStatus{{Status: zcl.ZCLStatusUnreportable, AttrID: 0x0021}}, data["records"])
}

func TestRenameAndRemoveDevice(t *testing.T) {
	c, _, ms, log := newTestCoordinator(t, Config{})
	dm := c.devices
	require.NoError(t, ms.SaveDevice(&store.Device{IEEEAddress: testDeviceID, ShortAddress: 0x1234}))

	require.NoError(t, dm.RenameDevice(testDeviceID, "greenhouse"))
	dev, err := dm.GetDevice(testDeviceID)
	require.NoError(t, err)
	assert.Equal(t, "greenhouse", dev.FriendlyName)

	require.NoError(t, dm.RemoveDevice(testDeviceID))
	assert.ErrorIs(t, dm.RemoveDevice(testDeviceID), store.ErrNotFound)
	list, err := dm.ListDevices()
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Len(t, log.ofType(EventDeviceLeft), 1)
}

func TestLastJoinCleanup(t *testing.T) {
	dm, _ := newTestDM(t)

	dm.lastJoinMu.Lock()
	for i := 0; i < 60; i++ {
		dm.lastJoin[fmt.Sprintf("%016X", i)] = time.Now().Add(-2 * time.Minute)
	}
	dm.lastJoinMu.Unlock()

	dm.HandleAnnounce(ncp.DeviceAnnounce{ShortAddr: 0x1234, IEEEAddr: testDeviceIEEE})
	dm.Wait()

	dm.lastJoinMu.Lock()
	count := len(dm.lastJoin)
	dm.lastJoinMu.Unlock()

	if count != 1 {
		t.Errorf("after cleanup, lastJoin count = %d, want 1", count)
	}
}
