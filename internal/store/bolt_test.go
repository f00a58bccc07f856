package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetDevice(t *testing.T) {
	s := newTestStore(t)

	now := time.Now().Truncate(time.Millisecond)
	dev := &Device{
		IEEEAddress:  "00124B0012345678",
		ShortAddress: 0x1234,
		Capability:   0x80,
		JoinedAt:     now,
		LastSeen:     now,
		Bindings:     []uint16{0x0402},
		Measurements: map[string]Measurement{
			"temperature": {Value: 21.5, Unit: "°C", Endpoint: 1, ClusterID: 0x0402, UpdatedAt: now},
		},
	}

	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDevice(dev.IEEEAddress)
	if err != nil {
		t.Fatal(err)
	}

	if got.IEEEAddress != dev.IEEEAddress {
		t.Errorf("ieee = %q, want %q", got.IEEEAddress, dev.IEEEAddress)
	}
	if got.ShortAddress != dev.ShortAddress {
		t.Errorf("short = 0x%04X, want 0x%04X", got.ShortAddress, dev.ShortAddress)
	}
	if got.Capability != 0x80 {
		t.Errorf("capability = 0x%02X, want 0x80", got.Capability)
	}
	if !got.HasBinding(0x0402) || got.HasBinding(0x0001) {
		t.Errorf("bindings = %v", got.Bindings)
	}
	m, ok := got.Measurements["temperature"]
	if !ok {
		t.Fatal("temperature measurement missing")
	}
	if m.Value != 21.5 || m.Unit != "°C" || m.ClusterID != 0x0402 {
		t.Errorf("measurement = %+v", m)
	}
}

func TestUpdateDevice(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveDevice(&Device{IEEEAddress: "00124B0012345678", ShortAddress: 0x1234}); err != nil {
		t.Fatal(err)
	}

	err := s.UpdateDevice("00124B0012345678", func(dev *Device) error {
		dev.ShortAddress = 0x4321
		dev.Bindings = append(dev.Bindings, 0x0001)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDevice("00124B0012345678")
	if err != nil {
		t.Fatal(err)
	}
	if got.ShortAddress != 0x4321 {
		t.Errorf("short = 0x%04X, want 0x4321", got.ShortAddress)
	}
	if !got.HasBinding(0x0001) {
		t.Errorf("bindings = %v", got.Bindings)
	}

	errAbort := errors.New("abort")
	err = s.UpdateDevice("00124B0012345678", func(dev *Device) error {
		dev.ShortAddress = 0xFFFF
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("err = %v, want abort", err)
	}
	got, _ = s.GetDevice("00124B0012345678")
	if got.ShortAddress != 0x4321 {
		t.Errorf("aborted update persisted: short = 0x%04X", got.ShortAddress)
	}
}

func TestUpdateDeviceNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateDevice("FFFFFFFFFFFFFFFF", func(dev *Device) error { return nil })
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteDevice(t *testing.T) {
	s := newTestStore(t)

	dev := &Device{IEEEAddress: "00124B0012345678", ShortAddress: 0x1234}
	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteDevice(dev.IEEEAddress); err != nil {
		t.Fatal(err)
	}

	_, err := s.GetDevice(dev.IEEEAddress)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListDevices(t *testing.T) {
	s := newTestStore(t)

	devs := []*Device{
		{IEEEAddress: "0000000000000001", ShortAddress: 0x0001},
		{IEEEAddress: "0000000000000002", ShortAddress: 0x0002},
		{IEEEAddress: "0000000000000003", ShortAddress: 0x0003},
	}
	for _, d := range devs {
		if err := s.SaveDevice(d); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListDevices()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("list count = %d, want 3", len(list))
	}

	found := make(map[string]bool)
	for _, d := range list {
		found[d.IEEEAddress] = true
	}
	for _, d := range devs {
		if !found[d.IEEEAddress] {
			t.Errorf("device %s not in list", d.IEEEAddress)
		}
	}
}

func TestRecordMeasurements(t *testing.T) {
	s := newTestStore(t)
	const ieee = "00124B0012345678"

	if err := s.RecordMeasurements(ieee, time.Now(), 80, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown device: err = %v, want ErrNotFound", err)
	}
	if err := s.SaveDevice(&Device{IEEEAddress: ieee, Measurements: map[string]Measurement{
		"battery": {Value: 90, Unit: "%"},
	}}); err != nil {
		t.Fatal(err)
	}

	seen := time.Now().Truncate(time.Millisecond)
	err := s.RecordMeasurements(ieee, seen, 120, map[string]Measurement{
		"temperature": {Value: 21.5, Unit: "°C", Endpoint: 1, ClusterID: 0x0402, UpdatedAt: seen},
	})
	if err != nil {
		t.Fatal(err)
	}

	dev, err := s.GetDevice(ieee)
	if err != nil {
		t.Fatal(err)
	}
	if dev.LQI != 120 || !dev.LastSeen.Equal(seen) {
		t.Errorf("lqi %d, last seen %v", dev.LQI, dev.LastSeen)
	}
	if len(dev.Measurements) != 2 {
		t.Errorf("measurements = %v, want battery kept and temperature added", dev.Measurements)
	}

	m, err := s.Measurement(ieee, "temperature")
	if err != nil {
		t.Fatal(err)
	}
	if m.Value != 21.5 || m.ClusterID != 0x0402 {
		t.Errorf("temperature = %+v", m)
	}
	if _, err := s.Measurement(ieee, "humidity"); !errors.Is(err, ErrNotFound) {
		t.Errorf("humidity: err = %v, want ErrNotFound", err)
	}
	if _, err := s.Measurement("FFFFFFFFFFFFFFFF", "temperature"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown device: err = %v, want ErrNotFound", err)
	}
}

func TestMeasuredDevices(t *testing.T) {
	s := newTestStore(t)
	reading := map[string]Measurement{"temperature": {Value: 20}}
	for _, dev := range []*Device{
		{IEEEAddress: "AAAAAAAAAAAAAAAA", Measurements: reading},
		{IEEEAddress: "BBBBBBBBBBBBBBBB"},
		{IEEEAddress: "CCCCCCCCCCCCCCCC", Measurements: reading, Left: true},
	} {
		if err := s.SaveDevice(dev); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.MeasuredDevices()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].IEEEAddress != "AAAAAAAAAAAAAAAA" {
		t.Errorf("measured devices = %v", got)
	}
}

func TestSaveAndGetNetworkState(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.GetNetworkState(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty store: err = %v, want ErrNotFound", err)
	}

	state := &NetworkState{
		IEEEAddress:  "00124B0000000001",
		ShortAddress: 0x0000,
		Channel:      15,
		PanID:        0x1A62,
		NetworkKey:   "000102030405060708090A0B0C0D0E0F",
		Formed:       true,
	}

	if err := s.SaveNetworkState(state); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetNetworkState()
	if err != nil {
		t.Fatal(err)
	}

	if got.IEEEAddress != state.IEEEAddress {
		t.Errorf("ieee = %q, want %q", got.IEEEAddress, state.IEEEAddress)
	}
	if got.Channel != state.Channel {
		t.Errorf("channel = %d, want %d", got.Channel, state.Channel)
	}
	if got.PanID != state.PanID {
		t.Errorf("pan_id = 0x%04X, want 0x%04X", got.PanID, state.PanID)
	}
	if got.NetworkKey != state.NetworkKey {
		t.Errorf("network_key = %q, want %q", got.NetworkKey, state.NetworkKey)
	}
	if !got.Formed {
		t.Error("formed = false, want true")
	}
}
