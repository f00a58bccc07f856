package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDevices = []byte("devices")
	bucketNetwork = []byte("network")
	keyNetState   = []byte("state")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDevices, bucketNetwork} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveDevice(dev *Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putDevice(tx, dev)
	})
}

func putDevice(tx *bolt.Tx, dev *Device) error {
	b := tx.Bucket(bucketDevices)
	if b == nil {
		return fmt.Errorf("bucket %q not found", bucketDevices)
	}
	data, err := json.Marshal(dev)
	if err != nil {
		return err
	}
	return b.Put([]byte(dev.IEEEAddress), data)
}

func getDevice(tx *bolt.Tx, ieee string) (*Device, error) {
	b := tx.Bucket(bucketDevices)
	if b == nil {
		return nil, fmt.Errorf("bucket %q not found", bucketDevices)
	}
	data := b.Get([]byte(ieee))
	if data == nil {
		return nil, fmt.Errorf("device %s: %w", ieee, ErrNotFound)
	}
	var dev Device
	if err := json.Unmarshal(data, &dev); err != nil {
		return nil, fmt.Errorf("device %s: %w", ieee, err)
	}
	return &dev, nil
}

func (s *BoltStore) GetDevice(ieee string) (*Device, error) {
	var dev *Device
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		dev, err = getDevice(tx, ieee)
		return err
	})
	if err != nil {
		return nil, err
	}
	return dev, nil
}

func (s *BoltStore) UpdateDevice(ieee string, fn func(dev *Device) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		dev, err := getDevice(tx, ieee)
		if err != nil {
			return err
		}
		if err := fn(dev); err != nil {
			return err
		}
		dev.IEEEAddress = ieee
		return putDevice(tx, dev)
	})
}

func (s *BoltStore) DeleteDevice(ieee string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		return b.Delete([]byte(ieee))
	})
}

func (s *BoltStore) ListDevices() ([]*Device, error) {
	var devices []*Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return nil // no bucket = no devices
		}
		devices = make([]*Device, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var dev Device
			if err := json.Unmarshal(v, &dev); err != nil {
				return err
			}
			devices = append(devices, &dev)
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) RecordMeasurements(ieee string, seen time.Time, lqi uint8, readings map[string]Measurement) error {
	return s.UpdateDevice(ieee, func(dev *Device) error {
		dev.LastSeen = seen
		dev.LQI = lqi
		if len(readings) == 0 {
			return nil
		}
		if dev.Measurements == nil {
			dev.Measurements = make(map[string]Measurement, len(readings))
		}
		for name, m := range readings {
			dev.Measurements[name] = m
		}
		return nil
	})
}

func (s *BoltStore) Measurement(ieee, name string) (Measurement, error) {
	dev, err := s.GetDevice(ieee)
	if err != nil {
		return Measurement{}, err
	}
	m, ok := dev.Measurements[name]
	if !ok {
		return Measurement{}, fmt.Errorf("measurement %s of %s: %w", name, ieee, ErrNotFound)
	}
	return m, nil
}

func (s *BoltStore) MeasuredDevices() ([]*Device, error) {
	all, err := s.ListDevices()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, dev := range all {
		if !dev.Left && len(dev.Measurements) > 0 {
			out = append(out, dev)
		}
	}
	return out, nil
}

func (s *BoltStore) SaveNetworkState(state *NetworkState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNetwork)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketNetwork)
		}
		st := networkStateStorage(*state)
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return b.Put(keyNetState, data)
	})
}

func (s *BoltStore) GetNetworkState() (*NetworkState, error) {
	var state NetworkState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNetwork)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketNetwork)
		}
		data := b.Get(keyNetState)
		if data == nil {
			return fmt.Errorf("network state: %w", ErrNotFound)
		}
		var st networkStateStorage
		if err := json.Unmarshal(data, &st); err != nil {
			return err
		}
		state = NetworkState(st)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
