package main

import (
	"context"
	"fmt"
	"log/slog"

	"zstack-go-home/internal/coordinator"
	"zstack-go-home/internal/ncp"
	"zstack-go-home/internal/store"
	"zstack-go-home/internal/zcl"
	"zstack-go-home/internal/zcl/clusters"
)

// stack is the radio driver, store and coordinator shared by all commands.
type stack struct {
	db    *store.BoltStore
	coord *coordinator.Coordinator
}

func openStack(cfg *Config, logger *slog.Logger) (*stack, error) {
	registry := zcl.NewRegistry(logger)
	registerClusters(registry)

	profile, err := coordinator.LoadProfileDir(cfg.Coordinator.ProfilesDir, registry, logger)
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	profile.Add(coordinator.Profile{Bind: cfg.Coordinator.Bind, Reporting: cfg.Coordinator.Reporting})
	logger.Info("ZCL registry initialized", "clusters", len(registry.All()), "bind", len(profile.Clusters()))

	key, err := cfg.networkKey()
	if err != nil {
		return nil, err
	}

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	port, err := ncp.OpenSerial(ncp.SerialConfig{
		Port:        cfg.Serial.Port,
		BaudRate:    cfg.Serial.Baud,
		ReadTimeout: cfg.Serial.ReadTimeout,
		ResetLine:   cfg.Serial.ResetLine,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	// The driver and coordinator reference each other; the driver delivers
	// nothing before Start, by which time coord is set.
	var coord *coordinator.Coordinator
	sink := ncp.EventSinkFunc(func(e ncp.Event) { coord.HandleEvent(e) })

	backend, err := ncp.NewZStack(port, sink, ncp.ZStackConfig{
		Channel:    cfg.Network.Channel,
		PanID:      cfg.Network.PanID,
		NetworkKey: key,
	}, logger.With("component", "zstack"))
	if err != nil {
		port.Close()
		db.Close()
		return nil, err
	}

	coord = coordinator.New(backend, db, registry, coordinator.NewEventBus(logger), coordinator.Config{
		Channel:           cfg.Network.Channel,
		PanID:             cfg.Network.PanID,
		NetworkKey:        key,
		PermitJoinOnStart: cfg.Coordinator.PermitJoinOnStart,
		MaxConfigRetries:  cfg.Coordinator.MaxConfigRetries,
		Profile:           *profile,
	}, logger)

	return &stack{db: db, coord: coord}, nil
}

func (s *stack) Close() {
	s.coord.Stop()
	s.db.Close()
}

// waitState blocks until the coordinator reports one of the given states.
func (s *stack) waitState(ctx context.Context, events <-chan coordinator.Event, states ...string) (string, error) {
	match := func(st string) bool {
		for _, want := range states {
			if st == want {
				return true
			}
		}
		return false
	}
	if st := s.coord.State(); match(st) {
		return st, nil
	}
	for {
		select {
		case <-ctx.Done():
			return s.coord.State(), fmt.Errorf("waiting for %v: %w", states, ctx.Err())
		case e, ok := <-events:
			if !ok {
				return s.coord.State(), fmt.Errorf("event stream closed")
			}
			if e.Type != coordinator.EventNetworkState {
				continue
			}
			data, _ := e.Data.(map[string]interface{})
			if st, _ := data["state"].(string); match(st) {
				return st, nil
			}
		}
	}
}

func registerClusters(r *zcl.Registry) {
	r.Register(clusters.PowerConfiguration)     // 0x0001
	r.Register(clusters.TemperatureMeasurement) // 0x0402
	r.Register(clusters.RelativeHumidity)       // 0x0405
	r.Register(clusters.SoilMoisture)           // 0x0408
}
