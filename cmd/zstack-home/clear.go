package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"zstack-go-home/internal/coordinator"
)

var (
	clearTimeout    time.Duration
	clearForgetDevs bool
)

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Erase the radio's network configuration and provision it again",
	Long: `clear brings the radio up, sets its startup option to clear the stored
network configuration and state, and waits until the radio has been
provisioned from the configuration file and started as coordinator again.
Devices joined before the clear must rejoin.`,
	RunE: runClear,
}

func init() {
	clearCmd.Flags().DurationVar(&clearTimeout, "timeout", 2*time.Minute, "time to wait for each startup")
	clearCmd.Flags().BoolVar(&clearForgetDevs, "forget-devices", false, "also delete all stored devices")
}

func runClear(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	st, err := openStack(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	events, unsub := st.coord.Events().Subscribe(64)
	defer unsub()

	ctx, cancel := context.WithTimeout(cmd.Context(), clearTimeout)
	defer cancel()
	if err := st.coord.Start(); err != nil {
		return err
	}
	// A radio that fails to start with its current configuration can still
	// be cleared.
	state, err := st.waitState(ctx, events, coordinator.StateReady, coordinator.StateFailed)
	if err != nil {
		return err
	}
	logger.Info("radio up, clearing configuration", "state", state)

	drain(events)
	ctx, cancel = context.WithTimeout(cmd.Context(), clearTimeout)
	defer cancel()
	if err := st.coord.Clear(); err != nil {
		return err
	}
	state, err = st.waitState(ctx, events, coordinator.StateReady, coordinator.StateFailed)
	if err != nil {
		return err
	}
	if state != coordinator.StateReady {
		return fmt.Errorf("radio did not start after clear (state %s)", state)
	}

	if clearForgetDevs {
		devices, err := st.coord.Devices().ListDevices()
		if err != nil {
			return err
		}
		for _, dev := range devices {
			if err := st.coord.Devices().RemoveDevice(dev.IEEEAddress); err != nil {
				return err
			}
		}
		logger.Info("stored devices removed", "count", len(devices))
	}

	info := st.coord.NetworkInfo()
	fmt.Fprintf(cmd.OutOrStdout(), "cleared: channel %v, PAN %v, coordinator %v\n",
		info["channel"], info["pan_id"], info["coordinator_ieee"])
	return nil
}

// drain discards queued events so a stale state is not mistaken for the
// outcome of the next step.
func drain(events <-chan coordinator.Event) {
	for {
		select {
		case <-events:
		default:
			return
		}
	}
}
