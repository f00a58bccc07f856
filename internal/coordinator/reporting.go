package coordinator

import (
	"fmt"

	"zstack-go-home/internal/ncp"
	"zstack-go-home/internal/zcl"
)

// ConfigureReporting sends a configure-reporting command for the given
// attribute records to a device endpoint. Delivery is reported by request
// events and the device's answer by a reporting_configured event.
func (c *Coordinator) ConfigureReporting(ieee string, endpoint uint8, clusterID uint16, records ...zcl.ConfigureReporting) error {
	if !c.Ready() {
		return ErrNotReady
	}
	if len(records) == 0 {
		return fmt.Errorf("configure reporting: no records")
	}
	dev, err := c.store.GetDevice(ieee)
	if err != nil {
		return fmt.Errorf("configure reporting: %w", err)
	}
	frame, err := zcl.ConfigureReportingFrame(c.nextZCLSeq(), records...)
	if err != nil {
		return fmt.Errorf("configure reporting: %w", err)
	}
	return c.SendZCL(dev.ShortAddress, endpoint, clusterID, frame)
}

// SendZCL sends a raw ZCL frame to a device endpoint.
func (c *Coordinator) SendZCL(shortAddr uint16, endpoint uint8, clusterID uint16, frame []byte) error {
	trans := c.nextTransaction()
	err := c.ncp.DataRequest(ncp.DataRequest{
		TransactionID: trans,
		DstAddr:       shortAddr,
		DstEndpoint:   endpoint,
		ClusterID:     clusterID,
		Payload:       frame,
	})
	if err != nil {
		return fmt.Errorf("data request: %w", err)
	}
	c.logger.Debug("zcl frame sent", "short", fmt.Sprintf("0x%04X", shortAddr), "ep", endpoint,
		"cluster", fmt.Sprintf("0x%04X", clusterID), "transaction", trans)
	return nil
}
