package coordinator

import (
	"fmt"

	"zstack-go-home/internal/ncp"
	"zstack-go-home/internal/store"
)

// pendingBind remembers what a bind request asked for; the response only
// carries the responder's short address.
type pendingBind struct {
	ieee    string
	cluster uint16
}

// Bind asks the device to report clusterID on endpoint to the coordinator.
// The result is reported by a bind event.
func (c *Coordinator) Bind(ieee string, endpoint uint8, clusterID uint16) error {
	if !c.Ready() {
		return ErrNotReady
	}
	dev, err := c.store.GetDevice(ieee)
	if err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	addr, err := ParseIEEE(ieee)
	if err != nil {
		return fmt.Errorf("bind: %w", err)
	}

	c.bindMu.Lock()
	c.pendingBinds[dev.ShortAddress] = append(c.pendingBinds[dev.ShortAddress], pendingBind{ieee: ieee, cluster: clusterID})
	c.bindMu.Unlock()

	err = c.ncp.BindRequest(ncp.BindRequest{
		TargetShortAddr: dev.ShortAddress,
		SrcIEEE:         addr,
		SrcEndpoint:     endpoint,
		ClusterID:       clusterID,
	})
	if err != nil {
		c.dropPendingBind(dev.ShortAddress)
		return fmt.Errorf("bind: %w", err)
	}
	c.logger.Info("bind requested", "ieee", ieee, "ep", endpoint, "cluster", fmt.Sprintf("0x%04X", clusterID))
	return nil
}

func (c *Coordinator) dropPendingBind(short uint16) (pendingBind, bool) {
	c.bindMu.Lock()
	defer c.bindMu.Unlock()
	q := c.pendingBinds[short]
	if len(q) == 0 {
		return pendingBind{}, false
	}
	// Responses arrive in request order.
	p := q[0]
	if len(q) == 1 {
		delete(c.pendingBinds, short)
	} else {
		c.pendingBinds[short] = q[1:]
	}
	return p, true
}

func (c *Coordinator) onBindResponse(r ncp.BindResponse) {
	p, ok := c.dropPendingBind(r.ShortAddr)
	if !ok {
		c.logger.Debug("unsolicited bind response", "short", fmt.Sprintf("0x%04X", r.ShortAddr), "status", r.Status)
		return
	}
	success := r.Status == 0
	if success {
		c.logger.Info("bound cluster", "ieee", p.ieee, "cluster", fmt.Sprintf("0x%04X", p.cluster))
		err := c.store.UpdateDevice(p.ieee, func(dev *store.Device) error {
			if !dev.HasBinding(p.cluster) {
				dev.Bindings = append(dev.Bindings, p.cluster)
			}
			return nil
		})
		if err != nil {
			c.logger.Error("record binding", "err", err, "ieee", p.ieee)
		}
	} else {
		c.logger.Warn("bind failed", "ieee", p.ieee, "cluster", fmt.Sprintf("0x%04X", p.cluster), "status", r.Status)
	}
	c.events.Emit(Event{Type: EventBind, Data: map[string]interface{}{
		"ieee":    p.ieee,
		"cluster": p.cluster,
		"ok":      success,
		"status":  r.Status,
	}})
}
