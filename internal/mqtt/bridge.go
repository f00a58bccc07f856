//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"zstack-go-home/internal/coordinator"
	"zstack-go-home/internal/store"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	// ClientID defaults to "zstack-go-home-" and a random suffix.
	ClientID string
}

// Bridge publishes coordinator measurements and network state to MQTT with
// HA autodiscovery, and accepts permit-join requests.
type Bridge struct {
	client pahomqtt.Client
	coord  *coordinator.Coordinator
	prefix string
	logger *slog.Logger
	unsub  func()

	// pub is replaced in tests.
	pub func(topic string, payload []byte, retained bool)

	// Per-device state accumulator.
	mu         sync.Mutex
	states     map[string]map[string]any // IEEE -> measurement map
	discovered map[string]map[string]bool
}

func newBridge(coord *coordinator.Coordinator, prefix string, logger *slog.Logger) *Bridge {
	return &Bridge{
		coord:      coord,
		prefix:     prefix,
		logger:     logger.With("component", "mqtt"),
		states:     make(map[string]map[string]any),
		discovered: make(map[string]map[string]bool),
	}
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(coord *coordinator.Coordinator, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(coord, cfg.TopicPrefix, logger)
	b.pub = b.publish

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "zstack-go-home-" + uuid.NewString()[:8]
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected", "client_id", clientID)
			b.publishBridgeState("online")
			b.publishNetwork()
			b.publishAllDiscovery()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// The client must be set before Connect: the connect handler publishes.
	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to coordinator events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.coord.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	data, _ := event.Data.(map[string]interface{})
	switch event.Type {
	case coordinator.EventMeasurement:
		b.handleMeasurement(data)
	case coordinator.EventNetworkState, coordinator.EventPermitJoin:
		b.publishNetwork()
	case coordinator.EventDeviceLeft:
		b.handleDeviceLeft(data)
	}
}

func (b *Bridge) handleMeasurement(data map[string]interface{}) {
	ieee, _ := data["ieee"].(string)
	name, _ := data["name"].(string)
	if ieee == "" || name == "" {
		return
	}
	unit, _ := data["unit"].(string)

	dev, err := b.coord.Devices().GetDevice(ieee)
	if err != nil {
		b.logger.Debug("measurement for unknown device", "ieee", ieee)
		return
	}

	b.mu.Lock()
	state, ok := b.states[ieee]
	if !ok {
		state = make(map[string]any)
		b.states[ieee] = state
	}
	state[name] = data["value"]
	state["linkquality"] = dev.LQI
	state["last_seen"] = dev.LastSeen.Format(time.RFC3339)
	payload := mustJSON(state)

	seen := b.discovered[ieee]
	if seen == nil {
		seen = make(map[string]bool)
		b.discovered[ieee] = seen
	}
	var disc []discoveryMsg
	if !seen[name] {
		seen[name] = true
		disc = append(disc, buildSensor(dev, b.prefix, name, unit))
		if !seen["linkquality"] {
			seen["linkquality"] = true
			disc = append(disc, buildSensor(dev, b.prefix, "linkquality", "lqi"))
		}
	}
	b.mu.Unlock()

	for _, msg := range disc {
		b.pub(msg.Topic, msg.Payload, true)
	}
	b.pub(b.prefix+"/"+deviceTopicName(dev), payload, true)
}

func (b *Bridge) handleDeviceLeft(data map[string]interface{}) {
	ieee, _ := data["ieee"].(string)
	if ieee == "" {
		return
	}
	if rejoin, _ := data["rejoin"].(bool); rejoin {
		return
	}

	b.mu.Lock()
	var names []string
	for name := range b.discovered[ieee] {
		if name != "linkquality" {
			names = append(names, name)
		}
	}
	delete(b.discovered, ieee)
	delete(b.states, ieee)
	b.mu.Unlock()

	for _, msg := range buildRemoveDiscovery(ieee, names) {
		b.pub(msg.Topic, msg.Payload, true)
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.pub(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishNetwork() {
	b.pub(b.prefix+"/bridge/network", mustJSON(b.coord.NetworkInfo()), true)
}

func (b *Bridge) publishAllDiscovery() {
	devices, err := b.coord.Devices().MeasuredDevices()
	if err != nil {
		b.logger.Error("list devices for discovery", "err", err)
		return
	}
	for _, dev := range devices {
		b.publishDeviceDiscovery(dev)
	}
}

func (b *Bridge) publishDeviceDiscovery(dev *store.Device) {
	b.mu.Lock()
	seen := make(map[string]bool, len(dev.Measurements)+1)
	for name := range dev.Measurements {
		seen[name] = true
	}
	seen["linkquality"] = true
	b.discovered[dev.IEEEAddress] = seen
	b.mu.Unlock()

	for _, msg := range buildDiscovery(dev, b.prefix) {
		b.pub(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "ieee", dev.IEEEAddress, "name", deviceDisplayName(dev))
}

func (b *Bridge) subscribeCommands() {
	topic := b.prefix + "/bridge/request/permit_join"
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handlePermitJoin(msg.Payload())
	})
}

func (b *Bridge) handlePermitJoin(payload []byte) {
	enabled, err := parsePermitJoin(payload)
	if err != nil {
		b.logger.Warn("invalid permit_join request", "payload", string(payload), "err", err)
		return
	}
	if err := b.coord.PermitJoin(enabled); err != nil {
		b.logger.Warn("permit_join request failed", "err", err)
	}
}

// parsePermitJoin accepts "true"/"false", "ON"/"OFF", "1"/"0" or a JSON
// object {"value": bool}.
func parsePermitJoin(payload []byte) (bool, error) {
	s := strings.TrimSpace(string(payload))
	if strings.HasPrefix(s, "{") {
		var req struct {
			Value *bool `json:"value"`
		}
		if err := json.Unmarshal([]byte(s), &req); err != nil {
			return false, err
		}
		if req.Value == nil {
			return false, fmt.Errorf("missing value")
		}
		return *req.Value, nil
	}
	switch strings.ToUpper(s) {
	case "ON":
		return true, nil
	case "OFF":
		return false, nil
	}
	return strconv.ParseBool(s)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
