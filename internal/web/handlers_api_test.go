package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"zstack-go-home/internal/coordinator"
	"zstack-go-home/internal/ncp"
	"zstack-go-home/internal/store"
	"zstack-go-home/internal/zcl"
	"zstack-go-home/internal/zcl/clusters"
)

// stubNCP implements ncp.NCP and records outgoing requests.
type stubNCP struct {
	mu      sync.Mutex
	permit  []bool
	data    []ncp.DataRequest
	binds   []ncp.BindRequest
	sendErr error
}

func (s *stubNCP) Start() error       { return nil }
func (s *stubNCP) Close() error       { return nil }
func (s *stubNCP) Reset() error       { return nil }
func (s *stubNCP) Clear() error       { return nil }
func (s *stubNCP) LocalIEEE() [8]byte { return [8]byte{} }

func (s *stubNCP) PermitJoin(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permit = append(s.permit, enabled)
	return nil
}

func (s *stubNCP) DataRequest(req ncp.DataRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, req)
	return s.sendErr
}

func (s *stubNCP) BindRequest(req ncp.BindRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.binds = append(s.binds, req)
	return s.sendErr
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestCoordinator(t *testing.T, ready bool) (*coordinator.Coordinator, *store.BoltStore, *stubNCP) {
	t.Helper()
	logger := testLogger()
	registry := zcl.NewRegistry(logger)
	registry.Register(clusters.TemperatureMeasurement)
	registry.Register(clusters.PowerConfiguration)

	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	stub := &stubNCP{}
	coord := coordinator.New(stub, db, registry, coordinator.NewEventBus(logger), coordinator.Config{
		Channel: 15, PanID: 0x1A62,
	}, logger)
	t.Cleanup(coord.Devices().Shutdown)
	if ready {
		coord.HandleEvent(ncp.Event{Kind: ncp.EventCoordinatorReady, Data: ncp.CoordinatorInfo{}})
	}
	return coord, db, stub
}

func setupTestServer(t *testing.T, apiKey string) (*Server, *store.BoltStore, *stubNCP) {
	t.Helper()
	coord, db, stub := newTestCoordinator(t, true)

	var opts []ServerOption
	if apiKey != "" {
		opts = append(opts, WithAPIKey(apiKey))
	}
	srv, err := NewServer(coord, testLogger(), opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Stop)

	return srv, db, stub
}

func seedDevice(t *testing.T, db *store.BoltStore, ieee string, short uint16) {
	t.Helper()
	if err := db.SaveDevice(&store.Device{
		IEEEAddress:  ieee,
		ShortAddress: short,
		JoinedAt:     time.Now(),
		Measurements: map[string]store.Measurement{
			"temperature": {Value: 21.5, Unit: "°C", Endpoint: 1, ClusterID: 0x0402},
		},
	}); err != nil {
		t.Fatal(err)
	}
}

func doRequest(srv http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestAPIListDevices(t *testing.T) {
	srv, db, _ := setupTestServer(t, "")
	seedDevice(t, db, "00124B0012345678", 0x1234)
	seedDevice(t, db, "00124B0012345679", 0x1235)

	w := doRequest(srv, "GET", "/api/devices", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var devices []store.Device
	if err := json.NewDecoder(w.Body).Decode(&devices); err != nil {
		t.Fatal(err)
	}
	if len(devices) != 2 {
		t.Errorf("device count = %d, want 2", len(devices))
	}
}

func TestAPIGetDevice(t *testing.T) {
	srv, db, _ := setupTestServer(t, "")
	seedDevice(t, db, "00124B0012345678", 0x1234)

	w := doRequest(srv, "GET", "/api/devices/00124B0012345678", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var dev store.Device
	if err := json.NewDecoder(w.Body).Decode(&dev); err != nil {
		t.Fatal(err)
	}
	if dev.IEEEAddress != "00124B0012345678" {
		t.Errorf("ieee = %q", dev.IEEEAddress)
	}
	if m := dev.Measurements["temperature"]; m.Value != 21.5 {
		t.Errorf("temperature = %+v, want 21.5", m)
	}
}

func TestAPIGetDeviceNotFound(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")

	w := doRequest(srv, "GET", "/api/devices/FFFFFFFFFFFFFFFF", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIGetMeasurement(t *testing.T) {
	srv, db, _ := setupTestServer(t, "")
	seedDevice(t, db, "00124B0012345678", 0x1234)

	w := doRequest(srv, "GET", "/api/devices/00124B0012345678/measurements/temperature", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var m store.Measurement
	if err := json.NewDecoder(w.Body).Decode(&m); err != nil {
		t.Fatal(err)
	}
	if m.Value != 21.5 || m.Unit != "°C" || m.ClusterID != 0x0402 {
		t.Errorf("measurement = %+v", m)
	}

	for _, path := range []string{
		"/api/devices/00124B0012345678/measurements/humidity",
		"/api/devices/FFFFFFFFFFFFFFFF/measurements/temperature",
	} {
		if w := doRequest(srv, "GET", path, ""); w.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want %d", path, w.Code, http.StatusNotFound)
		}
	}
}

func TestAPIDeleteDevice(t *testing.T) {
	srv, db, _ := setupTestServer(t, "")
	seedDevice(t, db, "00124B0012345678", 0x1234)

	w := doRequest(srv, "DELETE", "/api/devices/00124B0012345678", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if _, err := db.GetDevice("00124B0012345678"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected device to be deleted, got %v", err)
	}

	w = doRequest(srv, "DELETE", "/api/devices/00124B0012345678", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete: status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIRenameDevice(t *testing.T) {
	srv, db, _ := setupTestServer(t, "")
	seedDevice(t, db, "00124B0012345678", 0x1234)

	w := doRequest(srv, "PATCH", "/api/devices/00124B0012345678", `{"friendly_name": "Greenhouse"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["friendly_name"] != "Greenhouse" {
		t.Errorf("friendly_name = %q, want Greenhouse", resp["friendly_name"])
	}

	dev, err := db.GetDevice("00124B0012345678")
	if err != nil {
		t.Fatal(err)
	}
	if dev.FriendlyName != "Greenhouse" {
		t.Errorf("stored friendly_name = %q, want Greenhouse", dev.FriendlyName)
	}
	if len(dev.Measurements) != 1 {
		t.Errorf("rename dropped measurements: %+v", dev.Measurements)
	}
}

func TestAPIRenameDeviceNotFound(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")

	w := doRequest(srv, "PATCH", "/api/devices/FFFFFFFFFFFFFFFF", `{"friendly_name": "Test"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIBind(t *testing.T) {
	srv, db, stub := setupTestServer(t, "")
	seedDevice(t, db, "00124B0012345678", 0x1234)

	w := doRequest(srv, "POST", "/api/devices/00124B0012345678/bind", `{"endpoint": 1, "cluster_id": 1026}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusAccepted, w.Body.String())
	}

	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.binds) != 1 {
		t.Fatalf("bind requests = %d, want 1", len(stub.binds))
	}
	got := stub.binds[0]
	want := ncp.BindRequest{
		TargetShortAddr: 0x1234,
		SrcIEEE:         [8]byte{0x78, 0x56, 0x34, 0x12, 0x00, 0x4B, 0x12, 0x00},
		SrcEndpoint:     1,
		ClusterID:       0x0402,
	}
	if got != want {
		t.Errorf("bind = %+v, want %+v", got, want)
	}
}

func TestAPIBindValidation(t *testing.T) {
	srv, db, _ := setupTestServer(t, "")
	seedDevice(t, db, "00124B0012345678", 0x1234)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"bad json", "/api/devices/00124B0012345678/bind", `{`, http.StatusBadRequest},
		{"missing endpoint", "/api/devices/00124B0012345678/bind", `{"cluster_id": 1026}`, http.StatusBadRequest},
		{"unknown device", "/api/devices/FFFFFFFFFFFFFFFF/bind", `{"endpoint": 1, "cluster_id": 1026}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(srv, "POST", tt.path, tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d, body = %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestAPIConfigureReporting(t *testing.T) {
	srv, db, stub := setupTestServer(t, "")
	seedDevice(t, db, "00124B0012345678", 0x1234)

	body := `{"endpoint": 1, "cluster_id": 1026, "records": [
		{"attr_id": 0, "data_type": 41, "min_interval": 30, "max_interval": 900, "reportable_change": 25}
	]}`
	w := doRequest(srv, "POST", "/api/devices/00124B0012345678/reporting", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusAccepted, w.Body.String())
	}

	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.data) != 1 {
		t.Fatalf("data requests = %d, want 1", len(stub.data))
	}
	req := stub.data[0]
	if req.DstAddr != 0x1234 || req.DstEndpoint != 1 || req.ClusterID != 0x0402 {
		t.Errorf("request = %+v", req)
	}
	_, records, err := zcl.ParseConfigureReporting(req.Payload)
	if err != nil {
		t.Fatal(err)
	}
	want := zcl.ConfigureReporting{AttrID: 0, DataType: zcl.TypeInt16, MinInterval: 30, MaxInterval: 900, ReportableChange: 25}
	if len(records) != 1 || records[0] != want {
		t.Errorf("records = %+v, want %+v", records, want)
	}
}

func TestAPIConfigureReportingValidation(t *testing.T) {
	srv, db, _ := setupTestServer(t, "")
	seedDevice(t, db, "00124B0012345678", 0x1234)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"no records", `{"endpoint": 1, "cluster_id": 1026, "records": []}`, http.StatusBadRequest},
		{"min above max", `{"endpoint": 1, "cluster_id": 1026, "records": [{"attr_id": 0, "data_type": 41, "min_interval": 600, "max_interval": 60}]}`, http.StatusBadRequest},
		{"unknown type", `{"endpoint": 1, "cluster_id": 1026, "records": [{"attr_id": 0, "data_type": 66, "max_interval": 60}]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(srv, "POST", "/api/devices/00124B0012345678/reporting", tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d, body = %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestAPISendFailure(t *testing.T) {
	srv, db, stub := setupTestServer(t, "")
	seedDevice(t, db, "00124B0012345678", 0x1234)
	stub.sendErr = errors.New("SRSP timeout")

	w := doRequest(srv, "POST", "/api/devices/00124B0012345678/bind", `{"endpoint": 1, "cluster_id": 1026}`)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestAPIPermitJoin(t *testing.T) {
	srv, _, stub := setupTestServer(t, "")

	w := doRequest(srv, "POST", "/api/network/permit-join", `{"enabled": true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["enabled"] != true {
		t.Errorf("enabled = %v, want true", resp["enabled"])
	}

	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.permit) != 1 || !stub.permit[0] {
		t.Errorf("permit calls = %v, want [true]", stub.permit)
	}
}

func TestAPINotReady(t *testing.T) {
	coord, db, stub := newTestCoordinator(t, false)
	seedDevice(t, db, "00124B0012345678", 0x1234)
	srv, err := NewServer(coord, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Stop)

	requests := []struct{ path, body string }{
		{"/api/network/permit-join", `{"enabled": true}`},
		{"/api/devices/00124B0012345678/bind", `{"endpoint": 1, "cluster_id": 1026}`},
		{"/api/devices/00124B0012345678/reporting", `{"endpoint": 1, "cluster_id": 1026, "records": [{"attr_id": 0, "data_type": 41, "max_interval": 60}]}`},
	}
	for _, r := range requests {
		w := doRequest(srv, "POST", r.path, r.body)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: status = %d, want %d", r.path, w.Code, http.StatusServiceUnavailable)
		}
	}

	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.permit)+len(stub.binds)+len(stub.data) != 0 {
		t.Error("requests reached the NCP before the network was ready")
	}
}

func TestAPINetworkInfo(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")

	w := doRequest(srv, "GET", "/api/network", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var info map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if info["channel"] != float64(15) {
		t.Errorf("channel = %v, want 15", info["channel"])
	}
	if info["pan_id"] != "0x1A62" {
		t.Errorf("pan_id = %v, want 0x1A62", info["pan_id"])
	}
}

func TestAPINetworkInfoBeforeReady(t *testing.T) {
	coord, db, _ := newTestCoordinator(t, false)
	if err := db.SaveNetworkState(&store.NetworkState{
		IEEEAddress: "00124B00000000AA", Channel: 11, PanID: 0x1A62, NetworkKey: "secret", Formed: true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := coord.Start(); err != nil {
		t.Fatal(err)
	}
	srv, err := NewServer(coord, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Stop)

	w := doRequest(srv, "GET", "/api/network", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body := w.Body.String()
	var info map[string]interface{}
	if err := json.Unmarshal([]byte(body), &info); err != nil {
		t.Fatal(err)
	}
	if info["coordinator_ieee"] != "00124B00000000AA" {
		t.Errorf("coordinator_ieee = %v, want the saved address", info["coordinator_ieee"])
	}
	if info["config_changed"] != true {
		t.Errorf("config_changed = %v, want true for channel 11 -> 15", info["config_changed"])
	}
	if strings.Contains(body, "secret") {
		t.Error("network key exposed")
	}
}

func TestAPIListClusters(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")

	w := doRequest(srv, "GET", "/api/clusters", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var defs []zcl.ClusterDef
	if err := json.NewDecoder(w.Body).Decode(&defs); err != nil {
		t.Fatal(err)
	}
	if len(defs) != 2 {
		t.Errorf("clusters = %d, want 2", len(defs))
	}
}

func TestAPIVersion(t *testing.T) {
	coord, _, _ := newTestCoordinator(t, true)
	srv, err := NewServer(coord, testLogger(), WithVersion("1.2.3"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Stop)

	w := doRequest(srv, "GET", "/api/version", "")
	if !strings.Contains(w.Body.String(), `"1.2.3"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestAuthMiddlewareHeader(t *testing.T) {
	srv, _, _ := setupTestServer(t, "secret-key")

	req := httptest.NewRequest("GET", "/api/devices", nil)
	req.Header.Set("X-API-Key", "secret-key")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("correct header key: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestAuthMiddlewareMissing(t *testing.T) {
	srv, _, _ := setupTestServer(t, "secret-key")

	w := doRequest(srv, "GET", "/api/devices", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing key: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestAuthMiddlewareWrongKey(t *testing.T) {
	srv, _, _ := setupTestServer(t, "secret-key")

	req := httptest.NewRequest("GET", "/api/devices", nil)
	req.Header.Set("X-API-Key", "wrong-key")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestCORSOrigin(t *testing.T) {
	coord, _, _ := newTestCoordinator(t, true)
	srv, err := NewServer(coord, testLogger(), WithAllowedOrigins([]string{"http://dash.local"}))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Stop)

	req := httptest.NewRequest("OPTIONS", "/api/network/permit-join", nil)
	req.Header.Set("Origin", "http://dash.local")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "http://dash.local" {
		t.Errorf("preflight: status = %d, headers = %v", w.Code, w.Header())
	}

	req = httptest.NewRequest("POST", "/api/network/permit-join", bytes.NewBufferString(`{"enabled": true}`))
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("foreign origin: status = %d, want %d", w.Code, http.StatusForbidden)
	}
}

func TestWSReceivesEvents(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Registration with the hub is asynchronous; emit until the client sees one.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				srv.coord.Events().Emit(coordinator.Event{
					Type: coordinator.EventMeasurement,
					Data: map[string]interface{}{"ieee": "00124B0012345678", "name": "temperature", "value": 21.5},
				})
			}
		}
	}()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var event struct {
		Type string                 `json:"type"`
		Data map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatal(err)
	}
	if event.Type != coordinator.EventMeasurement || event.Data["value"] != 21.5 {
		t.Errorf("event = %+v", event)
	}
}
