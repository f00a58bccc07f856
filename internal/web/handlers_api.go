package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"zstack-go-home/internal/coordinator"
	"zstack-go-home/internal/store"
	"zstack-go-home/internal/zcl"
)

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.coord.Devices().ListDevices()
	if err != nil {
		s.logger.Error("list devices", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	ieee := r.PathValue("ieee")
	dev, err := s.coord.Devices().GetDevice(ieee)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleAPIGetMeasurement(w http.ResponseWriter, r *http.Request) {
	ieee, name := r.PathValue("ieee"), r.PathValue("name")
	m, err := s.coord.Devices().Measurement(ieee, name)
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "measurement not found"})
		return
	}
	if err != nil {
		s.requestError(w, "get measurement", ieee, err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

type renameDeviceRequest struct {
	FriendlyName string `json:"friendly_name"`
}

func (s *Server) handleAPIRenameDevice(w http.ResponseWriter, r *http.Request) {
	ieee := r.PathValue("ieee")

	var req renameDeviceRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if err := s.coord.Devices().RenameDevice(ieee, req.FriendlyName); err != nil {
		s.requestError(w, "rename device", ieee, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "friendly_name": req.FriendlyName})
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	ieee := r.PathValue("ieee")
	if err := s.coord.Devices().RemoveDevice(ieee); err != nil {
		s.requestError(w, "delete device", ieee, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type bindRequest struct {
	Endpoint  uint8  `json:"endpoint"`
	ClusterID uint16 `json:"cluster_id"`
}

func (s *Server) handleAPIBind(w http.ResponseWriter, r *http.Request) {
	ieee := r.PathValue("ieee")

	var req bindRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Endpoint == 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "endpoint is required"})
		return
	}

	if err := s.coord.Bind(ieee, req.Endpoint, req.ClusterID); err != nil {
		s.requestError(w, "bind", ieee, err)
		return
	}
	// The outcome arrives later as a bind event on /ws.
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
}

type reportingRequest struct {
	Endpoint  uint8                    `json:"endpoint"`
	ClusterID uint16                   `json:"cluster_id"`
	Records   []zcl.ConfigureReporting `json:"records"`
}

func (s *Server) handleAPIConfigureReporting(w http.ResponseWriter, r *http.Request) {
	ieee := r.PathValue("ieee")

	var req reportingRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Endpoint == 0 || len(req.Records) == 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "endpoint and records are required"})
		return
	}
	for _, rec := range req.Records {
		if rec.MinInterval > rec.MaxInterval && rec.MaxInterval != 0xFFFF {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "min_interval exceeds max_interval"})
			return
		}
	}

	if err := s.coord.ConfigureReporting(ieee, req.Endpoint, req.ClusterID, req.Records...); err != nil {
		s.requestError(w, "configure reporting", ieee, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
}

func (s *Server) handleAPINetworkInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.NetworkInfo())
}

type permitJoinRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleAPIPermitJoin(w http.ResponseWriter, r *http.Request) {
	var req permitJoinRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if err := s.coord.PermitJoin(req.Enabled); err != nil {
		s.requestError(w, "permit join", "", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "enabled": req.Enabled})
}

func (s *Server) handleAPIListClusters(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Registry().All())
}

// requestError maps coordinator and store errors to HTTP status codes.
func (s *Server) requestError(w http.ResponseWriter, op, ieee string, err error) {
	switch {
	case errors.Is(err, coordinator.ErrNotReady):
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "network not ready"})
	case errors.Is(err, store.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
	case errors.Is(err, zcl.ErrUnknownType):
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		s.logger.Error(op, "err", err, "ieee", ieee)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
