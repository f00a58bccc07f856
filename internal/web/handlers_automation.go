package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"zstack-go-home/internal/automation"
	"zstack-go-home/internal/coordinator"
)

// automationView is a script plus whether its VM is currently loaded.
type automationView struct {
	*automation.Script
	Running bool `json:"running"`
}

// scriptRequest is the body of create and update. Events and Devices form
// the script header; see automation.ScriptMeta.
type scriptRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	LuaCode     string   `json:"lua_code"`
	Enabled     bool     `json:"enabled"`
	Events      []string `json:"events"`
	Devices     []string `json:"devices"`
}

func (req *scriptRequest) apply(s *automation.Script) {
	if req.Name != "" {
		s.Meta.Name = req.Name
	}
	s.Meta.Description = req.Description
	s.Meta.Enabled = req.Enabled
	s.Meta.Events = req.Events
	s.Meta.Devices = req.Devices
	s.LuaCode = req.LuaCode
}

// decodeScriptRequest reads and syntax-checks a script body. It writes the
// error response itself and reports whether the handler should go on.
func (s *Server) decodeScriptRequest(w http.ResponseWriter, r *http.Request) (scriptRequest, bool) {
	var req scriptRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return req, false
	}
	if err := automation.Check(req.LuaCode); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return req, false
	}
	return req, true
}

// scriptError maps manager errors to responses.
func (s *Server) scriptError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, automation.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "script not found"})
	case errors.Is(err, automation.ErrInvalidID), errors.Is(err, automation.ErrBadMeta):
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		s.logger.Error(op, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

// syncEngine starts or stops the script's VM to match its enabled flag.
func (s *Server) syncEngine(sc *automation.Script) {
	if s.autoEngine == nil {
		return
	}
	if !sc.Meta.Enabled {
		s.autoEngine.StopScript(sc.ID)
		return
	}
	if err := s.autoEngine.ReloadScript(sc.ID); err != nil {
		s.logger.Error("reload script", "id", sc.ID, "err", err)
	}
}

func (s *Server) automationsAvailable(w http.ResponseWriter) bool {
	if s.scriptMgr == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "automations not available"})
		return false
	}
	return true
}

// GET /api/automations[?event=measurement] lists scripts; with event set,
// only the enabled scripts that handle it.
func (s *Server) handleAPIListAutomations(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeJSON(w, http.StatusOK, []automationView{})
		return
	}

	var (
		scripts []*automation.Script
		err     error
	)
	if ev := r.URL.Query().Get("event"); ev != "" {
		if !coordinator.KnownEventType(ev) {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown event type: " + ev})
			return
		}
		scripts, err = s.scriptMgr.Handling(ev)
	} else {
		scripts, err = s.scriptMgr.List()
	}
	if err != nil {
		s.scriptError(w, "list scripts", err)
		return
	}

	running := make(map[string]bool)
	if s.autoEngine != nil {
		for _, id := range s.autoEngine.Running() {
			running[id] = true
		}
	}
	views := make([]automationView, 0, len(scripts))
	for _, sc := range scripts {
		views = append(views, automationView{Script: sc, Running: running[sc.ID]})
	}
	s.writeJSON(w, http.StatusOK, views)
}

// GET /api/automations/events lists the event types a script may declare.
func (s *Server) handleAPIAutomationEvents(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, coordinator.EventTypes)
}

func (s *Server) handleAPIGetAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}
	sc, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.scriptError(w, "get script", err)
		return
	}
	s.writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleAPICreateAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}
	req, ok := s.decodeScriptRequest(w, r)
	if !ok {
		return
	}
	if req.Name == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}

	sc := &automation.Script{}
	req.apply(sc)
	saved, err := s.scriptMgr.Save(sc)
	if err != nil {
		s.scriptError(w, "create script", err)
		return
	}
	if saved.Meta.Enabled {
		s.syncEngine(saved)
	}
	s.writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleAPIUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}
	existing, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.scriptError(w, "get script", err)
		return
	}
	req, ok := s.decodeScriptRequest(w, r)
	if !ok {
		return
	}

	req.apply(existing)
	saved, err := s.scriptMgr.Save(existing)
	if err != nil {
		s.scriptError(w, "update script", err)
		return
	}
	s.syncEngine(saved)
	s.writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleAPIDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}
	id := r.PathValue("id")
	if s.autoEngine != nil {
		s.autoEngine.StopScript(id)
	}
	if err := s.scriptMgr.Delete(id); err != nil {
		s.scriptError(w, "delete script", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// POST /api/automations/{id}/run runs a stored script once. The id _inline
// runs the lua_code of the body instead.
func (s *Server) handleAPIRunAutomation(w http.ResponseWriter, r *http.Request) {
	if s.autoEngine == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "automation engine not available"})
		return
	}

	id := r.PathValue("id")
	if id != "_inline" {
		s.writeJSON(w, http.StatusOK, s.autoEngine.RunScript(id))
		return
	}
	var req struct {
		LuaCode string `json:"lua_code"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.autoEngine.RunLuaCode(req.LuaCode))
}

func (s *Server) handleAPIToggleAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}
	sc, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.scriptError(w, "get script", err)
		return
	}

	sc.Meta.Enabled = !sc.Meta.Enabled
	saved, err := s.scriptMgr.Save(sc)
	if err != nil {
		s.scriptError(w, "toggle script", err)
		return
	}
	s.syncEngine(saved)
	s.writeJSON(w, http.StatusOK, saved)
}
