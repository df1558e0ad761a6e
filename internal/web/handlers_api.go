package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"garden-hub/internal/dispatch"
	"garden-hub/internal/store"
)

// gardenView is a garden plus its live connectivity.
type gardenView struct {
	*store.Garden
	Connected bool   `json:"connected"`
	Status    string `json:"status"`
}

func (s *Server) view(g *store.Garden) gardenView {
	return gardenView{Garden: g, Connected: s.tracker.IsConnected(g), Status: s.tracker.Status(g)}
}

func (s *Server) handleAPIListGardens(w http.ResponseWriter, r *http.Request) {
	gardens, err := s.store.ListGardens()
	if err != nil {
		s.writeError(w, "list gardens", err)
		return
	}
	views := make([]gardenView, 0, len(gardens))
	for _, g := range gardens {
		views = append(views, s.view(g))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetGarden(w http.ResponseWriter, r *http.Request) {
	g, err := s.store.GetGarden(r.PathValue("id"))
	if err != nil {
		s.writeError(w, "get garden", err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.view(g))
}

type createGardenRequest struct {
	Serial   string          `json:"serial"`
	Name     string          `json:"name"`
	OwnerID  string          `json:"owner_id"`
	Settings *store.Settings `json:"settings"`
}

// validSerial rejects serials that would break the topic layout.
func validSerial(serial string) bool {
	return serial != "" && !strings.ContainsAny(serial, "/+# ")
}

func (s *Server) handleAPICreateGarden(w http.ResponseWriter, r *http.Request) {
	var req createGardenRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.Serial = strings.TrimSpace(req.Serial)
	if !validSerial(req.Serial) {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "serial is required and may not contain '/', '+', '#' or spaces"})
		return
	}

	g := &store.Garden{
		Serial:   req.Serial,
		Name:     req.Name,
		OwnerID:  req.OwnerID,
		Settings: store.DefaultSettings(),
	}
	if g.OwnerID == "" {
		g.OwnerID = actor(r)
	}
	if req.Settings != nil {
		if msg := checkSettings(*req.Settings); msg != "" {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
			return
		}
		g.Settings = *req.Settings
	}
	if err := s.store.SaveGarden(g); err != nil {
		s.writeError(w, "create garden", err)
		return
	}
	s.logger.Info("garden registered", "garden", g.ID, "serial", g.Serial)
	s.writeJSON(w, http.StatusCreated, s.view(g))
}

type renameGardenRequest struct {
	Name    *string `json:"name"`
	OwnerID *string `json:"owner_id"`
}

func (s *Server) handleAPIRenameGarden(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req renameGardenRequest
	if !s.decode(w, r, &req) {
		return
	}
	var updated *store.Garden
	err := s.store.UpdateGarden(id, func(g *store.Garden) error {
		if req.Name != nil {
			g.Name = *req.Name
		}
		if req.OwnerID != nil {
			g.OwnerID = *req.OwnerID
		}
		updated = g
		return nil
	})
	if err != nil {
		s.writeError(w, "rename garden", err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.view(updated))
}

func (s *Server) handleAPIDeleteGarden(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteGarden(id); err != nil {
		s.writeError(w, "delete garden", err)
		return
	}
	s.logger.Info("garden deleted", "garden", id)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// checkSettings returns a message for the first inverted threshold pair.
func checkSettings(st store.Settings) string {
	pairs := []struct {
		name     string
		min, max float64
	}{
		{"temperature", st.TemperatureMin, st.TemperatureMax},
		{"humidity", st.HumidityMin, st.HumidityMax},
		{"light", st.LightMin, st.LightMax},
		{"soil_moisture", st.SoilMin, st.SoilMax},
	}
	for _, p := range pairs {
		if p.min > p.max {
			return p.name + "_min must not exceed " + p.name + "_max"
		}
	}
	return ""
}

type settingsResponse struct {
	Settings  store.Settings `json:"settings"`
	Delivered bool           `json:"delivered"`
	Error     string         `json:"error,omitempty"`
}

// handleAPIUpdateSettings stores the thresholds and pushes them to the
// controller. auto_mode is owned by the AUTO command and is kept as stored.
// A failed push leaves the stored settings in place.
func (s *Server) handleAPIUpdateSettings(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req store.Settings
	if !s.decode(w, r, &req) {
		return
	}
	if msg := checkSettings(req); msg != "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
		return
	}

	var updated *store.Garden
	err := s.store.UpdateGarden(id, func(g *store.Garden) error {
		req.AutoMode = g.Settings.AutoMode
		g.Settings = req
		updated = g
		return nil
	})
	if err != nil {
		s.writeError(w, "update settings", err)
		return
	}

	resp := settingsResponse{Settings: updated.Settings, Delivered: true}
	if err := s.dispatcher.SendSettings(r.Context(), updated, updated.Settings); err != nil {
		s.logger.Warn("settings stored but not delivered", "garden", id, "err", err)
		resp.Delivered = false
		resp.Error = err.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type sendCommandRequest struct {
	Device string `json:"device"`
	State  *bool  `json:"state"`
}

// handleAPISendCommand sends a user command. AUTO goes through the
// schedule manager so the garden's rules are toggled with it.
func (s *Server) handleAPISendCommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req sendCommandRequest
	if !s.decode(w, r, &req) {
		return
	}
	dev, err := store.ParseDevice(req.Device)
	if err != nil || req.State == nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "device must be one of fan, light, pump, auto and state is required"})
		return
	}

	var entry *store.HistoryEntry
	if dev == store.DeviceAuto {
		entry, err = s.schedules.SetAuto(r.Context(), id, *req.State, store.SourceUser, actor(r))
	} else {
		entry, err = s.dispatcher.SendCommand(r.Context(), id, dispatch.Command{
			Device: dev,
			State:  *req.State,
			Source: store.SourceUser,
			Actor:  actor(r),
		})
	}
	if err != nil {
		s.writeError(w, "send command", err)
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

type stateResponse struct {
	gardenView
	Snapshot *store.Snapshot `json:"snapshot"`
}

func (s *Server) handleAPIGardenState(w http.ResponseWriter, r *http.Request) {
	g, err := s.store.GetGarden(r.PathValue("id"))
	if err != nil {
		s.writeError(w, "garden state", err)
		return
	}
	snap, err := s.store.LatestSnapshot(g.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.writeError(w, "garden state", err)
		return
	}
	s.writeJSON(w, http.StatusOK, stateResponse{gardenView: s.view(g), Snapshot: snap})
}

func (s *Server) handleAPIGardenHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetGarden(id); err != nil {
		s.writeError(w, "garden history", err)
		return
	}
	entries, err := s.store.ListHistory(id, parseLimit(r, 50, 500))
	if err != nil {
		s.writeError(w, "garden history", err)
		return
	}
	if entries == nil {
		entries = []*store.HistoryEntry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAPIGardenSnapshots(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetGarden(id); err != nil {
		s.writeError(w, "garden snapshots", err)
		return
	}
	snaps, err := s.store.ListSnapshots(id, parseLimit(r, 100, 1000))
	if err != nil {
		s.writeError(w, "garden snapshots", err)
		return
	}
	if snaps == nil {
		snaps = []*store.Snapshot{}
	}
	s.writeJSON(w, http.StatusOK, snaps)
}

// parseLimit reads ?limit=, falling back to def and capping at ceiling.
func parseLimit(r *http.Request, def, ceiling int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, ceiling)
}

// decode reads a JSON body capped at 1 MiB. On failure it writes the 400
// and returns false.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

// writeError maps the error taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, store.ErrInvalidRule):
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, store.ErrConflict):
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, dispatch.ErrTransportUnavailable):
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	default:
		s.logger.Error(op, "err", err)
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
