package web

import (
	"net/http"

	"garden-hub/internal/recommend"
	"garden-hub/internal/store"
)

func (s *Server) handleAPIListSchedules(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetGarden(id); err != nil {
		s.writeError(w, "list schedules", err)
		return
	}
	rules, err := s.schedules.List(id)
	if err != nil {
		s.writeError(w, "list schedules", err)
		return
	}
	if rules == nil {
		rules = []*store.ScheduleRule{}
	}
	s.writeJSON(w, http.StatusOK, rules)
}

// scheduleRequest is shared by create and update. On update, nil fields
// keep their stored value.
type scheduleRequest struct {
	Device string `json:"device"`
	Action *bool  `json:"action"`
	Hour   *int   `json:"hour"`
	Minute *int   `json:"minute"`
	Days   []int  `json:"days"`
	Active *bool  `json:"active"`
}

// device parses the requested device. Empty means unchanged.
func (req *scheduleRequest) device() (store.Device, error) {
	if req.Device == "" {
		return "", nil
	}
	return store.ParseDevice(req.Device)
}

func (req *scheduleRequest) apply(rule *store.ScheduleRule, dev store.Device) {
	if dev != "" {
		rule.Device = dev
	}
	if req.Action != nil {
		rule.Action = *req.Action
	}
	if req.Hour != nil {
		rule.Hour = *req.Hour
	}
	if req.Minute != nil {
		rule.Minute = *req.Minute
	}
	if req.Days != nil {
		rule.Days = req.Days
	}
	if req.Active != nil {
		rule.Active = *req.Active
	}
}

func (s *Server) handleAPICreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !s.decode(w, r, &req) {
		return
	}
	dev, err := req.device()
	if err != nil || dev == "" || req.Hour == nil || req.Minute == nil || req.Action == nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "device, action, hour and minute are required"})
		return
	}

	rule := &store.ScheduleRule{
		GardenID:  r.PathValue("id"),
		Days:      store.AllDays(),
		Active:    true,
		Source:    store.SourceUser,
		CreatedBy: actor(r),
	}
	req.apply(rule, dev)
	if err := s.schedules.Create(rule); err != nil {
		s.writeError(w, "create schedule", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleAPIUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !s.decode(w, r, &req) {
		return
	}
	dev, err := req.device()
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	rule, err := s.schedules.Update(r.PathValue("id"), func(rule *store.ScheduleRule) {
		req.apply(rule, dev)
	})
	if err != nil {
		s.writeError(w, "update schedule", err)
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleAPIDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.schedules.Delete(r.PathValue("id")); err != nil {
		s.writeError(w, "delete schedule", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAPICompileRecommendation turns an analysis result into AI rules.
// Per-device parse failures are reported in the body, not as an error.
func (s *Server) handleAPICompileRecommendation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetGarden(id); err != nil {
		s.writeError(w, "compile recommendation", err)
		return
	}
	var rec recommend.Recommendation
	if !s.decode(w, r, &rec) {
		return
	}
	res, err := s.compiler.Compile(r.Context(), id, actor(r), rec)
	if err != nil {
		s.writeError(w, "compile recommendation", err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}
