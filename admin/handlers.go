// Package admin serves the operator HTTP surface: engine status, the pause
// signal, command injection and Prometheus metrics.
package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/openqs/vms/cfg"
	"github.com/openqs/vms/db"
	"github.com/rs/zerolog/log"
)

// Pauser is the engine-wide pause signal
type Pauser interface {
	Set()
	Clear()
	IsSet() bool
}

// ChildCounter reports live handler processes
type ChildCounter interface {
	Live() int
}

// AdminHandlers handles the admin API endpoints
type AdminHandlers struct {
	store    *db.LocalStore
	pause    Pauser
	children ChildCounter
}

// NewAdminHandlers creates a new AdminHandlers instance. children may be nil.
func NewAdminHandlers(store *db.LocalStore, pause Pauser, children ChildCounter) *AdminHandlers {
	return &AdminHandlers{store: store, pause: pause, children: children}
}

type statusResponse struct {
	VehicleID      uint64             `json:"vehicle_id"`
	Session        int64              `json:"session"`
	Paused         bool               `json:"paused"`
	LiveChildren   int                `json:"live_children"`
	Rates          map[string]float64 `json:"rates"`
	SyncToGround   bool               `json:"sync_to_ground"`
	TestConnection bool               `json:"test_connection"`
	TimingReset    bool               `json:"timing_reset"`
	System         *systemStatus      `json:"system,omitempty"`
}

type systemStatus struct {
	SelectedServer string `json:"selected_server"`
	BeaconEnabled  bool   `json:"beacon_enabled"`
	AlarmState     bool   `json:"alarm_state"`
	SpaceUse       bool   `json:"space_use"`
	GPSBypass      bool   `json:"gps_bypass"`
	ClockSet       bool   `json:"clock_set"`
}

func (h *AdminHandlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.SessionState(r.Context())
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := statusResponse{
		VehicleID:      cfg.Config.VehicleID,
		Session:        st.SessionID,
		Paused:         !h.pause.IsSet(),
		Rates:          st.Rates,
		SyncToGround:   st.SyncToGround,
		TestConnection: st.TestConnection,
		TimingReset:    st.TimingReset,
	}
	if h.children != nil {
		resp.LiveChildren = h.children.Live()
	}

	sc, err := h.store.SystemConfig(r.Context())
	switch {
	case err == nil:
		resp.System = &systemStatus{
			SelectedServer: sc.SelectedServer,
			BeaconEnabled:  sc.BeaconEnabled,
			AlarmState:     sc.AlarmState,
			SpaceUse:       sc.SpaceUse,
			GPSBypass:      sc.GPSBypass,
			ClockSet:       sc.ClockSet,
		}
	case !errors.Is(err, db.ErrNotFound):
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *AdminHandlers) handlePause(w http.ResponseWriter, _ *http.Request) {
	h.pause.Clear()
	log.Warn().Msg("Periodic tasks paused from admin surface")
	writeJSONResponse(w, http.StatusOK, map[string]bool{"paused": true})
}

func (h *AdminHandlers) handleResume(w http.ResponseWriter, _ *http.Request) {
	h.pause.Set()
	log.Info().Msg("Periodic tasks resumed from admin surface")
	writeJSONResponse(w, http.StatusOK, map[string]bool{"paused": false})
}

type commandRequest struct {
	Name     string `json:"name"`
	Data     string `json:"data"`
	Priority int    `json:"priority"`
}

type commandResponse struct {
	SessionID int64  `json:"session_id"`
	CommandID int64  `json:"command_id"`
	Name      string `json:"name"`
	State     string `json:"state"`
	Message   string `json:"message,omitempty"`
}

func toCommandResponse(cmd db.Command) commandResponse {
	return commandResponse{
		SessionID: cmd.SessionID,
		CommandID: cmd.CommandID,
		Name:      cmd.Name,
		State:     string(cmd.State),
		Message:   cmd.Message,
	}
}

func (h *AdminHandlers) handleQueueCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeErrorResponse(w, http.StatusBadRequest, "command name is required")
		return
	}

	cmd, err := h.store.InsertCommand(r.Context(), db.Command{Name: req.Name, Data: req.Data, Priority: req.Priority})
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Info().Int64("command_id", cmd.CommandID).Str("name", cmd.Name).Msg("Command queued from admin surface")
	writeJSONResponse(w, http.StatusCreated, toCommandResponse(cmd))
}

func (h *AdminHandlers) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	session, err := parseID(chi.URLParam(r, "session"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	cmd, err := h.store.Command(r.Context(), session, id)
	if errors.Is(err, db.ErrNotFound) {
		writeErrorResponse(w, http.StatusNotFound, "command not found")
		return
	}
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, toCommandResponse(cmd))
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
