package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"stationsync/internal/audit"
	"stationsync/internal/scheduler"
)

const (
	timeLayout = time.RFC3339
	pathPrefix = "/api/v1/stations"
)

// Controller is the part of the scheduler exposed to operators.
type Controller interface {
	Snapshot() []scheduler.StationStatus
	Trigger(stationID string) error
	Backfill(stationID string, from time.Time) error
	Resync() int
}

// Handler serves station operations: status, manual runs, backfills and resync.
// Accepted requests are written to the audit log when one is set.
type Handler struct {
	scheduler   Controller
	auditLogger audit.Logger
	logger      logrus.FieldLogger
}

// NewHandler constructs a Handler. auditLogger may be nil.
func NewHandler(s Controller, auditLogger audit.Logger, logger logrus.FieldLogger) (*Handler, error) {
	if s == nil {
		return nil, errors.New("stations handler: nil scheduler")
	}
	if logger == nil {
		return nil, errors.New("stations handler: nil logger")
	}
	return &Handler{scheduler: s, auditLogger: auditLogger, logger: logger}, nil
}

// ServeHTTP routes station requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, pathPrefix) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, pathPrefix), "/")
	if path == "" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleList(w)
		return
	}
	if path == "resync" {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		queued := h.scheduler.Resync()
		h.audit(r, audit.ActionResync, "", map[string]any{"queued": queued})
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": queued})
		return
	}

	parts := strings.Split(path, "/")
	stationID := parts[0]
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		h.handleGet(w, stationID)
	case len(parts) == 2 && parts[1] == "run" && r.Method == http.MethodPost:
		h.handleRun(w, r, stationID)
	case len(parts) == 2 && parts[1] == "backfill" && r.Method == http.MethodPost:
		h.handleBackfill(w, r, stationID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleList(w http.ResponseWriter) {
	snapshot := h.scheduler.Snapshot()
	out := make([]stationView, 0, len(snapshot))
	for _, st := range snapshot {
		out = append(out, toView(st))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGet(w http.ResponseWriter, stationID string) {
	for _, st := range h.scheduler.Snapshot() {
		if st.StationID == stationID {
			writeJSON(w, http.StatusOK, toView(st))
			return
		}
	}
	http.Error(w, "station not found", http.StatusNotFound)
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request, stationID string) {
	if err := h.scheduler.Trigger(stationID); err != nil {
		h.respondError(w, stationID, err)
		return
	}
	h.audit(r, audit.ActionRun, stationID, nil)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "stationId": stationID})
}

func (h *Handler) handleBackfill(w http.ResponseWriter, r *http.Request, stationID string) {
	var req struct {
		From string `json:"from"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	from, err := time.Parse(timeLayout, req.From)
	if err != nil {
		http.Error(w, "invalid from", http.StatusBadRequest)
		return
	}
	if err := h.scheduler.Backfill(stationID, from); err != nil {
		h.respondError(w, stationID, err)
		return
	}
	h.logger.WithFields(logrus.Fields{"station": stationID, "from": from.UTC()}).Info("backfill requested")
	h.audit(r, audit.ActionBackfill, stationID, map[string]any{"from": from.UTC().Format(timeLayout)})
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":    "queued",
		"stationId": stationID,
		"from":      from.UTC().Format(timeLayout),
	})
}

func (h *Handler) audit(r *http.Request, action, stationID string, metadata map[string]any) {
	if h.auditLogger == nil {
		return
	}
	var raw []byte
	if metadata != nil {
		raw, _ = json.Marshal(metadata)
	}
	err := h.auditLogger.Log(r.Context(), audit.Entry{
		Action:     action,
		StationID:  stationID,
		Metadata:   raw,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	})
	if err != nil {
		h.logger.WithFields(logrus.Fields{"station": stationID, "action": action}).WithError(err).Error("audit write failed")
	}
}

func (h *Handler) respondError(w http.ResponseWriter, stationID string, err error) {
	switch {
	case errors.Is(err, scheduler.ErrUnknownStation):
		http.Error(w, "station not found", http.StatusNotFound)
	case errors.Is(err, scheduler.ErrStationDisabled):
		http.Error(w, "station disabled", http.StatusConflict)
	case errors.Is(err, scheduler.ErrBusy):
		http.Error(w, "station busy", http.StatusTooManyRequests)
	default:
		h.logger.WithField("station", stationID).WithError(err).Warn("station request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

type stationView struct {
	StationID   string `json:"stationId"`
	State       string `json:"state"`
	Enabled     bool   `json:"enabled"`
	Cadence     string `json:"cadence"`
	Failures    int    `json:"failures"`
	NextRun     string `json:"nextRun,omitempty"`
	LastRun     string `json:"lastRun,omitempty"`
	LastSuccess string `json:"lastSuccess,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}

func toView(st scheduler.StationStatus) stationView {
	return stationView{
		StationID:   st.StationID,
		State:       string(st.State),
		Enabled:     st.Enabled,
		Cadence:     st.Cadence.String(),
		Failures:    st.Failures,
		NextRun:     formatTime(st.NextRun),
		LastRun:     formatTime(st.LastRun),
		LastSuccess: formatTime(st.LastSuccess),
		LastError:   st.LastError,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
