package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/taniwha3/trackwatch/internal/evaluator"
	"github.com/taniwha3/trackwatch/internal/history"
	"github.com/taniwha3/trackwatch/internal/models"
	"github.com/taniwha3/trackwatch/internal/monitor"
	"github.com/taniwha3/trackwatch/internal/source"
	"github.com/taniwha3/trackwatch/internal/storage"
)

const maxArchiveLimit = 10000

// StateResponse is the body of GET /api/state
type StateResponse struct {
	Active             bool                `json:"active"`
	IntervalSeconds    float64             `json:"interval_seconds"`
	MinIntervalSeconds float64             `json:"min_interval_seconds"`
	MaxIntervalSeconds float64             `json:"max_interval_seconds"`
	Line               string              `json:"line"`
	Station            string              `json:"station"`
	Source             string              `json:"source"`
	Ticks              uint64              `json:"ticks"`
	Failures           uint64              `json:"failures"`
	LastTick           *time.Time          `json:"last_tick,omitempty"`
	LastError          string              `json:"last_error,omitempty"`
	Readings           int                 `json:"readings"`
	AlertCount         int                 `json:"alert_count"`
	Alerts             models.AlertSummary `json:"alert_summary"`
	ScoreStatus        models.Status       `json:"score_status,omitempty"`
	Latest             *evaluator.Result   `json:"latest"`
}

// SeriesResponse is the body of GET /api/readings/{metric}
type SeriesResponse struct {
	Metric     models.MetricKind    `json:"metric"`
	Thresholds models.ThresholdSpec `json:"thresholds"`
	Points     []history.Point      `json:"points"`
}

type archiveEntry struct {
	ID      int64           `json:"id"`
	Reading *models.Reading `json:"reading"`
	Score   float64         `json:"score"`
}

type intervalRequest struct {
	Seconds float64 `json:"seconds"`
}

type stationRequest struct {
	Line    string `json:"line"`
	Station string `json:"station"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

// queryInt parses an optional positive integer query parameter
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return n, nil
}

func (h *Handler) stateResponse() StateResponse {
	snap := h.mon.Snapshot()
	resp := StateResponse{
		Active:             snap.Active,
		IntervalSeconds:    snap.Interval.Seconds(),
		MinIntervalSeconds: snap.MinInterval.Seconds(),
		MaxIntervalSeconds: snap.MaxInterval.Seconds(),
		Line:               snap.Line,
		Station:            snap.Station,
		Source:             h.mon.SourceName(),
		Ticks:              snap.Ticks,
		Failures:           snap.Failures,
		Readings:           snap.Readings,
		AlertCount:         snap.AlertCount,
		Alerts:             models.Summarize(h.mon.Alerts().Recent(h.alertLimit)),
		Latest:             snap.Latest,
	}
	if !snap.LastTick.IsZero() {
		lastTick := snap.LastTick
		resp.LastTick = &lastTick
	}
	if snap.LastError != nil {
		resp.LastError = snap.LastError.Error()
	}
	if snap.Latest != nil {
		resp.ScoreStatus = evaluator.StatusForScore(snap.Latest.Score)
	}
	return resp
}

func (h *Handler) getState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.stateResponse())
}

func (h *Handler) getThresholds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.mon.Thresholds())
}

func (h *Handler) getStations(w http.ResponseWriter, r *http.Request) {
	stations := h.mon.Stations()
	if stations == nil {
		stations = map[string][]string{}
	}
	writeJSON(w, http.StatusOK, stations)
}

// getReadings returns the in-memory history, oldest first
func (h *Handler) getReadings(w http.ResponseWriter, r *http.Request) {
	buf := h.mon.History()
	limit, err := queryInt(r, "limit", buf.Cap())
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, buf.Last(limit))
}

func (h *Handler) getSeries(w http.ResponseWriter, r *http.Request) {
	kind, err := models.ParseMetricKind(chi.URLParam(r, "metric"))
	if err != nil {
		writeError(w, http.StatusNotFound, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, SeriesResponse{
		Metric:     kind,
		Thresholds: h.mon.Thresholds()[kind],
		Points:     h.mon.History().Series(kind),
	})
}

func (h *Handler) clearReadings(w http.ResponseWriter, r *http.Request) {
	h.mon.Clear()
	w.WriteHeader(http.StatusNoContent)
}

// getAlerts returns the newest alerts first
func (h *Handler) getAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", h.alertLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	alerts := h.mon.Alerts().Recent(limit)
	if alerts == nil {
		alerts = []models.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (h *Handler) clearAlerts(w http.ResponseWriter, r *http.Request) {
	h.mon.ClearAlerts()
	w.WriteHeader(http.StatusNoContent)
}

// getArchive pages through persisted ticks. start and end are RFC3339.
func (h *Handler) getArchive(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := storage.QueryOptions{Station: q.Get("station")}

	for _, p := range []struct {
		name string
		dst  *int64
	}{{"start", &opts.StartMs}, {"end", &opts.EndMs}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "%s must be RFC3339: %v", p.name, err)
			return
		}
		*p.dst = ts.UnixMilli()
	}

	limit, err := queryInt(r, "limit", h.mon.History().Cap())
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if limit > maxArchiveLimit {
		limit = maxArchiveLimit
	}
	opts.Limit = limit

	records, err := h.archive.QueryReadings(r.Context(), opts)
	if err != nil {
		h.logger.Error("Archive query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "archive query failed")
		return
	}

	out := make([]archiveEntry, len(records))
	for i, rec := range records {
		out[i] = archiveEntry{ID: rec.ID, Reading: rec.Reading, Score: rec.Score}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	h.mon.SetActive(true)
	writeJSON(w, http.StatusOK, h.stateResponse())
}

func (h *Handler) stop(w http.ResponseWriter, r *http.Request) {
	h.mon.SetActive(false)
	writeJSON(w, http.StatusOK, h.stateResponse())
}

// tick takes one reading on demand, whether or not monitoring is active
func (h *Handler) tick(w http.ResponseWriter, r *http.Request) {
	res, err := h.mon.Tick(r.Context())
	if err != nil {
		var oor *evaluator.OutOfRangeError
		switch {
		case errors.As(err, &oor):
			writeError(w, http.StatusUnprocessableEntity, "%v", err)
		case errors.Is(err, source.ErrExhausted), errors.Is(err, source.ErrClosed):
			writeError(w, http.StatusConflict, "%v", err)
		default:
			writeError(w, http.StatusServiceUnavailable, "%v", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) setInterval(w http.ResponseWriter, r *http.Request) {
	var req intervalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}

	d := time.Duration(req.Seconds * float64(time.Second))
	if err := h.mon.SetInterval(d); err != nil {
		if errors.Is(err, monitor.ErrIntervalOutOfBounds) {
			writeError(w, http.StatusUnprocessableEntity, "%v", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, h.stateResponse())
}

func (h *Handler) setStation(w http.ResponseWriter, r *http.Request) {
	var req stationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.Line == "" || req.Station == "" {
		writeError(w, http.StatusBadRequest, "line and station are required")
		return
	}

	if err := h.mon.SetStation(req.Line, req.Station); err != nil {
		if errors.Is(err, monitor.ErrUnknownStation) {
			writeError(w, http.StatusNotFound, "%v", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, h.stateResponse())
}
