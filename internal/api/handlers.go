package api

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/oceanpark/oceanctl/internal/errors"
	"github.com/oceanpark/oceanctl/internal/models"
)

// healthResponse is the GET /health payload. SuccessRate is absent until
// at least one action ran in the window.
type healthResponse struct {
	DevicesTotal     int      `json:"devicesTotal"`
	DevicesOnline    int      `json:"devicesOnline"`
	SuccessRate      *float64 `json:"successRate,omitempty"`
	ActionsSampled   int      `json:"actionsSampled"`
	SchedulerRunning bool     `json:"schedulerRunning"`
	Version          string   `json:"version"`
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	snap := r.monitor.Snapshot()
	resp := healthResponse{
		DevicesTotal:     len(r.registry.Snapshot().All()),
		DevicesOnline:    snap.OnlineCount,
		SchedulerRunning: r.scheduler.Running(),
		Version:          r.version,
	}
	if rate, sampled := r.sink.SuccessRate(time.Now(), 24*time.Hour); sampled > 0 {
		resp.SuccessRate = &rate
		resp.ActionsSampled = sampled
	}
	writeData(w, http.StatusOK, resp)
}

// deviceView joins the static device definition with its live health.
type deviceView struct {
	models.Device
	Status    models.HealthStatus `json:"status"`
	LatencyMS int64               `json:"latencyMs,omitempty"`
}

func (r *Router) handleDevices(w http.ResponseWriter, req *http.Request) {
	health := r.monitor.Snapshot()
	devices := r.registry.Snapshot().All()

	out := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		d.Credentials = nil // never leak secrets over the API
		view := deviceView{Device: d, Status: models.StatusUnknown}
		if st, ok := health.Devices[d.ID]; ok {
			view.Status = st.Status
			view.LatencyMS = st.LatencyMS
		}
		out = append(out, view)
	}
	writeData(w, http.StatusOK, out)
}

func (r *Router) handleBulkAll(on bool) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		r.runBulk(w, req, models.TargetAll, on)
	}
}

func (r *Router) handleDevicePower(on bool) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		r.runBulk(w, req, models.DeviceTarget(req.PathValue("id")), on)
	}
}

func (r *Router) handleGroupPower(on bool) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		r.runBulk(w, req, models.GroupTarget(req.PathValue("id")), on)
	}
}

// runBulk dispatches a power command and answers 200 with per-device
// outcomes, 400 for unresolvable targets, 503 under backpressure.
func (r *Router) runBulk(w http.ResponseWriter, req *http.Request, target string, on bool) {
	op := r.manager.TurnOff
	if on {
		op = r.manager.TurnOn
	}
	report, err := op(req.Context(), target, true)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, report)
}

func (r *Router) handleDeviceStatus(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	report, err := r.manager.Query(req.Context(), models.DeviceTarget(id), true)
	if err != nil {
		writeError(w, err)
		return
	}
	record := report.Results[id]

	health := r.monitor.Snapshot()
	resp := map[string]any{
		"deviceId": id,
		"power":    record.State,
		"record":   record,
	}
	if st, ok := health.Devices[id]; ok {
		resp["health"] = st
	}
	writeData(w, http.StatusOK, resp)
}

func (r *Router) handleGroups(w http.ResponseWriter, req *http.Request) {
	writeData(w, http.StatusOK, r.registry.Snapshot().Groups())
}

// groupStatus is one row of the GET /groups/status rollup.
type groupStatus struct {
	GroupID string `json:"groupId"`
	Name    string `json:"name"`
	Online  int    `json:"online"`
	Offline int    `json:"offline"`
	Unknown int    `json:"unknown"`
	Total   int    `json:"total"`
}

func (r *Router) handleGroupStatus(w http.ResponseWriter, req *http.Request) {
	health := r.monitor.Snapshot()
	snap := r.registry.Snapshot()

	out := make([]groupStatus, 0)
	for _, g := range snap.Groups() {
		row := groupStatus{GroupID: g.ID, Name: g.Name, Total: len(g.DeviceIDs)}
		for _, did := range g.DeviceIDs {
			switch health.Devices[did].Status {
			case models.StatusOnline:
				row.Online++
			case models.StatusOffline:
				row.Offline++
			default:
				row.Unknown++
			}
		}
		out = append(out, row)
	}
	writeData(w, http.StatusOK, out)
}

func (r *Router) handleScheduleList(w http.ResponseWriter, req *http.Request) {
	writeData(w, http.StatusOK, r.scheduler.Jobs())
}

func (r *Router) handleScheduleUpsert(w http.ResponseWriter, req *http.Request) {
	var job models.ScheduledJob
	if err := json.NewDecoder(req.Body).Decode(&job); err != nil {
		writeError(w, errors.Newf(errors.KindValidation, "api.schedule", "invalid job body: %v", err))
		return
	}

	var (
		stored models.ScheduledJob
		err    error
	)
	if job.ID != "" {
		if _, getErr := r.scheduler.Get(job.ID); getErr == nil {
			stored, err = r.scheduler.Update(job)
		} else {
			stored, err = r.scheduler.Create(job)
		}
	} else {
		stored, err = r.scheduler.Create(job)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, stored)
}

func (r *Router) handleScheduleDelete(w http.ResponseWriter, req *http.Request) {
	if err := r.scheduler.Delete(req.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"deleted": req.PathValue("id")})
}

func (r *Router) handleScheduleTrigger(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if _, err := r.scheduler.Get(id); err != nil {
		writeError(w, err)
		return
	}
	// The fan-out can run for minutes; fire it detached from the request
	// but under the engine context, so shutdown cancels it.
	go func() {
		if err := r.scheduler.TriggerNow(r.baseCtx, id); err != nil {
			log.Error().Str("job", id).Err(err).Msg("Manual trigger failed")
		}
	}()
	writeData(w, http.StatusOK, map[string]string{"triggered": id})
}

func (r *Router) handleScheduleEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		job, err := r.scheduler.SetEnabled(req.PathValue("id"), enabled)
		if err != nil {
			writeError(w, err)
			return
		}
		writeData(w, http.StatusOK, job)
	}
}

func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	date := q.Get("date")
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", date); err != nil {
		writeError(w, errors.Newf(errors.KindValidation, "api.logs", "invalid date %q", date))
		return
	}
	page := 1
	if p := q.Get("page"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 {
			writeError(w, errors.Newf(errors.KindValidation, "api.logs", "invalid page %q", p))
			return
		}
		page = n
	}

	records, total, err := r.sink.Query(date, q.Get("level"), page)
	if err != nil {
		writeError(w, errors.New(errors.KindPersistence, "api.logs", err))
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"date":    date,
		"page":    page,
		"total":   total,
		"records": records,
	})
}

// handleLogsExport streams every action log file as one plain-text body,
// newest day first.
func (r *Router) handleLogsExport(w http.ResponseWriter, req *http.Request) {
	files, err := r.sink.Files()
	if err != nil {
		writeError(w, errors.New(errors.KindPersistence, "api.export", err))
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", `attachment; filename="actions.log"`)
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		_, _ = io.Copy(w, bufio.NewReader(f))
		_ = f.Close()
	}
}

func (r *Router) handleAlerts(w http.ResponseWriter, req *http.Request) {
	hours := 24
	if h := req.URL.Query().Get("hours"); h != "" {
		n, err := strconv.Atoi(h)
		if err != nil || n < 1 {
			writeError(w, errors.Newf(errors.KindValidation, "api.alerts", "invalid hours %q", h))
			return
		}
		hours = n
	}

	now := time.Now().UTC()
	cutoff := now.Add(-time.Duration(hours) * time.Hour)

	var alerts []models.AlertEvent
	for day := cutoff; !day.After(now.Add(24 * time.Hour)); day = day.Add(24 * time.Hour) {
		report, err := r.reports.Get(day.Format("2006-01-02"))
		if err != nil {
			continue
		}
		for _, a := range report.Alerts {
			if !a.Timestamp.Before(cutoff) && !a.Timestamp.After(now) {
				alerts = append(alerts, a)
			}
		}
	}
	writeData(w, http.StatusOK, alerts)
}

func (r *Router) handleReportToday(w http.ResponseWriter, req *http.Request) {
	r.writeReport(w, time.Now().UTC().Format("2006-01-02"))
}

func (r *Router) handleReport(w http.ResponseWriter, req *http.Request) {
	date := req.URL.Query().Get("date")
	if date == "" {
		dates, err := r.reports.Dates()
		if err != nil {
			writeError(w, errors.New(errors.KindPersistence, "api.reports", err))
			return
		}
		writeData(w, http.StatusOK, map[string]any{"dates": dates})
		return
	}
	r.writeReport(w, date)
}

func (r *Router) writeReport(w http.ResponseWriter, date string) {
	report, err := r.reports.Get(date)
	if err != nil {
		writeError(w, errors.New(errors.KindValidation, "api.reports", err))
		return
	}
	writeData(w, http.StatusOK, report)
}

func (r *Router) handleDiagnostics(w http.ResponseWriter, req *http.Request) {
	jobs := r.scheduler.Jobs()
	nextFires := make(map[string]string, len(jobs))
	for _, j := range jobs {
		if j.Enabled && !j.NextRun.IsZero() {
			nextFires[j.ID] = j.NextRun.Format(time.RFC3339)
		}
	}
	writeData(w, http.StatusOK, map[string]any{
		"version":        r.version,
		"uptime":         time.Since(r.startedAt).Round(time.Second).String(),
		"maxConcurrency": r.maxConc,
		"wsClients":      r.hub.ClientCount(),
		"nextFires":      nextFires,
	})
}
