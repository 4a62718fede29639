package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/eargollo/piiscan/internal/ledger"
	"github.com/eargollo/piiscan/internal/scan"
	"github.com/eargollo/piiscan/internal/scheduler"
)

// StatusHandler handles GET /api/status.
type StatusHandler struct {
	Ledger  *ledger.Ledger
	Manager *scan.Manager
	Sched   *scheduler.Scheduler
	Paused  bool
	Version string
}

type statusResponse struct {
	Version           string          `json:"version"`
	ScanPaths         []string        `json:"scan_paths"`
	ActiveScan        *activeScanInfo `json:"active_scan"`
	Schedule          scheduleInfo    `json:"schedule"`
	LastCompletedScan *ledger.Run     `json:"last_completed_scan"`
}

type activeScanInfo struct {
	ID          int64              `json:"id"`
	StartedAt   time.Time          `json:"started_at"`
	TriggeredBy string             `json:"triggered_by"`
	ScanType    string             `json:"scan_type"`
	Progress    ledger.RunCounters `json:"progress"`
}

type scheduleInfo struct {
	Cron      string     `json:"cron"`
	Paused    bool       `json:"paused"`
	NextRunAt *time.Time `json:"next_run_at"`
}

// ServeHTTP returns the system status as JSON.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Version:   h.Version,
		ScanPaths: h.Manager.Roots(),
		Schedule:  scheduleInfo{Paused: h.Paused},
	}
	if a := h.Manager.ActiveScan(); a != nil {
		resp.ActiveScan = &activeScanInfo{
			ID:          a.ID,
			StartedAt:   a.StartedAt.UTC(),
			TriggeredBy: a.TriggeredBy,
			ScanType:    a.ScanType,
			Progress:    a.Progress.Snapshot(),
		}
	}
	if h.Sched != nil {
		resp.Schedule.Cron = h.Sched.CronExpr()
		if !h.Paused {
			resp.Schedule.NextRunAt = h.Sched.NextRunAt()
		}
	}
	last, err := h.Ledger.LastFinishedRun(r.Context())
	if err != nil {
		slog.Error("status: query last scan", "error", err)
	}
	resp.LastCompletedScan = last
	writeJSON(w, http.StatusOK, resp)
}
