package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eargollo/piiscan/internal/ledger"
	"github.com/eargollo/piiscan/internal/scan"
)

// ScansHandler handles scan-related API endpoints.
type ScansHandler struct {
	Ledger   *ledger.Ledger
	Manager  *scan.Manager
	ScanType string // default for POST /api/scans
	// BaseCtx parents triggered scans; cancelling it stops them on shutdown.
	BaseCtx context.Context
}

type createScanRequest struct {
	ScanType string `json:"scan_type"`
}

// Create handles POST /api/scans: triggers a manual scan.
func (h *ScansHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Body must be JSON")
		return
	}
	if req.ScanType == "" {
		req.ScanType = h.ScanType
	}

	base := h.BaseCtx
	if base == nil {
		base = context.Background()
	}
	active, err := h.Manager.Start(base, "manual", req.ScanType)
	if err != nil {
		switch {
		case errors.Is(err, scan.ErrAlreadyRunning):
			writeError(w, http.StatusConflict, "SCAN_ALREADY_RUNNING", "A scan is already in progress")
		case errors.Is(err, scan.ErrInvalidScanType):
			writeError(w, http.StatusBadRequest, "INVALID_SCAN_TYPE", err.Error())
		case errors.Is(err, scan.ErrNoScanPaths):
			writeError(w, http.StatusUnprocessableEntity, "NO_SCAN_PATHS", "No scan paths configured")
		default:
			slog.Error("scans: start", "error", err)
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to start scan")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":           active.ID,
		"status":       ledger.RunRunning,
		"scan_type":    active.ScanType,
		"started_at":   active.StartedAt.UTC().Format(time.RFC3339),
		"triggered_by": active.TriggeredBy,
	})
}

// Cancel handles DELETE /api/scans/current. The scan stops after the file
// in progress.
func (h *ScansHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Manager.Cancel()
	if err != nil {
		if errors.Is(err, scan.ErrNoActiveScan) {
			writeError(w, http.StatusNotFound, "NO_ACTIVE_SCAN", "No scan is currently running")
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":         snap.ID,
		"status":     "cancelling",
		"started_at": snap.StartedAt.UTC().Format(time.RFC3339),
	})
}

// List handles GET /api/scans: returns run history newest first.
func (h *ScansHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	runs, total, err := h.Ledger.ListRuns(r.Context(), limit, offset)
	if err != nil {
		slog.Error("scans list", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if runs == nil {
		runs = []ledger.Run{}
	}
	writeJSON(w, http.StatusOK, ListResponse[ledger.Run]{
		Items:  runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

type scanDetail struct {
	ledger.Run
	ErrorList []ledger.RunError `json:"error_list"`
}

// Get handles GET /api/scans/{id}.
func (h *ScansHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid scan ID")
		return
	}
	run, errs, err := h.Ledger.GetRun(r.Context(), id)
	if errors.Is(err, ledger.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Scan not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if errs == nil {
		errs = []ledger.RunError{}
	}
	writeJSON(w, http.StatusOK, scanDetail{Run: run, ErrorList: errs})
}
