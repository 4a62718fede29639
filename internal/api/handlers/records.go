package handlers

import (
	"log/slog"
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/eargollo/piiscan/internal/config"
	"github.com/eargollo/piiscan/internal/ledger"
)

var checksumRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

// RecordsHandler serves the scan ledger.
type RecordsHandler struct {
	Ledger *ledger.Ledger
}

// List handles GET /api/records?scan_type=&pii=&limit=&offset=.
func (h *RecordsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	f := ledger.RecordFilter{Limit: limit, Offset: offset}

	q := r.URL.Query()
	if st := q.Get("scan_type"); st != "" {
		if !config.ValidScanType(st) {
			writeError(w, http.StatusBadRequest, "INVALID_SCAN_TYPE", "scan_type must be lite or full")
			return
		}
		f.ScanType = st
	}
	if v := q.Get("pii"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_FILTER", "pii must be true or false")
			return
		}
		f.PII = &b
	}

	recs, total, err := h.Ledger.ListRecords(r.Context(), f)
	if err != nil {
		slog.Error("records list", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if recs == nil {
		recs = []ledger.ScanRecord{}
	}
	writeJSON(w, http.StatusOK, ListResponse[ledger.ScanRecord]{
		Items:  recs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// ByChecksum handles GET /api/records/{checksum}.
func (h *RecordsHandler) ByChecksum(w http.ResponseWriter, r *http.Request) {
	sum := chi.URLParam(r, "checksum")
	if !checksumRe.MatchString(sum) {
		writeError(w, http.StatusBadRequest, "INVALID_CHECKSUM", "Checksum must be 64 lowercase hex characters")
		return
	}
	recs, err := h.Ledger.RecordsByChecksum(r.Context(), sum)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if len(recs) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "No records for checksum")
		return
	}
	writeJSON(w, http.StatusOK, recs)
}
