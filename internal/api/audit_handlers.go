package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/audit"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/metrics"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/resolver"
)

const maxHistoryLimit = 500

type submitRequest struct {
	URL              string `json:"url"`
	ReportType       string `json:"report_type"`
	MaxPages         *int   `json:"max_pages"`
	MaxExternalLinks *int   `json:"max_external_links"`
}

type submitResponse struct {
	SessionID       string `json:"session_id"`
	URL             string `json:"url"`
	Tier            string `json:"tier"`
	RemainingAudits *int   `json:"remaining_audits,omitempty"`
}

// submitAudit validates the request, runs admission, and queues the job.
// Quota denials are a normal response, not an HTTP error: the body carries
// allowed=false plus an upgrade hint.
func (s *Server) submitAudit(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	reportType, err := audit.ParseReportType(body.ReportType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req := audit.Request{
		URL:              strings.TrimSpace(body.URL),
		ReportType:       reportType,
		MaxPages:         valueOrDefault(body.MaxPages, s.cfg.DefaultMaxPages),
		MaxExternalLinks: valueOrDefault(body.MaxExternalLinks, s.cfg.DefaultMaxLinks),
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	uid := userID(r)
	decision := s.controller.Evaluate(r.Context(), uid, req.MaxPages, req.MaxExternalLinks)
	metrics.ObserveAdmission(string(decision.Tier), decision.Allowed)
	if !decision.Allowed {
		writeJSON(w, http.StatusOK, map[string]any{
			"allowed":          false,
			"error":            decision.Reason,
			"upgrade_required": decision.UpgradeRequired,
			"tier":             decision.Tier,
		})
		return
	}

	sessionID, err := s.registry.Create(uid, req)
	if err != nil {
		s.logger.Error("session create failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	if err := s.executor.Submit(r.Context(), sessionID, req); err != nil {
		s.registry.Evict(sessionID)
		writeError(w, http.StatusServiceUnavailable, "audit service is shutting down")
		return
	}

	writeJSON(w, http.StatusOK, submitResponse{
		SessionID:       sessionID,
		URL:             req.URL,
		Tier:            string(decision.Tier),
		RemainingAudits: decision.RemainingAudits,
	})
}

// getProgress serves a single progress snapshot. An unknown or evicted
// session is a well-formed 404 payload, not a server error.
func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	snap, ok := s.registry.Snapshot(sessionID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"status": "not_found",
			"error":  "Session expired or unknown. Please submit the audit again.",
		})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// getResults routes a finished session to its report, or back to progress.
func (s *Server) getResults(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	res := s.resolver.Resolve(r.Context(), sessionID)

	switch res.Outcome {
	case resolver.OutcomeNotFound:
		writeJSON(w, http.StatusNotFound, map[string]string{
			"status": "not_found",
			"error":  res.Message,
		})
	case resolver.OutcomeInProgress, resolver.OutcomeReport:
		http.Redirect(w, r, res.RedirectTo, http.StatusSeeOther)
	case resolver.OutcomeFailed:
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "failed",
			"error":  res.Message,
		})
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

type simpleReport struct {
	AuditID              string    `json:"audit_id"`
	URL                  string    `json:"url"`
	Score                int       `json:"score"`
	PagesScanned         int       `json:"pages_scanned"`
	ExternalLinksChecked int       `json:"external_links_checked"`
	CreatedAt            time.Time `json:"created_at"`
}

type fullReport struct {
	simpleReport
	ReportType string          `json:"report_type"`
	Findings   []audit.Finding `json:"findings"`
}

// getReport renders a stored audit in the requested view. Viewers without
// full-report access get the simple payload back even on the full route.
func (s *Server) getReport(view audit.ReportType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auditID := chi.URLParam(r, "audit_id")
		rec, err := s.store.GetAudit(r.Context(), auditID)
		if err != nil {
			if errors.Is(err, audit.ErrNotFound) {
				writeError(w, http.StatusNotFound, "audit not found")
				return
			}
			s.logger.Error("audit lookup failed", zap.String("audit_id", auditID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load audit")
			return
		}

		simple := simpleReport{
			AuditID:              rec.ID,
			URL:                  rec.URL,
			Score:                rec.Result.Score,
			PagesScanned:         rec.Result.PagesScanned,
			ExternalLinksChecked: rec.Result.ExternalLinksChecked,
			CreatedAt:            rec.CreatedAt,
		}
		if view == audit.ReportSimple {
			writeJSON(w, http.StatusOK, simple)
			return
		}
		def, _ := s.catalog.Resolve(r.Context(), userID(r))
		if !def.CanAccessFullReports {
			writeJSON(w, http.StatusOK, simple)
			return
		}
		writeJSON(w, http.StatusOK, fullReport{
			simpleReport: simple,
			ReportType:   string(rec.ReportType),
			Findings:     rec.Result.Findings,
		})
	}
}

// listUserAudits returns the caller's audit history, newest first. Anonymous
// callers are sent to the login flow.
func (s *Server) listUserAudits(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == nil {
		http.Redirect(w, r, "/auth/login", http.StatusSeeOther)
		return
	}
	limit, offset, err := parseLimitOffset(r, s.cfg.HistoryLimit, maxHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := s.store.ListUserAudits(r.Context(), *uid, limit, offset)
	if err != nil {
		s.logger.Error("list audits failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list audits")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audits": records})
}

func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (int, int, error) {
	limit := defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if v > maxLimit {
			v = maxLimit
		}
		limit = v
	}
	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = v
	}
	return limit, offset, nil
}

func valueOrDefault(ptr *int, def int) int {
	if ptr == nil {
		return def
	}
	return *ptr
}
