package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/botconsole/internal/reconcile"
	"github.com/antoniostano/botconsole/internal/timeseries"
)

type clientConversationsResponse struct {
	ClientID string `json:"client_id"`
	reconcile.PageView
	Report  reconcile.Report `json:"report"`
	Partial bool             `json:"partial"`
}

func (s *Server) handleClientConversations(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		respondError(w, http.StatusServiceUnavailable, "reports_unavailable", "conversation reports are not configured")
		return
	}
	q := r.URL.Query()
	page, err := intParam(q.Get("page"), 1)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_page", err.Error())
		return
	}
	pageSize, err := intParam(q.Get("page_size"), s.cfg.Reports.PageSize)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_page_size", err.Error())
		return
	}

	client, err := s.store.GetClient(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondStoreError(w, err)
		return
	}

	merged, report := s.reconciler.FetchForClient(r.Context(), client)
	filtered := reconcile.Filter{Query: q.Get("q"), Channel: q.Get("channel")}.Apply(merged)

	pager := reconcile.NewPager(filtered, pageSize)
	pager.SetPage(page)

	respondJSON(w, http.StatusOK, clientConversationsResponse{
		ClientID: client.ID,
		PageView: pager.View(),
		Report:   report,
		Partial:  report.Partial(),
	})
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	if s.dashboard == nil {
		respondError(w, http.StatusServiceUnavailable, "analytics_unavailable", "analytics are not configured")
		return
	}
	days, err := daysParam(r, 7)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_days", err.Error())
		return
	}
	chart, err := s.dashboard.Load(r.Context(), chi.URLParam(r, "family"), days)
	switch {
	case errors.Is(err, timeseries.ErrUnknownFamily):
		respondError(w, http.StatusNotFound, "unknown_family", err.Error())
		return
	case errors.Is(err, timeseries.ErrUnsupportedRange):
		respondError(w, http.StatusBadRequest, "unsupported_range", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "analytics_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, chart)
}

func (s *Server) handleInvalidateAnalytics(w http.ResponseWriter, r *http.Request) {
	if s.dashboard == nil {
		respondError(w, http.StatusServiceUnavailable, "analytics_unavailable", "analytics are not configured")
		return
	}
	family := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "family")))
	cache := s.dashboard.Cache()
	if family == "all" {
		cache.InvalidateAll()
	} else {
		if _, ok := timeseries.PairFor(family); !ok {
			respondError(w, http.StatusNotFound, "unknown_family", "unknown analytics family")
			return
		}
		cache.Invalidate(family)
	}
	w.WriteHeader(http.StatusNoContent)
}

func intParam(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("must be a positive integer")
	}
	return n, nil
}
