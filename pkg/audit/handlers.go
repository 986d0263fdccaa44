package audit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/gatekeeper/pkg/httputil"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
)

// StatsReader aggregates audit events
type StatsReader interface {
	GetStats(ctx context.Context, filter *SearchFilter) (*Stats, error)
}

// Handlers provides HTTP handlers for the audit API. Callers mount them
// behind super admin authorization.
type Handlers struct {
	searcher Searcher
	stats    StatsReader
	events   EventLister
	logger   *observability.Logger
}

// NewHandlers creates new audit handlers. stats and events may be nil, in
// which case their routes are not registered.
func NewHandlers(searcher Searcher, stats StatsReader, events EventLister, logger *observability.Logger) *Handlers {
	return &Handlers{
		searcher: searcher,
		stats:    stats,
		events:   events,
		logger:   observability.OrNop(logger),
	}
}

// RegisterRoutes registers audit routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/admin/audit/events", h.listEvents).Methods(http.MethodGet)
	router.HandleFunc("/admin/audit/export", h.exportEvents).Methods(http.MethodGet)
	if h.stats != nil {
		router.HandleFunc("/admin/audit/stats", h.getStats).Methods(http.MethodGet)
	}
	if h.events != nil {
		router.HandleFunc("/admin/audit/entitlement-events", h.listEntitlementEvents).Methods(http.MethodGet)
	}
}

// listEvents handles GET /admin/audit/events
func (h *Handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	events, err := h.searcher.Search(r.Context(), filter)
	if err != nil {
		observability.FromContext(r.Context(), h.logger).WithError(err).Error("Failed to search audit events")
		httputil.WriteInternalError(w)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"events": events,
		"count":  len(events),
		"limit":  filter.normalizedLimit(),
		"offset": filter.Offset,
	})
}

// exportEvents handles GET /admin/audit/export
func (h *Handlers) exportEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	format, err := ParseExportFormat(r.URL.Query().Get("format"))
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if filter.Limit <= 0 {
		filter.Limit = MaxSearchLimit
	}

	events, err := h.searcher.Search(r.Context(), filter)
	if err != nil {
		observability.FromContext(r.Context(), h.logger).WithError(err).Error("Failed to export audit events")
		httputil.WriteInternalError(w)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=audit-logs.%s", format))
	w.WriteHeader(http.StatusOK)
	if err := Export(w, events, format); err != nil {
		observability.FromContext(r.Context(), h.logger).WithError(err).Warn("Audit export interrupted")
	}
}

// getStats handles GET /admin/audit/stats
func (h *Handlers) getStats(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	stats, err := h.stats.GetStats(r.Context(), filter)
	if err != nil {
		observability.FromContext(r.Context(), h.logger).WithError(err).Error("Failed to compute audit stats")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, stats)
}

// listEntitlementEvents handles GET /admin/audit/entitlement-events
func (h *Handlers) listEntitlementEvents(w http.ResponseWriter, r *http.Request) {
	filter := EventFilter{ModuleKey: r.URL.Query().Get("module_key")}

	var err error
	if filter.OrganizationID, err = httputil.ParseQueryInt64Ptr(r, "organization_id"); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if filter.Since, err = httputil.ParseQueryTime(r, "since"); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if filter.Until, err = httputil.ParseQueryTime(r, "until"); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if filter.Limit, err = httputil.ParseQueryInt(r, "limit", DefaultSearchLimit); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if filter.Offset, err = httputil.ParseQueryInt(r, "offset", 0); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	for _, t := range parseCommaSeparated(r.URL.Query().Get("event_types")) {
		filter.EventTypes = append(filter.EventTypes, EntitlementEventType(t))
	}

	events, err := h.events.List(r.Context(), filter)
	if err != nil {
		observability.FromContext(r.Context(), h.logger).WithError(err).Error("Failed to list entitlement events")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

var errInvalidStatus = errors.New("invalid status")

// parseFilter parses a search filter from query parameters
func parseFilter(r *http.Request) (*SearchFilter, error) {
	query := r.URL.Query()
	filter := &SearchFilter{}

	var err error
	if filter.StartTime, err = httputil.ParseQueryTime(r, "start_time"); err != nil {
		return nil, err
	}
	if filter.EndTime, err = httputil.ParseQueryTime(r, "end_time"); err != nil {
		return nil, err
	}
	if filter.UserID, err = httputil.ParseQueryInt64Ptr(r, "user_id"); err != nil {
		return nil, err
	}
	if filter.OrganizationID, err = httputil.ParseQueryInt64Ptr(r, "organization_id"); err != nil {
		return nil, err
	}
	for _, t := range parseCommaSeparated(query.Get("event_types")) {
		filter.EventTypes = append(filter.EventTypes, EventType(t))
	}

	if s := query.Get("status"); s != "" {
		switch EventStatus(s) {
		case EventStatusSuccess, EventStatusFailure, EventStatusDenied, EventStatusBypassed:
			filter.Status = EventStatus(s)
		default:
			return nil, fmt.Errorf("%w: %s", errInvalidStatus, s)
		}
	}

	filter.ResourceType = ResourceType(query.Get("resource_type"))
	filter.ResourceID = query.Get("resource_id")
	filter.Ascending = query.Get("order") == "asc"

	if filter.Limit, err = httputil.ParseQueryInt(r, "limit", DefaultSearchLimit); err != nil {
		return nil, err
	}
	if filter.Offset, err = httputil.ParseQueryInt(r, "offset", 0); err != nil {
		return nil, err
	}
	return filter, nil
}

// parseCommaSeparated splits a comma-separated list, dropping empty items
func parseCommaSeparated(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
