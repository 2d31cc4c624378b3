package access

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/medrex/ehr-access/pkg/logger"
	"github.com/medrex/ehr-access/pkg/rbac"
)

const (
	headerMFA       = "X-MFA-Verified"
	headerRequestID = "X-Request-ID"
	maxBodyBytes    = 1 << 20
)

// errorResponse is the only error shape sent to clients
type errorResponse struct {
	Error      string `json:"error"`
	DecisionID string `json:"decision_id,omitempty"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type accessRequestBody struct {
	Justification string `json:"justification"`
}

type decisionResponse struct {
	DecisionID     string       `json:"decision_id"`
	Outcome        rbac.Outcome `json:"outcome"`
	IsBreakGlass   bool         `json:"is_break_glass"`
	GrantExpiresAt *time.Time   `json:"grant_expires_at,omitempty"`
}

// handleLogin exchanges credentials for a token
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, rbac.ValidationFailure(rbac.ErrorCodeInvalidRequest, "body", "invalid request body"))
		return
	}

	token, err := h.service.Login(r.Context(), req.Username, req.Password, h.mfaVerified(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, token)
}

// handleChangePassword rotates the caller's password
func (h *Handler) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, rbac.ValidationFailure(rbac.ErrorCodeInvalidRequest, "body", "invalid request body"))
		return
	}

	if err := h.service.ChangePassword(r.Context(), bearerToken(r), req.CurrentPassword, req.NewPassword); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAccess evaluates one protected action
func (h *Handler) handleAccess(w http.ResponseWriter, r *http.Request) {
	var body accessRequestBody
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, r, rbac.ValidationFailure(rbac.ErrorCodeInvalidRequest, "body", "invalid request body"))
		return
	}

	vars := mux.Vars(r)
	req := h.accessRequest(r)
	req.ResourceType = vars["resourceType"]
	req.ResourceID = vars["resourceID"]
	req.Action = vars["action"]
	req.Justification = body.Justification

	d, err := h.service.Execute(r.Context(), req, nil)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, decisionResponse{
		DecisionID:     d.ID,
		Outcome:        d.Outcome,
		IsBreakGlass:   d.IsBreakGlass,
		GrantExpiresAt: d.GrantExpiresAt,
	})
}

// handleListDecisions returns one page of the audit trail
func (h *Handler) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	page, _, err := h.service.QueryAudit(r.Context(), h.accessRequest(r), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

// handleGetDecision returns one audit record
func (h *Handler) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	found, _, err := h.service.GetDecision(r.Context(), h.accessRequest(r), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, found)
}

// handleExport streams the audit trail as CSV
func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	// buffered so a failure mid-export still yields a clean error response
	var buf bytes.Buffer
	if _, err := h.service.ExportAudit(r.Context(), h.accessRequest(r), filter, &buf); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="access-decisions.csv"`)
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, &buf)
}

// handleSummary aggregates the audit trail over a time range, defaulting to the last 24 hours
func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := h.accessRequest(r)
	end := req.ReceivedAt
	start := end.Add(-24 * time.Hour)

	var err error
	if v := q.Get("startDate"); v != "" {
		if start, err = parseTime(v, false); err != nil {
			h.writeError(w, r, rbac.ValidationFailure(rbac.ErrorCodeInvalidRequest, "startDate", "invalid start date"))
			return
		}
	}
	if v := q.Get("endDate"); v != "" {
		if end, err = parseTime(v, true); err != nil {
			h.writeError(w, r, rbac.ValidationFailure(rbac.ErrorCodeInvalidRequest, "endDate", "invalid end date"))
			return
		}
	}

	summary, _, err := h.service.Summary(r.Context(), req, start, end)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// handleRemediate applies an administrative remediation
func (h *Handler) handleRemediate(w http.ResponseWriter, r *http.Request) {
	var req rbac.RemediationRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, rbac.ValidationFailure(rbac.ErrorCodeInvalidRequest, "body", "invalid request body"))
		return
	}

	action, err := h.service.Remediate(r.Context(), h.accessRequest(r), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, action)
}

// handleListRemediations lists remediations by decisionId or principalId
func (h *Handler) handleListRemediations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	actions, _, err := h.service.Remediations(r.Context(), h.accessRequest(r), q.Get("decisionId"), q.Get("principalId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"remediations": actions,
		"count":        len(actions),
	})
}

// handlePendingReviews lists break-glass decisions awaiting review
func (h *Handler) handlePendingReviews(w http.ResponseWriter, r *http.Request) {
	limit := rbac.DefaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.writeError(w, r, rbac.ValidationFailure(rbac.ErrorCodeInvalidRequest, "limit", "invalid limit"))
			return
		}
		limit = n
	}

	items, _, err := h.service.PendingReviews(r.Context(), h.accessRequest(r), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"reviews": items,
		"count":   len(items),
	})
}

// accessRequest captures the caller-supplied context of a request
func (h *Handler) accessRequest(r *http.Request) *rbac.AccessRequest {
	requestID, _ := r.Context().Value(logger.RequestIDKey).(string)
	return &rbac.AccessRequest{
		Credential:    bearerToken(r),
		NetworkOrigin: h.clientIP(r),
		UserAgent:     r.UserAgent(),
		MFASatisfied:  h.mfaVerified(r),
		RequestID:     requestID,
		ReceivedAt:    time.Now().UTC(),
	}
}

func parseFilter(r *http.Request) (rbac.AuditFilter, error) {
	q := r.URL.Query()
	filter := rbac.AuditFilter{
		Action:       q.Get("action"),
		ResourceType: q.Get("resourceType"),
		Status:       rbac.Outcome(q.Get("status")),
		UserID:       q.Get("userId"),
		PatientID:    q.Get("patientId"),
	}

	ints := map[string]*int{"page": &filter.Page, "limit": &filter.Limit}
	for name, dst := range ints {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return filter, rbac.ValidationFailure(rbac.ErrorCodeInvalidRequest, name, "invalid "+name)
			}
			*dst = n
		}
	}

	dates := map[string]*time.Time{"startDate": &filter.StartDate, "endDate": &filter.EndDate}
	for name, dst := range dates {
		if v := q.Get(name); v != "" {
			t, err := parseTime(v, name == "endDate")
			if err != nil {
				return filter, rbac.ValidationFailure(rbac.ErrorCodeInvalidRequest, name, "invalid "+name)
			}
			*dst = t
		}
	}

	if v := q.Get("breakGlass"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return filter, rbac.ValidationFailure(rbac.ErrorCodeInvalidRequest, "breakGlass", "invalid breakGlass")
		}
		filter.BreakGlass = &b
	}

	if filter.Status != "" && !filter.Status.Valid() {
		return filter, rbac.ValidationFailure(rbac.ErrorCodeInvalidRequest, "status", "invalid status")
	}
	return filter, nil
}

// parseTime accepts RFC 3339 timestamps or plain dates. A plain date used as an
// upper bound covers the whole day, to the microsecond postgres keeps.
func parseTime(v string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil || !endOfDay {
		return t, err
	}
	return t.AddDate(0, 0, 1).Add(-time.Microsecond), nil
}

func decodeJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func bearerToken(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

// writeError maps an error onto its status code. The body carries only the
// public category and the decision id; the reason stays in the audit trail.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	accessErr, ok := rbac.GetAccessError(err)
	if !ok {
		accessErr = rbac.NewAccessErrorWithCause(rbac.ErrorTypeInternal, rbac.ErrorCodeInternal, "internal error", err)
	}

	status := accessErr.HTTPStatus()
	entry := h.logger.WithContext(r.Context()).WithFields(map[string]interface{}{
		"code":        accessErr.Code,
		"decision_id": accessErr.DecisionID,
		"status_code": status,
	}).WithError(err)
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Info("Request rejected")
	}

	h.writeJSON(w, status, errorResponse{
		Error:      accessErr.Category(),
		DecisionID: accessErr.DecisionID,
	})
}
