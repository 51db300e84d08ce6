package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/occhealth/ohs/internal/platform/auth"
)

// AuditPatientKey is the echo context key a handler sets when it learns the
// patient of a request whose path does not name one.
const AuditPatientKey = "audit_patient_id"

// AuditEntry records who touched which surveillance record, when, from
// where and with what outcome.
type AuditEntry struct {
	UserID         string
	UserRoles      []string
	Resource       string
	PatientID      string
	SurveillanceID string
	Action         string // read, search, create, update, delete
	IPAddress      string
	UserAgent      string
	Path           string
	Method         string
	Timestamp      time.Time
	RequestID      string
	StatusCode     int
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every /api/v1/ request after it completes, including ones
// rejected by authentication or role checks. Install it ahead of the auth
// middleware: the user is read from the request context once the chain has
// run. Entries always go to logger; an optional recorder gets them too.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			if !isAuditablePath(path) {
				return next(c)
			}

			err := next(c)

			req := c.Request()
			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				Path:       path,
				Method:     req.Method,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: c.Response().Status,
				UserID:     auth.UserIDFromContext(req.Context()),
				UserRoles:  auth.RolesFromContext(req.Context()),
			}
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				entry.StatusCode = he.Code
			}
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}
			entry.Resource, entry.PatientID, entry.SurveillanceID = parseAuditPath(path)
			entry.Action = auditAction(req.Method, entry.SurveillanceID == "" && entry.PatientID != "")
			if entry.PatientID == "" {
				entry.PatientID = patientFromContext(c)
			}

			if len(recorders) > 0 && recorders[0] != nil {
				if recErr := recorders[0].RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			evt := logger.Info()
			if entry.StatusCode == http.StatusUnauthorized || entry.StatusCode == http.StatusForbidden {
				evt = logger.Warn()
			}
			evt.
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource", entry.Resource).
				Str("patient_id", entry.PatientID).
				Str("surveillance_id", entry.SurveillanceID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("record_access")

			return err
		}
	}
}

func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/api/v1/")
}

// auditAction maps a method to an action. A GET on a collection is a search.
func auditAction(method string, collection bool) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		if collection {
			return "search"
		}
		return "read"
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// parseAuditPath understands the two surveillance route shapes:
//
//	/api/v1/patients/<patient_id>/surveillance -> surveillance, patient
//	/api/v1/surveillance/<id>                  -> surveillance, episode
//
// Anything else yields the first segment as resource.
func parseAuditPath(path string) (resource, patientID, surveillanceID string) {
	segs := strings.Split(strings.Trim(strings.TrimPrefix(path, "/api/v1/"), "/"), "/")
	switch {
	case len(segs) >= 3 && segs[0] == "patients" && segs[2] == "surveillance":
		if isNumericID(segs[1]) {
			patientID = segs[1]
		}
		return "surveillance", patientID, ""
	case len(segs) >= 2 && segs[0] == "surveillance":
		if isNumericID(segs[1]) {
			surveillanceID = segs[1]
		}
		return "surveillance", "", surveillanceID
	case segs[0] != "":
		return segs[0], "", ""
	}
	return "unknown", "", ""
}

func patientFromContext(c echo.Context) string {
	switch v := c.Get(AuditPatientKey).(type) {
	case int64:
		return strconv.FormatInt(v, 10)
	case string:
		return v
	}
	return ""
}

func isNumericID(s string) bool {
	id, err := strconv.ParseInt(s, 10, 64)
	return err == nil && id > 0
}
