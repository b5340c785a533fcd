package http

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dev-brewery/koinon-rms-sub006/internal/auth"
	"github.com/dev-brewery/koinon-rms-sub006/internal/checkin"
	"github.com/dev-brewery/koinon-rms-sub006/internal/config"
	"github.com/dev-brewery/koinon-rms-sub006/internal/db"
	"github.com/dev-brewery/koinon-rms-sub006/internal/metrics"
	"github.com/dev-brewery/koinon-rms-sub006/internal/pickup"
	"github.com/dev-brewery/koinon-rms-sub006/internal/ratelimit"
)

const roleStaff = "staff"

// Directory answers attendance listing queries the services do not own.
type Directory interface {
	ListOpenAttendanceByLocation(ctx context.Context, locationID uuid.UUID) ([]db.Attendance, error)
}

type Server struct {
	cfg       config.Config
	directory Directory
	checkins  *checkin.Service
	pickups   *pickup.Service
	limiter   ratelimit.Limiter
	metrics   *metrics.Metrics
}

func NewServer(cfg config.Config, directory Directory, checkins *checkin.Service, pickups *pickup.Service, limiter ratelimit.Limiter, m *metrics.Metrics) *Server {
	return &Server{
		cfg:       cfg,
		directory: directory,
		checkins:  checkins,
		pickups:   pickups,
		limiter:   limiter,
		metrics:   m,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.With(s.authMiddleware).Post("/checkins", s.handleCreateCheckins)
	r.With(s.authMiddleware).Get("/locations/{locationId}/occupancy", s.handleGetOccupancy)
	r.With(s.authMiddleware).Get("/locations/{locationId}/attendance", s.handleListAttendance)
	r.With(s.authMiddleware).Post("/checkins/{attendanceId}/verify-pickup", s.handleVerifyPickup)
	r.With(s.authMiddleware).Post("/checkins/{attendanceId}/pickup", s.handleRecordPickup)
	r.With(s.authMiddleware).Post("/checkins/{attendanceId}/checkout", s.handleCheckout)

	return r
}

// Auth

type claimsKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := auth.ParseToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

func isStaff(claims *auth.Claims) bool {
	return claims.HasAnyRole(roleStaff, pickup.RoleSupervisor, pickup.RoleAdmin)
}

// Models

type checkinItemRequest struct {
	PersonID             string  `json:"personId"`
	LocationID           string  `json:"locationId"`
	SessionID            *string `json:"sessionId"`
	GenerateSecurityCode bool    `json:"generateSecurityCode"`
}

type createCheckinsRequest struct {
	Items []checkinItemRequest `json:"items"`
}

type checkinItemResponse struct {
	Success       bool   `json:"success"`
	AttendanceID  string `json:"attendanceId,omitempty"`
	SecurityCode  string `json:"securityCode,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`
}

type createCheckinsResponse struct {
	Items        []checkinItemResponse `json:"items"`
	Succeeded    int                   `json:"succeeded"`
	Failed       int                   `json:"failed"`
	AllSucceeded bool                  `json:"allSucceeded"`
}

type occupancyResponse struct {
	LocationID string `json:"locationId"`
	OpenCount  int64  `json:"openCount"`
	Capacity   *int32 `json:"capacity"`
	AtCapacity bool   `json:"atCapacity"`
}

type attendanceResponse struct {
	ID          string  `json:"id"`
	PersonID    string  `json:"personId"`
	LocationID  string  `json:"locationId"`
	SessionID   *string `json:"sessionId,omitempty"`
	CheckedInAt int64   `json:"checkedInAt"`
}

type verifyPickupRequest struct {
	PickupPersonID   string `json:"pickupPersonId"`
	PickupPersonName string `json:"pickupPersonName"`
	SecurityCode     string `json:"securityCode"`
}

type verifyPickupResponse struct {
	Authorized       bool    `json:"authorized"`
	Level            string  `json:"level,omitempty"`
	MatchedEntryID   *string `json:"matchedEntryId,omitempty"`
	RequiresOverride bool    `json:"requiresOverride"`
	Message          string  `json:"message"`
}

type recordPickupRequest struct {
	PickupPersonID     string  `json:"pickupPersonId"`
	PickupPersonName   string  `json:"pickupPersonName"`
	WasAuthorized      bool    `json:"wasAuthorized"`
	AuthorizedEntryID  *string `json:"authorizedEntryId"`
	SupervisorOverride bool    `json:"supervisorOverride"`
	SupervisorPersonID *string `json:"supervisorPersonId"`
	Notes              string  `json:"notes"`
}

type pickupLogResponse struct {
	ID           string  `json:"id"`
	AttendanceID string  `json:"attendanceId"`
	PersonID     string  `json:"personId"`
	PersonName   string  `json:"personName"`
	Authorized   bool    `json:"authorized"`
	EntryID      *string `json:"entryId,omitempty"`
	Override     bool    `json:"override"`
	OverrideBy   *string `json:"overrideBy,omitempty"`
	Notes        string  `json:"notes,omitempty"`
	ReleasedAt   int64   `json:"releasedAt"`
}

// Handlers

func (s *Server) handleCreateCheckins(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if !isStaff(claims) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req createCheckinsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "empty_batch")
		return
	}

	// Items with malformed identifiers fail individually without aborting
	// the rest of the batch.
	type parsedItem struct {
		index   int
		request checkin.Request
	}
	items := make([]checkinItemResponse, len(req.Items))
	parsed := make([]parsedItem, 0, len(req.Items))
	for i, item := range req.Items {
		personID, err := uuid.Parse(item.PersonID)
		if err != nil {
			items[i] = checkinItemResponse{FailureReason: "invalid_person_id"}
			continue
		}
		locationID, err := uuid.Parse(item.LocationID)
		if err != nil {
			items[i] = checkinItemResponse{FailureReason: "invalid_location_id"}
			continue
		}
		var sessionID *uuid.UUID
		if item.SessionID != nil {
			parsedSession, err := uuid.Parse(*item.SessionID)
			if err != nil {
				items[i] = checkinItemResponse{FailureReason: "invalid_session_id"}
				continue
			}
			sessionID = &parsedSession
		}
		parsed = append(parsed, parsedItem{index: i, request: checkin.Request{
			PersonID:             personID,
			LocationID:           locationID,
			SessionID:            sessionID,
			GenerateSecurityCode: item.GenerateSecurityCode,
		}})
	}

	requests := make([]checkin.Request, 0, len(parsed))
	for _, p := range parsed {
		requests = append(requests, p.request)
	}
	batch := s.checkins.CheckIn(r.Context(), requests)
	for i, p := range parsed {
		result := batch.Items[i]
		resp := checkinItemResponse{
			Success:       result.Success,
			SecurityCode:  result.SecurityCode,
			FailureReason: result.FailureReason,
		}
		if result.Success {
			resp.AttendanceID = result.AttendanceID.String()
		}
		items[p.index] = resp
	}

	succeeded := 0
	for _, item := range items {
		if item.Success {
			succeeded++
			s.metrics.IncrementCheckinItem("admitted")
		} else {
			s.metrics.IncrementCheckinItem(item.FailureReason)
		}
	}
	resp := createCheckinsResponse{
		Items:        items,
		Succeeded:    succeeded,
		Failed:       len(items) - succeeded,
		AllSucceeded: succeeded == len(items),
	}
	status := http.StatusCreated
	if succeeded == 0 {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleGetOccupancy(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	locationID, err := uuid.Parse(chi.URLParam(r, "locationId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_location_id")
		return
	}
	snapshot, err := s.checkins.Occupancy(r.Context(), locationID)
	if err != nil {
		if errors.Is(err, db.ErrUnknownLocation) {
			writeError(w, http.StatusNotFound, "location_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, occupancyResponse{
		LocationID: snapshot.LocationID.String(),
		OpenCount:  snapshot.OpenCount,
		Capacity:   snapshot.Capacity,
		AtCapacity: snapshot.AtCapacity(),
	})
}

func (s *Server) handleListAttendance(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if !isStaff(claims) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	locationID, err := uuid.Parse(chi.URLParam(r, "locationId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_location_id")
		return
	}
	rows, err := s.directory.ListOpenAttendanceByLocation(r.Context(), locationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	resp := make([]attendanceResponse, 0, len(rows))
	for _, row := range rows {
		resp = append(resp, mapAttendance(row))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVerifyPickup(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	attendanceID, err := uuid.Parse(chi.URLParam(r, "attendanceId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_attendance_id")
		return
	}
	var req verifyPickupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	pickupPersonID, err := uuid.Parse(req.PickupPersonID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_pickup_person_id")
		return
	}
	if strings.TrimSpace(req.PickupPersonName) == "" {
		writeError(w, http.StatusBadRequest, "missing_pickup_person_name")
		return
	}
	if strings.TrimSpace(req.SecurityCode) == "" {
		writeError(w, http.StatusBadRequest, "missing_security_code")
		return
	}

	// The limiter is keyed by the connection peer address. Forwarded-for
	// headers are attacker-controlled and never consulted.
	sourceAddr := peerAddr(r)
	subjectKey := attendanceID.String()
	limited, err := s.limiter.IsLimited(r.Context(), subjectKey, sourceAddr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if limited {
		retryAfter, err := s.limiter.RetryAfter(r.Context(), subjectKey, sourceAddr)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "server_error")
			return
		}
		s.metrics.IncrementRateLimited()
		seconds := int64(retryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":             "too_many_attempts",
			"retryAfterSeconds": seconds,
		})
		return
	}

	result, err := s.pickups.Verify(r.Context(), attendanceID, pickupPersonID, req.SecurityCode)
	if err != nil {
		switch {
		case errors.Is(err, db.ErrAttendanceNotFound):
			writeError(w, http.StatusNotFound, "attendance_not_found")
		case errors.Is(err, db.ErrAttendanceClosed):
			writeError(w, http.StatusConflict, "attendance_closed")
		default:
			writeError(w, http.StatusInternalServerError, "server_error")
		}
		return
	}

	// Counter bookkeeping: failed attempts count, successes clear, and
	// override-eligible outcomes touch nothing.
	switch {
	case result.FailedAttempt():
		if err := s.limiter.RecordFailure(r.Context(), subjectKey, sourceAddr); err != nil {
			writeError(w, http.StatusInternalServerError, "server_error")
			return
		}
		s.metrics.IncrementVerification("denied")
	case result.Authorized:
		if err := s.limiter.Reset(r.Context(), subjectKey, sourceAddr); err != nil {
			writeError(w, http.StatusInternalServerError, "server_error")
			return
		}
		s.metrics.IncrementVerification("authorized")
	default:
		s.metrics.IncrementVerification("override_eligible")
	}

	resp := verifyPickupResponse{
		Authorized:       result.Authorized,
		Level:            string(result.Level),
		RequiresOverride: result.RequiresOverride,
		Message:          result.Message,
	}
	if result.MatchedEntryID != nil {
		id := result.MatchedEntryID.String()
		resp.MatchedEntryID = &id
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRecordPickup(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if !isStaff(claims) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	attendanceID, err := uuid.Parse(chi.URLParam(r, "attendanceId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_attendance_id")
		return
	}
	var req recordPickupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	pickupPersonID, err := uuid.Parse(req.PickupPersonID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_pickup_person_id")
		return
	}
	if strings.TrimSpace(req.PickupPersonName) == "" {
		writeError(w, http.StatusBadRequest, "missing_pickup_person_name")
		return
	}
	entryID, err := parseUUIDPtr(req.AuthorizedEntryID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_entry_id")
		return
	}
	supervisorID, err := parseUUIDPtr(req.SupervisorPersonID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_supervisor_person_id")
		return
	}

	logEntry, err := s.pickups.Record(r.Context(), pickup.RecordParams{
		AttendanceID:       attendanceID,
		PickupPersonID:     pickupPersonID,
		PickupPersonName:   strings.TrimSpace(req.PickupPersonName),
		WasAuthorized:      req.WasAuthorized,
		AuthorizedEntryID:  entryID,
		SupervisorOverride: req.SupervisorOverride,
		SupervisorPersonID: supervisorID,
		Notes:              req.Notes,
		CallerRoles:        claims.Roles,
	})
	if err != nil {
		switch {
		case errors.Is(err, pickup.ErrOverrideNotPermitted):
			writeError(w, http.StatusForbidden, "override_not_permitted")
		case errors.Is(err, pickup.ErrMissingSupervisor):
			writeError(w, http.StatusBadRequest, "missing_supervisor")
		case errors.Is(err, pickup.ErrNotAuthorized):
			writeError(w, http.StatusBadRequest, "pickup_not_authorized")
		case errors.Is(err, db.ErrAttendanceNotFound):
			writeError(w, http.StatusNotFound, "attendance_not_found")
		case errors.Is(err, db.ErrAttendanceClosed):
			writeError(w, http.StatusConflict, "attendance_closed")
		default:
			writeError(w, http.StatusInternalServerError, "server_error")
		}
		return
	}

	if logEntry.Override {
		s.metrics.IncrementPickupRecorded("override")
	} else {
		s.metrics.IncrementPickupRecorded("authorized")
	}
	writeJSON(w, http.StatusCreated, mapPickupLog(logEntry))
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if !isStaff(claims) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	attendanceID, err := uuid.Parse(chi.URLParam(r, "attendanceId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_attendance_id")
		return
	}
	if err := s.pickups.Checkout(r.Context(), attendanceID); err != nil {
		switch {
		case errors.Is(err, db.ErrAttendanceNotFound):
			writeError(w, http.StatusNotFound, "attendance_not_found")
		case errors.Is(err, db.ErrAttendanceClosed):
			writeError(w, http.StatusConflict, "attendance_closed")
		default:
			writeError(w, http.StatusInternalServerError, "server_error")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Mapping helpers

func mapAttendance(att db.Attendance) attendanceResponse {
	resp := attendanceResponse{
		ID:          att.ID.String(),
		PersonID:    att.PersonID.String(),
		LocationID:  att.LocationID.String(),
		CheckedInAt: att.CheckedInAt.Unix(),
	}
	if att.SessionID != nil {
		id := att.SessionID.String()
		resp.SessionID = &id
	}
	return resp
}

func mapPickupLog(logEntry db.PickupLog) pickupLogResponse {
	resp := pickupLogResponse{
		ID:           logEntry.ID.String(),
		AttendanceID: logEntry.AttendanceID.String(),
		PersonID:     logEntry.PersonID.String(),
		PersonName:   logEntry.PersonName,
		Authorized:   logEntry.Authorized,
		Override:     logEntry.Override,
		Notes:        logEntry.Notes,
		ReleasedAt:   logEntry.CreatedAt.Unix(),
	}
	if logEntry.EntryID != nil {
		id := logEntry.EntryID.String()
		resp.EntryID = &id
	}
	if logEntry.OverrideBy != nil {
		id := logEntry.OverrideBy.String()
		resp.OverrideBy = &id
	}
	return resp
}

// Utilities

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// peerAddr returns the connection peer's host. The port is stripped so a
// reconnecting client does not get a fresh counter.
func peerAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func parseUUIDPtr(value *string) (*uuid.UUID, error) {
	if value == nil || *value == "" {
		return nil, nil
	}
	parsed, err := uuid.Parse(*value)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
