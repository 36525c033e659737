package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"graphdoc/api/internal/metrics"
	"graphdoc/api/internal/session"
	"graphdoc/api/internal/store"
)

// Authenticator is the session service surface the transport needs.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (string, session.Session, error)
	Refresh(ctx context.Context, token string) (string, session.Session, error)
	Authorize(r *http.Request) (session.Session, error)
	TokenTTL() time.Duration
}

type HTTPServer struct {
	service    *Service
	auth       Authenticator
	metrics    *metrics.Metrics
	corsOrigin string
	realm      string
}

func NewHTTPServer(service *Service, auth Authenticator, observer *metrics.Metrics, corsOrigin, realm string) *HTTPServer {
	return &HTTPServer{
		service:    service,
		auth:       auth,
		metrics:    observer,
		corsOrigin: corsOrigin,
		realm:      realm,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.service.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "database_unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		s.metrics.Handler().ServeHTTP(w, r)
		return
	}

	if r.URL.Path == "/auth" {
		switch r.Method {
		case http.MethodPost:
			s.handleAuthenticate(w, r)
		case http.MethodGet:
			s.handleRefresh(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", nil)
		}
		return
	}

	if r.URL.Path == "/user" {
		switch r.Method {
		case http.MethodPost:
			s.handleRegisterUser(w, r)
		case http.MethodGet:
			s.handleWhoAmI(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", nil)
		}
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, "not_found", nil)
		return
	}

	switch parts[0] {
	case "document":
		s.routeDocument(w, r, parts)
	case "graph":
		s.routeGraph(w, r, parts)
	case "node":
		s.routeNode(w, r, parts)
	case "edge":
		s.routeEdge(w, r, parts)
	case "snapshot":
		s.routeSnapshot(w, r, parts)
	default:
		writeError(w, http.StatusNotFound, "not_found", nil)
	}
}

func (s *HTTPServer) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", nil)
		return
	}
	username, hasUser := body["username"].(string)
	password, hasPass := body["password"].(string)
	if !hasUser || !hasPass || len(body) != 2 {
		writeError(w, http.StatusBadRequest, "bad_request", nil)
		return
	}

	issued, _, err := s.auth.Authenticate(r.Context(), username, password)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}
	s.writeTokenResponse(w, issued)
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	tokenStr, err := session.BearerToken(r)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}
	issued, _, err := s.auth.Refresh(r.Context(), tokenStr)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}
	s.writeTokenResponse(w, issued)
}

func (s *HTTPServer) writeTokenResponse(w http.ResponseWriter, issued string) {
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": issued,
		"token_type":   "bearer",
		"expires_in":   int(s.auth.TokenTTL() / time.Second),
	})
}

func (s *HTTPServer) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", nil)
		return
	}
	payload, err := s.service.RegisterUser(r.Context(), body)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	tokenStr, _ := session.BearerToken(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"session": map[string]any{
			"uid":  sess.UID,
			"role": sess.Role,
			"name": sess.Name,
		},
		"token": tokenStr,
	})
}

func (s *HTTPServer) routeDocument(w http.ResponseWriter, r *http.Request, parts []string) {
	if r.Method != http.MethodPost || len(parts) > 2 {
		writeError(w, http.StatusNotFound, "not_found", nil)
		return
	}
	var parent *string
	if len(parts) == 2 {
		hid, ok := parseUUID(w, parts[1])
		if !ok {
			return
		}
		parent = &hid
	}
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var body map[string]any
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", nil)
		return
	}
	payload, err := s.service.CreateDocument(r.Context(), parent, body, sess.UID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) routeGraph(w http.ResponseWriter, r *http.Request, parts []string) {
	if r.Method != http.MethodGet || len(parts) != 2 {
		writeError(w, http.StatusNotFound, "not_found", nil)
		return
	}
	hid, ok := parseUUID(w, parts[1])
	if !ok {
		return
	}
	payload, err := s.service.Graph(r.Context(), hid)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) routeNode(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) == 1 {
		if _, ok := s.requireSession(w, r); !ok {
			return
		}
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.ListNodes(r.Context())
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodPost:
			var fields map[string]any
			if err := decodeBody(r, &fields); err != nil {
				writeError(w, http.StatusBadRequest, "bad_request", nil)
				return
			}
			payload, err := s.service.InsertNode(r.Context(), fields)
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", nil)
		}
		return
	}

	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "not_found", nil)
		return
	}
	hid, ok := parseUUID(w, parts[1])
	if !ok {
		return
	}

	if r.Method == http.MethodGet {
		payload, err := s.service.Node(r.Context(), hid)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if _, ok := s.requireSession(w, r); !ok {
		return
	}
	switch r.Method {
	case http.MethodPatch:
		fields, ok := decodeFields(w, r)
		if !ok {
			return
		}
		payload, err := s.service.PatchNode(r.Context(), hid, fields)
		s.respond(w, payload, err)
	case http.MethodDelete:
		payload, err := s.service.DeleteNode(r.Context(), hid)
		s.respond(w, payload, err)
	case http.MethodPut:
		fields, ok := decodeFields(w, r)
		if !ok {
			return
		}
		payload, err := s.service.ReplaceNode(r.Context(), hid, fields)
		s.respond(w, payload, err)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", nil)
	}
}

func (s *HTTPServer) routeEdge(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", nil)
			return
		}
		if _, ok := s.requireSession(w, r); !ok {
			return
		}
		payload, err := s.service.ListEdges(r.Context())
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) != 3 {
		writeError(w, http.StatusNotFound, "not_found", nil)
		return
	}
	var parent *string
	if parts[1] != "null" {
		parsed, ok := parseUUID(w, parts[1])
		if !ok {
			return
		}
		parent = &parsed
	}
	hist, ok := parseUUID(w, parts[2])
	if !ok {
		return
	}

	if r.Method == http.MethodGet {
		payload, err := s.service.Edge(r.Context(), parent, hist)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if _, ok := s.requireSession(w, r); !ok {
		return
	}
	switch r.Method {
	case http.MethodPost:
		fields, ok := decodeFields(w, r)
		if !ok {
			return
		}
		payload, err := s.service.InsertEdge(r.Context(), parent, hist, fields)
		s.respond(w, payload, err)
	case http.MethodPatch:
		fields, ok := decodeFields(w, r)
		if !ok {
			return
		}
		payload, err := s.service.PatchEdge(r.Context(), parent, hist, fields)
		s.respond(w, payload, err)
	case http.MethodDelete:
		payload, err := s.service.DeleteEdge(r.Context(), parent, hist)
		s.respond(w, payload, err)
	case http.MethodPut:
		fields, ok := decodeFields(w, r)
		if !ok {
			return
		}
		payload, err := s.service.ReplaceEdge(r.Context(), parent, hist, fields)
		s.respond(w, payload, err)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", nil)
	}
}

func (s *HTTPServer) routeSnapshot(w http.ResponseWriter, r *http.Request, parts []string) {
	if r.Method != http.MethodPost || len(parts) > 2 || (len(parts) == 2 && parts[1] != "batch") {
		writeError(w, http.StatusNotFound, "not_found", nil)
		return
	}
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if len(parts) == 2 {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", nil)
			return
		}
		defer r.Body.Close()
		payload, err := s.service.IngestSnapshotBatch(r.Context(), body, sess.UID)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	var body map[string]any
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", nil)
		return
	}
	payload, err := s.service.IngestSnapshot(r.Context(), body, sess.UID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// respond is the common tail of the administrative handlers.
func (s *HTTPServer) respond(w http.ResponseWriter, payload map[string]any, err error) {
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (session.Session, bool) {
	sess, err := s.auth.Authorize(r)
	if err != nil {
		s.writeAuthError(w, err)
		return session.Session{}, false
	}
	return sess, true
}

// writeAuthError emits a 401 whose WWW-Authenticate challenge carries
// the sub-reason. The reason is diagnostic only; the body stays
// uniform.
func (s *HTTPServer) writeAuthError(w http.ResponseWriter, err error) {
	var unauthorized *session.UnauthorizedError
	switch {
	case errors.As(err, &unauthorized):
		s.writeUnauthorized(w, unauthorized.Reason)
	case errors.Is(err, session.ErrSessionExpired):
		s.writeUnauthorized(w, session.ReasonInvalidToken)
	case errors.Is(err, session.ErrAuthenticationFailed):
		s.writeUnauthorized(w, "")
	default:
		s.writeMappedError(w, err)
	}
}

func (s *HTTPServer) writeUnauthorized(w http.ResponseWriter, reason string) {
	challenge := `Bearer realm="` + s.realm + `"`
	if reason != "" {
		challenge += `, error="` + reason + `"`
	}
	w.Header().Set("WWW-Authenticate", challenge)
	writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
}

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, err error) {
	status, kind, extra := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Printf(`{"level":"error","msg":"request failed","kind":%q,"cause":%q}`, kind, err.Error())
	}
	writeError(w, status, kind, extra)
}

// mapError translates service and storage failures into the response
// taxonomy. Raw storage errors never reach the client.
func mapError(err error) (status int, kind string, extra map[string]any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Kind, domainErr.Extra
	}

	var constraint *store.ConstraintError
	if errors.As(err, &constraint) {
		extra = map[string]any{}
		if constraint.Constraint != "" {
			extra["constraint"] = constraint.Constraint
		}
		if constraint.Table != "" {
			extra["table"] = constraint.Table
		}
		if constraint.Column != "" {
			extra["column"] = constraint.Column
		}
		if len(extra) == 0 {
			extra = nil
		}
		return http.StatusBadRequest, constraint.Kind, extra
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found", nil
	case errors.Is(err, store.ErrGone):
		return http.StatusGone, "gone", nil
	case errors.Is(err, store.ErrUnknownField):
		return http.StatusBadRequest, "unknown_field", nil
	case errors.Is(err, store.ErrInvalidData):
		return http.StatusInternalServerError, "invalid_datatype", nil
	}
	return http.StatusInternalServerError, "internal_error", nil
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		s.metrics.Observe(r.Method, r.URL.Path, writer.status, elapsed)
		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			elapsed.Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, kind string, extra map[string]any) {
	response := map[string]any{"error": kind}
	for key, value := range extra {
		response[key] = value
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

func decodeFields(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	var fields map[string]any
	if err := decodeBody(r, &fields); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", nil)
		return nil, false
	}
	return fields, true
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// parseUUID validates a path id; an unparsable id behaves like an
// unroutable path.
func parseUUID(w http.ResponseWriter, raw string) (string, bool) {
	parsed, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", nil)
		return "", false
	}
	return parsed.String(), true
}
