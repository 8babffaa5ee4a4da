package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/ws"

	"taskboard/api/internal/auth"
	"taskboard/api/internal/authn"
	"taskboard/api/internal/realtime"
	"taskboard/api/internal/store"
)

const (
	sessionCookie = "token"
	refreshCookie = "refresh_token"
)

type HTTPServer struct {
	service      *Service
	authn        *authn.Service
	hub          *realtime.Hub
	corsOrigin   string
	cookieSecure bool
}

func NewHTTPServer(service *Service, authnService *authn.Service, hub *realtime.Hub, corsOrigin string, cookieSecure bool) *HTTPServer {
	return &HTTPServer{
		service:      service,
		authn:        authnService,
		hub:          hub,
		corsOrigin:   corsOrigin,
		cookieSecure: cookieSecure,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeData(w, http.StatusOK, map[string]any{"status": "ok", "timestamp": time.Now().UTC().Format(time.RFC3339)})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	// Auth routes without a session requirement
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/register" {
		s.handleRegister(w, r)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/login" {
		s.handleLogin(w, r)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/logout" {
		s.handleLogout(w, r)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/refresh" {
		s.handleRefresh(w, r)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/ws" {
		s.handleWebsocket(w, r, session)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/auth/me" {
		user, err := s.authn.GetUser(r.Context(), session.UserID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"user": user.Public()})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/auth/users" {
		users, err := s.authn.ListUsers(r.Context())
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"users": users})
		return
	}

	if r.URL.Path == "/api/tasks" {
		switch r.Method {
		case http.MethodGet:
			s.handleListTasks(w, r, session)
		case http.MethodPost:
			s.handleCreateTask(w, r, session)
		default:
			writeFailure(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
		}
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "tasks" {
		s.handleTaskSubroutes(w, r, session, parts[2:])
		return
	}

	writeFailure(w, http.StatusNotFound, "Not found", nil)
}

func (s *HTTPServer) handleTaskSubroutes(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) == 1 {
		switch parts[0] {
		case "my-tasks", "created-by-me", "overdue":
			if r.Method != http.MethodGet {
				writeFailure(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
				return
			}
			var tasks []store.Task
			var err error
			switch parts[0] {
			case "my-tasks":
				tasks, err = s.service.MyTasks(r.Context(), session.UserID)
			case "created-by-me":
				tasks, err = s.service.CreatedByMe(r.Context(), session.UserID)
			case "overdue":
				tasks, err = s.service.OverdueTasks(r.Context())
			}
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeData(w, http.StatusOK, map[string]any{"tasks": taskList(tasks)})
			return
		}

		taskID := parts[0]
		switch r.Method {
		case http.MethodGet:
			task, err := s.service.GetTask(r.Context(), taskID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeData(w, http.StatusOK, map[string]any{"task": task})
		case http.MethodPatch:
			s.handleUpdateTask(w, r, session, taskID)
		case http.MethodDelete:
			if _, err := s.service.DeleteTask(r.Context(), taskID, session.UserID); err != nil {
				writeMappedError(w, err)
				return
			}
			writeMessage(w, http.StatusOK, "Task deleted successfully")
		default:
			writeFailure(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 2 && r.Method == http.MethodPatch {
		taskID := parts[0]
		switch parts[1] {
		case "status":
			var body struct {
				Status string `json:"status"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeMappedError(w, badRequest(err.Error()))
				return
			}
			task, err := s.service.UpdateStatus(r.Context(), taskID, body.Status, session.UserID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeData(w, http.StatusOK, map[string]any{"task": task})
			return
		case "assign":
			var body struct {
				AssignedToID *string `json:"assignedToId"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeMappedError(w, badRequest(err.Error()))
				return
			}
			result, err := s.service.AssignTask(r.Context(), taskID, body.AssignedToID, session.UserID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeData(w, http.StatusOK, map[string]any{"task": result.Task})
			return
		}
	}

	writeFailure(w, http.StatusNotFound, "Not found", nil)
}

func (s *HTTPServer) handleListTasks(w http.ResponseWriter, r *http.Request, session Session) {
	query := r.URL.Query()
	filters := ListFilters{
		Status:       strings.TrimSpace(query.Get("status")),
		Priority:     strings.TrimSpace(query.Get("priority")),
		AssignedToMe: query.Get("assignedToMe") == "true",
		CreatedByMe:  query.Get("createdByMe") == "true",
		Overdue:      query.Get("overdue") == "true",
	}

	tasks, err := s.service.ListTasks(r.Context(), filters, session.UserID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"tasks": taskList(tasks)})
}

// taskList keeps empty results as [] instead of null on the wire.
func taskList(tasks []store.Task) []store.Task {
	if tasks == nil {
		return []store.Task{}
	}
	return tasks
}

func (s *HTTPServer) handleCreateTask(w http.ResponseWriter, r *http.Request, session Session) {
	var input CreateTaskInput
	if err := decodeBody(r, &input); err != nil {
		writeMappedError(w, badRequest(err.Error()))
		return
	}

	task, err := s.service.CreateTask(r.Context(), input, session.UserID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeData(w, http.StatusCreated, map[string]any{"task": task})
}

func (s *HTTPServer) handleUpdateTask(w http.ResponseWriter, r *http.Request, session Session, taskID string) {
	input, err := decodeTaskPatchBody(r)
	if err != nil {
		writeMappedError(w, badRequest(err.Error()))
		return
	}

	result, err := s.service.UpdateTask(r.Context(), taskID, input, session.UserID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"task": result.Task})
}

// decodeTaskPatchBody reads the body as a raw key set so that a key set
// to null is distinguishable from a key left out.
func decodeTaskPatchBody(r *http.Request) (UpdateTaskInput, error) {
	var input UpdateTaskInput
	if r.Body == nil {
		return input, nil
	}
	defer r.Body.Close()

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return input, fmt.Errorf("invalid JSON body")
	}

	stringField := func(key string) (*string, bool, error) {
		value, present := raw[key]
		if !present {
			return nil, false, nil
		}
		if string(value) == "null" {
			return nil, true, nil
		}
		var parsed string
		if err := json.Unmarshal(value, &parsed); err != nil {
			return nil, true, fmt.Errorf("invalid JSON body")
		}
		return &parsed, true, nil
	}

	var err error
	if input.Title, _, err = stringField("title"); err != nil {
		return input, err
	}
	if input.Description, input.HasDescription, err = stringField("description"); err != nil {
		return input, err
	}
	if input.Status, _, err = stringField("status"); err != nil {
		return input, err
	}
	if input.Priority, _, err = stringField("priority"); err != nil {
		return input, err
	}
	if input.DueDate, input.HasDueDate, err = stringField("dueDate"); err != nil {
		return input, err
	}
	if input.AssignedToID, input.HasAssignee, err = stringField("assignedToId"); err != nil {
		return input, err
	}
	return input, nil
}

// Auth handlers

func (s *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeMappedError(w, badRequest(err.Error()))
		return
	}

	user, err := s.authn.Register(r.Context(), authn.RegisterRequest{
		Email:    body.Email,
		Password: body.Password,
		Name:     body.Name,
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}

	session, err := s.service.CreateSession(r.Context(), user)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	s.setSessionCookies(w, session)
	writeData(w, http.StatusCreated, map[string]any{"user": user.Public()})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeMappedError(w, badRequest(err.Error()))
		return
	}
	if body.Email == "" || body.Password == "" {
		writeFailure(w, http.StatusBadRequest, "Validation failed", []string{"email and password are required"})
		return
	}

	user, err := s.authn.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	session, err := s.service.CreateSession(r.Context(), user)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	s.setSessionCookies(w, session)
	writeData(w, http.StatusOK, map[string]any{"user": user.Public()})
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(refreshCookie); err == nil {
		_ = s.service.Logout(r.Context(), cookie.Value)
	}
	s.clearSessionCookies(w)
	writeMessage(w, http.StatusOK, "Logged out successfully")
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshCookie)
	if err != nil || cookie.Value == "" {
		writeFailure(w, http.StatusUnauthorized, "Unauthorized", nil)
		return
	}

	session, err := s.service.RefreshSession(r.Context(), cookie.Value)
	if err != nil {
		writeFailure(w, http.StatusUnauthorized, "Refresh token invalid", nil)
		return
	}

	s.setSessionCookies(w, session)
	writeData(w, http.StatusOK, map[string]any{
		"userId":    session.UserID,
		"expiresAt": session.ExpiresAt.Unix(),
	})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"redis":    map[string]any{"status": "ok"},
	}
	statusCode := http.StatusOK

	if err := s.service.Ping(ctx); err != nil {
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if err := s.service.PingSessions(ctx); err != nil {
		statusCode = http.StatusServiceUnavailable
		checks["redis"] = map[string]any{"status": "error", "error": err.Error()}
	}

	if statusCode == http.StatusOK {
		writeData(w, statusCode, map[string]any{"status": "ready", "checks": checks})
		return
	}
	writeJSON(w, statusCode, map[string]any{"success": false, "message": "not ready", "data": map[string]any{"checks": checks}})
}

// Websocket

func (s *HTTPServer) handleWebsocket(w http.ResponseWriter, r *http.Request, session Session) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		// UpgradeHTTP has already written its rejection.
		return
	}
	s.hub.Join(session.UserID, conn)
}

// Session plumbing

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := sessionToken(r)
	if token == "" {
		writeFailure(w, http.StatusUnauthorized, "Authentication required", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeFailure(w, http.StatusUnauthorized, "Unauthorized", nil)
			return Session{}, false
		}
		writeFailure(w, http.StatusInternalServerError, "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

// sessionToken reads the HttpOnly cookie; a bearer header works as a
// fallback for non-browser clients.
func sessionToken(r *http.Request) string {
	if cookie, err := r.Cookie(sessionCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}

func (s *HTTPServer) setSessionCookies(w http.ResponseWriter, session Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    session.Token,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
		Expires:  session.ExpiresAt,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    session.RefreshToken,
		Path:     "/api/auth",
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(30 * 24 * time.Hour / time.Second),
	})
}

func (s *HTTPServer) clearSessionCookies(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    "",
		Path:     "/api/auth",
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// Middleware and response helpers

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

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
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

// Hijack exposes the underlying connection so the websocket upgrade
// works through the logging middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
	header.Set("Access-Control-Allow-Credentials", "true")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{"success": true, "data": data})
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": true, "message": message})
}

func writeFailure(w http.ResponseWriter, status int, message string, errs []string) {
	payload := map[string]any{"success": false, "message": message}
	if len(errs) > 0 {
		payload["errors"] = errs
	}
	writeJSON(w, status, payload)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, message, errs := mapError(err)
	writeFailure(w, status, message, errs)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
