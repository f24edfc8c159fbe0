package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"huddle/api/internal/auth"
	"huddle/api/internal/search"
	"huddle/api/internal/store"
)

// RealtimeHandler upgrades an authenticated request to the long-lived
// websocket channel. The hub implements it.
type RealtimeHandler interface {
	ServeWS(w http.ResponseWriter, r *http.Request, userID, userName string)
}

// MessageSearcher executes a scoped full-text search over messages.
type MessageSearcher interface {
	Search(q search.Query) search.Response
}

type HTTPServer struct {
	service    *Service
	realtime   RealtimeHandler
	searcher   MessageSearcher
	corsOrigin string
}

func NewHTTPServer(service *Service, realtime RealtimeHandler, searcher MessageSearcher, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, realtime: realtime, searcher: searcher, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/ws" {
		if s.realtime == nil {
			writeError(w, http.StatusServiceUnavailable, "REALTIME_UNAVAILABLE", "Realtime channel not configured", nil)
			return
		}
		s.realtime.ServeWS(w, r, session.UserID, session.UserName)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "projects":
		s.handleProjects(w, r, session, parts[2:])
	case "conversations":
		s.handleConversations(w, r, session, parts[2:])
	case "search":
		s.handleSearch(w, r, session)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleProjects(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodPost:
		var input CreateProjectInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		project, conversations, err := s.service.CreateProject(r.Context(), session, input)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"project":       projectJSON(project),
			"conversations": conversationsJSON(conversations),
		})

	case len(rest) == 0 && r.Method == http.MethodGet:
		projects, err := s.service.MyProjects(r.Context(), session)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		payload := make([]map[string]any, 0, len(projects))
		for _, p := range projects {
			payload = append(payload, projectJSON(p))
		}
		writeJSON(w, http.StatusOK, map[string]any{"count": len(payload), "projects": payload})

	case len(rest) == 2 && rest[1] == "conversations" && r.Method == http.MethodGet:
		conversations, err := s.service.VisibleConversations(r.Context(), session, rest[0])
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"conversations": conversationsJSON(conversations)})

	case len(rest) == 2 && rest[1] == "members" && r.Method == http.MethodPost:
		var input AddMemberInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		project, err := s.service.AddMember(r.Context(), session, rest[0], input)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"project": projectJSON(project)})

	case len(rest) == 4 && rest[1] == "members" && rest[3] == "role" && r.Method == http.MethodPut:
		var input AssignRoleInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		project, err := s.service.AssignRole(r.Context(), session, rest[0], rest[2], input)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"project": projectJSON(project)})

	case len(rest) == 3 && rest[1] == "members" && r.Method == http.MethodDelete:
		if err := s.service.RemoveMember(r.Context(), session, rest[0], rest[2]); err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleConversations(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	if len(rest) != 2 || rest[1] != "messages" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	conversationID := rest[0]

	switch r.Method {
	case http.MethodGet:
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			limit, _ = strconv.Atoi(raw)
		}
		messages, err := s.service.History(r.Context(), session, conversationID, limit)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		payload := make([]map[string]any, 0, len(messages))
		for _, m := range messages {
			payload = append(payload, messageJSON(m))
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": payload})

	case http.MethodPost:
		var input SendMessageInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		message, err := s.service.SendMessage(r.Context(), session, conversationID, input.Content)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"message": messageJSON(message)})

	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	if s.searcher == nil {
		writeError(w, http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search not configured", nil)
		return
	}

	allowed, err := s.service.ConversationIDsForUser(r.Context(), session.UserID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	response := s.searcher.Search(search.Query{
		Text:            query.Get("q"),
		ConversationIDs: allowed,
		Limit:           limit,
		Offset:          offset,
	})
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("service error: %v", err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		// Browsers cannot set headers on websocket dials, so the upgrade
		// route accepts the token as a query parameter.
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		if r.Method == http.MethodGet && r.URL.Path == "/api/ws" {
			// No wrapping: the hijacked websocket connection must see the
			// original ResponseWriter.
			next.ServeHTTP(w, r)
			return
		}

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

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

// ---------------------------------------------------------------------------
// JSON views

func projectJSON(p store.Project) map[string]any {
	members := make([]map[string]any, 0, len(p.Members))
	for _, m := range p.Members {
		members = append(members, map[string]any{
			"userId":   m.UserID,
			"nickname": m.Nickname,
			"role":     m.Role,
		})
	}
	return map[string]any{
		"id":          p.ID,
		"title":       p.Title,
		"description": p.Description,
		"roles":       p.Roles,
		"members":     members,
	}
}

func conversationsJSON(conversations []store.Conversation) []map[string]any {
	payload := make([]map[string]any, 0, len(conversations))
	for _, c := range conversations {
		payload = append(payload, conversationJSON(c))
	}
	return payload
}

func conversationJSON(c store.Conversation) map[string]any {
	participants := make([]map[string]any, 0, len(c.Participants))
	for _, p := range c.Participants {
		participants = append(participants, map[string]any{
			"id":       p.UserID,
			"nickname": p.Nickname,
		})
	}
	restricted := c.RestrictedToRoles
	if restricted == nil {
		restricted = []string{}
	}
	return map[string]any{
		"id":                c.ID,
		"projectId":         c.ProjectID,
		"title":             c.Title,
		"restrictedToRoles": restricted,
		"users":             participants,
	}
}

func messageJSON(m store.Message) map[string]any {
	payload := map[string]any{
		"id":             m.ID,
		"seq":            m.Seq,
		"conversationId": m.ConversationID,
		"senderId":       m.SenderID,
		"senderName":     m.SenderName,
		"content":        m.Content,
		"createdAt":      m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"flag":           nil,
	}
	if m.Flag != nil {
		payload["flag"] = map[string]any{
			"flaggedByAI": m.Flag.FlaggedByAI,
			"reason":      m.Flag.Reason,
			"severity":    m.Flag.Severity,
			"flaggedAt":   m.Flag.FlaggedAt.UTC().Format(time.RFC3339Nano),
		}
	}
	return payload
}
