package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"planloom/api/internal/assets"
)

type HTTPServer struct {
	service    *Service
	assets     *assets.Service
	corsOrigin string
}

// NewHTTPServer wraps the service with the HTTP surface. uploads may be nil
// when object storage is not configured.
func NewHTTPServer(service *Service, uploads *assets.Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, assets: uploads, corsOrigin: corsOrigin}
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
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/plans" {
		payload, err := s.service.ListPlans(r.Context())
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/plans" {
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreatePlan(r.Context(), body.Name)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		limit := 20
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
				return
			}
			limit = parsed
		}
		payload, err := s.service.Search(r.Context(), q, limit)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/assets/images" {
		s.handleImageUpload(w, r)
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "sessions" && r.Method == http.MethodDelete {
		if err := s.service.EndSession(r.Context(), parts[2]); err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "plans" {
		planID := parts[2]
		s.handlePlan(w, r, planID, parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handlePlan dispatches everything below /api/plans/{planID}. rest holds the
// path segments after the plan id.
func (s *HTTPServer) handlePlan(w http.ResponseWriter, r *http.Request, planID string, rest []string) {
	// every mutation under a plan honors the optional editing-session header
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		if err := s.service.checkSession(r.Context(), sessionID(r), planID); err != nil {
			s.writeMapped(w, err)
			return
		}
	}

	if len(rest) == 1 && rest[0] == "workspace" && r.Method == http.MethodGet {
		payload, err := s.service.Workspace(r.Context(), planID)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(rest) == 1 && rest[0] == "sessions" && r.Method == http.MethodPost {
		payload, err := s.service.OpenSession(r.Context(), planID)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	if len(rest) >= 1 && rest[0] == "chapters" {
		s.handleChapters(w, r, planID, rest[1:])
		return
	}
	if len(rest) >= 1 && rest[0] == "sections" {
		s.handleSections(w, r, planID, rest[1:])
		return
	}
	if len(rest) >= 1 && rest[0] == "tasks" {
		s.handleTasks(w, r, planID, rest[1:])
		return
	}
	if len(rest) >= 1 && rest[0] == "chat" {
		s.handleChat(w, r, planID, rest[1:])
		return
	}
	if len(rest) >= 1 && rest[0] == "changes" {
		s.handleChanges(w, r, planID, rest[1:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleChapters(w http.ResponseWriter, r *http.Request, planID string, rest []string) {
	if len(rest) == 0 && r.Method == http.MethodPost {
		var body CreateChapterInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateChapter(r.Context(), planID, body)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	if len(rest) == 1 && rest[0] == "reorder" && r.Method == http.MethodPost {
		var body ReorderChaptersInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.ReorderChapters(r.Context(), planID, body); err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(rest) == 1 {
		chapterID := rest[0]
		switch r.Method {
		case http.MethodPut:
			var body struct {
				Title string `json:"title"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.RenameChapter(r.Context(), planID, chapterID, body.Title)
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		case http.MethodDelete:
			if err := s.service.DeleteChapter(r.Context(), planID, chapterID); err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
	}

	if len(rest) == 2 && rest[1] == "sections" && r.Method == http.MethodPost {
		chapterID := rest[0]
		var body struct {
			Content json.RawMessage `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateSection(r.Context(), planID, chapterID, body.Content)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	if len(rest) == 3 && rest[1] == "sections" && rest[2] == "reorder" && r.Method == http.MethodPost {
		chapterID := rest[0]
		var body struct {
			OrderedIDs []string `json:"orderedIds"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.ReorderSections(r.Context(), planID, chapterID, body.OrderedIDs); err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSections(w http.ResponseWriter, r *http.Request, planID string, rest []string) {
	if len(rest) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	sectionID := rest[0]

	switch r.Method {
	case http.MethodPut:
		var body struct {
			Content json.RawMessage `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateSection(r.Context(), planID, sectionID, body.Content)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	case http.MethodDelete:
		if err := s.service.DeleteSection(r.Context(), planID, sectionID); err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handleTasks(w http.ResponseWriter, r *http.Request, planID string, rest []string) {
	if len(rest) == 0 && r.Method == http.MethodPost {
		var body CreateTaskInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateTask(r.Context(), planID, body)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	if len(rest) == 1 {
		taskID := rest[0]
		switch r.Method {
		case http.MethodPut:
			var body UpdateTaskInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.UpdateTask(r.Context(), planID, taskID, body)
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		case http.MethodDelete:
			if err := s.service.DeleteTask(r.Context(), planID, taskID); err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleChat(w http.ResponseWriter, r *http.Request, planID string, rest []string) {
	if len(rest) != 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch r.Method {
	case http.MethodGet:
		payload, err := s.service.ListChatMessages(r.Context(), planID)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	case http.MethodPost:
		var body struct {
			Content string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.SendChatMessage(r.Context(), planID, body.Content)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handleChanges(w http.ResponseWriter, r *http.Request, planID string, rest []string) {
	if len(rest) == 0 && r.Method == http.MethodGet {
		messageID := strings.TrimSpace(r.URL.Query().Get("messageId"))
		targetID := strings.TrimSpace(r.URL.Query().Get("targetId"))
		payload, err := s.service.ListChanges(r.Context(), planID, messageID, targetID)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(rest) == 2 && r.Method == http.MethodPost {
		changeID := rest[0]
		switch rest[1] {
		case "accept":
			payload, err := s.service.AcceptChange(r.Context(), planID, changeID)
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		case "reject":
			payload, err := s.service.RejectChange(r.Context(), planID, changeID)
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleImageUpload(w http.ResponseWriter, r *http.Request) {
	if s.assets == nil {
		writeError(w, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Object storage not configured", nil)
		return
	}
	if err := r.ParseMultipartForm(assets.MaxImageSize); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid multipart body", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "file field is required", nil)
		return
	}
	defer file.Close()

	url, err := s.assets.PutImage(r.Context(), header.Filename, header.Header.Get("Content-Type"), header.Size, file)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "UPLOAD_FAILED", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"url": url})
}

func (s *HTTPServer) writeMapped(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func sessionID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Session-ID"))
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
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, X-Session-ID")
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
