package app

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
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

	"docforge/api/internal/search"
)

// groupHeader carries the caller's tenant identity, set by the fronting
// gateway after it authenticates the request.
const groupHeader = "X-Docforge-Group"

// gatewayTokenHeader is the shared secret guarding against callers that
// bypass the gateway. Only checked when a token is configured.
const gatewayTokenHeader = "X-Docforge-Gateway-Token"

type HTTPServer struct {
	service      *Service
	corsOrigin   string
	gatewayToken string
}

func NewHTTPServer(service *Service, corsOrigin, gatewayToken string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, gatewayToken: gatewayToken}
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
			"sessions": map[string]any{"status": "ok"},
			"registry": map[string]any{
				"status": "ok",
				"groups": len(s.service.Snapshot().Groups()),
			},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["sessions"] = map[string]any{"status": "error", "error": err.Error()}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if s.gatewayToken != "" {
		token := strings.TrimSpace(r.Header.Get(gatewayTokenHeader))
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.gatewayToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	// Registry discovery is public; the group header only influences
	// which group's definition wins an id collision.
	group := strings.TrimSpace(r.Header.Get(groupHeader))

	switch parts[1] {
	case "registry":
		s.handleRegistry(w, r, parts[2:], group)
		return
	case "sessions":
		if group == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing group identity", nil)
			return
		}
		s.handleSessions(w, r, parts[2:], group)
		return
	case "proxy":
		if group == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing group identity", nil)
			return
		}
		if r.Method == http.MethodGet && len(parts) == 3 {
			s.handleProxyDownload(w, r, group, parts[2])
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleRegistry(w http.ResponseWriter, r *http.Request, parts []string, group string) {
	switch {
	case r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "templates":
		writeJSON(w, http.StatusOK, map[string]any{"templates": s.service.ListTemplates()})

	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "templates":
		tmpl, err := s.service.TemplateDetails(group, parts[1])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tmpl)

	case r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "templates" && parts[2] == "fragments":
		fragments, err := s.service.TemplateFragments(group, parts[1])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"fragments": fragments})

	case r.Method == http.MethodGet && len(parts) == 4 && parts[0] == "templates" && parts[2] == "fragments":
		def, err := s.service.FragmentDetails(group, parts[1], parts[3])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, def)

	case r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "styles":
		writeJSON(w, http.StatusOK, map[string]any{"styles": s.service.ListStyles()})

	case r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "search":
		query := search.Query{
			Text:        strings.TrimSpace(r.URL.Query().Get("q")),
			FilterKind:  search.ResultKind(strings.TrimSpace(r.URL.Query().Get("kind"))),
			FilterGroup: strings.TrimSpace(r.URL.Query().Get("group")),
		}
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "limit must be an integer", nil)
				return
			}
			query.Limit = parsed
		}
		writeJSON(w, http.StatusOK, s.service.SearchRegistry(query))

	case r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "reload":
		report, err := s.service.ReloadRegistry(r.Context())
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "report": report})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request, parts []string, group string) {
	switch {
	case r.Method == http.MethodGet && len(parts) == 0:
		summaries, err := s.service.ListActiveSessions(r.Context(), group)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": summaries})

	case r.Method == http.MethodPost && len(parts) == 0:
		var body struct {
			TemplateID string `json:"templateId"`
			Alias      string `json:"alias"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		rec, err := s.service.CreateSession(r.Context(), group, strings.TrimSpace(body.TemplateID), strings.TrimSpace(body.Alias))
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"sessionId":  rec.ID,
			"alias":      rec.Alias,
			"templateId": rec.TemplateID,
			"createdAt":  rec.CreatedAt,
		})

	case r.Method == http.MethodGet && len(parts) == 1:
		status, err := s.service.SessionStatus(r.Context(), group, parts[0])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)

	case r.Method == http.MethodDelete && len(parts) == 1:
		if err := s.service.AbortSession(r.Context(), group, parts[0]); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case r.Method == http.MethodPut && len(parts) == 2 && parts[1] == "parameters":
		var body struct {
			Parameters map[string]any `json:"parameters"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		rec, err := s.service.SetGlobalParameters(r.Context(), group, parts[0], body.Parameters)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"sessionId":        rec.ID,
			"globalParameters": rec.GlobalParameters,
			"updatedAt":        rec.UpdatedAt,
		})

	case r.Method == http.MethodGet && len(parts) == 2 && parts[1] == "fragments":
		rec, err := s.service.GetSession(r.Context(), group, parts[0])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"fragments": rec.Fragments})

	case r.Method == http.MethodPost && len(parts) == 2 && parts[1] == "fragments":
		var body struct {
			FragmentID string         `json:"fragmentId"`
			Parameters map[string]any `json:"parameters"`
			Position   string         `json:"position"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		instance, position, err := s.service.AddFragment(r.Context(), group, parts[0], strings.TrimSpace(body.FragmentID), body.Parameters, strings.TrimSpace(body.Position))
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"fragmentInstanceGuid": instance.GUID,
			"fragmentId":           instance.FragmentID,
			"position":             position,
			"createdAt":            instance.CreatedAt,
		})

	case r.Method == http.MethodDelete && len(parts) == 3 && parts[1] == "fragments":
		if err := s.service.RemoveFragment(r.Context(), group, parts[0], parts[2]); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case r.Method == http.MethodPost && len(parts) == 2 && parts[1] == "render":
		var body struct {
			Format  string `json:"format"`
			StyleID string `json:"styleId"`
			Proxy   bool   `json:"proxy"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		output, err := s.service.Render(r.Context(), group, parts[0], strings.TrimSpace(body.Format), strings.TrimSpace(body.StyleID), body.Proxy)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		if body.Proxy {
			writeJSON(w, http.StatusOK, map[string]any{
				"proxyGuid":   output.ProxyGUID,
				"downloadUrl": output.URL,
				"filename":    output.Result.Filename,
				"mimeType":    output.Result.MimeType,
			})
			return
		}
		writeContent(w, output.Result.MimeType, output.Result.Filename, output.Result.Data)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleProxyDownload(w http.ResponseWriter, r *http.Request, group, guid string) {
	artifact, err := s.service.ProxyArtifact(r.Context(), group, guid)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeContent(w, artifact.MimeType, artifact.Filename, artifact.Content)
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
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, "+groupHeader+", "+gatewayTokenHeader)
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeContent serves a rendered document or proxy artifact inline.
func writeContent(w http.ResponseWriter, mimeType, filename string, data []byte) {
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
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

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
