package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(NewHTTPServer(newTestService(), "*", "").Handler())
	t.Cleanup(server.Close)
	return server
}

func doJSON(t *testing.T, method, url, group string, payload any) (*http.Response, map[string]any) {
	t.Helper()

	var body *bytes.Buffer
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatal(err)
		}
		body = bytes.NewBuffer(raw)
	} else {
		body = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatal(err)
	}
	if group != "" {
		req.Header.Set(groupHeader, group)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	decoded := map[string]any{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		_ = json.NewDecoder(resp.Body).Decode(&decoded)
	}
	return resp, decoded
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, server.URL+"/api/health", "", nil)
	if resp.StatusCode != http.StatusOK || body["ok"] != true {
		t.Errorf("health = %d %v", resp.StatusCode, body)
	}
}

func TestReadyEndpoint(t *testing.T) {
	server := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, server.URL+"/api/ready", "", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ready" {
		t.Errorf("ready = %d %v", resp.StatusCode, body)
	}
}

func TestSessionsRequireGroupHeader(t *testing.T) {
	server := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, server.URL+"/api/sessions", "", nil)
	if resp.StatusCode != http.StatusUnauthorized || body["code"] != "UNAUTHORIZED" {
		t.Errorf("missing group = %d %v", resp.StatusCode, body)
	}
}

func TestRegistryReadsArePublic(t *testing.T) {
	server := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, server.URL+"/api/registry/templates", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("registry list = %d %v", resp.StatusCode, body)
	}
	templates, ok := body["templates"].([]any)
	if !ok || len(templates) != 2 {
		t.Errorf("templates = %v", body["templates"])
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	server := newTestServer(t)

	// Create.
	resp, body := doJSON(t, http.MethodPost, server.URL+"/api/sessions", "group1", map[string]any{
		"templateId": "quarterly-report",
		"alias":      "http-doc",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d %v", resp.StatusCode, body)
	}
	sessionID, _ := body["sessionId"].(string)
	if sessionID == "" {
		t.Fatalf("create body = %v", body)
	}

	// Duplicate alias conflicts.
	resp, body = doJSON(t, http.MethodPost, server.URL+"/api/sessions", "group1", map[string]any{
		"templateId": "quarterly-report",
		"alias":      "http-doc",
	})
	if resp.StatusCode != http.StatusConflict || body["code"] != "ALIAS_EXISTS" {
		t.Errorf("duplicate create = %d %v", resp.StatusCode, body)
	}

	// Invalid alias is a validation failure, not a conflict.
	resp, body = doJSON(t, http.MethodPost, server.URL+"/api/sessions", "group1", map[string]any{
		"templateId": "quarterly-report",
		"alias":      "x",
	})
	if resp.StatusCode != http.StatusUnprocessableEntity || body["code"] != "INVALID_ALIAS" {
		t.Errorf("invalid alias = %d %v", resp.StatusCode, body)
	}

	// Parameters by alias.
	resp, _ = doJSON(t, http.MethodPut, server.URL+"/api/sessions/http-doc/parameters", "group1", map[string]any{
		"parameters": map[string]any{"title": "Q4 2025 Quarterly Report"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set parameters = %d", resp.StatusCode)
	}

	// Fragment by session id.
	resp, body = doJSON(t, http.MethodPost, server.URL+"/api/sessions/"+sessionID+"/fragments", "group1", map[string]any{
		"fragmentId": "paragraph",
		"parameters": map[string]any{"text": "X"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add fragment = %d %v", resp.StatusCode, body)
	}
	guid, _ := body["fragmentInstanceGuid"].(string)
	if body["position"] != float64(0) {
		t.Errorf("position = %v", body["position"])
	}

	// Validation failure carries field details.
	resp, body = doJSON(t, http.MethodPost, server.URL+"/api/sessions/http-doc/fragments", "group1", map[string]any{
		"fragmentId": "headline",
		"parameters": map[string]any{"headline": "H"},
	})
	if resp.StatusCode != http.StatusUnprocessableEntity || body["code"] != "VALIDATION_FAILED" {
		t.Errorf("validation = %d %v", resp.StatusCode, body)
	}
	if body["details"] == nil {
		t.Error("validation response missing details")
	}

	// Status.
	resp, body = doJSON(t, http.MethodGet, server.URL+"/api/sessions/http-doc", "group1", nil)
	if resp.StatusCode != http.StatusOK || body["isReadyToRender"] != true {
		t.Errorf("status = %d %v", resp.StatusCode, body)
	}
	if body["fragmentCount"] != float64(1) {
		t.Errorf("fragmentCount = %v", body["fragmentCount"])
	}

	// Cross-group access is indistinguishable from absence.
	resp, body = doJSON(t, http.MethodGet, server.URL+"/api/sessions/http-doc", "group2", nil)
	if resp.StatusCode != http.StatusNotFound || body["code"] != "SESSION_NOT_FOUND" {
		t.Errorf("cross-group = %d %v", resp.StatusCode, body)
	}

	// Render inline.
	req, _ := http.NewRequest(http.MethodPost, server.URL+"/api/sessions/http-doc/render", bytes.NewBufferString(`{"format":"md"}`))
	req.Header.Set(groupHeader, "group1")
	renderResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer renderResp.Body.Close()
	if renderResp.StatusCode != http.StatusOK {
		t.Fatalf("render = %d", renderResp.StatusCode)
	}
	if ct := renderResp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/markdown") {
		t.Errorf("render content-type = %s", ct)
	}
	var rendered bytes.Buffer
	_, _ = rendered.ReadFrom(renderResp.Body)
	if !strings.Contains(rendered.String(), "X") {
		t.Errorf("render body missing marker:\n%s", rendered.String())
	}

	// Remove fragment, then abort.
	resp, _ = doJSON(t, http.MethodDelete, server.URL+"/api/sessions/http-doc/fragments/"+guid, "group1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("remove fragment = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodDelete, server.URL+"/api/sessions/http-doc", "group1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("abort = %d", resp.StatusCode)
	}
	resp, body = doJSON(t, http.MethodGet, server.URL+"/api/sessions/http-doc", "group1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status after abort = %d %v", resp.StatusCode, body)
	}
}

func TestRenderThroughProxyOverHTTP(t *testing.T) {
	server := newTestServer(t)

	doJSON(t, http.MethodPost, server.URL+"/api/sessions", "group1", map[string]any{
		"templateId": "quarterly-report",
		"alias":      "proxy-doc",
	})
	doJSON(t, http.MethodPost, server.URL+"/api/sessions/proxy-doc/fragments", "group1", map[string]any{
		"fragmentId": "paragraph",
		"parameters": map[string]any{"text": "X"},
	})

	resp, body := doJSON(t, http.MethodPost, server.URL+"/api/sessions/proxy-doc/render", "group1", map[string]any{
		"format": "html",
		"proxy":  true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("proxy render = %d %v", resp.StatusCode, body)
	}
	guid, _ := body["proxyGuid"].(string)
	if guid == "" {
		t.Fatalf("proxy render body = %v", body)
	}

	// Owner downloads; the other group gets 404.
	resp, _ = doJSON(t, http.MethodGet, server.URL+"/api/proxy/"+guid, "group1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("proxy download = %d", resp.StatusCode)
	}
	resp, body = doJSON(t, http.MethodGet, server.URL+"/api/proxy/"+guid, "group2", nil)
	if resp.StatusCode != http.StatusNotFound || body["code"] != "NOT_FOUND" {
		t.Errorf("cross-group proxy download = %d %v", resp.StatusCode, body)
	}
}

func TestGatewayTokenGuard(t *testing.T) {
	server := httptest.NewServer(NewHTTPServer(newTestService(), "*", "secret-token").Handler())
	defer server.Close()

	// Health stays open for probes.
	resp, _ := doJSON(t, http.MethodGet, server.URL+"/api/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health with guard = %d", resp.StatusCode)
	}

	// API routes refuse without the shared secret.
	resp, body := doJSON(t, http.MethodGet, server.URL+"/api/registry/templates", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated registry read = %d %v", resp.StatusCode, body)
	}

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/api/registry/templates", nil)
	req.Header.Set(gatewayTokenHeader, "secret-token")
	authed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer authed.Body.Close()
	if authed.StatusCode != http.StatusOK {
		t.Errorf("authenticated registry read = %d", authed.StatusCode)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	server := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, server.URL+"/api/unknown", "group1", nil)
	if resp.StatusCode != http.StatusNotFound || body["code"] != "NOT_FOUND" {
		t.Errorf("unknown route = %d %v", resp.StatusCode, body)
	}
}
