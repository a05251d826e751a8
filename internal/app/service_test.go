package app

import (
	"context"
	"errors"
	"strings"
	"testing"

	"docforge/api/internal/config"
	"docforge/api/internal/proxy"
	"docforge/api/internal/registry"
	"docforge/api/internal/schema"
	"docforge/api/internal/session"
)

func testSnapshot() *registry.Snapshot {
	return registry.NewSnapshot(
		[]*registry.TemplateDefinition{
			{
				TemplateID: "quarterly-report",
				Group:      "group1",
				Name:       "Quarterly Report",
				Fragments: []registry.FragmentDefinition{
					{
						FragmentID: "paragraph",
						Group:      "group1",
						Parameters: []registry.ParameterSchema{
							{Name: "text", Type: registry.TypeString, Required: true, Description: "paragraph body"},
							{Name: "emphasis", Type: registry.TypeBoolean, Default: false},
						},
						Body: "{{.text}}",
					},
					{
						FragmentID: "headline",
						Group:      "group1",
						Parameters: []registry.ParameterSchema{
							{Name: "headline", Type: registry.TypeString, Required: true},
							{Name: "body", Type: registry.TypeString, Required: true},
						},
						Body: "## {{.headline}}\n\n{{.body}}",
					},
				},
			},
			{TemplateID: "memo", Group: "group2", Name: "Memo"},
		},
		nil,
		[]*registry.StyleDefinition{
			{StyleID: "clean", Group: "group1", Name: "Clean", Stylesheet: "main { color: #222; }"},
		},
	)
}

func newTestService() *Service {
	return NewService(config.Config{PublicBaseURL: "http://api.test"}, testSnapshot(), nil, session.NewMemoryStore(), proxy.NewMemoryStore(), nil)
}

func domainCode(t *testing.T, err error) string {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("error %v is not a DomainError", err)
	}
	return domainErr.Code
}

func TestCreateSessionErrorPrecedence(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	// Syntax is checked before anything else.
	_, err := svc.CreateSession(ctx, "group1", "no-such-template", "x")
	if code := domainCode(t, err); code != "INVALID_ALIAS" {
		t.Errorf("invalid alias code = %s", code)
	}

	if _, err := svc.CreateSession(ctx, "group1", "quarterly-report", "taken"); err != nil {
		t.Fatalf("seed create failed: %v", err)
	}

	// A live alias collision outranks the template check.
	_, err = svc.CreateSession(ctx, "group1", "no-such-template", "taken")
	if code := domainCode(t, err); code != "ALIAS_EXISTS" {
		t.Errorf("alias collision code = %s", code)
	}

	_, err = svc.CreateSession(ctx, "group1", "no-such-template", "fresh-alias")
	if code := domainCode(t, err); code != "TEMPLATE_NOT_FOUND" {
		t.Errorf("unknown template code = %s", code)
	}
}

func TestCreateSessionAliasScopedPerGroup(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	first, err := svc.CreateSession(ctx, "group1", "quarterly-report", "shared-name")
	if err != nil {
		t.Fatal(err)
	}
	// memo lives in group2; unambiguous ids resolve cross-group.
	second, err := svc.CreateSession(ctx, "group2", "memo", "shared-name")
	if err != nil {
		t.Fatalf("cross-group same alias failed: %v", err)
	}
	if first.ID == second.ID {
		t.Error("sessions in different groups must be distinct")
	}

	if _, err := svc.GetSession(ctx, "group2", first.ID); err == nil {
		t.Error("cross-group session id must not resolve")
	} else if code := domainCode(t, err); code != "SESSION_NOT_FOUND" {
		t.Errorf("cross-group code = %s", code)
	}
}

func TestSessionReferenceInterchangeable(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	created, err := svc.CreateSession(ctx, "group1", "quarterly-report", "my-doc")
	if err != nil {
		t.Fatal(err)
	}

	byID, err := svc.GetSession(ctx, "group1", created.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	byAlias, err := svc.GetSession(ctx, "group1", "my-doc")
	if err != nil {
		t.Fatalf("get by alias: %v", err)
	}
	if byID.ID != byAlias.ID {
		t.Error("alias and id must address the same session")
	}
}

func TestAddFragmentValidation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	if _, err := svc.CreateSession(ctx, "group1", "quarterly-report", "doc"); err != nil {
		t.Fatal(err)
	}

	// Unknown fragment id.
	_, _, err := svc.AddFragment(ctx, "group1", "doc", "ghost", nil, "")
	if code := domainCode(t, err); code != "FRAGMENT_NOT_FOUND" {
		t.Errorf("unknown fragment code = %s", code)
	}

	// Required parameter missing carries field detail.
	_, _, err = svc.AddFragment(ctx, "group1", "doc", "headline", map[string]any{"headline": "Results"}, "")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_FAILED" {
		t.Fatalf("validation error = %v", err)
	}
	fieldErrors, ok := domainErr.Details.([]schema.FieldError)
	if !ok || len(fieldErrors) != 1 || fieldErrors[0].Field != "body" {
		t.Errorf("validation details = %#v", domainErr.Details)
	}

	// Valid parameters pass.
	instance, position, err := svc.AddFragment(ctx, "group1", "doc", "headline", map[string]any{"headline": "Results", "body": "Up and to the right."}, "")
	if err != nil {
		t.Fatalf("valid add failed: %v", err)
	}
	if instance.GUID == "" {
		t.Error("instance guid not allocated")
	}
	if position != 0 {
		t.Errorf("position = %d, want 0", position)
	}
}

func TestAddFragmentPositions(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	if _, err := svc.CreateSession(ctx, "group1", "quarterly-report", "doc"); err != nil {
		t.Fatal(err)
	}
	a, _, err := svc.AddFragment(ctx, "group1", "doc", "paragraph", map[string]any{"text": "A"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.AddFragment(ctx, "group1", "doc", "paragraph", map[string]any{"text": "B"}, "end"); err != nil {
		t.Fatal(err)
	}
	if _, pos, err := svc.AddFragment(ctx, "group1", "doc", "paragraph", map[string]any{"text": "C"}, "before:"+a.GUID); err != nil {
		t.Fatal(err)
	} else if pos != 0 {
		t.Errorf("before-insert position = %d, want 0", pos)
	}

	rec, err := svc.GetSession(ctx, "group1", "doc")
	if err != nil {
		t.Fatal(err)
	}
	texts := make([]string, len(rec.Fragments))
	for i, frag := range rec.Fragments {
		texts[i] = frag.Parameters["text"].(string)
	}
	if strings.Join(texts, "") != "CAB" {
		t.Errorf("order = %v, want [C A B]", texts)
	}

	_, _, err = svc.AddFragment(ctx, "group1", "doc", "paragraph", map[string]any{"text": "D"}, "after:frag_missing")
	if code := domainCode(t, err); code != "POSITION_NOT_FOUND" {
		t.Errorf("missing anchor code = %s", code)
	}
	_, _, err = svc.AddFragment(ctx, "group1", "doc", "paragraph", map[string]any{"text": "D"}, "middle")
	if code := domainCode(t, err); code != "INVALID_POSITION" {
		t.Errorf("malformed position code = %s", code)
	}

	if err := svc.RemoveFragment(ctx, "group1", "doc", a.GUID); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := svc.RemoveFragment(ctx, "group1", "doc", a.GUID); err == nil {
		t.Fatal("double remove must fail")
	} else if code := domainCode(t, err); code != "POSITION_NOT_FOUND" {
		t.Errorf("double remove code = %s", code)
	}
}

func TestSessionStatusReadiness(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	if _, err := svc.CreateSession(ctx, "group1", "quarterly-report", "doc"); err != nil {
		t.Fatal(err)
	}

	status, err := svc.SessionStatus(ctx, "group1", "doc")
	if err != nil {
		t.Fatal(err)
	}
	if status.IsReadyToRender || status.HasGlobalParameters || status.FragmentCount != 0 {
		t.Errorf("fresh session status = %+v", status)
	}

	if _, err := svc.SetGlobalParameters(ctx, "group1", "doc", map[string]any{"title": "T"}); err != nil {
		t.Fatal(err)
	}
	status, _ = svc.SessionStatus(ctx, "group1", "doc")
	if !status.IsReadyToRender || !status.HasGlobalParameters {
		t.Errorf("status after parameters = %+v", status)
	}
}

func TestAbortReleasesAliasAndHidesSession(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	if _, err := svc.CreateSession(ctx, "group1", "quarterly-report", "doc"); err != nil {
		t.Fatal(err)
	}
	if err := svc.AbortSession(ctx, "group1", "doc"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.GetSession(ctx, "group1", "doc"); err == nil {
		t.Fatal("aborted session must not resolve")
	} else if code := domainCode(t, err); code != "SESSION_NOT_FOUND" {
		t.Errorf("post-abort code = %s", code)
	}
	if _, err := svc.CreateSession(ctx, "group1", "quarterly-report", "doc"); err != nil {
		t.Errorf("alias reuse after abort failed: %v", err)
	}
}

func TestListActiveSessionsGroupScoped(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	if _, err := svc.CreateSession(ctx, "group1", "quarterly-report", "g1-doc"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CreateSession(ctx, "group2", "memo", "g2-doc"); err != nil {
		t.Fatal(err)
	}

	listing, err := svc.ListActiveSessions(ctx, "group1")
	if err != nil {
		t.Fatal(err)
	}
	if len(listing) != 1 || listing[0].Alias != "g1-doc" {
		t.Errorf("group1 listing = %+v", listing)
	}
}

func seedRenderableSession(t *testing.T, svc *Service) {
	t.Helper()
	ctx := context.Background()
	if _, err := svc.CreateSession(ctx, "group1", "quarterly-report", "report"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.SetGlobalParameters(ctx, "group1", "report", map[string]any{"title": "Q4 2025 Quarterly Report"}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.AddFragment(ctx, "group1", "report", "paragraph", map[string]any{"text": "X"}, ""); err != nil {
		t.Fatal(err)
	}
}

func TestRenderFormats(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	seedRenderableSession(t, svc)

	html, err := svc.Render(ctx, "group1", "report", "html", "", false)
	if err != nil {
		t.Fatalf("html render failed: %v", err)
	}
	body := string(html.Result.Data)
	if !strings.Contains(body, "Q4 2025 Quarterly Report") || !strings.Contains(body, "X") {
		t.Errorf("html output missing title or marker:\n%s", body)
	}
	if !strings.Contains(body, "#222") {
		t.Errorf("default style not inlined:\n%s", body)
	}

	md, err := svc.Render(ctx, "group1", "report", "md", "", false)
	if err != nil {
		t.Fatalf("md render failed: %v", err)
	}
	if !strings.Contains(string(md.Result.Data), "X") {
		t.Errorf("md output missing marker:\n%s", md.Result.Data)
	}

	_, err = svc.Render(ctx, "group1", "report", "docx", "", false)
	if code := domainCode(t, err); code != "INVALID_FORMAT" {
		t.Errorf("unknown format code = %s", code)
	}
	_, err = svc.Render(ctx, "group1", "report", "html", "no-such-style", false)
	if code := domainCode(t, err); code != "STYLE_NOT_FOUND" {
		t.Errorf("unknown style code = %s", code)
	}
}

func TestRenderThroughProxy(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	seedRenderableSession(t, svc)

	output, err := svc.Render(ctx, "group1", "report", "html", "", true)
	if err != nil {
		t.Fatalf("proxy render failed: %v", err)
	}
	if output.ProxyGUID == "" {
		t.Fatal("proxy guid not allocated")
	}
	if output.URL != "http://api.test/api/proxy/"+output.ProxyGUID {
		t.Errorf("download url = %s", output.URL)
	}

	artifact, err := svc.ProxyArtifact(ctx, "group1", output.ProxyGUID)
	if err != nil {
		t.Fatalf("artifact fetch failed: %v", err)
	}
	if !strings.Contains(string(artifact.Content), "X") {
		t.Error("stored artifact does not match render output")
	}

	// Another group cannot fetch it.
	if _, err := svc.ProxyArtifact(ctx, "group2", output.ProxyGUID); err == nil {
		t.Fatal("cross-group artifact fetch must fail")
	} else if code := domainCode(t, err); code != "NOT_FOUND" {
		t.Errorf("cross-group artifact code = %s", code)
	}
}

func TestRegistryReads(t *testing.T) {
	svc := newTestService()

	templates := svc.ListTemplates()
	if len(templates) != 2 {
		t.Fatalf("templates = %d, want 2", len(templates))
	}

	tmpl, err := svc.TemplateDetails("group1", "quarterly-report")
	if err != nil {
		t.Fatal(err)
	}
	if tmpl.Name != "Quarterly Report" {
		t.Errorf("template = %+v", tmpl)
	}

	// Discovery is public: a group2 caller still sees group1's template.
	if _, err := svc.TemplateDetails("group2", "quarterly-report"); err != nil {
		t.Errorf("cross-group template read failed: %v", err)
	}

	fragments, err := svc.TemplateFragments("group1", "quarterly-report")
	if err != nil || len(fragments) != 2 {
		t.Errorf("fragments = %v, %v", fragments, err)
	}

	def, err := svc.FragmentDetails("group1", "quarterly-report", "paragraph")
	if err != nil || def.FragmentID != "paragraph" {
		t.Errorf("fragment details = %v, %v", def, err)
	}
	if _, err := svc.FragmentDetails("group1", "quarterly-report", "ghost"); err == nil {
		t.Error("unknown fragment details must fail")
	}

	if styles := svc.ListStyles(); len(styles) != 1 {
		t.Errorf("styles = %d, want 1", len(styles))
	}
}
