// Package app wires the registry, session store, composer, proxy store and
// search facade behind the HTTP surface. Group identity is injected by the
// fronting gateway; the service trusts it and enforces isolation with it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"docforge/api/internal/config"
	"docforge/api/internal/gitsync"
	"docforge/api/internal/proxy"
	"docforge/api/internal/registry"
	"docforge/api/internal/render"
	"docforge/api/internal/schema"
	"docforge/api/internal/search"
	"docforge/api/internal/session"
)

type Service struct {
	cfg      config.Config
	snapshot atomic.Pointer[registry.Snapshot]
	report   atomic.Pointer[registry.LoadReport]

	sessions  session.Store
	artifacts proxy.Store
	composer  *render.Composer
	search    *search.Service
	git       *gitsync.Service
}

// NewService assembles the service. git may be nil when no content
// repository URL is configured; search may be nil in tests.
func NewService(cfg config.Config, snap *registry.Snapshot, report *registry.LoadReport, sessions session.Store, artifacts proxy.Store, git *gitsync.Service) *Service {
	s := &Service{
		cfg:       cfg,
		sessions:  sessions,
		artifacts: artifacts,
		composer:  render.NewComposer(),
		git:       git,
	}
	s.snapshot.Store(snap)
	if report == nil {
		report = &registry.LoadReport{}
	}
	s.report.Store(report)
	return s
}

// SetSearch attaches the discovery facade once it exists; the facade needs
// the snapshot accessor, so construction is two-phase.
func (s *Service) SetSearch(svc *search.Service) {
	s.search = svc
}

// Snapshot returns the current registry snapshot.
func (s *Service) Snapshot() *registry.Snapshot {
	return s.snapshot.Load()
}

func (s *Service) Ping(ctx context.Context) error {
	return s.sessions.Ping(ctx)
}

// --- Session operations ---

func (s *Service) CreateSession(ctx context.Context, group, templateID, alias string) (session.Session, error) {
	if !session.ValidAlias(alias) {
		return session.Session{}, domainError(http.StatusUnprocessableEntity, "INVALID_ALIAS",
			"Alias must be 3-64 characters of letters, digits, hyphen or underscore", nil)
	}

	inUse, err := s.sessions.AliasInUse(ctx, group, alias)
	if err != nil {
		return session.Session{}, fmt.Errorf("check alias: %w", err)
	}
	if inUse {
		return session.Session{}, errAliasExists(alias)
	}

	if s.visibleTemplate(group, templateID) == nil {
		return session.Session{}, errTemplateNotFound(templateID)
	}

	rec, err := s.sessions.CreateSession(ctx, group, alias, templateID)
	if errors.Is(err, session.ErrAliasExists) {
		// Lost the race between the precheck and the atomic claim.
		return session.Session{}, errAliasExists(alias)
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("create session: %w", err)
	}
	return rec, nil
}

func (s *Service) GetSession(ctx context.Context, group, reference string) (session.Session, error) {
	id, err := s.resolve(ctx, group, reference)
	if err != nil {
		return session.Session{}, err
	}
	rec, err := s.sessions.Get(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		return session.Session{}, errSessionNotFound()
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("load session: %w", err)
	}
	return rec, nil
}

func (s *Service) SetGlobalParameters(ctx context.Context, group, reference string, params map[string]any) (session.Session, error) {
	id, err := s.resolve(ctx, group, reference)
	if err != nil {
		return session.Session{}, err
	}
	rec, err := s.sessions.SetGlobalParameters(ctx, id, params)
	if errors.Is(err, session.ErrNotFound) {
		return session.Session{}, errSessionNotFound()
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("set parameters: %w", err)
	}
	return rec, nil
}

// AddFragment returns the stored instance and its resolved zero-based
// position in the session's fragment sequence.
func (s *Service) AddFragment(ctx context.Context, group, reference, fragmentID string, params map[string]any, positionRaw string) (session.FragmentInstance, int, error) {
	id, err := s.resolve(ctx, group, reference)
	if err != nil {
		return session.FragmentInstance{}, 0, err
	}
	rec, err := s.sessions.Get(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		return session.FragmentInstance{}, 0, errSessionNotFound()
	}
	if err != nil {
		return session.FragmentInstance{}, 0, fmt.Errorf("load session: %w", err)
	}

	tmpl := s.visibleTemplate(group, rec.TemplateID)
	if tmpl == nil {
		return session.FragmentInstance{}, 0, errTemplateNotFound(rec.TemplateID)
	}
	def := tmpl.Fragment(fragmentID)
	if def == nil {
		return session.FragmentInstance{}, 0, domainError(http.StatusNotFound, "FRAGMENT_NOT_FOUND",
			fmt.Sprintf("Fragment %q is not defined by template %q", fragmentID, tmpl.TemplateID), nil)
	}

	ok, fieldErrors := schema.Validate(def.Parameters, params)
	if !ok {
		return session.FragmentInstance{}, 0, domainError(http.StatusUnprocessableEntity, "VALIDATION_FAILED",
			fmt.Sprintf("Parameters for fragment %q failed validation", fragmentID), fieldErrors)
	}
	params = coerceParams(def.Parameters, params)

	pos, err := session.ParsePosition(positionRaw)
	if err != nil {
		return session.FragmentInstance{}, 0, domainError(http.StatusUnprocessableEntity, "INVALID_POSITION",
			"Position must be end, start, before:<guid> or after:<guid>", nil)
	}

	instance, err := s.sessions.AddFragment(ctx, id, fragmentID, params, pos)
	switch {
	case errors.Is(err, session.ErrPositionNotFound):
		return session.FragmentInstance{}, 0, errPositionNotFound()
	case errors.Is(err, session.ErrNotFound):
		return session.FragmentInstance{}, 0, errSessionNotFound()
	case err != nil:
		return session.FragmentInstance{}, 0, fmt.Errorf("add fragment: %w", err)
	}

	index := 0
	if after, err := s.sessions.Get(ctx, id); err == nil {
		for i, frag := range after.Fragments {
			if frag.GUID == instance.GUID {
				index = i
				break
			}
		}
	}
	return instance, index, nil
}

func (s *Service) RemoveFragment(ctx context.Context, group, reference, instanceGUID string) error {
	id, err := s.resolve(ctx, group, reference)
	if err != nil {
		return err
	}
	err = s.sessions.RemoveFragment(ctx, id, instanceGUID)
	switch {
	case errors.Is(err, session.ErrPositionNotFound):
		return errPositionNotFound()
	case errors.Is(err, session.ErrNotFound):
		return errSessionNotFound()
	case err != nil:
		return fmt.Errorf("remove fragment: %w", err)
	}
	return nil
}

func (s *Service) AbortSession(ctx context.Context, group, reference string) error {
	id, err := s.resolve(ctx, group, reference)
	if err != nil {
		return err
	}
	err = s.sessions.Abort(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		return errSessionNotFound()
	}
	if err != nil {
		return fmt.Errorf("abort session: %w", err)
	}
	return nil
}

func (s *Service) ListActiveSessions(ctx context.Context, group string) ([]session.Summary, error) {
	summaries, err := s.sessions.ListActive(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return summaries, nil
}

// SessionStatus is the readiness view of one session.
type SessionStatus struct {
	SessionID           string    `json:"sessionId"`
	Alias               string    `json:"alias"`
	TemplateID          string    `json:"templateId"`
	HasGlobalParameters bool      `json:"hasGlobalParameters"`
	FragmentCount       int       `json:"fragmentCount"`
	IsReadyToRender     bool      `json:"isReadyToRender"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

func (s *Service) SessionStatus(ctx context.Context, group, reference string) (SessionStatus, error) {
	rec, err := s.GetSession(ctx, group, reference)
	if err != nil {
		return SessionStatus{}, err
	}
	return SessionStatus{
		SessionID:           rec.ID,
		Alias:               rec.Alias,
		TemplateID:          rec.TemplateID,
		HasGlobalParameters: len(rec.GlobalParameters) > 0,
		FragmentCount:       len(rec.Fragments),
		// Ready once the session carries any renderable state.
		IsReadyToRender: len(rec.Fragments) > 0 || len(rec.GlobalParameters) > 0,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}, nil
}

// --- Rendering ---

// RenderOutput carries either inline content or a proxy reference.
type RenderOutput struct {
	Result    *render.Result
	ProxyGUID string
	URL       string
}

func (s *Service) Render(ctx context.Context, group, reference, formatRaw, styleID string, useProxy bool) (RenderOutput, error) {
	format, err := render.ParseFormat(formatRaw)
	if err != nil {
		return RenderOutput{}, domainError(http.StatusUnprocessableEntity, "INVALID_FORMAT",
			fmt.Sprintf("Format %q is not one of html, markdown, pdf", formatRaw), nil)
	}

	rec, err := s.GetSession(ctx, group, reference)
	if err != nil {
		return RenderOutput{}, err
	}
	tmpl := s.visibleTemplate(group, rec.TemplateID)
	if tmpl == nil {
		return RenderOutput{}, errTemplateNotFound(rec.TemplateID)
	}

	style, err := s.resolveStyle(group, styleID)
	if err != nil {
		return RenderOutput{}, err
	}

	result, err := s.composer.Render(rec, tmpl, style, format)
	switch {
	case errors.Is(err, render.ErrPDFDependencyMissing):
		return RenderOutput{}, domainError(http.StatusServiceUnavailable, "PDF_UNAVAILABLE",
			"PDF rendering backend is not available", nil)
	case errors.Is(err, render.ErrFragmentUndefined):
		return RenderOutput{}, domainError(http.StatusNotFound, "FRAGMENT_NOT_FOUND",
			"Session references a fragment the template no longer defines", nil)
	case err != nil:
		return RenderOutput{}, fmt.Errorf("render session: %w", err)
	}

	if !useProxy {
		return RenderOutput{Result: result}, nil
	}

	guid, err := s.artifacts.Put(ctx, proxy.Artifact{
		Group:    group,
		Format:   string(format),
		MimeType: result.MimeType,
		Filename: result.Filename,
		Content:  result.Data,
	})
	if err != nil {
		return RenderOutput{}, fmt.Errorf("store artifact: %w", err)
	}
	return RenderOutput{
		Result:    result,
		ProxyGUID: guid,
		URL:       s.cfg.PublicBaseURL + "/api/proxy/" + guid,
	}, nil
}

func (s *Service) ProxyArtifact(ctx context.Context, group, guid string) (proxy.Artifact, error) {
	artifact, err := s.artifacts.Get(ctx, guid, group)
	if errors.Is(err, proxy.ErrNotFound) {
		return proxy.Artifact{}, domainError(http.StatusNotFound, "NOT_FOUND", "Artifact not found", nil)
	}
	if err != nil {
		return proxy.Artifact{}, fmt.Errorf("fetch artifact: %w", err)
	}
	return artifact, nil
}

// --- Registry reads ---

func (s *Service) ListTemplates() []*registry.TemplateDefinition {
	return s.Snapshot().Templates()
}

func (s *Service) TemplateDetails(group, templateID string) (*registry.TemplateDefinition, error) {
	if tmpl := s.visibleTemplate(group, templateID); tmpl != nil {
		return tmpl, nil
	}
	return nil, errTemplateNotFound(templateID)
}

func (s *Service) TemplateFragments(group, templateID string) ([]registry.FragmentDefinition, error) {
	tmpl, err := s.TemplateDetails(group, templateID)
	if err != nil {
		return nil, err
	}
	return tmpl.Fragments, nil
}

func (s *Service) FragmentDetails(group, templateID, fragmentID string) (*registry.FragmentDefinition, error) {
	tmpl, err := s.TemplateDetails(group, templateID)
	if err != nil {
		return nil, err
	}
	def := tmpl.Fragment(fragmentID)
	if def == nil {
		return nil, domainError(http.StatusNotFound, "FRAGMENT_NOT_FOUND",
			fmt.Sprintf("Fragment %q is not defined by template %q", fragmentID, templateID), nil)
	}
	return def, nil
}

func (s *Service) ListStyles() []*registry.StyleDefinition {
	return s.Snapshot().Styles()
}

func (s *Service) SearchRegistry(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

// ReloadRegistry syncs the content checkout when configured, loads a fresh
// snapshot and swaps it in atomically. In-flight operations keep the old
// snapshot.
func (s *Service) ReloadRegistry(ctx context.Context) (*registry.LoadReport, error) {
	dir := s.cfg.ContentDir
	if s.git != nil && s.cfg.ContentRepoURL != "" {
		synced, err := s.git.Ensure(ctx, s.cfg.ContentRepoURL)
		if err != nil {
			return nil, fmt.Errorf("sync content repo: %w", err)
		}
		dir = synced
	}

	snap, report, err := registry.Load(dir, s.cfg.ContentGroups)
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	s.snapshot.Store(snap)
	s.report.Store(report)
	if s.search != nil {
		s.search.IndexSnapshot(snap)
	}
	log.Printf("registry: reloaded %d templates, %d fragments, %d styles across %d groups",
		report.Templates, report.Fragments, report.Styles, len(report.Groups))
	return report, nil
}

// LoadReport returns the report of the most recent registry load.
func (s *Service) LoadReport() *registry.LoadReport {
	return s.report.Load()
}

// --- Internals ---

func (s *Service) resolve(ctx context.Context, group, reference string) (string, error) {
	id, err := s.sessions.Resolve(ctx, group, reference)
	if errors.Is(err, session.ErrNotFound) {
		return "", errSessionNotFound()
	}
	if err != nil {
		return "", fmt.Errorf("resolve session: %w", err)
	}
	return id, nil
}

// visibleTemplate resolves a template id for a caller group: the group's
// own definition wins, otherwise an unambiguous cross-group id is accepted
// since registry discovery is public.
func (s *Service) visibleTemplate(group, templateID string) *registry.TemplateDefinition {
	snap := s.Snapshot()
	if tmpl := snap.Template(group, templateID); tmpl != nil {
		return tmpl
	}
	return snap.TemplateAnyGroup(templateID)
}

// resolveStyle picks the named style, the configured default or the first
// loaded style, in that order. Only an explicitly named style can fail.
func (s *Service) resolveStyle(group, styleID string) (*registry.StyleDefinition, error) {
	snap := s.Snapshot()
	if styleID != "" {
		if style := snap.Style(group, styleID); style != nil {
			return style, nil
		}
		if style := snap.StyleAnyGroup(styleID); style != nil {
			return style, nil
		}
		return nil, domainError(http.StatusNotFound, "STYLE_NOT_FOUND",
			fmt.Sprintf("Style %q is not loaded", styleID), nil)
	}
	if s.cfg.DefaultStyleID != "" {
		if style := snap.StyleAnyGroup(s.cfg.DefaultStyleID); style != nil {
			return style, nil
		}
	}
	return snap.DefaultStyle(), nil
}

func coerceParams(schemas []registry.ParameterSchema, params map[string]any) map[string]any {
	coerced := make(map[string]any, len(params))
	for k, v := range params {
		coerced[k] = v
	}
	for _, p := range schemas {
		if v, ok := coerced[p.Name]; ok {
			if converted, ok := schema.Coerce(p.Type, v); ok {
				coerced[p.Name] = converted
			}
		}
	}
	return coerced
}

func errAliasExists(alias string) *DomainError {
	return domainError(http.StatusConflict, "ALIAS_EXISTS",
		fmt.Sprintf("Alias %q is already in use within this group", alias), nil)
}

func errTemplateNotFound(templateID string) *DomainError {
	return domainError(http.StatusNotFound, "TEMPLATE_NOT_FOUND",
		fmt.Sprintf("Template %q is not loaded", templateID), nil)
}

func errSessionNotFound() *DomainError {
	return domainError(http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found", nil)
}

func errPositionNotFound() *DomainError {
	return domainError(http.StatusNotFound, "POSITION_NOT_FOUND",
		"No fragment instance with that guid exists in the session", nil)
}
