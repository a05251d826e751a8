package render

import (
	"bytes"
	"fmt"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	goldmarkhtml "github.com/yuin/goldmark/renderer/html"

	"docforge/api/internal/registry"
	"docforge/api/internal/session"
)

// Composer renders sessions. It is a pure function of its inputs: callers
// pass a session copy, the template and style resolved from the current
// registry snapshot, and the requested format.
type Composer struct {
	markdown goldmark.Markdown
}

func NewComposer() *Composer {
	return &Composer{
		markdown: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(goldmarkhtml.WithUnsafe()),
		),
	}
}

// Render composes the session's fragments in order into a document. style
// may be nil; markdown output never carries a stylesheet, and HTML/PDF
// output falls back to the shell's built-in styling.
func (c *Composer) Render(sess session.Session, tmpl *registry.TemplateDefinition, style *registry.StyleDefinition, format Format) (*Result, error) {
	title := documentTitle(sess, tmpl)

	markdown, err := c.composeMarkdown(title, sess, tmpl)
	if err != nil {
		return nil, err
	}

	switch format {
	case FormatMarkdown:
		return &Result{
			Data:     []byte(markdown),
			Filename: sanitizeFilename(title) + ".md",
			MimeType: "text/markdown; charset=utf-8",
		}, nil
	case FormatHTML:
		html, err := c.composeHTML(title, markdown, style)
		if err != nil {
			return nil, err
		}
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		html, err := c.composeHTML(title, markdown, style)
		if err != nil {
			return nil, err
		}
		return renderPDF(html, title)
	default:
		return nil, ErrUnknownFormat
	}
}

// composeMarkdown substitutes each fragment body and joins the units in
// session order under a title heading.
func (c *Composer) composeMarkdown(title string, sess session.Session, tmpl *registry.TemplateDefinition) (string, error) {
	units := make([]string, 0, len(sess.Fragments)+1)
	units = append(units, "# "+title)

	for _, instance := range sess.Fragments {
		def := tmpl.Fragment(instance.FragmentID)
		if def == nil {
			return "", fmt.Errorf("%w: %s", ErrFragmentUndefined, instance.FragmentID)
		}
		body, err := substituteBody(def, mergeParameters(def.Parameters, sess.GlobalParameters, instance.Parameters))
		if err != nil {
			return "", fmt.Errorf("render fragment %s: %w", instance.FragmentID, err)
		}
		body = strings.TrimSpace(body)
		if body != "" {
			units = append(units, body)
		}
	}

	return strings.Join(units, "\n\n") + "\n", nil
}

func (c *Composer) composeHTML(title, markdown string, style *registry.StyleDefinition) (string, error) {
	var buf bytes.Buffer
	if err := c.markdown.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("convert markdown: %w", err)
	}

	data := ShellData{
		Title:       title,
		ContentHTML: SafeHTML(buf.String()),
		GeneratedAt: time.Now().UTC(),
	}
	if style != nil {
		data.StyleCSS = safeCSS(style.Stylesheet)
	}
	return renderShell(data)
}

// substituteBody executes the fragment body as a text template against the
// merged parameter map. Missing keys render as empty rather than failing:
// required parameters were already enforced at mutation time, and optional
// ones without defaults simply leave no text.
func substituteBody(def *registry.FragmentDefinition, params map[string]any) (string, error) {
	t, err := texttemplate.New(def.FragmentID).Option("missingkey=zero").Parse(def.Body)
	if err != nil {
		return "", fmt.Errorf("parse body: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, params); err != nil {
		return "", fmt.Errorf("execute body: %w", err)
	}
	// missingkey=zero renders nil map values as "<no value>".
	return strings.ReplaceAll(buf.String(), "<no value>", ""), nil
}

// mergeParameters layers schema defaults under session globals under
// instance parameters. Later layers win.
func mergeParameters(schema []registry.ParameterSchema, globals, instance map[string]any) map[string]any {
	merged := make(map[string]any)
	for _, param := range schema {
		if param.Default != nil {
			merged[param.Name] = param.Default
		}
	}
	for k, v := range globals {
		merged[k] = v
	}
	for k, v := range instance {
		merged[k] = v
	}
	return merged
}

func documentTitle(sess session.Session, tmpl *registry.TemplateDefinition) string {
	if raw, ok := sess.GlobalParameters["title"]; ok {
		if title, ok := raw.(string); ok && title != "" {
			return title
		}
	}
	if tmpl.Name != "" {
		return tmpl.Name
	}
	return tmpl.TemplateID
}

// sanitizeFilename creates a safe filename from a title
func sanitizeFilename(title string) string {
	result := ""
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			result += string(r)
		case r == ' ':
			result += "-"
		case r == '-', r == '_':
			result += string(r)
		default:
			// Skip other characters
		}
	}

	if len(result) > 50 {
		result = result[:50]
	}
	if result == "" {
		result = "document"
	}
	return result
}
