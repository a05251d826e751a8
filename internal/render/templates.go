package render

import (
	"bytes"
	"embed"
	"html/template"
	"time"
)

// SafeHTML marks a string as safe HTML for the document shell.
func SafeHTML(s interface{}) template.HTML {
	switch v := s.(type) {
	case string:
		return template.HTML(v)
	case template.HTML:
		return v
	default:
		return template.HTML("")
	}
}

func safeCSS(s string) template.CSS {
	return template.CSS(s)
}

//go:embed templates/*.html
var templateFS embed.FS

var documentTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"safeHTML": SafeHTML,
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
	}

	templateContent, err := templateFS.ReadFile("templates/document.html")
	if err != nil {
		// Fallback to built-in template if file not found
		documentTemplate = template.Must(template.New("document").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}

	documentTemplate = template.Must(template.New("document").Funcs(funcMap).Parse(string(templateContent)))
}

// ShellData holds data for the HTML document shell.
type ShellData struct {
	Title       string
	StyleCSS    template.CSS
	ContentHTML template.HTML
	GeneratedAt time.Time
}

func renderShell(data ShellData) (string, error) {
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// fallbackTemplate is used if the embedded template fails to load
const fallbackTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  {{if .StyleCSS}}<style>{{.StyleCSS}}</style>{{end}}
</head>
<body>
  <h1>{{.Title}}</h1>
  <div>{{.ContentHTML | safeHTML}}</div>
</body>
</html>`
