// Package render composes a session's ordered fragments into a finished
// document in HTML, markdown or PDF form.
package render

import "errors"

// Format is the requested output format.
type Format string

const (
	FormatHTML     Format = "html"
	FormatMarkdown Format = "markdown"
	FormatPDF      Format = "pdf"
)

// ParseFormat normalizes a format string. "md" is accepted as an alias for
// markdown; empty input defaults to html.
func ParseFormat(raw string) (Format, error) {
	switch raw {
	case "", string(FormatHTML):
		return FormatHTML, nil
	case "md", string(FormatMarkdown):
		return FormatMarkdown, nil
	case string(FormatPDF):
		return FormatPDF, nil
	default:
		return "", ErrUnknownFormat
	}
}

// Result is one rendered document.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrUnknownFormat indicates a format string outside html/markdown/pdf.
	ErrUnknownFormat = errors.New("unknown render format")
	// ErrPDFDependencyMissing indicates PDF rendering runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("render pdf dependency missing")
	// ErrFragmentUndefined indicates a session references a fragment the
	// template no longer defines.
	ErrFragmentUndefined = errors.New("fragment not defined by template")
)
