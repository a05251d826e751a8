package session

import (
	"fmt"
	"strings"
)

// PositionKind enumerates insertion positions within a session's fragment
// sequence.
type PositionKind string

const (
	PositionEnd    PositionKind = "end"
	PositionStart  PositionKind = "start"
	PositionBefore PositionKind = "before"
	PositionAfter  PositionKind = "after"
)

// Position is a parsed insertion point. Before/After carry the anchor guid.
type Position struct {
	Kind PositionKind
	GUID string
}

// ParsePosition parses "end", "start", "before:<guid>" or "after:<guid>".
// Empty input defaults to end.
func ParsePosition(raw string) (Position, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "" || raw == string(PositionEnd):
		return Position{Kind: PositionEnd}, nil
	case raw == string(PositionStart):
		return Position{Kind: PositionStart}, nil
	case strings.HasPrefix(raw, string(PositionBefore)+":"):
		guid := strings.TrimPrefix(raw, string(PositionBefore)+":")
		if guid == "" {
			return Position{}, fmt.Errorf("%w: %q", ErrInvalidPosition, raw)
		}
		return Position{Kind: PositionBefore, GUID: guid}, nil
	case strings.HasPrefix(raw, string(PositionAfter)+":"):
		guid := strings.TrimPrefix(raw, string(PositionAfter)+":")
		if guid == "" {
			return Position{}, fmt.Errorf("%w: %q", ErrInvalidPosition, raw)
		}
		return Position{Kind: PositionAfter, GUID: guid}, nil
	default:
		return Position{}, fmt.Errorf("%w: %q", ErrInvalidPosition, raw)
	}
}

// String renders the position back to its wire form.
func (p Position) String() string {
	switch p.Kind {
	case PositionBefore, PositionAfter:
		return string(p.Kind) + ":" + p.GUID
	case PositionStart:
		return string(PositionStart)
	default:
		return string(PositionEnd)
	}
}
