package schema

import (
	"strings"
	"testing"

	"docforge/api/internal/registry"
)

func articleParams() []registry.ParameterSchema {
	return []registry.ParameterSchema{
		{Name: "headline", Type: registry.TypeString, Description: "Article headline", Required: true, Example: "Q4 results"},
		{Name: "body", Type: registry.TypeString, Description: "Article body text", Required: true},
		{Name: "priority", Type: registry.TypeInteger, Description: "Sort priority", Default: 0},
	}
}

func TestValidateAccepts(t *testing.T) {
	ok, errs := Validate(articleParams(), map[string]any{
		"headline": "Launch update",
		"body":     "We shipped.",
	})
	if !ok || len(errs) != 0 {
		t.Fatalf("expected valid, got errors: %+v", errs)
	}
}

func TestValidateMissingRequired(t *testing.T) {
	ok, errs := Validate(articleParams(), map[string]any{"headline": "Launch update"})
	if ok {
		t.Fatal("expected invalid")
	}
	if len(errs) != 1 {
		t.Fatalf("expected one error, got %+v", errs)
	}
	if errs[0].Field != "body" || errs[0].Code != CodeRequiredMissing {
		t.Errorf("error = %+v, want missing body", errs[0])
	}
	if !strings.Contains(errs[0].Message, "Article body text") {
		t.Errorf("message should carry the parameter description: %s", errs[0].Message)
	}
}

func TestValidateEachMissingRequiredReported(t *testing.T) {
	ok, errs := Validate(articleParams(), map[string]any{})
	if ok || len(errs) != 2 {
		t.Fatalf("expected two errors, got %+v", errs)
	}
}

func TestValidateUnexpectedKeysAggregate(t *testing.T) {
	ok, errs := Validate(articleParams(), map[string]any{
		"headline": "x",
		"body":     "y",
		"colour":   "red",
		"zzz":      1,
	})
	if ok {
		t.Fatal("expected invalid")
	}
	if len(errs) != 1 {
		t.Fatalf("unexpected keys must produce a single aggregate error, got %+v", errs)
	}
	e := errs[0]
	if e.Code != CodeUnexpectedParams {
		t.Errorf("code = %s", e.Code)
	}
	if !strings.Contains(e.Message, "colour") || !strings.Contains(e.Message, "zzz") {
		t.Errorf("aggregate error must list all unexpected keys: %s", e.Message)
	}
	if !strings.Contains(e.Expected, "headline") || !strings.Contains(e.Expected, "priority") {
		t.Errorf("aggregate error must list expected names: %s", e.Expected)
	}
}

func TestValidateTypeCoercion(t *testing.T) {
	params := articleParams()

	// JSON numbers arrive as float64; whole values coerce to integer.
	ok, errs := Validate(params, map[string]any{"headline": "x", "body": "y", "priority": float64(3)})
	if !ok {
		t.Fatalf("whole float should coerce to integer: %+v", errs)
	}

	// Numeric strings coerce too.
	ok, _ = Validate(params, map[string]any{"headline": "x", "body": "y", "priority": "7"})
	if !ok {
		t.Fatal("numeric string should coerce to integer")
	}

	ok, errs = Validate(params, map[string]any{"headline": "x", "body": "y", "priority": "soon"})
	if ok {
		t.Fatal("non-numeric string must fail integer check")
	}
	if errs[0].Code != CodeTypeMismatch || errs[0].Field != "priority" {
		t.Errorf("error = %+v", errs[0])
	}
}

func TestValidateErrorOrderDeterministic(t *testing.T) {
	ok, errs := Validate(articleParams(), map[string]any{"rogue": true})
	if ok {
		t.Fatal("expected invalid")
	}
	// Required-missing errors come first, then the unexpected aggregate.
	if len(errs) != 3 {
		t.Fatalf("errors = %+v", errs)
	}
	if errs[0].Code != CodeRequiredMissing || errs[1].Code != CodeRequiredMissing {
		t.Errorf("required errors must come first: %+v", errs)
	}
	if errs[2].Code != CodeUnexpectedParams {
		t.Errorf("aggregate must come last: %+v", errs)
	}
}

func TestCoerceBooleanAndCollections(t *testing.T) {
	if _, ok := Coerce(registry.TypeBoolean, "true"); !ok {
		t.Error("string true should coerce to boolean")
	}
	if _, ok := Coerce(registry.TypeBoolean, 1); ok {
		t.Error("integer must not coerce to boolean")
	}
	if _, ok := Coerce(registry.TypeArray, []string{"a"}); !ok {
		t.Error("string slice should coerce to array")
	}
	if _, ok := Coerce(registry.TypeObject, map[string]any{"k": 1}); !ok {
		t.Error("map should pass object check")
	}
	if _, ok := Coerce(registry.TypeObject, "nope"); ok {
		t.Error("string must not pass object check")
	}
}
