package rules

import (
	"errors"
	"testing"
)

func TestRender(t *testing.T) {
	fields := map[string]string{"sensor_type": "voltage", "board_id": "10"}
	got, err := Render("{sensor_type} on {board_id}", fields)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got != "voltage on 10" {
		t.Fatalf("unexpected render: %q", got)
	}
}

func TestRender_LiteralBraces(t *testing.T) {
	got, err := Render("{{raw}} {board_id}", map[string]string{"board_id": "7"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got != "{raw} 7" {
		t.Fatalf("unexpected render: %q", got)
	}
}

func TestRender_MissingKey(t *testing.T) {
	_, err := Render("{sensor_type} {nope}", map[string]string{"sensor_type": "temp"})
	if !errors.Is(err, ErrMissingTemplateKey) {
		t.Fatalf("expected ErrMissingTemplateKey, got %v", err)
	}
}

func TestValidateTemplate(t *testing.T) {
	if err := ValidateTemplate(DefaultMessageTemplate); err != nil {
		t.Fatalf("default template invalid: %v", err)
	}
	for _, tmpl := range []string{"{unclosed", "stray }", "{}"} {
		if err := ValidateTemplate(tmpl); !errors.Is(err, ErrBadTemplate) {
			t.Fatalf("expected ErrBadTemplate for %q, got %v", tmpl, err)
		}
	}
}
