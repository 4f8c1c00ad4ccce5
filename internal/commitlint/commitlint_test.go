package commitlint

import (
	"regexp"
	"testing"

	"traceline/internal/config"
)

var refRe = regexp.MustCompile(config.DefaultReferencePattern)

func TestValidateAccepts(t *testing.T) {
	cases := []string{
		"feat(auth): add login endpoint #PROJ-123",
		"fix: handle nil pointer\n\nRefs #PROJ-E1-S2",
		"chore(deps): bump dependencies #PROJ-42",
		"refactor(api-core): extract handler #PROJ-E3-T1",
	}
	for _, msg := range cases {
		res := Validate(msg, refRe)
		if !res.Valid {
			t.Errorf("Validate(%q) invalid: %+v", msg, res.Errors)
		}
	}
}

func TestValidateRejectsFormat(t *testing.T) {
	cases := []string{
		"added login #PROJ-123",
		"FEAT: shouting type #PROJ-123",
		"feat(Auth): uppercase scope #PROJ-123",
		"feat:missing space #PROJ-123",
	}
	for _, msg := range cases {
		res := Validate(msg, refRe)
		if res.Valid {
			t.Errorf("Validate(%q) should be invalid", msg)
			continue
		}
		if res.Errors[0].Code != "invalid_format" {
			t.Errorf("Validate(%q) code = %s, want invalid_format", msg, res.Errors[0].Code)
		}
	}
}

func TestValidateRejectsMissingReference(t *testing.T) {
	res := Validate("feat(auth): add login endpoint", refRe)
	if res.Valid {
		t.Fatal("expected invalid")
	}
	if len(res.Errors) != 1 || res.Errors[0].Code != "missing_work_item_reference" {
		t.Fatalf("errors = %+v", res.Errors)
	}
}

func TestValidateAccumulates(t *testing.T) {
	res := Validate("totally freeform message", refRe)
	if res.Valid {
		t.Fatal("expected invalid")
	}
	if len(res.Errors) != 2 {
		t.Fatalf("want both format and reference errors, got %+v", res.Errors)
	}
}

func TestParse(t *testing.T) {
	p, ok := Parse("feat(auth): add login endpoint")
	if !ok {
		t.Fatal("expected parse ok")
	}
	if p.Type != "feat" || p.Scope != "auth" || p.Description != "add login endpoint" {
		t.Fatalf("parsed = %+v", p)
	}

	p, ok = Parse("fix: something")
	if !ok || p.Type != "fix" || p.Scope != "" {
		t.Fatalf("parsed = %+v ok=%v", p, ok)
	}

	if _, ok := Parse("not conventional"); ok {
		t.Fatal("expected parse failure")
	}
}

func TestReferences(t *testing.T) {
	refs := References("feat: x #PROJ-1 then #PROJ-E1-S2 and again #PROJ-1", refRe)
	if len(refs) != 2 || refs[0] != "PROJ-1" || refs[1] != "PROJ-E1-S2" {
		t.Fatalf("refs = %v", refs)
	}
}
