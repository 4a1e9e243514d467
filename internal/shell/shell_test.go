package shell

import (
	"strings"
	"testing"

	"github.com/danielpatrickdp/residue-eval/internal/protocol"
	"github.com/danielpatrickdp/residue-eval/internal/trace"
)

// #region registry-tests

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()
	want := []string{Attribution, Mirror, Recursion}
	got := r.Names()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("names: got %v, want %v", got, want)
	}
	for _, n := range want {
		if !r.Has(n) {
			t.Errorf("expected %s registered", n)
		}
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := DefaultRegistry()
	if err := r.RegisterTemplate(Mirror, "{{.Previous}}"); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestRegisterTemplateParseError(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterTemplate("bad", "{{.Previous"); err == nil {
		t.Fatal("expected parse error")
	}
	if r.Has("bad") {
		t.Error("failed template must not be registered")
	}
	if err := r.CheckTemplate("{{if}}"); err == nil {
		t.Error("CheckTemplate should reject malformed text")
	}
}

func TestExtendLeavesBaseUntouched(t *testing.T) {
	base := DefaultRegistry()
	p := &protocol.Protocol{CustomShells: []protocol.CustomShell{{Name: "echo", Template: "Again: {{.Previous}}"}}}

	ext, err := base.Extend(p)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if !ext.Has("echo") || !ext.Has(Mirror) {
		t.Error("extended registry should hold builtins and the custom shell")
	}
	if base.Has("echo") {
		t.Error("base registry was modified")
	}
	// extending twice from the same base must not collide
	if _, err := base.Extend(p); err != nil {
		t.Errorf("second extend: %v", err)
	}
}

func TestNewUnknownShell(t *testing.T) {
	if _, err := NewRegistry().New("ghost", protocol.Probe{}); err == nil {
		t.Fatal("expected unknown shell error")
	}
}

// #endregion registry-tests

// #region prompt-tests

func testProbe() protocol.Probe {
	return protocol.Probe{
		ID:     "delta",
		Domain: "ecology",
		Prompt: "Describe the river delta.",
		Perturbations: []protocol.Perturbation{
			{Depth: 0, Text: "Be brief."},
			{Depth: 2, Text: "Consider the opposite view."},
		},
	}
}

func TestPromptDepthZero(t *testing.T) {
	sh, err := DefaultRegistry().New(Mirror, testProbe())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	got, err := sh.Prompt(0, nil)
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if got != "Describe the river delta.\n\nBe brief." {
		t.Errorf("unexpected depth-0 prompt %q", got)
	}
}

func TestPromptMirror(t *testing.T) {
	sh, _ := DefaultRegistry().New(Mirror, testProbe())
	prior := []trace.Step{{Depth: 0, Completion: "Deltas form where rivers meet the sea."}}

	got, err := sh.Prompt(1, prior)
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if !strings.Contains(got, "Deltas form where rivers meet the sea.") || !strings.Contains(got, "Describe the river delta.") {
		t.Errorf("mirror prompt missing context:\n%s", got)
	}
	if strings.Contains(got, "opposite view") {
		t.Error("perturbation leaked into depth 1")
	}
}

func TestPromptRecursionHistoryAndPerturbation(t *testing.T) {
	sh, _ := DefaultRegistry().New(Recursion, testProbe())
	prior := []trace.Step{
		{Depth: 0, Completion: "first thought"},
		{Depth: 1, Completion: "second thought"},
	}
	got, err := sh.Prompt(2, prior)
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	for _, want := range []string{"[depth 0] first thought", "[depth 1] second thought", "answer at depth 2", "Consider the opposite view."} {
		if !strings.Contains(got, want) {
			t.Errorf("recursion prompt missing %q:\n%s", want, got)
		}
	}
}

func TestPromptMissingPrior(t *testing.T) {
	sh, _ := DefaultRegistry().New(Attribution, testProbe())
	if _, err := sh.Prompt(2, []trace.Step{{Depth: 0}}); err == nil {
		t.Fatal("expected error when prior steps are missing")
	}
}

// #endregion prompt-tests
