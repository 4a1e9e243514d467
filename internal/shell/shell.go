package shell

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/danielpatrickdp/residue-eval/internal/protocol"
	"github.com/danielpatrickdp/residue-eval/internal/trace"
)

// #region shell

// Shell builds the prompt for each recursion depth of one probe.
// Implementations are deterministic and hold no state besides configuration.
type Shell interface {
	Name() string
	Probe() protocol.Probe
	Prompt(depth int, prior []trace.Step) (string, error)
}

// PromptData is what a shell template sees at depth > 0.
type PromptData struct {
	Probe        protocol.Probe
	Depth        int
	Previous     string       // completion of depth-1
	History      []trace.Step // every prior step, oldest first
	Perturbation string       // empty when none is scheduled
}

// #endregion shell

// #region template-shell

type templateShell struct {
	name  string
	tmpl  *template.Template
	probe protocol.Probe
}

func (s *templateShell) Name() string          { return s.name }
func (s *templateShell) Probe() protocol.Probe { return s.probe }

// Prompt returns the probe's base prompt at depth 0 and the rendered template afterwards.
func (s *templateShell) Prompt(depth int, prior []trace.Step) (string, error) {
	pert, hasPert := s.probe.PerturbationAt(depth)
	if depth == 0 {
		if hasPert {
			return s.probe.Prompt + "\n\n" + pert, nil
		}
		return s.probe.Prompt, nil
	}
	if len(prior) < depth {
		return "", fmt.Errorf("shell %s: depth %d needs %d prior steps, have %d", s.name, depth, depth, len(prior))
	}

	data := PromptData{
		Probe:        s.probe,
		Depth:        depth,
		Previous:     prior[depth-1].Completion,
		History:      prior[:depth],
		Perturbation: pert,
	}
	var buf bytes.Buffer
	if err := s.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("shell %s: render depth %d: %w", s.name, depth, err)
	}
	return buf.String(), nil
}

// parseTemplate compiles shell template text.
func parseTemplate(name, text string) (*template.Template, error) {
	t, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}
	return t, nil
}

// #endregion template-shell
