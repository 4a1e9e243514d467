package protocol

import (
	"fmt"
	"strings"

	"github.com/danielpatrickdp/residue-eval/internal/config"
)

// #region probe

// Perturbation is text injected into the prompt at one depth.
type Perturbation struct {
	Depth int    `yaml:"depth" validate:"gte=0"`
	Text  string `yaml:"text" validate:"required"`
}

// Probe is one evaluation prompt with its recursion settings. Read-only after load.
type Probe struct {
	ID            string           `yaml:"id" validate:"required,ident"`
	Domain        string           `yaml:"domain" validate:"required"`
	Prompt        string           `yaml:"prompt" validate:"required"`
	MaxDepth      int              `yaml:"max_depth" validate:"gte=0"` // 0 = protocol default
	Shells        []string         `yaml:"shells" validate:"dive,ident"`
	Perturbations []Perturbation   `yaml:"perturbations" validate:"dive"`
	Thresholds    config.Overrides `yaml:"thresholds"`
}

// PerturbationAt returns the perturbation text scheduled for depth, if any.
// Several entries for the same depth are joined with a blank line.
func (p Probe) PerturbationAt(depth int) (string, bool) {
	var parts []string
	for _, pt := range p.Perturbations {
		if pt.Depth == depth {
			parts = append(parts, pt.Text)
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n\n"), true
}

// EffectiveThresholds resolves the probe's thresholds against base.
func (p Probe) EffectiveThresholds(base config.Thresholds) config.Thresholds {
	t := base.Apply(p.Thresholds)
	if p.MaxDepth > 0 {
		t.MaxDepth = p.MaxDepth
	}
	return t
}

// #endregion probe

// #region protocol

// CustomShell is a shell defined inline by a template.
type CustomShell struct {
	Name     string `yaml:"name" validate:"required,ident"`
	Template string `yaml:"template" validate:"required"`
}

// Protocol is a named set of probes and the shells to run against them.
type Protocol struct {
	Name         string        `yaml:"name" validate:"required"`
	Shells       []string      `yaml:"shells" validate:"dive,ident"`
	CustomShells []CustomShell `yaml:"custom_shells" validate:"dive"`
	Probes       []Probe       `yaml:"probes" validate:"required,min=1,dive"`
}

// ShellsFor returns the shells to run against probe: its own list, else the protocol's.
func (p *Protocol) ShellsFor(probe Probe) []string {
	if len(probe.Shells) > 0 {
		return probe.Shells
	}
	return p.Shells
}

// #endregion protocol

// #region errors

// DefinitionError lists every problem found in a protocol definition.
type DefinitionError struct {
	Source   string
	Problems []string
}

func (e *DefinitionError) Error() string {
	src := e.Source
	if src == "" {
		src = "protocol"
	}
	return fmt.Sprintf("%s: %d problem(s): %s", src, len(e.Problems), strings.Join(e.Problems, "; "))
}

// #endregion errors
