package protocol

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"

	"github.com/danielpatrickdp/residue-eval/internal/config"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// #region validator
// validate is shared by every protocol check. Initialized in init() with the ident rule.
var validate *validator.Validate

var identPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	_ = validate.RegisterValidation("ident", func(fl validator.FieldLevel) bool {
		return identPattern.MatchString(fl.Field().String())
	})
}
// #endregion validator

// #region shell-set
// ShellSet is the view of the shell registry that validation needs.
type ShellSet interface {
	Has(name string) bool
	CheckTemplate(text string) error
}
// #endregion shell-set

// #region load
// Load reads a protocol definition from a YAML file.
func Load(path string) (*Protocol, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open protocol: %w", err)
	}
	defer f.Close()
	return Parse(f, path)
}

// Parse decodes a protocol definition. Unknown keys are rejected.
func Parse(r io.Reader, source string) (*Protocol, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var p Protocol
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &DefinitionError{Source: source, Problems: []string{"empty document"}}
		}
		return nil, &DefinitionError{Source: source, Problems: []string{err.Error()}}
	}
	return &p, nil
}
// #endregion load

// #region validate
// Validate checks p structurally and against the shell registry and base thresholds.
// Every problem found is reported in a single *DefinitionError.
func Validate(p *Protocol, shells ShellSet, base config.Thresholds) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate protocol: %w", err)
		}
		for _, fe := range verrs {
			add("%s: failed %q", fe.Namespace(), fe.Tag())
		}
	}

	custom := make(map[string]bool, len(p.CustomShells))
	for _, cs := range p.CustomShells {
		if custom[cs.Name] {
			add("custom shell %q defined twice", cs.Name)
		}
		custom[cs.Name] = true
		if shells.Has(cs.Name) {
			add("custom shell %q shadows a registered shell", cs.Name)
		}
		if err := shells.CheckTemplate(cs.Template); err != nil {
			add("custom shell %q: %v", cs.Name, err)
		}
	}

	seen := make(map[string]bool, len(p.Probes))
	for _, probe := range p.Probes {
		if seen[probe.ID] {
			add("probe %q defined twice", probe.ID)
		}
		seen[probe.ID] = true

		names := p.ShellsFor(probe)
		if len(names) == 0 {
			add("probe %q: no shells selected", probe.ID)
		}
		for _, name := range names {
			if !custom[name] && !shells.Has(name) {
				add("probe %q: unknown shell %q", probe.ID, name)
			}
		}

		th := probe.EffectiveThresholds(base)
		if err := th.Validate(); err != nil {
			add("probe %q: thresholds: %v", probe.ID, err)
		}
		for _, pt := range probe.Perturbations {
			if pt.Depth >= th.MaxDepth {
				add("probe %q: perturbation at depth %d beyond max depth %d", probe.ID, pt.Depth, th.MaxDepth)
			}
		}
	}

	if len(problems) > 0 {
		return &DefinitionError{Source: p.Name, Problems: problems}
	}
	return nil
}
// #endregion validate

// #region jobs
// Job is one (probe, shell) pair scheduled by the evaluator.
type Job struct {
	Probe Probe
	Shell string
}

// Jobs expands p into its (probe, shell) pairs in definition order.
func (p *Protocol) Jobs() []Job {
	var jobs []Job
	for _, probe := range p.Probes {
		for _, name := range p.ShellsFor(probe) {
			jobs = append(jobs, Job{Probe: probe, Shell: name})
		}
	}
	return jobs
}
// #endregion jobs
