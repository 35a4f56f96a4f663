package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest is the optional per-project file (ralph.yaml) that tunes how
// the loop treats one repository. Every field has a default, so projects
// without a manifest work unchanged.
type Manifest struct {
	// PlanFile is the checklist the loop executes, relative to the
	// project root.
	PlanFile string `yaml:"plan_file,omitempty"`

	// ImplementationPlan is the long-form plan document regenerated
	// during planning.
	ImplementationPlan string `yaml:"implementation_plan,omitempty"`

	// SpecsDir holds the specification documents fed to planning.
	SpecsDir string `yaml:"specs_dir,omitempty"`

	// AgentFile is the per-project instruction file prepended to every
	// prompt when present.
	AgentFile string `yaml:"agent_file,omitempty"`

	// Model overrides the global default_model for this project.
	Model string `yaml:"model,omitempty"`

	Verify *VerifySpec `yaml:"verify,omitempty"`
	Commit *CommitSpec `yaml:"commit,omitempty"`
	Fanout *FanoutSpec `yaml:"fanout,omitempty"`
}

// VerifySpec names shell commands run after each work phase. Empty
// commands are skipped.
type VerifySpec struct {
	Lint string `yaml:"lint,omitempty"`
	Test string `yaml:"test,omitempty"`
}

type CommitSpec struct {
	// Enabled controls per-iteration commits. Default true.
	Enabled *bool `yaml:"enabled,omitempty"`

	// Tag controls version tag bumps after a commit. Default true.
	Tag *bool `yaml:"tag,omitempty"`

	// Push controls pushing commits and tags to the remote. Default false.
	Push *bool `yaml:"push,omitempty"`
}

type FanoutSpec struct {
	// Enabled exposes the sub-agent fan-out tool. Default true.
	Enabled *bool `yaml:"enabled,omitempty"`

	// Analysis fans spec summarization out to sub-agents during
	// planning. Default false; each enabled run spawns one subprocess
	// per spec document.
	Analysis *bool `yaml:"analysis,omitempty"`

	// MaxBatch caps one fan-out batch. Hard limit 500.
	MaxBatch *int `yaml:"max_batch,omitempty"`
}

const (
	defaultPlanFile           = "fix_plan.md"
	defaultImplementationPlan = "IMPLEMENTATION_PLAN.md"
	defaultSpecsDir           = "specs"
	defaultAgentFile          = "AGENT.md"

	maxFanoutBatch = 500
)

var manifestNames = []string{"ralph.yaml", "ralph.yml"}

// ManifestPath locates the manifest inside dir. found is false when the
// project has none.
func ManifestPath(dir string) (path string, found bool) {
	for _, name := range manifestNames {
		p := filepath.Join(dir, name)
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p, true
		}
	}
	return "", false
}

// LoadManifest reads the project manifest from dir. A project without one
// gets a zero Manifest, which resolves to all defaults.
func LoadManifest(dir string) (*Manifest, error) {
	path, found := ManifestPath(dir)
	if !found {
		return &Manifest{}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", filepath.Base(path), err)
	}
	return &m, nil
}

func (m *Manifest) Validate() error {
	if m == nil {
		return errors.New("nil manifest")
	}
	for _, f := range []struct{ name, value string }{
		{"plan_file", m.PlanFile},
		{"implementation_plan", m.ImplementationPlan},
		{"specs_dir", m.SpecsDir},
		{"agent_file", m.AgentFile},
	} {
		v := strings.TrimSpace(f.value)
		if v == "" {
			continue
		}
		if filepath.IsAbs(v) || strings.HasPrefix(v, "..") {
			return fmt.Errorf("%s must stay inside the project: %q", f.name, f.value)
		}
	}
	if v := strings.TrimSpace(m.Model); v != "" {
		pid, name, ok := strings.Cut(v, "/")
		if !ok || strings.TrimSpace(pid) == "" || strings.TrimSpace(name) == "" {
			return fmt.Errorf("invalid model %q (want <provider>/<model>)", m.Model)
		}
	}
	if m.Fanout != nil && m.Fanout.MaxBatch != nil {
		if *m.Fanout.MaxBatch < 1 || *m.Fanout.MaxBatch > maxFanoutBatch {
			return fmt.Errorf("invalid fanout.max_batch %d (must be in [1,%d])", *m.Fanout.MaxBatch, maxFanoutBatch)
		}
	}
	return nil
}

func (m *Manifest) EffectivePlanFile() string {
	if m == nil || strings.TrimSpace(m.PlanFile) == "" {
		return defaultPlanFile
	}
	return strings.TrimSpace(m.PlanFile)
}

func (m *Manifest) EffectiveImplementationPlan() string {
	if m == nil || strings.TrimSpace(m.ImplementationPlan) == "" {
		return defaultImplementationPlan
	}
	return strings.TrimSpace(m.ImplementationPlan)
}

func (m *Manifest) EffectiveSpecsDir() string {
	if m == nil || strings.TrimSpace(m.SpecsDir) == "" {
		return defaultSpecsDir
	}
	return strings.TrimSpace(m.SpecsDir)
}

func (m *Manifest) EffectiveAgentFile() string {
	if m == nil || strings.TrimSpace(m.AgentFile) == "" {
		return defaultAgentFile
	}
	return strings.TrimSpace(m.AgentFile)
}

func (m *Manifest) LintCommand() string {
	if m == nil || m.Verify == nil {
		return ""
	}
	return strings.TrimSpace(m.Verify.Lint)
}

func (m *Manifest) TestCommand() string {
	if m == nil || m.Verify == nil {
		return ""
	}
	return strings.TrimSpace(m.Verify.Test)
}

func (m *Manifest) CommitEnabled() bool {
	if m == nil || m.Commit == nil || m.Commit.Enabled == nil {
		return true
	}
	return *m.Commit.Enabled
}

func (m *Manifest) TagEnabled() bool {
	if m == nil || m.Commit == nil || m.Commit.Tag == nil {
		return true
	}
	return *m.Commit.Tag
}

func (m *Manifest) PushEnabled() bool {
	if m == nil || m.Commit == nil || m.Commit.Push == nil {
		return false
	}
	return *m.Commit.Push
}

func (m *Manifest) FanoutEnabled() bool {
	if m == nil || m.Fanout == nil || m.Fanout.Enabled == nil {
		return true
	}
	return *m.Fanout.Enabled
}

func (m *Manifest) AnalysisEnabled() bool {
	if m == nil || m.Fanout == nil || m.Fanout.Analysis == nil {
		return false
	}
	return *m.Fanout.Analysis
}

func (m *Manifest) EffectiveMaxBatch() int {
	if m == nil || m.Fanout == nil || m.Fanout.MaxBatch == nil {
		return maxFanoutBatch
	}
	v := *m.Fanout.MaxBatch
	if v < 1 {
		return 1
	}
	if v > maxFanoutBatch {
		return maxFanoutBatch
	}
	return v
}
