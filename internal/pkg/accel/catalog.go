// Package accel holds the static accelerator catalog: the ordered step table,
// prerequisite edges, and generation template declarations for every guided
// workflow. The catalog is embedded at build time and validated on startup so
// the rest of the engine can treat it as trusted.
package accel

import (
	_ "embed"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var rawCatalog []byte

// Step is one stage in an accelerator's linear progression. Requires lists
// the session-data keys that must be non-empty before the user may advance
// past this step.
type Step struct {
	Index    int      `yaml:"index"`
	Key      string   `yaml:"key"`
	Title    string   `yaml:"title"`
	Requires []string `yaml:"requires"`
}

// Prerequisite gates access to an accelerator. CompletionPct is the fraction
// of the listed accelerators that must be completed; zero means all of them.
type Prerequisite struct {
	Accelerators  []int   `yaml:"accelerators"`
	CompletionPct float64 `yaml:"completion_pct"`
}

// RequiredCompleted returns how many of the listed accelerators must be in a
// completed state.
func (p *Prerequisite) RequiredCompleted() int {
	pct := p.CompletionPct
	if pct <= 0 || pct > 1 {
		pct = 1.0
	}
	n := int(pct * float64(len(p.Accelerators)))
	if n < 1 {
		n = 1
	}
	return n
}

// Template declares one generation function: which session-data key its rows
// land in, the payload whitelist, the per-field token budget, and the allowed
// criteria cardinality for each generated row.
type Template struct {
	ID             string   `yaml:"id"`
	TargetKey      string   `yaml:"target_key"`
	PayloadFields  []string `yaml:"payload_fields"`
	MaxFieldTokens int      `yaml:"max_field_tokens"`
	MinCriteria    int      `yaml:"min_criteria"`
	MaxCriteria    int      `yaml:"max_criteria"`
	Refinable      bool     `yaml:"refinable"`
}

// PayloadField is one parsed whitelist entry. Accelerator 0 means "this
// session"; otherwise the key is read from the named upstream accelerator.
type PayloadField struct {
	Accelerator int
	Key         string
}

// Fields parses the template's payload whitelist. The catalog is validated at
// startup, so parse errors here cannot occur at runtime.
func (t *Template) Fields() []PayloadField {
	out := make([]PayloadField, 0, len(t.PayloadFields))
	for _, raw := range t.PayloadFields {
		f, err := parsePayloadField(raw)
		if err != nil {
			continue
		}
		out = append(out, f)
	}
	return out
}

func parsePayloadField(raw string) (PayloadField, error) {
	scope, key, ok := strings.Cut(raw, ".")
	if !ok || key == "" {
		return PayloadField{}, fmt.Errorf("malformed payload field %q", raw)
	}
	if scope == "self" {
		return PayloadField{Accelerator: 0, Key: key}, nil
	}
	n, err := strconv.Atoi(scope)
	if err != nil || n < 1 {
		return PayloadField{}, fmt.Errorf("malformed payload field %q", raw)
	}
	return PayloadField{Accelerator: n, Key: key}, nil
}

// Accelerator is one guided workflow definition.
type Accelerator struct {
	Number       int           `yaml:"number"`
	Name         string        `yaml:"name"`
	Title        string        `yaml:"title"`
	Prerequisite *Prerequisite `yaml:"prerequisite"`
	Steps        []Step        `yaml:"steps"`
	Templates    []Template    `yaml:"templates"`
}

func (a *Accelerator) StepCount() int { return len(a.Steps) }

// Step returns the 1-indexed step definition.
func (a *Accelerator) Step(index int) (*Step, bool) {
	if index < 1 || index > len(a.Steps) {
		return nil, false
	}
	return &a.Steps[index-1], true
}

func (a *Accelerator) Template(id string) (*Template, bool) {
	for i := range a.Templates {
		if a.Templates[i].ID == id {
			return &a.Templates[i], true
		}
	}
	return nil, false
}

type Catalog struct {
	Accelerators []Accelerator `yaml:"accelerators"`

	byNumber map[int]*Accelerator
}

// Load parses and validates the embedded catalog.
func Load() (*Catalog, error) {
	return Parse(rawCatalog)
}

// Parse builds a catalog from raw YAML. Exposed for tests.
func Parse(raw []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	c.byNumber = make(map[int]*Accelerator, len(c.Accelerators))
	for i := range c.Accelerators {
		c.byNumber[c.Accelerators[i].Number] = &c.Accelerators[i]
	}
	return &c, nil
}

func (c *Catalog) Get(number int) (*Accelerator, bool) {
	a, ok := c.byNumber[number]
	return a, ok
}

// Numbers returns all accelerator numbers in catalog order.
func (c *Catalog) Numbers() []int {
	out := make([]int, 0, len(c.Accelerators))
	for i := range c.Accelerators {
		out = append(out, c.Accelerators[i].Number)
	}
	return out
}

func (c *Catalog) validate() error {
	if len(c.Accelerators) == 0 {
		return fmt.Errorf("catalog: no accelerators defined")
	}

	seen := make(map[int]bool, len(c.Accelerators))
	for i := range c.Accelerators {
		a := &c.Accelerators[i]
		if a.Number < 1 {
			return fmt.Errorf("catalog: accelerator %q has invalid number %d", a.Name, a.Number)
		}
		if seen[a.Number] {
			return fmt.Errorf("catalog: duplicate accelerator number %d", a.Number)
		}
		seen[a.Number] = true

		if len(a.Steps) == 0 {
			return fmt.Errorf("catalog: accelerator %d has no steps", a.Number)
		}
		stepKeys := make(map[string]bool, len(a.Steps))
		for j := range a.Steps {
			s := &a.Steps[j]
			if s.Index != j+1 {
				return fmt.Errorf("catalog: accelerator %d step %q out of order (index %d at position %d)", a.Number, s.Key, s.Index, j+1)
			}
			if s.Key == "" {
				return fmt.Errorf("catalog: accelerator %d step %d missing key", a.Number, s.Index)
			}
			if stepKeys[s.Key] {
				return fmt.Errorf("catalog: accelerator %d duplicate step key %q", a.Number, s.Key)
			}
			stepKeys[s.Key] = true
		}

		for j := range a.Templates {
			t := &a.Templates[j]
			if t.ID == "" || t.TargetKey == "" {
				return fmt.Errorf("catalog: accelerator %d template %d missing id or target_key", a.Number, j)
			}
			if t.MinCriteria < 0 || t.MaxCriteria < t.MinCriteria {
				return fmt.Errorf("catalog: accelerator %d template %q has invalid criteria bounds [%d,%d]", a.Number, t.ID, t.MinCriteria, t.MaxCriteria)
			}
			for _, raw := range t.PayloadFields {
				f, err := parsePayloadField(raw)
				if err != nil {
					return fmt.Errorf("catalog: accelerator %d template %q: %w", a.Number, t.ID, err)
				}
				if f.Accelerator == a.Number {
					return fmt.Errorf("catalog: accelerator %d template %q references itself by number; use self.%s", a.Number, t.ID, f.Key)
				}
			}
		}
	}

	// Prerequisite edges must point at existing accelerators and never forward,
	// so the dependency graph stays acyclic by construction.
	for i := range c.Accelerators {
		a := &c.Accelerators[i]
		if a.Prerequisite == nil {
			continue
		}
		if len(a.Prerequisite.Accelerators) == 0 {
			return fmt.Errorf("catalog: accelerator %d has empty prerequisite list", a.Number)
		}
		for _, dep := range a.Prerequisite.Accelerators {
			if !seen[dep] {
				return fmt.Errorf("catalog: accelerator %d requires unknown accelerator %d", a.Number, dep)
			}
			if dep >= a.Number {
				return fmt.Errorf("catalog: accelerator %d requires %d, prerequisites must precede", a.Number, dep)
			}
		}
	}

	return nil
}
