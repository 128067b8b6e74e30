package accel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEmbeddedCatalog(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4}, c.Numbers())

	lo, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, 4, lo.StepCount())
	assert.Nil(t, lo.Prerequisite)

	report, ok := c.Get(4)
	require.True(t, ok)
	assert.Equal(t, 3, report.StepCount())
	require.NotNil(t, report.Prerequisite)
	assert.Equal(t, []int{1, 2, 3}, report.Prerequisite.Accelerators)
	assert.Equal(t, 3, report.Prerequisite.RequiredCompleted())

	_, ok = c.Get(99)
	assert.False(t, ok)
}

func TestStepLookup(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)
	a, _ := c.Get(2)

	step, ok := a.Step(1)
	require.True(t, ok)
	assert.Equal(t, "structure", step.Key)
	assert.Empty(t, step.Requires)

	step, ok = a.Step(5)
	require.True(t, ok)
	assert.Equal(t, "syllabus", step.Key)
	assert.Equal(t, []string{"syllabus_draft"}, step.Requires)

	_, ok = a.Step(0)
	assert.False(t, ok)
	_, ok = a.Step(6)
	assert.False(t, ok)
}

func TestTemplateFields(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)
	a, _ := c.Get(3)

	tpl, ok := a.Template("class_sessions")
	require.True(t, ok)
	assert.Equal(t, "sessions", tpl.TargetKey)
	assert.True(t, tpl.Refinable)

	fields := tpl.Fields()
	require.Len(t, fields, 3)
	assert.Equal(t, PayloadField{Accelerator: 0, Key: "session_preferences"}, fields[0])
	assert.Equal(t, PayloadField{Accelerator: 1, Key: "outcomes"}, fields[1])
	assert.Equal(t, PayloadField{Accelerator: 2, Key: "syllabus"}, fields[2])

	_, ok = a.Template("nope")
	assert.False(t, ok)
}

func TestRequiredCompleted(t *testing.T) {
	tests := []struct {
		name string
		p    Prerequisite
		want int
	}{
		{name: "default pct means all", p: Prerequisite{Accelerators: []int{1, 2, 3}}, want: 3},
		{name: "full pct", p: Prerequisite{Accelerators: []int{1, 2, 3}, CompletionPct: 1.0}, want: 3},
		{name: "partial pct", p: Prerequisite{Accelerators: []int{1, 2, 3, 4}, CompletionPct: 0.5}, want: 2},
		{name: "pct floors at one", p: Prerequisite{Accelerators: []int{1, 2, 3}, CompletionPct: 0.1}, want: 1},
		{name: "out of range pct treated as all", p: Prerequisite{Accelerators: []int{1, 2}, CompletionPct: 2.0}, want: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.p.RequiredCompleted())
		})
	}
}

func TestParseRejectsInvalidCatalogs(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "empty", yaml: `accelerators: []`},
		{
			name: "duplicate number",
			yaml: `
accelerators:
  - number: 1
    name: a
    steps: [{index: 1, key: s}]
  - number: 1
    name: b
    steps: [{index: 1, key: s}]
`,
		},
		{
			name: "steps out of order",
			yaml: `
accelerators:
  - number: 1
    name: a
    steps: [{index: 2, key: s}]
`,
		},
		{
			name: "duplicate step key",
			yaml: `
accelerators:
  - number: 1
    name: a
    steps: [{index: 1, key: s}, {index: 2, key: s}]
`,
		},
		{
			name: "forward prerequisite",
			yaml: `
accelerators:
  - number: 1
    name: a
    prerequisite: {accelerators: [2]}
    steps: [{index: 1, key: s}]
  - number: 2
    name: b
    steps: [{index: 1, key: s}]
`,
		},
		{
			name: "unknown prerequisite",
			yaml: `
accelerators:
  - number: 2
    name: a
    prerequisite: {accelerators: [1]}
    steps: [{index: 1, key: s}]
`,
		},
		{
			name: "self-referencing template field",
			yaml: `
accelerators:
  - number: 1
    name: a
    steps: [{index: 1, key: s}]
    templates:
      - id: t
        target_key: s
        payload_fields: [1.s]
`,
		},
		{
			name: "invalid criteria bounds",
			yaml: `
accelerators:
  - number: 1
    name: a
    steps: [{index: 1, key: s}]
    templates:
      - id: t
        target_key: s
        min_criteria: 3
        max_criteria: 1
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}
