package payload

import (
	"strings"
	"testing"

	"github.com/courseloom/courseloom/internal/pkg/accel"
	"github.com/courseloom/courseloom/internal/pkg/tokenizer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	if err := tokenizer.Init(zap.NewNop()); err != nil {
		panic(err)
	}
	m.Run()
}

func tpl(fields []string, maxTokens int) *accel.Template {
	return &accel.Template{
		ID:             "t",
		TargetKey:      "out",
		PayloadFields:  fields,
		MaxFieldTokens: maxTokens,
	}
}

func TestBuildWhitelistsFields(t *testing.T) {
	self := map[string]any{
		"profile": "intro course",
		"secret":  "never leaves the session",
	}
	upstream := map[int]map[string]any{
		1: {"outcomes": []any{"explain x"}},
	}

	p := Build(tpl([]string{"self.profile", "1.outcomes"}, 0), self, upstream)

	assert.Equal(t, map[string]any{
		"profile":  "intro course",
		"outcomes": []any{"explain x"},
	}, p)
	assert.NotContains(t, p, "secret")
}

func TestBuildSkipsMissingSources(t *testing.T) {
	p := Build(tpl([]string{"self.profile", "1.outcomes", "2.syllabus"}, 0),
		map[string]any{}, map[int]map[string]any{1: {"other": 1}})
	assert.Empty(t, p)
}

func TestBuildTruncatesLongStrings(t *testing.T) {
	long := strings.Repeat("curriculum design for adult learners ", 200)
	self := map[string]any{
		"profile": long,
		"nested":  map[string]any{"note": long},
		"list":    []any{long},
	}

	p := Build(tpl([]string{"self.profile", "self.nested", "self.list"}, 10), self, nil)

	assert.Less(t, len(p["profile"].(string)), len(long))
	assert.Less(t, len(p["nested"].(map[string]any)["note"].(string)), len(long))
	assert.Less(t, len(p["list"].([]any)[0].(string)), len(long))

	// The session copy must stay untouched.
	assert.Equal(t, long, self["profile"])
	assert.Equal(t, long, self["nested"].(map[string]any)["note"])
}

func TestBuildKeepsShortStrings(t *testing.T) {
	p := Build(tpl([]string{"self.profile"}, 100), map[string]any{"profile": "short"}, nil)
	assert.Equal(t, "short", p["profile"])
}

func TestSourceHashStable(t *testing.T) {
	a := map[string]any{"x": 1, "y": []any{"a", "b"}, "z": map[string]any{"k": "v"}}
	b := map[string]any{"z": map[string]any{"k": "v"}, "y": []any{"a", "b"}, "x": 1}

	ha := SourceHash(a)
	hb := SourceHash(b)
	require.NotEmpty(t, ha)
	assert.Equal(t, ha, hb)

	c := map[string]any{"x": 2, "y": []any{"a", "b"}, "z": map[string]any{"k": "v"}}
	assert.NotEqual(t, ha, SourceHash(c))
}
