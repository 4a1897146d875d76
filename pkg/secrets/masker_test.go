package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskerMaskString(t *testing.T) {
	m := NewMasker([]string{"sk-super-secret-token", "ab"})
	out := m.MaskString("key=sk-super-secret-token done")
	assert.Equal(t, "key=[REDACTED] done", out)
}

func TestMaskerShortValuesIgnored(t *testing.T) {
	m := NewMasker([]string{"ab", "cd"})
	out := m.MaskString("abcdef")
	assert.Equal(t, "abcdef", out, "values shorter than minMaskLen must never be masked")
}

func TestMaskerRecursesTree(t *testing.T) {
	m := NewMasker([]string{"topsecret123"})
	input := map[string]any{
		"token": "topsecret123",
		"nested": map[string]any{
			"list": []any{"prefix-topsecret123-suffix", 42, nil},
		},
	}
	out := m.Mask(input).(map[string]any)
	assert.Equal(t, "[REDACTED]", out["token"])
	nested := out["nested"].(map[string]any)
	list := nested["list"].([]any)
	assert.Equal(t, "prefix-[REDACTED]-suffix", list[0])
	assert.Equal(t, 42, list[1])
	assert.Nil(t, list[2])
}

func TestMaskerIdempotent(t *testing.T) {
	m := NewMasker([]string{"topsecret123"})
	once := m.MaskString("value=topsecret123")
	twice := m.MaskString(once)
	assert.Equal(t, once, twice)
}

func TestMaskerNoValuesNoop(t *testing.T) {
	m := NewMasker(nil)
	assert.Equal(t, "unchanged", m.Mask("unchanged"))
}
