package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeSortsKeys(t *testing.T) {
	out, err := Canonicalize(map[string]interface{}{
		"zebra": 1,
		"alpha": map[string]interface{}{"y": 2, "x": 1},
		"list":  []interface{}{3, map[string]interface{}{"b": 2, "a": 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":{"x":1,"y":2},"list":[3,{"a":1,"b":2}],"zebra":1}`, string(out))
}

func TestChecksumDeterministic(t *testing.T) {
	data := map[string]interface{}{
		"content":    "the sky was remarkably blue",
		"importance": 0.9,
		"metadata":   map[string]interface{}{"source": "observation", "day": 3},
	}

	first, err := Checksum(data)
	require.NoError(t, err)
	second, err := Checksum(data)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Same logical payload built in a different order.
	rebuilt := map[string]interface{}{
		"metadata":   map[string]interface{}{"day": 3, "source": "observation"},
		"importance": 0.9,
		"content":    "the sky was remarkably blue",
	}
	third, err := Checksum(rebuilt)
	require.NoError(t, err)
	assert.Equal(t, first, third)
}

func TestChecksumSensitiveToValues(t *testing.T) {
	base := map[string]interface{}{"content": "a", "importance": 0.5}
	changed := map[string]interface{}{"content": "a", "importance": 0.6}

	sumBase, err := Checksum(base)
	require.NoError(t, err)
	sumChanged, err := Checksum(changed)
	require.NoError(t, err)
	assert.NotEqual(t, sumBase, sumChanged)
}

func TestChecksumRejectsUnmarshalable(t *testing.T) {
	_, err := Checksum(map[string]interface{}{"bad": make(chan int)})
	assert.Error(t, err)
}
