package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewer(t *testing.T) {
	tests := []struct {
		candidate, current string
		want               bool
	}{
		{"2.0.0", "1.0.0", true},
		{"1.0.0", "2.0.0", false},
		{"2.0.0", "2.0.0", false},
		{"v1.10.0", "1.9.3", true},
		{"1.0.0", "1.0.0-rc.1", true},
		{"1.0.0", "", true},
	}
	for _, tt := range tests {
		got, err := Newer(tt.candidate, tt.current)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s vs %s", tt.candidate, tt.current)
	}
}

func TestNewerInvalid(t *testing.T) {
	_, err := Newer("not-a-version", "1.0.0")
	assert.Error(t, err)
}

func TestSatisfies(t *testing.T) {
	ok, err := Satisfies("1.4.0", ">= 1.2, < 2.0")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Satisfies("2.1.0", ">= 1.2, < 2.0")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = Satisfies("0.1.0", "")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = Satisfies("1.0.0", "~~ 1")
	assert.Error(t, err)
}

func TestSortNewestFirst(t *testing.T) {
	vs := []string{"1.0.0", "bogus", "3.0.0", "2.5.1"}
	SortNewestFirst(vs, func(s string) string { return s })
	assert.Equal(t, []string{"3.0.0", "2.5.1", "1.0.0", "bogus"}, vs)
}
