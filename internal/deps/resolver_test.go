package deps

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breeze-rmm/vrupdate/internal/update"
)

func meta() update.Metadata {
	return update.Metadata{
		Name:    "vr-system",
		Version: "3.0.0",
		Dependencies: []update.Dependency{
			{Name: "tracking-fw", Constraint: ">= 2.0"},
			{Name: "display-driver", Constraint: "~> 1.4"},
		},
		Conflicts: []update.Conflict{
			{Name: "legacy-compositor", Constraint: "< 2.0"},
		},
	}
}

func sys() update.SystemInfo {
	return update.SystemInfo{Arch: "arm64", DeviceModel: "quest-x", FreeDiskMB: 4096, TotalMemoryMB: 8192}
}

func TestCheckSatisfied(t *testing.T) {
	res := Resolver{}.Check(meta(), []update.InstalledPackage{
		{Name: "tracking-fw", Version: "2.1.0"},
		{Name: "display-driver", Version: "1.4.7"},
		{Name: "legacy-compositor", Version: "2.3.0"},
	}, sys())
	assert.True(t, res.Satisfied)
	assert.Empty(t, res.Missing)
	assert.Empty(t, res.Conflicts)
}

func TestCheckMissingAndConflicts(t *testing.T) {
	res := Resolver{}.Check(meta(), []update.InstalledPackage{
		{Name: "tracking-fw", Version: "1.9.0"},
		{Name: "legacy-compositor", Version: "1.2.0"},
	}, sys())
	assert.False(t, res.Satisfied)
	require.Len(t, res.Missing, 2)
	assert.Equal(t, "tracking-fw", res.Missing[0].Name)
	assert.Equal(t, "display-driver", res.Missing[1].Name)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "legacy-compositor", res.Conflicts[0].Name)
	assert.Equal(t, "1.2.0", res.Conflicts[0].Installed)
}

func TestCheckSystemRequirements(t *testing.T) {
	m := update.Metadata{
		Name:    "vr-system",
		Version: "3.0.0",
		Requirements: update.Requirements{
			MinFreeDiskMB: 10000,
			MinMemoryMB:   4096,
			Architectures: []string{"arm64"},
			DeviceModels:  []string{"quest-y"},
		},
	}
	res := Resolver{}.Check(m, nil, sys())
	assert.False(t, res.Satisfied)
	names := []string{}
	for _, d := range res.Missing {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{SystemDisk, SystemModel}, names)
}

func TestCollectSystemInfo(t *testing.T) {
	info, err := CollectSystemInfo(context.Background(), t.TempDir(), "quest-x")
	require.NoError(t, err)
	assert.NotEmpty(t, info.Arch)
	assert.Equal(t, "quest-x", info.DeviceModel)
	assert.NotZero(t, info.TotalMemoryMB)
}
