// Package deps decides whether a package's dependencies, conflicts and
// system requirements are met.
package deps

import (
	"fmt"
	"strings"

	"github.com/breeze-rmm/vrupdate/internal/logging"
	"github.com/breeze-rmm/vrupdate/internal/update"
	"github.com/breeze-rmm/vrupdate/internal/version"
)

var log = logging.L("deps")

// Pseudo-dependency names used to report unmet system requirements.
const (
	SystemDisk   = "system:disk"
	SystemMemory = "system:memory"
	SystemArch   = "system:arch"
	SystemModel  = "system:device-model"
)

// Resolver satisfies update.DependencyResolver.
type Resolver struct{}

// Check never partially succeeds: Satisfied is true only when nothing is
// missing and nothing conflicts.
func (Resolver) Check(meta update.Metadata, installed []update.InstalledPackage, sys update.SystemInfo) update.DependencyResult {
	index := make(map[string]string, len(installed))
	for _, p := range installed {
		index[p.Name] = p.Version
	}

	var res update.DependencyResult
	for _, dep := range meta.Dependencies {
		have, ok := index[dep.Name]
		if !ok {
			res.Missing = append(res.Missing, dep)
			continue
		}
		match, err := version.Satisfies(have, dep.Constraint)
		if err != nil {
			log.Warn("unparseable dependency", "name", dep.Name, "constraint", dep.Constraint, logging.KeyError, err)
		}
		if err != nil || !match {
			res.Missing = append(res.Missing, dep)
		}
	}

	for _, c := range meta.Conflicts {
		have, ok := index[c.Name]
		if !ok {
			continue
		}
		match, err := version.Satisfies(have, c.Constraint)
		if err != nil {
			log.Warn("unparseable conflict", "name", c.Name, "constraint", c.Constraint, logging.KeyError, err)
			match = true
		}
		if match {
			c.Installed = have
			res.Conflicts = append(res.Conflicts, c)
		}
	}

	res.Missing = append(res.Missing, checkRequirements(meta.Requirements, sys)...)
	res.Satisfied = len(res.Missing) == 0 && len(res.Conflicts) == 0
	return res
}

func checkRequirements(req update.Requirements, sys update.SystemInfo) []update.Dependency {
	var missing []update.Dependency
	if req.MinFreeDiskMB > 0 && sys.FreeDiskMB < req.MinFreeDiskMB {
		missing = append(missing, update.Dependency{
			Name:       SystemDisk,
			Constraint: fmt.Sprintf(">= %d MB free (have %d MB)", req.MinFreeDiskMB, sys.FreeDiskMB),
		})
	}
	if req.MinMemoryMB > 0 && sys.TotalMemoryMB < req.MinMemoryMB {
		missing = append(missing, update.Dependency{
			Name:       SystemMemory,
			Constraint: fmt.Sprintf(">= %d MB (have %d MB)", req.MinMemoryMB, sys.TotalMemoryMB),
		})
	}
	if len(req.Architectures) > 0 && !containsFold(req.Architectures, sys.Arch) {
		missing = append(missing, update.Dependency{
			Name:       SystemArch,
			Constraint: "one of " + strings.Join(req.Architectures, ", "),
		})
	}
	if len(req.DeviceModels) > 0 && !containsFold(req.DeviceModels, sys.DeviceModel) {
		missing = append(missing, update.Dependency{
			Name:       SystemModel,
			Constraint: "one of " + strings.Join(req.DeviceModels, ", "),
		})
	}
	return missing
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
