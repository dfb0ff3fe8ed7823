package update

import (
	"encoding/json"
	"fmt"
	"time"
)

// State names a variant of the Status union.
type State string

const (
	StateNoUpdates                State = "NoUpdates"
	StateCheckingForUpdates       State = "CheckingForUpdates"
	StateUpdateAvailable          State = "UpdateAvailable"
	StateDeltaUpdateAvailable     State = "DeltaUpdateAvailable"
	StateDownloading              State = "Downloading"
	StateVerifying                State = "Verifying"
	StateReadyToInstall           State = "ReadyToInstall"
	StateInstalling               State = "Installing"
	StateInstallationComplete     State = "InstallationComplete"
	StateInstallationFailed       State = "InstallationFailed"
	StateRollingBack              State = "RollingBack"
	StateRollbackComplete         State = "RollbackComplete"
	StateRollbackFailed           State = "RollbackFailed"
	StateCheckingDependencies     State = "CheckingDependencies"
	StateDependenciesNotSatisfied State = "DependenciesNotSatisfied"
)

// Status is the current state of the update subsystem. The set of
// implementations is closed: only the types in this file satisfy it.
type Status interface {
	State() State
	// Terminal reports whether the status ends an operation.
	Terminal() bool
	isStatus()
}

type NoUpdates struct{}

type CheckingForUpdates struct{}

type UpdateAvailable struct {
	Version     string    `json:"version"`
	Size        int64     `json:"size"`
	Notes       string    `json:"notes,omitempty"`
	ReleaseDate time.Time `json:"releaseDate"`
}

type DeltaUpdateAvailable struct {
	BaseVersion      string    `json:"baseVersion"`
	TargetVersion    string    `json:"targetVersion"`
	DeltaSize        int64     `json:"deltaSize"`
	FullSize         int64     `json:"fullSize"`
	ReductionPercent float64   `json:"reductionPercent"`
	Notes            string    `json:"notes,omitempty"`
	ReleaseDate      time.Time `json:"releaseDate"`
}

type Downloading struct {
	Version        string  `json:"version"`
	Percent        float64 `json:"percent"`
	BytesDone      int64   `json:"bytesDone"`
	BytesTotal     int64   `json:"bytesTotal"`
	BytesPerSecond float64 `json:"speed"`
}

// Verifying is published before a signature check. Version is empty until
// the package manifest has been read.
type Verifying struct {
	Version string `json:"version,omitempty"`
	Path    string `json:"path"`
}

type ReadyToInstall struct {
	Version string `json:"version"`
	Size    int64  `json:"size"`
	Notes   string `json:"notes,omitempty"`
	Path    string `json:"path"`
}

type Installing struct {
	Version string  `json:"version"`
	Percent float64 `json:"percent"`
	Stage   string  `json:"stage"`
}

type InstallationComplete struct {
	Version         string    `json:"version"`
	InstalledAt     time.Time `json:"installedAt"`
	RequiresRestart bool      `json:"requiresRestart"`
}

type InstallationFailed struct {
	Version  string `json:"version,omitempty"`
	Error    string `json:"error"`
	CanRetry bool   `json:"canRetry"`
}

type RollingBack struct {
	From    string  `json:"from"`
	To      string  `json:"to"`
	Percent float64 `json:"percent"`
}

type RollbackComplete struct {
	From         string    `json:"from"`
	To           string    `json:"to"`
	RolledBackAt time.Time `json:"rolledBackAt"`
}

type RollbackFailed struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Error string `json:"error"`
}

type CheckingDependencies struct {
	Version string `json:"version"`
}

type DependenciesNotSatisfied struct {
	Version   string       `json:"version"`
	Missing   []Dependency `json:"missing"`
	Conflicts []Conflict   `json:"conflicts"`
}

func (NoUpdates) State() State                { return StateNoUpdates }
func (CheckingForUpdates) State() State       { return StateCheckingForUpdates }
func (UpdateAvailable) State() State          { return StateUpdateAvailable }
func (DeltaUpdateAvailable) State() State     { return StateDeltaUpdateAvailable }
func (Downloading) State() State              { return StateDownloading }
func (Verifying) State() State                { return StateVerifying }
func (ReadyToInstall) State() State           { return StateReadyToInstall }
func (Installing) State() State               { return StateInstalling }
func (InstallationComplete) State() State     { return StateInstallationComplete }
func (InstallationFailed) State() State       { return StateInstallationFailed }
func (RollingBack) State() State              { return StateRollingBack }
func (RollbackComplete) State() State         { return StateRollbackComplete }
func (RollbackFailed) State() State           { return StateRollbackFailed }
func (CheckingDependencies) State() State     { return StateCheckingDependencies }
func (DependenciesNotSatisfied) State() State { return StateDependenciesNotSatisfied }

// A check that finds something ends in UpdateAvailable/DeltaUpdateAvailable
// and a download ends in ReadyToInstall; those are operation-terminal too.
func (NoUpdates) Terminal() bool                { return true }
func (CheckingForUpdates) Terminal() bool       { return false }
func (UpdateAvailable) Terminal() bool          { return true }
func (DeltaUpdateAvailable) Terminal() bool     { return true }
func (Downloading) Terminal() bool              { return false }
func (Verifying) Terminal() bool                { return false }
func (ReadyToInstall) Terminal() bool           { return true }
func (Installing) Terminal() bool               { return false }
func (InstallationComplete) Terminal() bool     { return true }
func (InstallationFailed) Terminal() bool       { return true }
func (RollingBack) Terminal() bool              { return false }
func (RollbackComplete) Terminal() bool         { return true }
func (RollbackFailed) Terminal() bool           { return true }
func (CheckingDependencies) Terminal() bool     { return false }
func (DependenciesNotSatisfied) Terminal() bool { return true }

func (NoUpdates) isStatus()                {}
func (CheckingForUpdates) isStatus()       {}
func (UpdateAvailable) isStatus()          {}
func (DeltaUpdateAvailable) isStatus()     {}
func (Downloading) isStatus()              {}
func (Verifying) isStatus()                {}
func (ReadyToInstall) isStatus()           {}
func (Installing) isStatus()               {}
func (InstallationComplete) isStatus()     {}
func (InstallationFailed) isStatus()       {}
func (RollingBack) isStatus()              {}
func (RollbackComplete) isStatus()         {}
func (RollbackFailed) isStatus()           {}
func (CheckingDependencies) isStatus()     {}
func (DependenciesNotSatisfied) isStatus() {}

// MarshalStatus encodes s for observers as a flat JSON object: the variant's
// fields plus "state" and "at".
func MarshalStatus(s Status, at time.Time) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("nil status")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", s.State(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("marshal %s: %w", s.State(), err)
	}
	fields["state"], _ = json.Marshal(s.State())
	fields["at"], _ = json.Marshal(at.UTC())
	return json.Marshal(fields)
}

// UnmarshalStatus is the inverse of MarshalStatus.
func UnmarshalStatus(b []byte) (Status, time.Time, error) {
	var head struct {
		State State     `json:"state"`
		At    time.Time `json:"at"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return nil, time.Time{}, err
	}
	v, err := newStatus(head.State)
	if err != nil {
		return nil, time.Time{}, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return nil, time.Time{}, fmt.Errorf("decode %s: %w", head.State, err)
	}
	return deref(v), head.At, nil
}

func newStatus(state State) (any, error) {
	switch state {
	case StateNoUpdates:
		return &NoUpdates{}, nil
	case StateCheckingForUpdates:
		return &CheckingForUpdates{}, nil
	case StateUpdateAvailable:
		return &UpdateAvailable{}, nil
	case StateDeltaUpdateAvailable:
		return &DeltaUpdateAvailable{}, nil
	case StateDownloading:
		return &Downloading{}, nil
	case StateVerifying:
		return &Verifying{}, nil
	case StateReadyToInstall:
		return &ReadyToInstall{}, nil
	case StateInstalling:
		return &Installing{}, nil
	case StateInstallationComplete:
		return &InstallationComplete{}, nil
	case StateInstallationFailed:
		return &InstallationFailed{}, nil
	case StateRollingBack:
		return &RollingBack{}, nil
	case StateRollbackComplete:
		return &RollbackComplete{}, nil
	case StateRollbackFailed:
		return &RollbackFailed{}, nil
	case StateCheckingDependencies:
		return &CheckingDependencies{}, nil
	case StateDependenciesNotSatisfied:
		return &DependenciesNotSatisfied{}, nil
	}
	return nil, fmt.Errorf("unknown status state %q", state)
}

func deref(v any) Status {
	switch s := v.(type) {
	case *NoUpdates:
		return *s
	case *CheckingForUpdates:
		return *s
	case *UpdateAvailable:
		return *s
	case *DeltaUpdateAvailable:
		return *s
	case *Downloading:
		return *s
	case *Verifying:
		return *s
	case *ReadyToInstall:
		return *s
	case *Installing:
		return *s
	case *InstallationComplete:
		return *s
	case *InstallationFailed:
		return *s
	case *RollingBack:
		return *s
	case *RollbackComplete:
		return *s
	case *RollbackFailed:
		return *s
	case *CheckingDependencies:
		return *s
	case *DependenciesNotSatisfied:
		return *s
	}
	return nil
}
