package updater

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/breeze-rmm/vrupdate/internal/logging"
	"github.com/breeze-rmm/vrupdate/internal/update"
)

const (
	HistoryFile = "update_history.json"
	VersionFile = "version"
)

// history is the append-only install ledger. The file is rewritten whole
// on every append; the in-memory slice only changes once the write landed.
type history struct {
	mu      sync.RWMutex
	path    string
	entries []update.InstalledInfo
}

func loadHistory(path string) (*history, error) {
	h := &history{path: path}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return h, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return h, nil
	}
	if err := json.Unmarshal(data, &h.entries); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return h, nil
}

func (h *history) append(entry update.InstalledInfo) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	next := make([]update.InstalledInfo, len(h.entries), len(h.entries)+1)
	copy(next, h.entries)
	next = append(next, entry)

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(h.path, data, 0644); err != nil {
		return err
	}
	h.entries = next
	return nil
}

func (h *history) snapshot() []update.InstalledInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]update.InstalledInfo, len(h.entries))
	copy(out, h.entries)
	return out
}

func (h *history) tail() (update.InstalledInfo, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.entries) == 0 {
		return update.InstalledInfo{}, false
	}
	return h.entries[len(h.entries)-1], true
}

// writeFileAtomic writes data to a temp file beside path, fsyncs it and
// renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	if d, err := os.Open(dir); err == nil {
		if err := d.Sync(); err != nil {
			log.Debug("directory fsync failed", "dir", dir, logging.KeyError, err)
		}
		d.Close()
	}
	return nil
}

func readMarker(installDir string) string {
	data, err := os.ReadFile(filepath.Join(installDir, VersionFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func writeMarker(installDir, version string) error {
	return writeFileAtomic(filepath.Join(installDir, VersionFile), []byte(version+"\n"), 0644)
}
