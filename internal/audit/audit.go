// Package audit keeps a tamper-evident journal of update events: one JSON
// object per line, each carrying the SHA-256 of its predecessor.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/vrupdate/internal/logging"
)

var log = logging.L("audit")

// Event types recorded by the update manager.
const (
	EventUpdateInstalled    = "update_installed"
	EventOverrideInstalled  = "override_installed"
	EventDeltaApplied       = "delta_applied"
	EventRollbackCompleted  = "rollback_completed"
	EventInstallFailed      = "install_failed"
	EventRollbackFailed     = "rollback_failed"
	EventVerificationFailed = "verification_failed"
	EventRollbackRefused    = "rollback_refused"
	EventDependencyRefused  = "dependency_refused"
	EventDaemonStart        = "daemon_start"
	EventDaemonStop         = "daemon_stop"
	EventLogRotated         = "log_rotated"
)

const genesis = "genesis"

// criticalEvents are fsynced after writing.
var criticalEvents = map[string]bool{
	EventUpdateInstalled:   true,
	EventOverrideInstalled: true,
	EventDeltaApplied:      true,
	EventRollbackCompleted: true,
	EventRollbackFailed:    true,
}

var ErrChainBroken = errors.New("audit hash chain broken")

// Entry is a single journal record.
type Entry struct {
	Timestamp   string         `json:"timestamp"`
	EventType   string         `json:"eventType"`
	OperationID string         `json:"operationId,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	PrevHash    string         `json:"prevHash"`
	EntryHash   string         `json:"entryHash"`
}

// Journal writes the hash-chained JSONL file. On rotation a log_rotated
// entry opens the new file and links to the last entry of the old one.
type Journal struct {
	mu         sync.Mutex
	file       *os.File
	filePath   string
	maxSize    int64
	maxBackups int
	written    int64
	prevHash   string
	dropped    atomic.Int64
}

// NewJournal opens (or creates) the journal at path. An existing journal is
// continued: the chain resumes from its last entry.
func NewJournal(path string, maxSizeMB, maxBackups int) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}

	j := &Journal{
		filePath:   path,
		maxSize:    int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		prevHash:   genesis,
	}
	if last, err := lastEntry(path); err == nil && last != nil {
		j.prevHash = last.EntryHash
	}
	if err := j.openFile(); err != nil {
		return nil, err
	}

	log.Info("audit journal opened", "path", path)
	return j, nil
}

// Log appends one entry. The chain only advances after a successful write
// so a failed write leaves no gap. Safe on a nil receiver.
func (j *Journal) Log(eventType, operationID string, details map[string]any) {
	if j == nil {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	entry := Entry{
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		EventType:   eventType,
		OperationID: operationID,
		Details:     details,
		PrevHash:    j.prevHash,
	}
	data, err := seal(&entry)
	if err != nil {
		log.Error("failed to encode audit entry", logging.KeyError, err, "eventType", eventType)
		j.dropped.Add(1)
		return
	}

	if j.written+int64(len(data)) > j.maxSize {
		if err := j.rotate(); err != nil {
			log.Error("audit log rotation failed", logging.KeyError, err)
			j.dropped.Add(1)
			return
		}
		// The sentinel moved the chain; re-seal against it.
		entry.PrevHash = j.prevHash
		if data, err = seal(&entry); err != nil {
			j.dropped.Add(1)
			return
		}
	}

	if err := j.write(data); err != nil {
		log.Error("failed to write audit entry", logging.KeyError, err, "eventType", eventType)
		j.dropped.Add(1)
		return
	}
	j.prevHash = entry.EntryHash

	if criticalEvents[eventType] {
		if err := j.file.Sync(); err != nil {
			log.Error("failed to fsync critical audit entry", logging.KeyError, err, "eventType", eventType)
		}
	}
}

// Close closes the journal file. Safe on a nil receiver.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file != nil {
		return j.file.Close()
	}
	return nil
}

// DroppedCount returns the number of entries that failed to write, or -1
// for a nil journal.
func (j *Journal) DroppedCount() int64 {
	if j == nil {
		return -1
	}
	return j.dropped.Load()
}

// Verify checks the hash chain of the journal file at path. The first entry
// must link to genesis unless it is a rotation sentinel.
func Verify(path string) (int, error) {
	entries, err := readAll(path)
	if err != nil {
		return 0, err
	}
	prev := ""
	for i, e := range entries {
		want, err := hashEntry(e)
		if err != nil {
			return i, err
		}
		if want != e.EntryHash {
			return i, fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, i)
		}
		switch {
		case i == 0 && e.EventType != EventLogRotated && e.PrevHash != genesis:
			return i, fmt.Errorf("%w: first entry does not start at genesis", ErrChainBroken)
		case i > 0 && e.PrevHash != prev:
			return i, fmt.Errorf("%w: entry %d does not link to entry %d", ErrChainBroken, i, i-1)
		}
		prev = e.EntryHash
	}
	return len(entries), nil
}

// seal computes the entry hash and returns the encoded line.
func seal(entry *Entry) ([]byte, error) {
	h, err := hashEntry(*entry)
	if err != nil {
		return nil, err
	}
	entry.EntryHash = h
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// hashEntry length-prefixes every field so no two field combinations hash
// alike.
func hashEntry(entry Entry) (string, error) {
	h := sha256.New()
	for _, field := range []string{entry.Timestamp, entry.EventType, entry.OperationID, entry.PrevHash} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	if entry.Details != nil {
		detailBytes, err := json.Marshal(entry.Details)
		if err != nil {
			return "", fmt.Errorf("marshal details for hash: %w", err)
		}
		fmt.Fprintf(h, "%d:", len(detailBytes))
		h.Write(detailBytes)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (j *Journal) write(data []byte) error {
	n, err := j.file.Write(data)
	j.written += int64(n)
	return err
}

func (j *Journal) openFile() error {
	f, err := os.OpenFile(j.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	j.file = f
	j.written = info.Size()
	return nil
}

func (j *Journal) rotate() error {
	if j.file != nil {
		j.file.Close()
	}

	// .N-1 -> .N, oldest dropped.
	if err := os.Remove(j.backupName(j.maxBackups)); err != nil && !os.IsNotExist(err) {
		log.Warn("audit rotation: failed to remove oldest backup", logging.KeyError, err)
	}
	for i := j.maxBackups; i >= 2; i-- {
		if err := os.Rename(j.backupName(i-1), j.backupName(i)); err != nil && !os.IsNotExist(err) {
			log.Warn("audit rotation: failed to rename backup", "index", i-1, logging.KeyError, err)
		}
	}
	if err := os.Rename(j.filePath, j.backupName(1)); err != nil && !os.IsNotExist(err) {
		log.Warn("audit rotation: failed to rename current log", logging.KeyError, err)
	}
	if err := j.openFile(); err != nil {
		return err
	}

	sentinel := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: EventLogRotated,
		PrevHash:  j.prevHash,
		Details:   map[string]any{"previousFile": j.backupName(1)},
	}
	data, err := seal(&sentinel)
	if err == nil {
		err = j.write(data)
	}
	if err != nil {
		log.Error("rotation sentinel failed, hash chain broken", logging.KeyError, err)
		j.dropped.Add(1)
		j.prevHash = "chain-broken"
		return nil
	}
	j.prevHash = sentinel.EntryHash
	return nil
}

func (j *Journal) backupName(index int) string {
	if index == 0 {
		return j.filePath
	}
	return fmt.Sprintf("%s.%d", j.filePath, index)
}

func readAll(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return entries, fmt.Errorf("%w: line %d: %v", ErrChainBroken, len(entries)+1, err)
		}
		entries = append(entries, e)
	}
	return entries, sc.Err()
}

func lastEntry(path string) (*Entry, error) {
	entries, err := readAll(path)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[len(entries)-1], nil
}
