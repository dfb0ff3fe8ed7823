package audit

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNilJournalIsNoop(t *testing.T) {
	var j *Journal
	j.Log(EventUpdateInstalled, "op-1", map[string]any{"version": "2.0.0"})
	if err := j.Close(); err != nil {
		t.Fatalf("nil Close() returned error: %v", err)
	}
	if got := j.DroppedCount(); got != -1 {
		t.Fatalf("nil DroppedCount() = %d, want -1", got)
	}
}

func TestLogWritesJSONLEntry(t *testing.T) {
	j := newTestJournal(t)
	j.Log(EventUpdateInstalled, "op-1", map[string]any{"version": "2.0.0"})
	j.Close()

	entries := readEntries(t, j.filePath)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.EventType != EventUpdateInstalled || e.OperationID != "op-1" {
		t.Fatalf("entry = %+v", e)
	}
	if e.PrevHash != genesis {
		t.Fatalf("prevHash = %q, want genesis", e.PrevHash)
	}
	if e.EntryHash == "" {
		t.Fatal("entryHash is empty")
	}
	if j.DroppedCount() != 0 {
		t.Fatalf("DroppedCount() = %d, want 0", j.DroppedCount())
	}
}

func TestHashChainVerifies(t *testing.T) {
	j := newTestJournal(t)
	j.Log(EventDaemonStart, "", nil)
	j.Log(EventVerificationFailed, "op-1", map[string]any{"version": "2.0.0"})
	j.Log(EventUpdateInstalled, "op-2", map[string]any{"version": "2.0.0"})
	j.Close()

	n, err := Verify(j.filePath)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if n != 3 {
		t.Fatalf("Verify counted %d entries, want 3", n)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	j := newTestJournal(t)
	j.Log(EventUpdateInstalled, "op-1", map[string]any{"version": "2.0.0"})
	j.Log(EventRollbackCompleted, "op-2", map[string]any{"to": "1.0.0"})
	j.Close()

	data, err := os.ReadFile(j.filePath)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(data), `"to":"1.0.0"`, `"to":"0.9.0"`, 1)
	if err := os.WriteFile(j.filePath, []byte(tampered), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := Verify(j.filePath); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("Verify err = %v, want ErrChainBroken", err)
	}
}

func TestReopenContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	j, err := NewJournal(path, 1, 2)
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	j.Log(EventDaemonStart, "", nil)
	j.Close()

	j, err = NewJournal(path, 1, 2)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	j.Log(EventDaemonStop, "", nil)
	j.Close()

	if _, err := Verify(path); err != nil {
		t.Fatalf("Verify after reopen: %v", err)
	}
}

func TestRotationSentinelLinksAcrossFiles(t *testing.T) {
	j := newTestJournal(t)
	j.maxSize = 300

	for i := 0; i < 10; i++ {
		j.Log(EventInstallFailed, "op-x", map[string]any{"attempt": i})
	}
	j.Close()

	entries := readEntries(t, j.filePath)
	if len(entries) == 0 {
		t.Fatal("no entries in current file after rotation")
	}
	if entries[0].EventType != EventLogRotated {
		t.Fatalf("first entry eventType = %q, want %q", entries[0].EventType, EventLogRotated)
	}
	if prev, _ := entries[0].Details["previousFile"].(string); prev == "" {
		t.Fatal("sentinel has no previousFile in details")
	}

	backup := readEntries(t, j.filePath+".1")
	if len(backup) == 0 {
		t.Fatal("no entries in backup file")
	}
	if entries[0].PrevHash != backup[len(backup)-1].EntryHash {
		t.Fatalf("sentinel prevHash = %q, want last backup hash %q", entries[0].PrevHash, backup[len(backup)-1].EntryHash)
	}
	if _, err := Verify(j.filePath); err != nil {
		t.Fatalf("Verify rotated file: %v", err)
	}
}

func TestCriticalEventsSet(t *testing.T) {
	for _, e := range []string{EventUpdateInstalled, EventOverrideInstalled, EventDeltaApplied, EventRollbackCompleted} {
		if !criticalEvents[e] {
			t.Errorf("event %q should be critical", e)
		}
	}
	for _, e := range []string{EventInstallFailed, EventVerificationFailed, EventDaemonStart} {
		if criticalEvents[e] {
			t.Errorf("event %q should not be critical", e)
		}
	}
}

func TestDroppedCountIncrementsOnWriteFailure(t *testing.T) {
	j := newTestJournal(t)

	j.file.Close()
	f, err := os.Open(j.filePath)
	if err != nil {
		t.Fatalf("open read-only: %v", err)
	}
	j.file = f

	j.Log(EventInstallFailed, "op-1", nil)
	if got := j.DroppedCount(); got != 1 {
		t.Fatalf("DroppedCount() = %d, want 1", got)
	}
	j.file.Close()
}

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := NewJournal(filepath.Join(t.TempDir(), "audit.jsonl"), 50, 3)
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	return j
}

func readEntries(t *testing.T, filePath string) []Entry {
	t.Helper()
	data, err := os.ReadFile(filePath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var entries []Entry
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("unmarshal line %q: %v", line, err)
		}
		entries = append(entries, e)
	}
	return entries
}
