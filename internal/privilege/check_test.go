package privilege

import "testing"

func TestRequiresElevation(t *testing.T) {
	for _, cmd := range []string{"run", "install", "apply-delta", "rollback"} {
		if !RequiresElevation(cmd) {
			t.Errorf("%s should require elevation", cmd)
		}
	}
	for _, cmd := range []string{"check", "status", "history", "version", "make-delta", "sign", ""} {
		if RequiresElevation(cmd) {
			t.Errorf("%s should not require elevation", cmd)
		}
	}
}

func TestCheck(t *testing.T) {
	if err := check("install", false); err == nil {
		t.Fatal("unprivileged install should be refused")
	}
	if err := check("install", true); err != nil {
		t.Fatalf("privileged install refused: %v", err)
	}
	if err := check("status", false); err != nil {
		t.Fatalf("status refused: %v", err)
	}
}
