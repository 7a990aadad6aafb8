//go:build linux

package sandbox

import (
	"os/exec"
	"testing"
)

func TestApplyResourceLimits(t *testing.T) {
	cmd := exec.Command("sleep", "5")
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start process: %v", err)
	}
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	if err := applyResourceLimits(cmd.Process.Pid, DefaultLimits()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
