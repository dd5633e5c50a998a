//go:build !profile

package prof

import "testing"

func TestStartDisabled(t *testing.T) {
	if Enabled {
		t.Fatal("Enabled = true without the profile tag")
	}
	stop, err := Start(t.TempDir())
	if err != nil {
		t.Fatalf("Start() error = %v, want nil", err)
	}
	if err := stop(); err != nil {
		t.Errorf("stop() error = %v, want nil", err)
	}
}
