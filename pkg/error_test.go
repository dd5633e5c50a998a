package pkg

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestSizeLimitError(t *testing.T) {
	err := &SizeLimitError{Size: 0x2000, Limit: 0x1000}

	if got, want := err.Error(), "requested size 0x2000 exceeds limit 0x1000"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrSizeLimitExceeded) {
		t.Error("errors.Is(SizeLimitError, ErrSizeLimitExceeded) = false")
	}

	var target *SizeLimitError
	if !errors.As(fmt.Errorf("download: %w", err), &target) {
		t.Fatal("errors.As failed through wrapping")
	}
	if target.Size != 0x2000 {
		t.Errorf("Size = %#x, want 0x2000", target.Size)
	}
}

func TestPartitionError(t *testing.T) {
	err := &PartitionError{Op: "flash", Partition: "boot_a", Err: ErrOutOfRange}

	if got, want := err.Error(), "flash boot_a: out of range"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrOutOfRange) {
		t.Error("errors.Is(PartitionError, ErrOutOfRange) = false")
	}
}

func TestPhaseError(t *testing.T) {
	err := &PhaseError{Op: "advance", Direction: "download", Phase: "idle"}

	if got, want := err.Error(), "advance download buffer in phase idle: invalid transfer phase"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrInvalidPhase) {
		t.Error("errors.Is(PhaseError, ErrInvalidPhase) = false")
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transport", fmt.Errorf("%w: %w", ErrTransport, io.EOF), true},
		{"short transfer", fmt.Errorf("%w: got 3 of 10", ErrShortTransfer), true},
		{"closed", ErrClosed, true},
		{"unknown command", ErrUnknownCommand, false},
		{"size limit", &SizeLimitError{Size: 2, Limit: 1}, false},
		{"partition", &PartitionError{Op: "erase", Partition: "x", Err: ErrNoPartition}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFatal(tt.err); got != tt.want {
				t.Errorf("IsFatal(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
