package hal

import "testing"

func TestSpeed(t *testing.T) {
	tests := []struct {
		speed  Speed
		name   string
		packet int
	}{
		{SpeedUnknown, "Unknown", 0},
		{SpeedLow, "Low Speed", 0},
		{SpeedFull, "Full Speed", 64},
		{SpeedHigh, "High Speed", 512},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.speed.String(); got != tt.name {
				t.Errorf("String() = %q, want %q", got, tt.name)
			}
			if got := tt.speed.BulkPacketSize(); got != tt.packet {
				t.Errorf("BulkPacketSize() = %d, want %d", got, tt.packet)
			}
		})
	}
}

func TestEndpointAddress(t *testing.T) {
	tests := []struct {
		name    string
		address uint8
		number  uint8
		in      bool
	}{
		{"EP1 OUT", 0x01, 1, false},
		{"EP1 IN", 0x81, 1, true},
		{"EP2 OUT", 0x02, 2, false},
		{"EP15 IN", 0x8F, 15, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EndpointNumber(tt.address); got != tt.number {
				t.Errorf("EndpointNumber(%#x) = %d, want %d", tt.address, got, tt.number)
			}
			if got := IsIn(tt.address); got != tt.in {
				t.Errorf("IsIn(%#x) = %v, want %v", tt.address, got, tt.in)
			}
		})
	}
}
