package fastboot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/fastbootd/pkg"
)

func okayHandler(s *Session, arg string) Outcome { return Okay("") }

func TestCommandTableBuilder(t *testing.T) {
	table, err := NewCommandTableBuilder().
		Handle("reboot", okayHandler).
		Handle("getvar", okayHandler).
		Handle("download", DownloadHandler).
		Build()
	require.NoError(t, err)

	assert.Equal(t, 3, table.Len())
	assert.Equal(t, []string{"download", "getvar", "reboot"}, table.Names())

	_, ok := table.Lookup("getvar")
	assert.True(t, ok)
	_, ok = table.Lookup("GetVar")
	assert.False(t, ok, "lookup is case-sensitive")

	names := table.Names()
	names[0] = "mutated"
	assert.Equal(t, "download", table.Names()[0], "Names returns a copy")
}

func TestCommandTableBuilderErrors(t *testing.T) {
	tests := []struct {
		name  string
		build func(b *CommandTableBuilder)
	}{
		{"empty name", func(b *CommandTableBuilder) { b.Handle("", okayHandler) }},
		{"colon in name", func(b *CommandTableBuilder) { b.Handle("get:var", okayHandler) }},
		{"space in name", func(b *CommandTableBuilder) { b.Handle("oem unlock", okayHandler) }},
		{"nil handler", func(b *CommandTableBuilder) { b.Handle("getvar", nil) }},
		{"duplicate", func(b *CommandTableBuilder) {
			b.Handle("getvar", okayHandler).Handle("getvar", okayHandler)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewCommandTableBuilder()
			tt.build(b)
			_, err := b.Build()
			assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
		})
	}
}

func TestCommandTableImmutable(t *testing.T) {
	b := NewCommandTableBuilder().Handle("getvar", okayHandler)
	table, err := b.Build()
	require.NoError(t, err)

	b.Handle("erase", okayHandler)
	_, err = b.Build()
	assert.ErrorIs(t, err, pkg.ErrInvalidPhase)

	_, ok := table.Lookup("erase")
	assert.False(t, ok)
}

func TestNewCommandTable(t *testing.T) {
	src := map[string]Handler{"getvar": okayHandler}
	table, err := NewCommandTable(src)
	require.NoError(t, err)

	src["erase"] = okayHandler
	assert.Equal(t, 1, table.Len(), "table holds a copy of the map")

	_, err = NewCommandTable(map[string]Handler{"x": nil})
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
}

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		line, name, arg string
	}{
		{"reboot", "reboot", ""},
		{"getvar:version", "getvar", "version"},
		{"getvar:partition-size:boot_a", "getvar", "partition-size:boot_a"},
		{"download:0000000a", "download", "0000000a"},
		{"getvar product", "getvar product", ""},
		{"oem set:x", "oem set", "x"},
		{"erase:", "erase", ""},
		{":x", "", "x"},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			name, arg := SplitCommand(tt.line)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.arg, arg)
		})
	}
}

func TestCommandTableMatch(t *testing.T) {
	table, err := NewCommandTableBuilder().
		Handle("getvar", okayHandler).
		HandleVerb("oem", okayHandler).
		Build()
	require.NoError(t, err)

	tests := []struct {
		line, name, arg string
		ok              bool
	}{
		{"getvar:product", "getvar", "product", true},
		{"getvar product", "getvar product", "", false},
		{"oem", "oem", "", true},
		{"oem device-info", "oem", "device-info", true},
		{"oem set:x y", "oem", "set:x y", true},
		{"oem:device-info", "oem", "device-info", true},
		{"oemx y", "oemx y", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			name, arg, h, ok := table.Match(tt.line)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.ok, h != nil)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.arg, arg)
		})
	}
}

func TestSplitArgs(t *testing.T) {
	assert.Nil(t, SplitArgs(""))
	assert.Equal(t, []string{"boot"}, SplitArgs("boot"))
	assert.Equal(t, []string{"boot", "0x10", ""}, SplitArgs("boot:0x10:"))
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		name string
		out  Outcome
		want string
		okay bool
		fail bool
	}{
		{"okay", Okay("done"), "OKAYdone", true, false},
		{"okayf", Okayf("%d", 4), "OKAY4", true, false},
		{"fail", Fail("bad"), "FAILbad", false, true},
		{"failf", Failf("bad %s", "arg"), "FAILbad arg", false, true},
		{"failerr", FailErr(pkg.ErrNoPartition), "FAILno such partition", false, true},
		{"handled", Handled(), "handled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.out.String())
			assert.Equal(t, tt.okay, tt.out.IsOkay())
			assert.Equal(t, tt.fail, tt.out.IsFail())
		})
	}
}
