package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/fastbootd/commands"
	"github.com/ardnew/fastbootd/config"
	"github.com/ardnew/fastbootd/fastboot"
	"github.com/ardnew/fastbootd/hal/fifo"
	"github.com/ardnew/fastbootd/pkg"
	"github.com/ardnew/fastbootd/transport"
	"github.com/ardnew/fastbootd/transport/tcp"
	"github.com/ardnew/fastbootd/transport/usb"
)

// serve runs a device built from the default configuration on ln until
// the test ends.
func serve(t *testing.T, ln transport.Listener) *commands.Device {
	t.Helper()

	cfg := config.Default()
	table, err := cfg.BuildTable()
	require.NoError(t, err)

	dev, err := commands.NewDevice(cfg.DeviceInfo(), table, cfg.DeviceOptions()...)
	require.NoError(t, err)
	cmds, err := dev.Commands(nil)
	require.NoError(t, err)

	srv, err := fastboot.NewServer(ln, cmds, cfg.FastbootOptions()...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		srv.Close()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
		table.Close()
	})
	return dev
}

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

// exercise runs a flashing session against a device with the default
// configuration.
func exercise(t *testing.T, c *Client, dev *commands.Device) {
	product, err := c.GetVar("product")
	require.NoError(t, err)
	assert.Equal(t, "fastbootd", product)

	_, err = c.GetVar("no-such-variable")
	assert.True(t, IsFail(err, "Variable Not found"))

	image := pattern(3*512 + 17)
	err = c.Flash("boot", image)
	assert.True(t, IsFail(err, "locked"), "flash on locked device: %v", err)

	var info []string
	c.config.Info = func(line string) { info = append(info, line) }
	_, err = c.Command("flashing unlock")
	require.NoError(t, err)
	assert.Equal(t, []string{"erasing userdata"}, info)
	assert.True(t, dev.Unlocked())

	require.NoError(t, c.Flash("boot", image))
	got, err := c.Fetch("boot", 0, int64(len(image)))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(image, got), "fetched image differs")

	tail, err := c.Fetch("boot_a", 512, 17)
	require.NoError(t, err)
	assert.Equal(t, image[512:529], tail)

	_, err = c.Upload()
	assert.True(t, IsFail(err, "no data to upload"))

	require.NoError(t, c.SetActive("b"))
	slot, err := c.GetVar("current-slot")
	require.NoError(t, err)
	assert.Equal(t, "b", slot)

	empty, err := c.Fetch("boot", 0, 17)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 17), empty)

	vars, err := c.GetVarAll()
	require.NoError(t, err)
	assert.Equal(t, "0x10000000", vars["max-download-size"])
	assert.Equal(t, "yes", vars["unlocked"])
	assert.Equal(t, "0x800000", vars["partition-size:boot_a"])

	size, err := c.MaxDownloadSize()
	require.NoError(t, err)
	assert.Equal(t, fastboot.DefaultMaxDownloadSize, size)

	lines, err := c.Oem("device-info")
	require.NoError(t, err)
	assert.Contains(t, lines, "Active slot: b")
}

func TestClientTCP(t *testing.T) {
	ln, err := tcp.Listen("127.0.0.1:0")
	require.NoError(t, err)
	dev := serve(t, ln)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var progress []int64
	c, err := Dial(ctx, ln.Addr(),
		WithChunkSize(1000),
		WithProgress(func(done, _ int64) { progress = append(progress, done) }))
	require.NoError(t, err)
	defer c.Close()

	exercise(t, c, dev)
	assert.Contains(t, progress, int64(1000))

	require.NoError(t, c.Reboot(commands.CmdRebootBootloader))
	_, err = c.GetVar("product")
	assert.Error(t, err, "session continues after reboot")
}

func TestClientFIFO(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h := fifo.New(t.TempDir(), 1)
	require.NoError(t, h.Init(ctx))
	ln := usb.NewListener(h, usb.DefaultOutAddress, usb.DefaultInAddress)
	dev := serve(t, ln)

	c, err := OpenFIFO(ctx, h.DeviceDir(), 1)
	require.NoError(t, err)

	exercise(t, c, dev)

	// A download of a packet multiple ends with a zero-length packet.
	require.NoError(t, c.Download(pattern(1024)))
	_, err = c.Command("flash:misc")
	require.NoError(t, err)
	got, err := c.Fetch("misc", 0, 1024)
	require.NoError(t, err)
	assert.Equal(t, pattern(1024), got)

	require.NoError(t, c.Close())

	// The device accepts the next host once the session ended. The
	// connection signal was consumed by the first host.
	port, err := fifo.Open(h.DeviceDir(), 1)
	require.NoError(t, err)
	c = New(NewUSBConn(port))
	defer c.Close()
	slot, err := c.GetVar("current-slot")
	require.NoError(t, err)
	assert.Equal(t, "b", slot)
}

// fakeConn replays device records.
type fakeConn struct {
	in  [][]byte
	out [][]byte
}

func (f *fakeConn) Read(p []byte) (int, error) {
	if len(f.in) == 0 {
		return 0, io.EOF
	}
	n := copy(p, f.in[0])
	f.in[0] = f.in[0][n:]
	if len(f.in[0]) == 0 {
		f.in = f.in[1:]
	}
	return n, nil
}

func (f *fakeConn) Write(p []byte) (int, error) {
	f.out = append(f.out, bytes.Clone(p))
	return len(p), nil
}

func (f *fakeConn) Close() error { return nil }

func records(rs ...string) [][]byte {
	out := make([][]byte, len(rs))
	for i, r := range rs {
		out[i] = []byte(r)
	}
	return out
}

func TestCommandResponses(t *testing.T) {
	tests := []struct {
		name    string
		in      [][]byte
		want    Response
		wantErr error
	}{
		{
			name: "okay",
			in:   records("OKAYdone"),
			want: Response{Status: fastboot.StatusOkay, Message: "done"},
		},
		{
			name: "info then okay",
			in:   records("INFOone", "", "INFOtwo", "OKAY"),
			want: Response{Status: fastboot.StatusOkay, Info: []string{"one", "two"}},
		},
		{
			name: "data",
			in:   records("DATA0000abcd"),
			want: Response{Status: fastboot.StatusData, Size: 0xabcd},
		},
		{
			name:    "malformed",
			in:      records("WHAT"),
			want:    Response{},
			wantErr: pkg.ErrProtocol,
		},
		{
			name:    "disconnected",
			want:    Response{},
			wantErr: io.EOF,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &fakeConn{in: tt.in}
			resp, err := New(conn).Command("test")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp)
			assert.Equal(t, records("test"), conn.out)
		})
	}
}

func TestCommandFail(t *testing.T) {
	conn := &fakeConn{in: records("INFOerasing", "FAILno space")}
	resp, err := New(conn).Command("flash:boot")

	var fe *FailError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "flash:boot", fe.Command)
	assert.Equal(t, "no space", fe.Message)
	assert.Equal(t, []string{"erasing"}, resp.Info)
	assert.Equal(t, `flash:boot: device failed: no space`, err.Error())
}

func TestCommandTooLong(t *testing.T) {
	_, err := New(&fakeConn{}).Command(string(make([]byte, fastboot.DefaultMaxCommandLength+1)))
	assert.ErrorIs(t, err, pkg.ErrCommandTooLong)
}

func TestDownloadSizeMismatch(t *testing.T) {
	conn := &fakeConn{in: records("DATA00000002")}
	err := New(conn).Download([]byte("abc"))
	assert.ErrorIs(t, err, pkg.ErrProtocol)
}

func TestUploadTruncated(t *testing.T) {
	conn := &fakeConn{in: records("DATA00000008", "abcd")}
	_, err := New(conn).Upload()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFetchCommand(t *testing.T) {
	tests := []struct {
		off, size int64
		want      string
	}{
		{0, -1, "fetch:boot"},
		{16, -1, "fetch:boot:0x10"},
		{0, 32, "fetch:boot:0x0:0x20"},
	}
	for _, tt := range tests {
		conn := &fakeConn{in: records("DATA00000000", "OKAY")}
		_, err := New(conn).Fetch("boot", tt.off, tt.size)
		require.NoError(t, err)
		assert.Equal(t, records(tt.want), conn.out)
	}
}
