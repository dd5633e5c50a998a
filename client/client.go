package client

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/ardnew/fastbootd/fastboot"
	"github.com/ardnew/fastbootd/pkg"
)

// Conn is a link to a device. Each Write sends one host message; a Read
// returns bytes of at most one device message and may return 0 bytes for
// an empty message.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
}

// maxRecord bounds one response record read from the device.
const maxRecord = fastboot.DefaultMaxCommandLength

// Response is the outcome of one command.
type Response struct {
	Status  fastboot.Status
	Message string   // OKAY or FAIL text
	Info    []string // INFO lines received before the terminal record
	Size    int64    // announced size of a DATA response
}

// FailError is returned when the device answers a command with FAIL.
type FailError struct {
	Command string
	Message string
}

func (e *FailError) Error() string {
	return fmt.Sprintf("%s: device failed: %s", e.Command, e.Message)
}

// InfoFunc receives INFO lines as they arrive.
type InfoFunc func(line string)

// ProgressFunc reports data phase progress.
type ProgressFunc func(done, total int64)

// Config holds the client configuration.
type Config struct {
	// Info is called for every INFO line (optional).
	Info InfoFunc

	// Progress is called after every data phase chunk (optional).
	Progress ProgressFunc

	// ChunkSize is the largest single Write of a download.
	ChunkSize int

	// HandshakeTimeout bounds the TCP handshake of Dial.
	HandshakeTimeout time.Duration
}

func defaultConfig() Config {
	return Config{
		ChunkSize:        1 << 20,
		HandshakeTimeout: 5 * time.Second,
	}
}

// Option is a functional option for configuring a Client.
type Option func(*Config)

// WithInfo installs fn to receive INFO lines.
func WithInfo(fn InfoFunc) Option {
	return func(c *Config) { c.Info = fn }
}

// WithProgress installs fn to receive data phase progress.
func WithProgress(fn ProgressFunc) Option {
	return func(c *Config) { c.Progress = fn }
}

// WithChunkSize sets the largest single Write of a download.
func WithChunkSize(size int) Option {
	return func(c *Config) {
		if size > 0 {
			c.ChunkSize = size
		}
	}
}

// WithHandshakeTimeout bounds the TCP handshake.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Config) { c.HandshakeTimeout = d }
}

// Client speaks the host side of the fastboot protocol.
//
// A Client is not safe for concurrent use: fastboot carries one command at
// a time.
type Client struct {
	conn   Conn
	config Config
	record [maxRecord]byte
}

// New creates a Client over conn.
func New(conn Conn, opts ...Option) *Client {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Client{conn: conn, config: cfg}
}

// Close closes the link.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Command sends cmd and reads responses until OKAY, FAIL or DATA.
// A FAIL is returned as a *FailError together with the response.
func (c *Client) Command(cmd string) (Response, error) {
	if len(cmd) > fastboot.DefaultMaxCommandLength {
		return Response{}, fmt.Errorf("%w: %d bytes", pkg.ErrCommandTooLong, len(cmd))
	}
	pkg.LogDebug(pkg.ComponentTransport, "send command", "command", cmd)
	if _, err := c.conn.Write([]byte(cmd)); err != nil {
		return Response{}, fmt.Errorf("%s: %w", cmd, err)
	}
	return c.response(cmd)
}

// response reads records until a terminal one or DATA.
func (c *Client) response(cmd string) (Response, error) {
	var resp Response
	for {
		record, err := c.readRecord()
		if err != nil {
			return resp, fmt.Errorf("%s: %w", cmd, err)
		}
		status, ok := fastboot.ParseStatus(record)
		if !ok {
			return resp, fmt.Errorf("%s: %w: malformed response %q", cmd, pkg.ErrProtocol, record)
		}
		resp.Status = status
		message := string(record[fastboot.PrefixSize:])

		switch status {
		case fastboot.StatusInfo:
			resp.Info = append(resp.Info, message)
			if c.config.Info != nil {
				c.config.Info(message)
			}
		case fastboot.StatusData:
			if resp.Size, err = fastboot.ParseDataSize(record); err != nil {
				return resp, fmt.Errorf("%s: %w", cmd, err)
			}
			return resp, nil
		case fastboot.StatusFail:
			resp.Message = message
			return resp, &FailError{Command: cmd, Message: message}
		default:
			resp.Message = message
			return resp, nil
		}
	}
}

// readRecord reads one non-empty device message.
func (c *Client) readRecord() ([]byte, error) {
	for {
		n, err := c.conn.Read(c.record[:])
		if n > 0 {
			return c.record[:n], nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// expectData sends cmd and requires a DATA response.
func (c *Client) expectData(cmd string) (int64, error) {
	resp, err := c.Command(cmd)
	if err != nil {
		return 0, err
	}
	if resp.Status != fastboot.StatusData {
		return 0, fmt.Errorf("%s: %w: expected DATA, got %s", cmd, pkg.ErrProtocol, resp.Status)
	}
	return resp.Size, nil
}

// expectOkay reads the terminal response of a data phase.
func (c *Client) expectOkay(cmd string) (Response, error) {
	resp, err := c.response(cmd)
	if err != nil {
		return resp, err
	}
	if resp.Status != fastboot.StatusOkay {
		return resp, fmt.Errorf("%s: %w: expected OKAY, got %s", cmd, pkg.ErrProtocol, resp.Status)
	}
	return resp, nil
}

// GetVar returns the value of a device variable.
func (c *Client) GetVar(name string) (string, error) {
	resp, err := c.Command("getvar:" + name)
	if err != nil {
		return "", err
	}
	return resp.Message, nil
}

// GetVarAll returns every variable reported by "getvar:all", keyed by
// "name" or "name:arg".
func (c *Client) GetVarAll() (map[string]string, error) {
	resp, err := c.Command("getvar:all")
	if err != nil {
		return nil, err
	}
	vars := make(map[string]string, len(resp.Info))
	for _, line := range resp.Info {
		i := strings.LastIndexByte(line, ':')
		if i < 0 {
			continue
		}
		vars[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
	}
	return vars, nil
}

// MaxDownloadSize queries "max-download-size".
func (c *Client) MaxDownloadSize() (int64, error) {
	v, err := c.GetVar("max-download-size")
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 0, 64)
}

// Download sends data to the device's download buffer.
func (c *Client) Download(data []byte) error {
	cmd := fmt.Sprintf("download:%08x", len(data))
	size, err := c.expectData(cmd)
	if err != nil {
		return err
	}
	if size != int64(len(data)) {
		return fmt.Errorf("%s: %w: device accepted %d bytes", cmd, pkg.ErrProtocol, size)
	}

	total := int64(len(data))
	for off := 0; off < len(data); {
		end := min(off+c.config.ChunkSize, len(data))
		if _, err := c.conn.Write(data[off:end]); err != nil {
			return fmt.Errorf("%s: %w", cmd, err)
		}
		off = end
		if c.config.Progress != nil {
			c.config.Progress(int64(off), total)
		}
	}
	_, err = c.expectOkay(cmd)
	return err
}

// receive reads the payload of a DATA response announced for cmd.
func (c *Client) receive(cmd string, size int64) ([]byte, error) {
	data := make([]byte, size)
	var done int64
	for done < size {
		n, err := c.conn.Read(data[done:])
		done += int64(n)
		if n > 0 && c.config.Progress != nil {
			c.config.Progress(done, size)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("%s: %w after %d of %d bytes", cmd, err, done, size)
		}
	}
	if _, err := c.expectOkay(cmd); err != nil {
		return nil, err
	}
	return data, nil
}

// Upload retrieves the device's staged upload payload.
func (c *Client) Upload() ([]byte, error) {
	size, err := c.expectData("upload")
	if err != nil {
		return nil, err
	}
	return c.receive("upload", size)
}

// Fetch reads size bytes at off from a partition. A negative size reads
// to the end of the partition.
func (c *Client) Fetch(partition string, off, size int64) ([]byte, error) {
	cmd := "fetch:" + partition
	switch {
	case size >= 0:
		cmd += fmt.Sprintf(":0x%x:0x%x", off, size)
	case off > 0:
		cmd += fmt.Sprintf(":0x%x", off)
	}
	n, err := c.expectData(cmd)
	if err != nil {
		return nil, err
	}
	return c.receive(cmd, n)
}

// Flash downloads image and writes it to partition.
func (c *Client) Flash(partition string, image []byte) error {
	if err := c.Download(image); err != nil {
		return err
	}
	_, err := c.Command("flash:" + partition)
	return err
}

// Erase erases a partition.
func (c *Client) Erase(partition string) error {
	_, err := c.Command("erase:" + partition)
	return err
}

// SetActive makes slot the active slot.
func (c *Client) SetActive(slot string) error {
	_, err := c.Command("set_active:" + slot)
	return err
}

// Reboot sends a reboot command ("reboot", "reboot-bootloader", ...).
// The device ends the session after its OKAY.
func (c *Client) Reboot(cmd string) error {
	_, err := c.Command(cmd)
	return err
}

// Oem runs "oem <args>" and returns its INFO lines.
func (c *Client) Oem(args string) ([]string, error) {
	resp, err := c.Command("oem " + args)
	return resp.Info, err
}

// IsFail reports whether err is a device FAIL whose message contains text.
func IsFail(err error, text string) bool {
	var fe *FailError
	return errors.As(err, &fe) && strings.Contains(fe.Message, text)
}
