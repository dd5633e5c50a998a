package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/xeipuuv/gojsonschema"

	"github.com/ardnew/fastbootd/commands"
	"github.com/ardnew/fastbootd/fastboot"
	"github.com/ardnew/fastbootd/pkg"
	"github.com/ardnew/fastbootd/storage"
	"github.com/ardnew/fastbootd/transport/tcp"
)

//go:embed schema.json
var schema []byte

// Schema returns the JSON Schema configuration files are validated against.
func Schema() []byte {
	return slices.Clone(schema)
}

// Partition describes one partition of the device. A slotted partition is
// created once per slot, named and imaged with the slot suffix.
type Partition struct {
	Name string `json:"name"`

	// Size in bytes. 0 takes the size of an existing image file.
	Size int64 `json:"size,omitempty"`

	Slotted bool   `json:"slotted,omitempty"`
	Type    string `json:"type,omitempty"`
	Logical bool   `json:"logical,omitempty"`

	// Image is the backing file. Relative paths are resolved against the
	// directory of the configuration file. Empty keeps the partition in
	// memory.
	Image string `json:"image,omitempty"`

	ReadOnly bool `json:"read_only,omitempty"`
}

// Config is the configuration of a fastbootd device.
type Config struct {
	Product       string `json:"product"`
	Serial        string `json:"serialno"`
	Bootloader    string `json:"version_bootloader"`
	Baseband      string `json:"version_baseband,omitempty"`
	Secure        bool   `json:"secure"`
	Userspace     bool   `json:"userspace"`
	UnlockAllowed bool   `json:"unlock_allowed"`

	MaxDownloadSize int64 `json:"max_download_size"`
	MaxFetchSize    int64 `json:"max_fetch_size,omitempty"`
	ChunkSize       int   `json:"chunk_size"`

	Slots      []string    `json:"slots"`
	Partitions []Partition `json:"partitions"`

	// StateFile persists the boot state. Empty keeps it in memory.
	StateFile string `json:"state_file,omitempty"`

	// Listen is the TCP listen address.
	Listen string `json:"listen,omitempty"`

	// BusDir is the directory the FIFO HAL creates its device under.
	BusDir string `json:"bus_dir,omitempty"`

	// dir resolves relative paths; empty for configurations not loaded
	// from a file.
	dir string
}

// Default returns the configuration of a simulated A/B device with
// in-memory partitions.
func Default() *Config {
	return &Config{
		Product:         "fastbootd",
		Serial:          "FBD0000001",
		Bootloader:      "1.0.0",
		UnlockAllowed:   true,
		MaxDownloadSize: fastboot.DefaultMaxDownloadSize,
		ChunkSize:       fastboot.DefaultChunkSize,
		Slots:           []string{"a", "b"},
		Partitions: []Partition{
			{Name: "boot", Size: 8 << 20, Slotted: true},
			{Name: "vbmeta", Size: 64 << 10, Slotted: true},
			{Name: "misc", Size: 64 << 10},
			{Name: "userdata", Size: 16 << 20, Type: "ext4"},
		},
		Listen: fmt.Sprintf(":%d", tcp.DefaultPort),
		BusDir: filepath.Join(os.TempDir(), "fastbootd"),
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.dir = filepath.Dir(path)

	pkg.LogInfo(pkg.ComponentConfig, "configuration loaded",
		"path", path,
		"product", cfg.Product,
		"partitions", len(cfg.Partitions),
		"slots", cfg.Slots)
	return cfg, nil
}

// Parse validates data against the schema and decodes it over the
// defaults. Arrays present in data replace the default arrays.
func Parse(data []byte) (*Config, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", pkg.ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateSchema(data []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%w: %w", pkg.ErrInvalidConfig, err)
	}
	if result.Valid() {
		return nil
	}

	errs := make([]error, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		pkg.LogDebug(pkg.ComponentConfig, "schema violation",
			"field", desc.Field(),
			"type", desc.Type(),
			"description", desc.Description())
		errs = append(errs, fmt.Errorf("%s: %s", desc.Field(), desc.Description()))
	}
	return fmt.Errorf("%w: %w", pkg.ErrInvalidConfig, errors.Join(errs...))
}

// Validate checks the rules the schema cannot express: version strings,
// partition naming against the slot set, and the protocol limits.
func (c *Config) Validate() error {
	if _, err := semver.NewVersion(c.Bootloader); err != nil {
		return fmt.Errorf("%w: version_bootloader %q: %w", pkg.ErrInvalidConfig, c.Bootloader, err)
	}
	if c.Baseband != "" {
		if _, err := semver.NewVersion(c.Baseband); err != nil {
			return fmt.Errorf("%w: version_baseband %q: %w", pkg.ErrInvalidConfig, c.Baseband, err)
		}
	}
	if _, err := fastboot.NewConfig(c.FastbootOptions()...); err != nil {
		return fmt.Errorf("%w: %w", pkg.ErrInvalidConfig, err)
	}

	seen := make(map[string]bool)
	for _, p := range c.Partitions {
		if p.Slotted && len(c.Slots) == 0 {
			return fmt.Errorf("%w: partition %q is slotted but no slots are configured",
				pkg.ErrInvalidConfig, p.Name)
		}
		if p.Size == 0 && p.Image == "" {
			return fmt.Errorf("%w: partition %q needs a size or an image", pkg.ErrInvalidConfig, p.Name)
		}
		for _, name := range c.partitionNames(p) {
			if seen[name] {
				return fmt.Errorf("%w: duplicate partition %q", pkg.ErrInvalidConfig, name)
			}
			seen[name] = true
		}
	}
	return nil
}

// partitionNames returns the table names p is registered under.
func (c *Config) partitionNames(p Partition) []string {
	if !p.Slotted {
		return []string{p.Name}
	}
	names := make([]string, len(c.Slots))
	for i, slot := range c.Slots {
		names[i] = p.Name + "_" + slot
	}
	return names
}

// path resolves a relative path against the configuration directory.
func (c *Config) path(p string) string {
	if p == "" || filepath.IsAbs(p) || c.dir == "" {
		return p
	}
	return filepath.Join(c.dir, p)
}

// slotImage inserts the slot suffix before the extension: boot.img
// becomes boot_a.img.
func slotImage(image, slot string) string {
	ext := filepath.Ext(image)
	return strings.TrimSuffix(image, ext) + "_" + slot + ext
}

// FastbootOptions returns the session limits.
func (c *Config) FastbootOptions() []fastboot.Option {
	return []fastboot.Option{
		fastboot.WithMaxDownloadSize(c.MaxDownloadSize),
		fastboot.WithChunkSize(c.ChunkSize),
	}
}

// DeviceInfo returns the device identity.
func (c *Config) DeviceInfo() commands.Info {
	return commands.Info{
		Product:      c.Product,
		Serial:       c.Serial,
		Bootloader:   c.Bootloader,
		Baseband:     c.Baseband,
		Secure:       c.Secure,
		Userspace:    c.Userspace,
		MaxFetchSize: c.MaxFetchSize,
	}
}

// StateStore returns the boot state store: a file store if StateFile is
// set, memory otherwise.
func (c *Config) StateStore() storage.StateStore {
	if c.StateFile == "" {
		return &storage.MemoryStateStore{}
	}
	return storage.NewFileStateStore(c.path(c.StateFile))
}

// DeviceOptions returns the device options derived from the configuration.
func (c *Config) DeviceOptions() []commands.Option {
	return []commands.Option{
		commands.WithUnlockAllowed(c.UnlockAllowed),
		commands.WithStateStore(c.StateStore()),
	}
}

// BuildTable opens every configured partition. On error the partitions
// opened so far are closed.
func (c *Config) BuildTable() (*storage.Table, error) {
	table := storage.NewTable(c.Slots...)
	for _, p := range c.Partitions {
		info := storage.Info{Type: p.Type, Logical: p.Logical}
		if !p.Slotted {
			if err := c.addPartition(table, p.Name, p, p.Image, info); err != nil {
				return nil, errors.Join(err, table.Close())
			}
			continue
		}
		for _, slot := range c.Slots {
			image := p.Image
			if image != "" {
				image = slotImage(image, slot)
			}
			if err := c.addPartition(table, p.Name+"_"+slot, p, image, info); err != nil {
				return nil, errors.Join(err, table.Close())
			}
		}
	}
	return table, nil
}

func (c *Config) addPartition(table *storage.Table, name string, p Partition, image string, info storage.Info) error {
	var part storage.Partition
	if image == "" {
		m := storage.NewMemoryPartition(p.Size)
		m.SetReadOnly(p.ReadOnly)
		part = m
	} else {
		f, err := storage.OpenFilePartition(c.path(image), p.Size, p.ReadOnly)
		if err != nil {
			return fmt.Errorf("partition %s: %w", name, err)
		}
		part = f
	}
	if err := table.Add(name, part, info); err != nil {
		if cl, ok := part.(interface{ Close() error }); ok {
			cl.Close()
		}
		return err
	}
	return nil
}
