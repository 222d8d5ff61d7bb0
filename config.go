package devtree

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the caller supplied configuration consumed by Reset and
// Populate.
type Config struct {
	// ExclusiveDisks, when not empty, limits the tree to these disks and
	// whatever is built on them.
	ExclusiveDisks []string `yaml:"exclusive_disks"`

	// IgnoredDisks are left out of the tree along with everything built on
	// them.
	IgnoredDisks []string `yaml:"ignored_disks"`

	// DiskImages maps a disk name to an image file that is set up as that
	// disk.
	DiskImages map[string]string `yaml:"disk_images"`

	// ProtectedDevSpecs are device specifiers of devices that must not be
	// modified.
	ProtectedDevSpecs []string `yaml:"protected_dev_specs"`

	// Passphrase is tried on every LUKS device.
	Passphrase string `yaml:"passphrase"`

	// LUKSPassphrases maps a LUKS uuid to its passphrase.
	LUKSPassphrases map[string]string `yaml:"luks_passphrases"`

	// InstallerMode allows the tree to tear down active devices when it
	// needs to.
	InstallerMode bool `yaml:"installer_mode"`

	// DMRaid enables handling of firmware raid sets with dmraid.
	DMRaid bool `yaml:"dmraid"`

	// IncludeNodev adds filesystems without a backing device to the
	// active mounts.
	IncludeNodev bool `yaml:"include_nodev"`

	// Testing skips operations that need real devices, like opening LUKS.
	Testing bool `yaml:"testing"`

	// BackupConfigs are files that populate may modify; they are restored
	// when it is done.
	BackupConfigs []string `yaml:"backup_configs"`

	// LiveMountpoint is where a live image is mounted.
	LiveMountpoint string `yaml:"live_mountpoint"`

	// EDD maps a disk name to its BIOS drive number.
	EDD map[string]int `yaml:"edd"`
}

const (
	defaultLiveMountpoint = "/run/initramfs/live"
	defaultMDConfig       = "/etc/mdadm.conf"
)

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		ExclusiveDisks:    []string{},
		IgnoredDisks:      []string{},
		DiskImages:        map[string]string{},
		ProtectedDevSpecs: []string{},
		LUKSPassphrases:   map[string]string{},
		BackupConfigs:     []string{defaultMDConfig},
		LiveMountpoint:    defaultLiveMountpoint,
		EDD:               map[string]int{},
	}
}

// LoadConfig reads a yaml configuration file. Fields not set in the file
// keep their default value.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	content, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "failed to read config %s", path)
	}

	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "failed to parse config %s", path)
	}

	cfg.fill()

	return cfg, nil
}

// fill replaces nil collections with empty ones so that a decoded config
// can be used like a default one.
func (c *Config) fill() {
	if c.ExclusiveDisks == nil {
		c.ExclusiveDisks = []string{}
	}

	if c.IgnoredDisks == nil {
		c.IgnoredDisks = []string{}
	}

	if c.DiskImages == nil {
		c.DiskImages = map[string]string{}
	}

	if c.ProtectedDevSpecs == nil {
		c.ProtectedDevSpecs = []string{}
	}

	if c.LUKSPassphrases == nil {
		c.LUKSPassphrases = map[string]string{}
	}

	if c.EDD == nil {
		c.EDD = map[string]int{}
	}

	if c.LiveMountpoint == "" {
		c.LiveMountpoint = defaultLiveMountpoint
	}
}
