package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".kwalk"
	configFile string = "config.yml"
)

// Defaults of the bounds applied to guest data.
const (
	DefaultMaxStringLen   = 256
	DefaultMaxNodes       = 1 << 16
	DefaultMaxFDs         = 1 << 16
	DefaultMaxHookEntries = 1024
	DefaultMaxDevices     = 4096
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// MaxStringLen is the maximum length of strings read from the guest.
	MaxStringLen *int `yaml:"max-string-len,omitempty"`
	// MaxNodes is the maximum number of nodes visited in a list.
	MaxNodes *int `yaml:"max-nodes,omitempty"`
	// MaxFDs bounds the file descriptor table of a process.
	MaxFDs *int `yaml:"max-fds,omitempty"`
	// MaxHookEntries bounds the entries of a netfilter hook.
	MaxHookEntries *int `yaml:"max-hook-entries,omitempty"`
	// MaxDevices bounds the devices of a TTY driver.
	MaxDevices *int `yaml:"max-devices,omitempty"`

	// LayoutFiles are loaded on top of the built-in structure layouts, in
	// order.
	LayoutFiles []string `yaml:"layout-files"`

	// DefaultSocket is the introspection socket used when --socket is not
	// given.
	DefaultSocket string `yaml:"default-socket,omitempty"`
	// Backend is the VMI backend used for live guests.
	Backend string `yaml:"backend,omitempty"`

	// Color is one of auto, always or never.
	Color string `yaml:"color,omitempty"`
}

// ColorMode says when output is colorized.
type ColorMode int

const (
	ColorAuto ColorMode = iota
	ColorAlways
	ColorNever
)

// ColorMode parses the color option.
func (c *Config) ColorMode() (ColorMode, error) {
	switch c.Color {
	case "", "auto":
		return ColorAuto, nil
	case "always":
		return ColorAlways, nil
	case "never":
		return ColorNever, nil
	}
	return ColorAuto, fmt.Errorf("invalid color option %q (must be auto, always or never)", c.Color)
}

func intOr(v *int, def int) int {
	if v == nil || *v <= 0 {
		return def
	}
	return *v
}

func (c *Config) StringLen() int   { return intOr(c.MaxStringLen, DefaultMaxStringLen) }
func (c *Config) Nodes() int       { return intOr(c.MaxNodes, DefaultMaxNodes) }
func (c *Config) FDs() int         { return intOr(c.MaxFDs, DefaultMaxFDs) }
func (c *Config) HookEntries() int { return intOr(c.MaxHookEntries, DefaultMaxHookEntries) }
func (c *Config) Devices() int     { return intOr(c.MaxDevices, DefaultMaxDevices) }

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not create config directory: %v.\n", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to get config file path: %v.\n", err)
		return &Config{}
	}
	c, err := LoadConfigFile(fullConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v.\n", err)
		return &Config{}
	}
	return c
}

// LoadConfigFile reads the configuration at path, creating a default
// configuration file if it doesn't exist.
func LoadConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		f, err = createDefaultConfig(path)
		if err != nil {
			return nil, fmt.Errorf("error creating default config file: %v", err)
		}
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unable to decode config file: %v", err)
	}
	if _, err := c.ColorMode(); err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}
	return SaveConfigFile(conf, fullConfigFile)
}

// SaveConfigFile is like SaveConfig but writes to path.
func SaveConfigFile(conf *Config, path string) error {
	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for kwalk.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Maximum length of strings read from the guest.
# max-string-len: 256

# Maximum number of nodes visited in a kernel list.
# max-nodes: 65536

# Bounds applied to counts read from the guest.
# max-fds: 65536
# max-hook-entries: 1024
# max-devices: 4096

# Structure layout files loaded on top of the built-in layouts.
layout-files:
  # - /etc/kwalk/linux-5.10.yml

# Introspection socket used for live guests when --socket is not given.
# default-socket: /var/run/kvmi.sock

# VMI backend used for live guests.
# backend: kvmi

# When to colorize output: auto, always or never.
# color: auto
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
