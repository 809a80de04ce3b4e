package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"

	"github.com/revmon/revmon/pkg/proc"
)

const (
	configDir  string = ".revmon"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`
	// Architecture used when a trace does not name one.
	DefaultArch string `yaml:"default-arch,omitempty"`
	// MaxBookmarks bounds the number of bookmarks kept per session, zero
	// means unbounded.
	MaxBookmarks int `yaml:"max-bookmarks,omitempty"`
	// HistoryFile overrides the terminal history location.
	HistoryFile string `yaml:"history-file,omitempty"`
}

// Region is a range of linear memory.
type Region struct {
	Start  uint64 `yaml:"start"`
	Length uint64 `yaml:"length"`
}

// Contains reports whether addr is inside the region.
func (r Region) Contains(addr uint64) bool {
	return addr >= r.Start && addr-r.Start < r.Length
}

// Target describes the kernel and CPU of a recorded target.
type Target struct {
	Arch       string `yaml:"arch"`
	KernelBase uint64 `yaml:"kernel-base"`
	PageSize   uint64 `yaml:"page-size,omitempty"`

	// Syscall entry trampolines.
	SysEnter uint64 `yaml:"sysenter,omitempty"`
	SysEntry uint64 `yaml:"sys-entry,omitempty"`
	ArmEntry uint64 `yaml:"arm-entry,omitempty"`

	// Kernel paths that return to user space.
	SysExit uint64 `yaml:"sysexit,omitempty"`
	IRet    uint64 `yaml:"iret,omitempty"`
	ArmRet  uint64 `yaml:"arm-ret,omitempty"`

	// CurrentTask is the address of the kernel's current task pointer.
	CurrentTask uint64 `yaml:"current-task,omitempty"`

	Protected []Region `yaml:"protected,omitempty"`
}

const defaultPageSize = 4096

// Page returns the page size of the target.
func (t *Target) Page() uint64 {
	if t.PageSize == 0 {
		return defaultPageSize
	}
	return t.PageSize
}

// EntryAddrs returns the configured syscall entry addresses.
func (t *Target) EntryAddrs() []uint64 {
	return nonZero(t.SysEnter, t.SysEntry, t.ArmEntry)
}

// ExitAddrs returns the configured return-to-user addresses.
func (t *Target) ExitAddrs() []uint64 {
	return nonZero(t.SysExit, t.IRet, t.ArmRet)
}

// IsProtected reports whether addr lies in a protected memory region.
func (t *Target) IsProtected(addr uint64) bool {
	for _, r := range t.Protected {
		if r.Contains(addr) {
			return true
		}
	}
	return false
}

// Profile returns the instruction-set profile for the target.
func (t *Target) Profile() (proc.Arch, error) {
	return proc.ArchByName(t.Arch, t.ArmRet)
}

func nonZero(addrs ...uint64) []uint64 {
	r := make([]uint64, 0, len(addrs))
	for _, a := range addrs {
		if a != 0 {
			r = append(r, a)
		}
	}
	return r
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	data, err := ioutil.ReadAll(f)
	if err != nil {
		fmt.Printf("Unable to read config data: %v.", err)
		return &Config{}
	}

	c, err := Parse(data)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return &Config{}
	}
	return c
}

// Parse decodes a config file.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
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

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
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
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for revmon.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]

# Architecture assumed for traces that do not declare one (x86-32, x86-64, arm).
# default-arch: x86-32

# Maximum number of bookmarks kept per session.
# max-bookmarks: 512

# Terminal history file, defaults to ~/.revmon/.revmon_history.
# history-file: /tmp/revmon-history
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
