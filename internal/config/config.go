// Package config loads an optional YAML file of trace defaults,
// merged under whatever flags the CLI sets explicitly: a flag the user
// actually passed always wins over the file, with the file acting as
// a lower-priority layer of defaults underneath it.
package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/pileofpwn/x86trace/internal/tracetypes"
)

// File is the optional on-disk shape of --config file.yaml. Every
// field is a pointer so an absent key in the YAML leaves the
// corresponding Config field untouched by Merge.
type File struct {
	Base         *string `yaml:"base"`
	StackBase    *string `yaml:"stack_base"`
	StackSize    *uint64 `yaml:"stack_size"`
	MaxSteps     *int    `yaml:"max_steps"`
	StackEntries *int    `yaml:"stack_entries"`
	ArchBits     *int    `yaml:"arch_bits"`
	InterpBase   *string `yaml:"interp_base"`
	StartInterp  *bool   `yaml:"start_interp"`
	BufferOffset *int64  `yaml:"buffer_offset"`
	BufferSize   *int    `yaml:"buffer_size"`
	StartSymbol  *string `yaml:"start_symbol"`
}

// Load reads and parses a YAML config file. A path of "" is not an
// error: it returns a zero File, so callers can unconditionally call
// Merge.
func Load(path string) (*File, error) {
	if path == "" {
		return &File{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Merge applies f's set fields onto cfg wherever explicit reports the
// corresponding flag was NOT passed on the command line. explicit maps
// flag name to "was it set" (cobra's Changed field), so a file value
// never clobbers something the user typed.
func Merge(cfg tracetypes.Config, f *File, explicit map[string]bool) (tracetypes.Config, error) {
	if f == nil {
		return cfg, nil
	}

	if f.Base != nil && !explicit["base"] {
		v, err := parseHex(*f.Base)
		if err != nil {
			return cfg, err
		}
		cfg.Base = v
	}
	if f.StackBase != nil && !explicit["stack-base"] {
		v, err := parseHex(*f.StackBase)
		if err != nil {
			return cfg, err
		}
		cfg.StackBase = v
	}
	if f.StackSize != nil && !explicit["stack-size"] {
		cfg.StackSize = *f.StackSize
	}
	if f.MaxSteps != nil && !explicit["max-steps"] {
		cfg.MaxSteps = *f.MaxSteps
	}
	if f.StackEntries != nil && !explicit["stack-entries"] {
		cfg.StackEntries = *f.StackEntries
	}
	if f.ArchBits != nil && !explicit["arch-bits"] {
		cfg.ArchBits = *f.ArchBits
	}
	if f.InterpBase != nil && !explicit["interp-base"] {
		v, err := parseHex(*f.InterpBase)
		if err != nil {
			return cfg, err
		}
		cfg.InterpBase = v
	}
	if f.StartInterp != nil && !explicit["start-interp"] {
		cfg.StartInterp = *f.StartInterp
	}
	if f.BufferOffset != nil && !explicit["buffer-offset"] {
		cfg.BufferOffset = f.BufferOffset
	}
	if f.BufferSize != nil && !explicit["buffer-size"] {
		cfg.BufferSize = *f.BufferSize
	}
	if f.StartSymbol != nil && !explicit["start-symbol"] {
		cfg.StartSymbol = *f.StartSymbol
	}
	return cfg, nil
}

// parseHex parses a "0x..."-prefixed or plain decimal address string,
// the same address-string shape the CLI flags already accept.
func parseHex(s string) (uint64, error) {
	return strconv.ParseUint(s, 0, 64)
}
