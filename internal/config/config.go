// Package config is used to load the configuration file
package config

import (
	"fmt"
	"runtime"

	"github.com/spf13/viper"
)

type elf struct {
	PageSize uint64 `mapstructure:"page-size" json:"page-size"`
}

type macho struct {
	Identifier string `mapstructure:"identifier" json:"identifier"`
	NoSign     bool   `mapstructure:"no-sign" json:"no-sign"`
}

// Config is the configuration struct
type Config struct {
	Jobs  int   `mapstructure:"jobs" json:"jobs"`
	ELF   elf   `mapstructure:"elf" json:"elf"`
	MachO macho `mapstructure:"macho" json:"macho"`
}

func (c *Config) verify() error {
	if c.Jobs < 0 {
		return fmt.Errorf("config: jobs must not be negative")
	} else if c.Jobs == 0 {
		c.Jobs = runtime.NumCPU()
	}
	if p := c.ELF.PageSize; p != 0 && p&(p-1) != 0 {
		return fmt.Errorf("config: elf page size %#x is not a power of two", p)
	}
	return nil
}

// LoadConfig loads the configuration file
func LoadConfig() (*Config, error) {
	var c *Config

	if err := viper.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}
	if c == nil {
		c = &Config{}
	}

	if err := c.verify(); err != nil {
		return nil, fmt.Errorf("config: failed to verify: %v", err)
	}

	return c, nil
}
