package config

import (
	"fmt"
	"os"
	"regexp"

	yaml "gopkg.in/yaml.v2"
)

const DefaultVolumeType = "auto"
const DefaultCompression = "auto"

// Config for rockup
type Config struct {
	VolumeType    string   `yaml:"volume_type"`  // auto, copy or cat
	Compression   string   `yaml:"compression"`  // auto, enforce or disable
	Obfuscate     bool     `yaml:"obfuscate"`    // Obfuscate stream names within copy volumes
	PackedPaths   []string `yaml:"packed_paths"` // Extra path regexes treated as already packed
	RePackedPaths []*regexp.Regexp
}

// Unmarshal the config
func Unmarshal(config []byte) (*Config, error) {
	// Default values specified here
	cfg := &Config{
		VolumeType:    DefaultVolumeType,
		Compression:   DefaultCompression,
		RePackedPaths: make([]*regexp.Regexp, 0),
	}
	err := yaml.Unmarshal(config, cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %v. make sure to use 'single quotes' around strings with special characters (like match patterns)", err.Error())
	}
	err = cfg.validate()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile - loads config file
func LoadConfigFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load %v: %v", filename, err.Error())
	}
	cfg, err := LoadConfigString(content)
	if err != nil {
		return nil, fmt.Errorf("failed to load %v: %v", filename, err.Error())
	}
	return cfg, nil
}

// LoadConfigString - loads a string
func LoadConfigString(content []byte) (*Config, error) {
	cfg, err := Unmarshal([]byte(content))
	return cfg, err
}

func (c *Config) validate() error {
	switch c.VolumeType {
	case "auto", "copy", "cat":
	default:
		return fmt.Errorf("volume_type must be one of auto/copy/cat: %s", c.VolumeType)
	}
	switch c.Compression {
	case "auto", "enforce", "disable":
	default:
		return fmt.Errorf("compression must be one of auto/enforce/disable: %s", c.Compression)
	}
	if len(c.PackedPaths) > 0 {
		for _, m := range c.PackedPaths {
			rePath, err := regexp.Compile(m)
			if err != nil {
				return fmt.Errorf("failed to parse '%s' as a regex", m)
			}
			c.RePackedPaths = append(c.RePackedPaths, rePath)
		}
	}
	return nil
}
