// Package config loads the selfie run configuration from a YAML file.
// Every key is required and none has a default.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models a selfie config file, e.g.
//
//	region: us-west-2
//	target_account: "111111111111"
//	target_instance_list: [i-0123456789abcdef0]
type Config struct {
	Region             string   `yaml:"region"`
	TargetAccount      string   `yaml:"target_account"`
	TargetRole         string   `yaml:"target_role"`
	TargetInstanceList []string `yaml:"target_instance_list"`
	ForensicAccount    string   `yaml:"forensic_account"`
	ControlAccount     string   `yaml:"control_account"`
	ControlRole        string   `yaml:"control_role"`
	Username           string   `yaml:"username"`
	Bucket             string   `yaml:"bucket"`
	TicketID           string   `yaml:"ticket_id"`
	Profile            string   `yaml:"profile"`
}

// Load reads and parses the config file at path. Unknown keys are an error
// so that a typo does not silently leave a value unset.
func Load(path string) (Config, error) {
	var cfg Config
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate returns an error naming every missing key.
func (c Config) Validate() error {
	var missing []string
	for _, field := range []struct {
		key   string
		value string
	}{
		{"region", c.Region},
		{"target_account", c.TargetAccount},
		{"target_role", c.TargetRole},
		{"forensic_account", c.ForensicAccount},
		{"control_account", c.ControlAccount},
		{"control_role", c.ControlRole},
		{"username", c.Username},
		{"bucket", c.Bucket},
		{"ticket_id", c.TicketID},
		{"profile", c.Profile},
	} {
		if strings.TrimSpace(field.value) == "" {
			missing = append(missing, field.key)
		}
	}
	if len(c.TargetInstanceList) == 0 {
		missing = append(missing, "target_instance_list")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}
