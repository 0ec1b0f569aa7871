package model

import (
	"fmt"
	"io"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// versionRe matches a major.minor runtime version like "8.1".
var versionRe = regexp.MustCompile(`^[0-9]+\.[0-9]+$`)

// Config holds everything the pipeline needs to know about the target host.
// Zero values are filled from DefaultConfig, a yaml file may override them and
// command line flags have the last word.
type Config struct {
	Version       string   `yaml:"version"`        // runtime version, e.g. "8.1"
	Modules       []string `yaml:"modules"`        // optional runtime extensions
	SkipHardening bool     `yaml:"skip_hardening"` // bypass the database hardening chain

	WebRoot      string `yaml:"web_root"`       // nginx document root
	NginxConfDir string `yaml:"nginx_conf_dir"` // drop-in directory for routing fragments

	HTTPPort    int    `yaml:"http_port"`    // web server listener
	DBPort      int    `yaml:"db_port"`      // database listener
	RuntimePort int    `yaml:"runtime_port"` // fpm TCP listener, when TCP transport is used
	FPMSocket   string `yaml:"fpm_socket"`   // fpm unix socket path, "" => derived from Version

	CommandTimeout time.Duration `yaml:"command_timeout"` // per external call
	InstallTimeout time.Duration `yaml:"install_timeout"` // package installation only

	Verbose bool `yaml:"verbose"`
}

func DefaultConfig() Config {
	return Config{
		Version:        "8.1",
		WebRoot:        "/var/www/html",
		NginxConfDir:   "/etc/nginx/conf.d",
		HTTPPort:       80,
		DBPort:         3306,
		RuntimePort:    9000,
		CommandTimeout: 2 * time.Minute,
		InstallTimeout: 10 * time.Minute,
	}
}

// LoadConfig reads a yaml config on top of the defaults. Unknown keys are
// rejected, so a typo in the file does not silently fall back to a default.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Validate checks the parts of the config which would make the run unsafe.
// A malformed version is fatal, everything else has a usable default.
func (c Config) Validate() error {
	if !versionRe.MatchString(c.Version) {
		return fmt.Errorf("%w: runtime version %q does not match major.minor", ErrPreflight, c.Version)
	}
	return nil
}

// FPMSocketPath returns the configured fpm socket path or the distribution
// default for the configured runtime version.
func (c Config) FPMSocketPath() string {
	if c.FPMSocket != "" {
		return c.FPMSocket
	}
	return fmt.Sprintf("/run/php/php%s-fpm.sock", c.Version)
}
