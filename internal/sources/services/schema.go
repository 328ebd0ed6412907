package services

import "time"

// File represents the top-level structure of services.yaml.
type File struct {
	// DefaultService receives requests that match no path prefix (optional).
	DefaultService string `yaml:"default_service,omitempty"`
	// Defaults are applied to every service that leaves a field empty.
	Defaults Defaults  `yaml:"defaults,omitempty"`
	Services []Service `yaml:"services"`
}

// Defaults holds per-file fallbacks for service properties.
type Defaults struct {
	Timeout    time.Duration `yaml:"timeout,omitempty"`
	RateLimit  int           `yaml:"rate_limit,omitempty"`
	Burst      int           `yaml:"burst,omitempty"`
	HealthPath string        `yaml:"health_path,omitempty"`
	Version    string        `yaml:"version,omitempty"`
}

// Service contains the properties of one backend entry.
type Service struct {
	Name        string            `yaml:"name"`
	BaseURL     string            `yaml:"base_url"`
	PathPrefix  string            `yaml:"path_prefix"`
	HealthPath  string            `yaml:"health_path,omitempty"`
	RateLimit   int               `yaml:"rate_limit,omitempty"`
	Burst       int               `yaml:"burst,omitempty"`
	Timeout     time.Duration     `yaml:"timeout,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty"`
	RequireAuth bool              `yaml:"require_auth,omitempty"`
	StripPrefix bool              `yaml:"strip_prefix,omitempty"`
	AddVersion  bool              `yaml:"add_version,omitempty"`
	Version     string            `yaml:"version,omitempty"`
	// Critical defaults to true: a nil pointer means "not set".
	Critical *bool `yaml:"critical,omitempty"`
}
