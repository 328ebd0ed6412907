package services

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/poglesbyg/tracseq-gateway/internal/domain"
)

// MapperDefaults are the process-level fallbacks (from env config) used when
// neither the service nor the file defaults set a value.
type MapperDefaults struct {
	RateLimit int
	Burst     int
}

// Mapper converts services file entries to domain.ServiceEndpoint values
type Mapper struct {
	defaults MapperDefaults
}

// NewMapper creates a new mapper instance
func NewMapper(defaults MapperDefaults) *Mapper {
	return &Mapper{defaults: defaults}
}

// MapEndpoints converts a parsed File into endpoints, applying defaults.
func (m *Mapper) MapEndpoints(file *File) ([]*domain.ServiceEndpoint, error) {
	endpoints := make([]*domain.ServiceEndpoint, 0, len(file.Services))

	for i, svc := range file.Services {
		name := strings.TrimSpace(svc.Name)
		if name == "" {
			return nil, fmt.Errorf("service #%d: name is required", i)
		}

		base, err := url.Parse(strings.TrimSpace(svc.BaseURL))
		if err != nil {
			return nil, fmt.Errorf("service %s: invalid base_url: %w", name, err)
		}

		ep := &domain.ServiceEndpoint{
			Name:        name,
			BaseURL:     base,
			PathPrefix:  svc.PathPrefix,
			StripPrefix: svc.StripPrefix,
			AddVersion:  svc.AddVersion,
			Version:     firstNonEmpty(svc.Version, file.Defaults.Version, domain.DefaultVersion),
			Timeout:     svc.Timeout,
			Headers:     svc.Headers,
			RequireAuth: svc.RequireAuth,
			RateLimit:   firstPositive(svc.RateLimit, file.Defaults.RateLimit, m.defaults.RateLimit),
			Burst:       firstPositive(svc.Burst, file.Defaults.Burst, m.defaults.Burst),
			HealthPath:  firstNonEmpty(svc.HealthPath, file.Defaults.HealthPath, domain.DefaultHealthPath),
			Critical:    svc.Critical == nil || *svc.Critical,
		}
		if ep.Timeout <= 0 {
			ep.Timeout = file.Defaults.Timeout
		}
		if ep.Timeout <= 0 {
			ep.Timeout = domain.DefaultTimeout
		}

		if err := ep.Validate(); err != nil {
			return nil, err
		}
		endpoints = append(endpoints, ep)
	}

	return endpoints, nil
}

// LoadResolver is the startup path: read file, map endpoints, build the prefix index.
func LoadResolver(path string, defaults MapperDefaults) (*domain.Resolver, error) {
	file, err := NewLoader(path).Load()
	if err != nil {
		return nil, err
	}
	endpoints, err := NewMapper(defaults).MapEndpoints(file)
	if err != nil {
		return nil, fmt.Errorf("failed to map services: %w", err)
	}
	resolver, err := domain.NewResolver(endpoints, file.DefaultService)
	if err != nil {
		return nil, fmt.Errorf("failed to build routing table: %w", err)
	}
	return resolver, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
