package domain

import (
	"fmt"
	"sort"
	"strings"
)

// Resolver maps inbound request paths to service endpoints by longest prefix.
//
// Endpoints are kept in an immutable slice sorted by prefix length (longest first),
// so the first match is always the most specific one.
type Resolver struct {
	endpoints []*ServiceEndpoint // registration order, for listings
	byPrefix  []*ServiceEndpoint // longest prefix first
	byName    map[string]*ServiceEndpoint
	fallback  *ServiceEndpoint
}

// NewResolver validates the endpoints and builds the prefix index.
// fallback names the service used when no prefix matches ("" = none).
func NewResolver(endpoints []*ServiceEndpoint, fallback string) (*Resolver, error) {
	r := &Resolver{
		endpoints: make([]*ServiceEndpoint, 0, len(endpoints)),
		byName:    make(map[string]*ServiceEndpoint, len(endpoints)),
	}

	prefixes := make(map[string]string, len(endpoints))
	for _, ep := range endpoints {
		if err := ep.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byName[ep.Name]; dup {
			return nil, fmt.Errorf("duplicate service name %q", ep.Name)
		}
		prefix := normalizePrefix(ep.PathPrefix)
		if owner, dup := prefixes[prefix]; dup {
			return nil, fmt.Errorf("services %q and %q share path prefix %q", owner, ep.Name, prefix)
		}
		ep.PathPrefix = prefix
		prefixes[prefix] = ep.Name
		r.byName[ep.Name] = ep
		r.endpoints = append(r.endpoints, ep)
	}

	r.byPrefix = make([]*ServiceEndpoint, len(r.endpoints))
	copy(r.byPrefix, r.endpoints)
	sort.SliceStable(r.byPrefix, func(i, j int) bool {
		return len(r.byPrefix[i].PathPrefix) > len(r.byPrefix[j].PathPrefix)
	})

	if fallback != "" {
		ep, ok := r.byName[fallback]
		if !ok {
			return nil, fmt.Errorf("fallback service %q is not registered", fallback)
		}
		r.fallback = ep
	}

	return r, nil
}

// Resolve returns the endpoint owning path, or the fallback, or false.
func (r *Resolver) Resolve(path string) (*ServiceEndpoint, bool) {
	for _, ep := range r.byPrefix {
		if matchPrefix(path, ep.PathPrefix) {
			return ep, true
		}
	}
	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}

// Lookup returns the endpoint registered under name.
func (r *Resolver) Lookup(name string) (*ServiceEndpoint, bool) {
	ep, ok := r.byName[name]
	return ep, ok
}

// Endpoints returns the endpoints in registration order.
func (r *Resolver) Endpoints() []*ServiceEndpoint {
	out := make([]*ServiceEndpoint, len(r.endpoints))
	copy(out, r.endpoints)
	return out
}

// matchPrefix matches on path segment boundaries: "/api/samples" owns
// "/api/samples" and "/api/samples/1" but not "/api/samplesets".
func matchPrefix(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

func normalizePrefix(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "/" {
		return "/"
	}
	return "/" + strings.Trim(p, "/")
}
