// Package provider resolves tile source identifiers to upstream request
// parameters.
package provider

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pioxmdr920415/tilecache/internal/geo"
)

var (
	// ErrUnknownProvider reports a provider id absent from the registry.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrMissingCredential reports that a provider requires a credential
	// that the resolver could not supply.
	ErrMissingCredential = errors.New("missing provider credential")
)

// Config describes one tile source. Instances are immutable after the
// registry is built.
type Config struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	URLTemplate string `json:"-"`
	// Subdomains lists the {s} placeholder candidates. Empty when the
	// template has no subdomain placeholder.
	Subdomains         []string `json:"-"`
	RequiresCredential bool     `json:"requires_credential"`
	// CredentialSource is the lookup key handed to the credential
	// resolver, typically an environment variable name.
	CredentialSource string `json:"-"`
	MinZoom          int    `json:"min_zoom"`
	MaxZoom          int    `json:"max_zoom"`
}

// CredentialResolver supplies credentials for providers that require one.
type CredentialResolver interface {
	Resolve(source string) (string, bool)
}

// ResolverFunc adapts a function to the CredentialResolver interface.
type ResolverFunc func(source string) (string, bool)

func (f ResolverFunc) Resolve(source string) (string, bool) {
	return f(source)
}

// EnvResolver resolves credential sources as environment variable names.
// An empty value counts as absent.
type EnvResolver struct{}

var _ CredentialResolver = (*EnvResolver)(nil)

func (EnvResolver) Resolve(source string) (string, bool) {
	v, ok := os.LookupEnv(source)
	return v, ok && v != ""
}

// Registry holds the known providers and builds upstream URLs for them.
type Registry struct {
	providers map[string]Config
	resolver  CredentialResolver
	pick      func(n int) int
}

type Option func(*Registry)

// WithCredentialResolver overrides the default environment-based resolver.
func WithCredentialResolver(r CredentialResolver) Option {
	return func(reg *Registry) {
		reg.resolver = r
	}
}

// WithSubdomainPicker overrides the subdomain selection strategy. The
// picker receives the subdomain count and returns an index into the list.
// The default picks uniformly at random per call.
func WithSubdomainPicker(pick func(n int) int) Option {
	return func(reg *Registry) {
		reg.pick = pick
	}
}

func NewRegistry(configs []Config, opts ...Option) *Registry {
	reg := &Registry{
		providers: make(map[string]Config, len(configs)),
		resolver:  EnvResolver{},
		pick:      rand.IntN,
	}
	for _, cfg := range configs {
		reg.providers[cfg.ID] = cfg
	}

	for _, opt := range opts {
		opt(reg)
	}

	return reg
}

// Get returns the configuration for a provider id.
func (r *Registry) Get(id string) (Config, error) {
	cfg, ok := r.providers[id]
	if !ok {
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownProvider, id)
	}
	return cfg, nil
}

// Has reports whether the registry knows the provider id.
func (r *Registry) Has(id string) bool {
	_, ok := r.providers[id]
	return ok
}

// All returns every registered provider ordered by id.
func (r *Registry) All() []Config {
	configs := make([]Config, 0, len(r.providers))
	for _, cfg := range r.providers {
		configs = append(configs, cfg)
	}
	sort.Slice(configs, func(i, j int) bool {
		return configs[i].ID < configs[j].ID
	})
	return configs
}

// URLFor builds the upstream request URL for one tile. The zoom must lie
// within the provider's supported window and (x, y) inside the tile grid.
func (r *Registry) URLFor(id string, z, x, y int) (string, error) {
	cfg, err := r.Get(id)
	if err != nil {
		return "", err
	}

	if z < cfg.MinZoom || z > cfg.MaxZoom {
		return "", fmt.Errorf("provider %q zoom %d outside [%d, %d]: %w",
			id, z, cfg.MinZoom, cfg.MaxZoom, geo.ErrOutOfRange)
	}
	if !geo.ValidTile(z, x, y) {
		return "", fmt.Errorf("provider %q tile %d/%d/%d: %w", id, z, x, y, geo.ErrOutOfRange)
	}

	pairs := []string{
		"{z}", strconv.Itoa(z),
		"{x}", strconv.Itoa(x),
		"{y}", strconv.Itoa(y),
	}

	if len(cfg.Subdomains) > 0 {
		pairs = append(pairs, "{s}", cfg.Subdomains[r.pick(len(cfg.Subdomains))])
	}

	if cfg.RequiresCredential {
		token, ok := r.resolver.Resolve(cfg.CredentialSource)
		if !ok {
			return "", fmt.Errorf("provider %q source %q: %w", id, cfg.CredentialSource, ErrMissingCredential)
		}
		pairs = append(pairs, "{token}", token)
	}

	return strings.NewReplacer(pairs...).Replace(cfg.URLTemplate), nil
}
