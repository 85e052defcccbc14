// Package secrets renders a YAML secrets template whose values may come from
// the environment, files, or external secret stores.
package secrets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// maxTemplateSize bounds both the template and its rendered output.
const maxTemplateSize = 1 << 20

// Secrets holds the values the gateway keeps out of flags and environment.
type Secrets struct {
	// AuthToken protects the gateway management and session routes.
	AuthToken string `yaml:"auth_token"`

	// APIURL is the order API deployment URL.
	APIURL string `yaml:"api_url"`
}

// Lookup resolves a reference against a secret store.
type Lookup func(ctx context.Context, ref string) (string, error)

// Option configures a Resolver.
type Option func(*Resolver)

// Resolver renders secrets templates.
type Resolver struct {
	lookups map[string]Lookup
	logger  *slog.Logger
}

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithLookup exposes l to templates as a function called name.
func WithLookup(name string, l Lookup) Option {
	return func(r *Resolver) {
		r.lookups[name] = l
	}
}

// NewResolver creates a resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		lookups: make(map[string]Lookup),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "secrets")
	return r
}

// ResolveFile renders the template at path.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (*Secrets, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening secrets file: %w", err)
	}
	defer func() { _ = f.Close() }()

	s, err := r.Resolve(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.logger.Debug("secrets resolved", "path", path, "lookups", len(r.lookups))
	return s, nil
}

// Resolve renders the template read from src and decodes the YAML result.
func (r *Resolver) Resolve(ctx context.Context, src io.Reader) (*Secrets, error) {
	data, err := io.ReadAll(io.LimitReader(src, maxTemplateSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading secrets template: %w", err)
	}
	if len(data) > maxTemplateSize {
		return nil, fmt.Errorf("secrets template exceeds %d bytes", maxTemplateSize)
	}

	tmpl, err := template.New("secrets").
		Option("missingkey=error").
		Funcs(r.funcs(ctx)).
		Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing secrets template: %w", err)
	}

	var out bytes.Buffer
	if err := tmpl.Execute(&out, nil); err != nil {
		return nil, fmt.Errorf("rendering secrets template: %w", err)
	}
	if out.Len() > maxTemplateSize {
		return nil, fmt.Errorf("rendered secrets exceed %d bytes", maxTemplateSize)
	}

	var s Secrets
	if err := yaml.Unmarshal(out.Bytes(), &s); err != nil {
		return nil, fmt.Errorf("decoding rendered secrets: %w", err)
	}
	return &s, nil
}

// funcs returns the template functions. Lookups are memoized per render.
func (r *Resolver) funcs(ctx context.Context) template.FuncMap {
	fm := template.FuncMap{
		"env": func(key string) (string, error) {
			v, ok := os.LookupEnv(key)
			if !ok {
				return "", fmt.Errorf("environment variable %q is not set", key)
			}
			return v, nil
		},
		"envOr": func(key, fallback string) string {
			if v, ok := os.LookupEnv(key); ok {
				return v
			}
			return fallback
		},
		"file": func(path string) (string, error) {
			b, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("reading %q: %w", path, err)
			}
			return strings.TrimSpace(string(b)), nil
		},
		// JSON strings are valid YAML double-quoted scalars.
		"quote": func(v string) (string, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return "", err
			}
			return string(b), nil
		},
	}

	seen := make(map[string]string)
	for name, lookup := range r.lookups {
		fm[name] = func(ref string) (string, error) {
			key := name + ":" + ref
			if v, ok := seen[key]; ok {
				return v, nil
			}
			v, err := lookup(ctx, ref)
			if err != nil {
				return "", fmt.Errorf("%s lookup of %q: %w", name, ref, err)
			}
			seen[key] = v
			return v, nil
		}
	}
	return fm
}
