package asset

import (
	"errors"
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultVersion is the cache generation name used when the manifest sets none.
const DefaultVersion = "farm-po-v3"

// DefaultAPIHost is the host serving the order API.
const DefaultAPIHost = "script.google.com"

// DefaultFallbackPath is served to navigation requests when nothing else answers.
const DefaultFallbackPath = "./index.html"

// Manifest lists the assets precached on install.
type Manifest struct {
	// Version names the cache generation.
	Version string `yaml:"version"`

	// APIHost is the hostname whose requests are never cached.
	APIHost string `yaml:"api_host"`

	// CoreShell paths are relative to the app origin. All are required.
	CoreShell []string `yaml:"core_shell"`

	// External URLs are absolute. Each is optional.
	External []string `yaml:"external"`

	// Fallback is the shell path served to navigations that fail.
	Fallback string `yaml:"fallback"`

	// DiscoverExternal adds script and stylesheet URLs found in the fetched
	// shell HTML to the external set.
	DiscoverExternal bool `yaml:"discover_external"`
}

// DefaultManifest returns the asset list for the purchase order app.
func DefaultManifest() *Manifest {
	return &Manifest{
		Version: DefaultVersion,
		APIHost: DefaultAPIHost,
		CoreShell: []string{
			"./",
			"./index.html",
			"./manifest.json",
		},
		External: []string{
			"https://cdn.tailwindcss.com",
			"https://unpkg.com/react@18/umd/react.production.min.js",
			"https://unpkg.com/react-dom@18/umd/react-dom.production.min.js",
			"https://unpkg.com/@babel/standalone/babel.min.js",
		},
		Fallback: DefaultFallbackPath,
	}
}

// LoadManifest reads a YAML manifest from path. Unset fields take their
// defaults; lists given in the file replace the default lists.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	m := &Manifest{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}

	def := DefaultManifest()
	if m.Version == "" {
		m.Version = def.Version
	}
	if m.APIHost == "" {
		m.APIHost = def.APIHost
	}
	if m.CoreShell == nil {
		m.CoreShell = def.CoreShell
	}
	if m.External == nil {
		m.External = def.External
	}
	if m.Fallback == "" {
		m.Fallback = def.Fallback
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks that the manifest can be resolved.
func (m *Manifest) Validate() error {
	if m.Version == "" {
		return errors.New("manifest version is required")
	}
	if len(m.CoreShell) == 0 {
		return errors.New("manifest needs at least one core shell path")
	}
	for _, p := range m.CoreShell {
		u, err := url.Parse(p)
		if err != nil {
			return fmt.Errorf("core shell path %q: %w", p, err)
		}
		if u.IsAbs() {
			return fmt.Errorf("core shell path %q must be relative to the app origin", p)
		}
	}
	for _, raw := range m.External {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("external url %q: %w", raw, err)
		}
		if !u.IsAbs() {
			return fmt.Errorf("external url %q must be absolute", raw)
		}
	}
	return nil
}

// Asset is a resolved manifest entry.
type Asset struct {
	URL      *url.URL
	Class    Class
	Required bool
}

// Resolve returns the core shell assets resolved against origin followed by
// the external assets.
func (m *Manifest) Resolve(origin *url.URL) ([]Asset, error) {
	assets := make([]Asset, 0, len(m.CoreShell)+len(m.External))
	for _, p := range m.CoreShell {
		ref, err := url.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("core shell path %q: %w", p, err)
		}
		assets = append(assets, Asset{
			URL:      origin.ResolveReference(ref),
			Class:    CoreShell,
			Required: true,
		})
	}
	for _, raw := range m.External {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("external url %q: %w", raw, err)
		}
		assets = append(assets, Asset{URL: u, Class: ExternalLibrary})
	}
	return assets, nil
}

// FallbackURL resolves the navigation fallback against origin.
func (m *Manifest) FallbackURL(origin *url.URL) (*url.URL, error) {
	fallback := m.Fallback
	if fallback == "" {
		fallback = DefaultFallbackPath
	}
	ref, err := url.Parse(fallback)
	if err != nil {
		return nil, fmt.Errorf("fallback path %q: %w", fallback, err)
	}
	return origin.ResolveReference(ref), nil
}

// Classifier builds a Classifier from the manifest for origin.
func (m *Manifest) Classifier(origin *url.URL) *Classifier {
	return NewClassifier(origin, m.CoreShell, m.APIHost)
}
