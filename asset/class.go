// Package asset classifies requests and describes the assets precached when a
// cache generation is installed.
package asset

import (
	"net/url"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// Class determines which fetch policy applies to a request.
type Class string

const (
	// CoreShell assets make up the application shell and must be available offline.
	CoreShell Class = "core_shell"
	// ExternalLibrary assets come from third-party CDNs and are cached opportunistically.
	ExternalLibrary Class = "external_library"
	// RemoteAPI requests go to the order API and are never cached.
	RemoteAPI Class = "remote_api"
)

func (c Class) String() string {
	return string(c)
}

// Classifier assigns a Class to request URLs.
type Classifier struct {
	origin  *url.URL
	apiHost string
	shell   mapset.Set[string]
}

// NewClassifier creates a classifier for the app served at origin.
// shellPaths are resolved against origin; apiHost is compared against the
// request hostname without port.
func NewClassifier(origin *url.URL, shellPaths []string, apiHost string) *Classifier {
	shell := mapset.NewThreadUnsafeSet[string]()
	for _, p := range shellPaths {
		ref, err := url.Parse(p)
		if err != nil {
			continue
		}
		shell.Add(normalisePath(origin.ResolveReference(ref).Path))
	}
	return &Classifier{
		origin:  origin,
		apiHost: strings.ToLower(apiHost),
		shell:   shell,
	}
}

// Classify returns the class for u.
// The API host wins, then same-origin shell paths; everything else is an
// external library.
func (c *Classifier) Classify(u *url.URL) Class {
	if c.apiHost != "" && strings.EqualFold(u.Hostname(), c.apiHost) {
		return RemoteAPI
	}
	if c.sameOrigin(u) && c.shell.Contains(normalisePath(u.Path)) {
		return CoreShell
	}
	return ExternalLibrary
}

// IsCoreShellPath reports whether path is one of the shell paths.
func (c *Classifier) IsCoreShellPath(path string) bool {
	return c.shell.Contains(normalisePath(path))
}

// Origin returns the app origin the classifier was built for.
func (c *Classifier) Origin() *url.URL {
	return c.origin
}

func (c *Classifier) sameOrigin(u *url.URL) bool {
	if c.origin == nil {
		return false
	}
	// Relative request URLs (as seen by an http.Handler) belong to the origin.
	if u.Host == "" {
		return true
	}
	return strings.EqualFold(u.Scheme, c.origin.Scheme) && strings.EqualFold(u.Host, c.origin.Host)
}

func normalisePath(p string) string {
	if p == "" {
		return "/"
	}
	return p
}
