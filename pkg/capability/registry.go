package capability

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/skeinworks/skein/pkg/domain"
)

// Metadata describes the registration a capability reference resolved to.
type Metadata struct {
	Name      string
	Version   string
	Canonical string
}

// Registry maps capability references onto registered implementations.
// Canonical keys take the form "name@version"; bare names resolve through
// aliases, so pipelines may omit the version when the registration is
// unambiguous.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]Capability
	aliases      map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		capabilities: make(map[string]Capability),
		aliases:      make(map[string]string),
	}
}

// Register adds or replaces a capability under name@version. The given
// aliases resolve to the same registration, and the bare name becomes an
// alias for the first version registered under it.
func (r *Registry) Register(name, version string, impl Capability, aliases ...string) {
	canonical := canonicalKey(name, version)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.capabilities[canonical] = impl
	for _, alias := range aliases {
		alias = strings.TrimSpace(alias)
		if alias == "" {
			continue
		}
		r.aliases[alias] = canonical
	}
	if _, exists := r.aliases[name]; !exists {
		r.aliases[name] = canonical
	}
}

// Resolve looks up the capability a step references. References match
// canonically first, then through aliases, then by bare name against the
// default version. A miss returns domain.ErrCapabilityNotFound.
func (r *Registry) Resolve(raw string) (Capability, Metadata, error) {
	raw = strings.TrimSpace(raw)
	name, version := parseReference(raw)
	canonical := canonicalKey(name, version)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if impl, ok := r.capabilities[canonical]; ok {
		return impl, Metadata{Name: name, Version: version, Canonical: canonical}, nil
	}
	if target, ok := r.aliases[raw]; ok {
		if impl, ok := r.capabilities[target]; ok {
			return impl, Metadata{Name: name, Version: versionFromKey(target), Canonical: target}, nil
		}
	}
	if version == "" {
		if target, ok := r.aliases[name]; ok {
			if impl, ok := r.capabilities[target]; ok {
				return impl, Metadata{Name: name, Version: versionFromKey(target), Canonical: target}, nil
			}
		}
	}
	return nil, Metadata{}, fmt.Errorf("resolve capability %q: %w", raw, domain.ErrCapabilityNotFound)
}

// Has reports whether raw resolves to a registered capability.
func (r *Registry) Has(raw string) bool {
	_, _, err := r.Resolve(raw)
	return err == nil
}

// Names returns the canonical key of every registration, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.capabilities))
	for name := range r.capabilities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func canonicalKey(name, version string) string {
	name = strings.TrimSpace(name)
	version = strings.TrimSpace(version)
	if version == "" {
		return name
	}
	return name + "@" + version
}

func parseReference(raw string) (string, string) {
	parts := strings.SplitN(strings.TrimSpace(raw), "@", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}

func versionFromKey(key string) string {
	_, version := parseReference(key)
	return version
}
