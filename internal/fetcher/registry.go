// Package fetcher holds the registry of retrieval functions and the shared
// HTML-to-text extraction used by the built-in engines.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/policy-watch/internal/policy"
)

// ErrNoFetcher is returned by Select when no registration matches a source.
var ErrNoFetcher = errors.New("no fetcher found")

// Func retrieves raw content. Failures are reported through the result.
type Func func(ctx context.Context, url string, meta map[string]any) policy.FetchResult

// Registration is a named fetcher. Name follows {country}_{agency}_{visa}.
type Registration struct {
	Name         string
	SourceType   policy.FetchType
	Description  string
	Country      string
	Agency       string
	VisaCategory string
	Fetch        Func
}

// ParseName splits a fetcher name into country, agency and visa category. The
// visa category is everything after the agency and may contain underscores.
func ParseName(name string) (country, agency, visa string, err error) {
	parts := strings.SplitN(strings.ToLower(strings.TrimSpace(name)), "_", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("fetcher name %q must follow {country}_{agency}_{visa}", name)
	}
	return parts[0], parts[1], parts[2], nil
}

// Registry is an explicit, instance-owned set of fetchers. Lookup order is
// registration order.
type Registry struct {
	mu      sync.RWMutex
	entries []Registration
	byName  map[string]int
	logger  *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{byName: make(map[string]int), logger: logger}
}

// Register validates and adds a fetcher.
func (r *Registry) Register(reg Registration) error {
	if reg.Fetch == nil {
		return fmt.Errorf("fetcher %q: nil fetch func", reg.Name)
	}
	switch reg.SourceType {
	case policy.FetchTypeHTML, policy.FetchTypePDF:
	default:
		return fmt.Errorf("fetcher %q: unsupported source type %q", reg.Name, reg.SourceType)
	}
	country, agency, visa, err := ParseName(reg.Name)
	if err != nil {
		return err
	}
	reg.Name = strings.ToLower(strings.TrimSpace(reg.Name))
	reg.Country, reg.Agency, reg.VisaCategory = country, agency, policy.CanonicalVisaType(visa)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[reg.Name]; exists {
		return fmt.Errorf("fetcher %q already registered", reg.Name)
	}
	r.byName[reg.Name] = len(r.entries)
	r.entries = append(r.entries, reg)
	r.logger.Debug("registered fetcher",
		zap.String("fetcher", reg.Name), zap.String("source_type", string(reg.SourceType)))
	return nil
}

// Get returns a registration by name.
func (r *Registry) Get(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Registration{}, false
	}
	return r.entries[i], true
}

// List returns all registrations in registration order.
func (r *Registry) List() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Registration(nil), r.entries...)
}

// Len returns the number of registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Matches returns every registration compatible with src, in registration order.
func (r *Registry) Matches(src policy.Source) []Registration {
	country := policy.CanonicalCountry(src.CountryCode)
	visa := policy.CanonicalVisaType(src.VisaType)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Registration
	for _, reg := range r.entries {
		if reg.Country != country || reg.SourceType != src.FetchType {
			continue
		}
		if VisaMatches(reg.VisaCategory, visa) {
			out = append(out, reg)
		}
	}
	return out
}

// Select picks the fetcher for src. With several candidates the first
// registered wins and the ambiguity is logged.
func (r *Registry) Select(src policy.Source) (Registration, error) {
	matches := r.Matches(src)
	switch len(matches) {
	case 0:
		return Registration{}, fmt.Errorf("%w for %s/%s/%s", ErrNoFetcher, src.CountryCode, src.VisaType, src.FetchType)
	case 1:
		return matches[0], nil
	}
	names := make([]string, len(matches))
	for i, m := range matches {
		names[i] = m.Name
	}
	r.logger.Warn("multiple fetchers match source, using first",
		zap.String("source_id", src.ID),
		zap.Strings("candidates", names),
		zap.String("selected", matches[0].Name))
	return matches[0], nil
}

// VisaMatches compares canonical visa types: equal, or one contains the other.
func VisaMatches(fetcherVisa, sourceVisa string) bool {
	if fetcherVisa == "" || sourceVisa == "" {
		return false
	}
	return fetcherVisa == sourceVisa ||
		strings.Contains(sourceVisa, fetcherVisa) ||
		strings.Contains(fetcherVisa, sourceVisa)
}

// Declaration is a configuration-declared registration bound to a named engine.
type Declaration struct {
	Name       string
	SourceType string
	Engine     string
	Selector   string
}

// RegisterDeclared registers each declaration against engines[decl.Engine].
// A non-empty selector is passed to the engine through the metadata key
// MetaSelector unless the source metadata already sets it.
func (r *Registry) RegisterDeclared(decls []Declaration, engines map[string]Func) error {
	for _, d := range decls {
		engine, ok := engines[d.Engine]
		if !ok || engine == nil {
			return fmt.Errorf("fetcher %q: unknown engine %q", d.Name, d.Engine)
		}
		if err := r.Register(Registration{
			Name:        d.Name,
			SourceType:  policy.FetchType(strings.ToLower(d.SourceType)),
			Description: fmt.Sprintf("%s engine", d.Engine),
			Fetch:       withSelector(engine, d.Selector),
		}); err != nil {
			return err
		}
	}
	return nil
}

func withSelector(fn Func, selector string) Func {
	if selector == "" {
		return fn
	}
	return func(ctx context.Context, url string, meta map[string]any) policy.FetchResult {
		if _, set := meta[MetaSelector]; set {
			return fn(ctx, url, meta)
		}
		merged := make(map[string]any, len(meta)+1)
		for k, v := range meta {
			merged[k] = v
		}
		merged[MetaSelector] = selector
		return fn(ctx, url, merged)
	}
}
