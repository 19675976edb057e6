// Package sponsor is the single source of truth for known sponsors and the
// text normalizations applied before sponsor-name matching runs in the
// classifier and validator.
package sponsor

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// Sponsor is a known advertiser with aliases the transcript may use instead
// of its canonical name.
type Sponsor struct {
	ID       int64
	Name     string
	Aliases  []string
	Category string
	Active   bool
}

// Normalization fixes a common speech-to-text transcription quirk (e.g.
// Whisper rendering "AG1" as "ag one") before sponsor matching runs.
type Normalization struct {
	ID          int64
	Pattern     string
	Replacement string
	Category    string
	Active      bool

	compiled *regexp.Regexp
}

// Store is the persistence boundary the registry reads and writes through.
// internal/state implements this against the state store's Redis-backed
// tables.
type Store interface {
	ListKnownSponsors(activeOnly bool) ([]Sponsor, error)
	ListSponsorNormalizations(activeOnly bool) ([]Normalization, error)
	CreateKnownSponsor(s Sponsor) (int64, error)
	CreateSponsorNormalization(n Normalization) (int64, error)
}

// cacheTTL mirrors the Python service's 5-minute refresh window.
const cacheTTL = 5 * time.Minute

// Registry caches sponsors and normalizations read from Store for cacheTTL
// to avoid hitting the store on every classification/validation call.
type Registry struct {
	store Store

	mu             sync.Mutex
	cachedAt       time.Time
	sponsors       []Sponsor
	normalizations []Normalization

	now func() time.Time
}

// New constructs a Registry backed by store.
func New(store Store) *Registry {
	return &Registry{store: store, now: time.Now}
}

func (r *Registry) refreshIfNeeded() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.cachedAt.IsZero() && r.now().Sub(r.cachedAt) < cacheTTL {
		return nil
	}

	sponsors, err := r.store.ListKnownSponsors(true)
	if err != nil {
		return err
	}
	norms, err := r.store.ListSponsorNormalizations(true)
	if err != nil {
		return err
	}
	for i := range norms {
		if compiled, err := regexp.Compile("(?i)" + norms[i].Pattern); err == nil {
			norms[i].compiled = compiled
		}
	}

	r.sponsors = sponsors
	r.normalizations = norms
	r.cachedAt = r.now()
	return nil
}

// InvalidateCache forces the next read to hit Store again. Call after any
// CRUD mutation.
func (r *Registry) InvalidateCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cachedAt = time.Time{}
}

// SeedInitialData seeds sponsors and normalizations if the store has none
// yet. Idempotent: skips entirely when any sponsor already exists.
func (r *Registry) SeedInitialData() error {
	existing, err := r.store.ListKnownSponsors(false)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	for _, s := range SeedSponsors {
		if _, err := r.store.CreateKnownSponsor(s); err != nil {
			continue
		}
	}
	for _, n := range SeedNormalizations {
		if _, err := r.store.CreateSponsorNormalization(n); err != nil {
			continue
		}
	}

	r.InvalidateCache()
	return nil
}

// Sponsors returns all active sponsors, refreshing the cache if stale.
func (r *Registry) Sponsors() ([]Sponsor, error) {
	if err := r.refreshIfNeeded(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sponsors, nil
}

// Normalizations returns all active normalizations, refreshing the cache if
// stale.
func (r *Registry) Normalizations() ([]Normalization, error) {
	if err := r.refreshIfNeeded(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.normalizations, nil
}

// NormalizeText lowercases text and applies every active normalization in
// order, then collapses whitespace.
func (r *Registry) NormalizeText(text string) string {
	if text == "" {
		return text
	}
	norms, err := r.Normalizations()
	if err != nil {
		norms = nil
	}

	out := strings.ToLower(text)
	for _, n := range norms {
		if n.compiled == nil {
			continue
		}
		out = n.compiled.ReplaceAllString(out, n.Replacement)
	}
	return strings.Join(strings.Fields(out), " ")
}

// FindSponsorInText returns the canonical name of the first known sponsor
// (by name or alias) found in text, or "" if none match.
func (r *Registry) FindSponsorInText(text string) string {
	if text == "" {
		return ""
	}
	sponsors, err := r.Sponsors()
	if err != nil {
		return ""
	}
	lower := strings.ToLower(text)
	for _, s := range sponsors {
		if strings.Contains(lower, strings.ToLower(s.Name)) {
			return s.Name
		}
		for _, alias := range s.Aliases {
			if strings.Contains(lower, strings.ToLower(alias)) {
				return s.Name
			}
		}
	}
	return ""
}

// SponsorsInText returns canonical names of every known sponsor mentioned in
// text, in registry order.
func (r *Registry) SponsorsInText(text string) []string {
	if text == "" {
		return nil
	}
	sponsors, err := r.Sponsors()
	if err != nil {
		return nil
	}
	lower := strings.ToLower(text)
	var found []string
	for _, s := range sponsors {
		if strings.Contains(lower, strings.ToLower(s.Name)) {
			found = append(found, s.Name)
			continue
		}
		for _, alias := range s.Aliases {
			if strings.Contains(lower, strings.ToLower(alias)) {
				found = append(found, s.Name)
				break
			}
		}
	}
	return found
}

// ClaudeSponsorList renders a comma-joined list of sponsor names for
// inclusion in an LLM prompt.
func (r *Registry) ClaudeSponsorList() string {
	sponsors, err := r.Sponsors()
	if err != nil {
		return ""
	}
	names := make([]string, len(sponsors))
	for i, s := range sponsors {
		names[i] = s.Name
	}
	return strings.Join(names, ", ")
}

// AddSponsor inserts a sponsor and invalidates the cache.
func (r *Registry) AddSponsor(name string, aliases []string, category string) (int64, error) {
	id, err := r.store.CreateKnownSponsor(Sponsor{Name: name, Aliases: aliases, Category: category, Active: true})
	if err != nil {
		return 0, err
	}
	r.InvalidateCache()
	return id, nil
}

// AddNormalization inserts a normalization and invalidates the cache.
func (r *Registry) AddNormalization(pattern, replacement, category string) (int64, error) {
	id, err := r.store.CreateSponsorNormalization(Normalization{Pattern: pattern, Replacement: replacement, Category: category, Active: true})
	if err != nil {
		return 0, err
	}
	r.InvalidateCache()
	return id, nil
}
