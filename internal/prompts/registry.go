package prompts

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// PromptRegistry holds the analysis prompts by id and version.
type PromptRegistry struct {
	mu      sync.RWMutex
	prompts map[string]map[PromptVersion]*Prompt
}

var (
	defaultRegistry     *PromptRegistry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide registry the built-in prompts
// register into.
func DefaultRegistry() *PromptRegistry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewPromptRegistry()
	})
	return defaultRegistry
}

// NewPromptRegistry creates an empty registry.
func NewPromptRegistry() *PromptRegistry {
	return &PromptRegistry{prompts: make(map[string]map[PromptVersion]*Prompt)}
}

// Register adds p, replacing any prompt with the same id and version.
func (r *PromptRegistry) Register(p *Prompt) {
	if p == nil || p.ID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.prompts[p.ID] == nil {
		r.prompts[p.ID] = make(map[PromptVersion]*Prompt)
	}
	r.prompts[p.ID][p.Version] = p
}

// Get returns one exact version.
func (r *PromptRegistry) Get(id string, version PromptVersion) (*Prompt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions, ok := r.prompts[id]
	if !ok {
		return nil, fmt.Errorf("prompt not found: %s", id)
	}
	p, ok := versions[version]
	if !ok {
		return nil, fmt.Errorf("prompt %s version %s not found", id, version)
	}
	return p, nil
}

// GetLatest returns the highest non-deprecated version, or the highest
// version when all are deprecated.
func (r *PromptRegistry) GetLatest(id string) (*Prompt, error) {
	versions := r.Versions(id)
	if len(versions) == 0 {
		return nil, fmt.Errorf("prompt not found: %s", id)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(versions) - 1; i >= 0; i-- {
		if p := r.prompts[id][versions[i]]; !p.Deprecated {
			return p, nil
		}
	}
	return r.prompts[id][versions[len(versions)-1]], nil
}

// List returns the registered ids, sorted.
func (r *PromptRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.prompts))
	for id := range r.prompts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Versions returns the versions of id in ascending order.
func (r *PromptRegistry) Versions(id string) []PromptVersion {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PromptVersion, 0, len(r.prompts[id]))
	for v := range r.prompts[id] {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return compareVersions(out[i], out[j]) < 0 })
	return out
}

// compareVersions orders dotted numeric versions ("1.10.0" > "1.9.0").
// Non-numeric parts compare as strings.
func compareVersions(a, b PromptVersion) int {
	as, bs := strings.Split(string(a), "."), strings.Split(string(b), ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var x, y string
		if i < len(as) {
			x = as[i]
		}
		if i < len(bs) {
			y = bs[i]
		}
		xn, errX := strconv.Atoi(x)
		yn, errY := strconv.Atoi(y)
		switch {
		case errX == nil && errY == nil && xn != yn:
			if xn < yn {
				return -1
			}
			return 1
		case (errX != nil || errY != nil) && x != y:
			return strings.Compare(x, y)
		}
	}
	return 0
}
