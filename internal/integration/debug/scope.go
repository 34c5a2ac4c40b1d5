package debug

import (
	"slices"
	"strconv"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/samber/lo"
)

// maxNameBase is the longest base a guessed name may have before its suffix.
const maxNameBase = 10

// ScopeBindings maps binding names to target objects, per evaluation scope.
type ScopeBindings struct {
	mu     sync.RWMutex
	scopes map[string]map[string]ObjectRef
}

// NewScopeBindings creates an empty set of bindings.
func NewScopeBindings() *ScopeBindings {
	return &ScopeBindings{scopes: make(map[string]map[string]ObjectRef)}
}

// Bind adds name -> obj to scope. A name already bound in the scope is
// rejected with ErrNameInUse.
func (b *ScopeBindings) Bind(scope, name string, obj ObjectRef) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	names, ok := b.scopes[scope]
	if !ok {
		names = make(map[string]ObjectRef)
		b.scopes[scope] = names
	}
	if _, exists := names[name]; exists {
		return ErrNameInUse
	}
	names[name] = obj
	return nil
}

// Unbind removes name from scope and returns the object it referred to.
func (b *ScopeBindings) Unbind(scope, name string) (ObjectRef, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := b.scopes[scope]
	obj, ok := names[name]
	if !ok {
		return ObjectRef{}, false
	}
	delete(names, name)
	if len(names) == 0 {
		delete(b.scopes, scope)
	}
	return obj, true
}

// Lookup returns the object bound to name in scope.
func (b *ScopeBindings) Lookup(scope, name string) (ObjectRef, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, ok := b.scopes[scope][name]
	return obj, ok
}

// Names returns the sorted binding names of scope.
func (b *ScopeBindings) Names(scope string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := lo.Keys(b.scopes[scope])
	slices.Sort(names)
	return names
}

// Scopes returns the sorted identifiers of scopes holding bindings.
func (b *ScopeBindings) Scopes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	scopes := lo.Keys(b.scopes)
	slices.Sort(scopes)
	return scopes
}

// Clear drops every binding in every scope.
func (b *ScopeBindings) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.scopes = make(map[string]map[string]ObjectRef)
}

// NameGuesser derives fresh binding names. A name once used is never
// offered again until Reset.
type NameGuesser struct {
	mu   sync.Mutex
	used map[string]struct{}
}

// NewNameGuesser creates a guesser with no used names.
func NewNameGuesser() *NameGuesser {
	return &NameGuesser{used: make(map[string]struct{})}
}

// Guess returns base+n for the smallest n >= 1 not yet used, where base is
// derived from typeName.
func (g *NameGuesser) Guess(typeName string) string {
	base := nameBase(typeName)

	g.mu.Lock()
	defer g.mu.Unlock()

	for n := 1; ; n++ {
		name := base + strconv.Itoa(n)
		if _, taken := g.used[name]; !taken {
			return name
		}
	}
}

// MarkUsed records name as used.
func (g *NameGuesser) MarkUsed(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.used[name] = struct{}{}
}

// Used reports whether name has been used.
func (g *NameGuesser) Used(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, ok := g.used[name]
	return ok
}

// Reset forgets every used name.
func (g *NameGuesser) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.used = make(map[string]struct{})
}

// nameBase turns "java.util.List<String>[]" into "list".
func nameBase(typeName string) string {
	name := strings.ReplaceAll(typeName, "[]", "")
	if i := strings.IndexByte(name, '<'); i >= 0 {
		name = name[:i]
	}
	if i := strings.LastIndexAny(name, ".$"); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "obj"
	}

	r, size := utf8.DecodeRuneInString(name)
	name = string(unicode.ToLower(r)) + name[size:]

	if utf8.RuneCountInString(name) > maxNameBase {
		name = string([]rune(name)[:maxNameBase])
	}
	return name
}
