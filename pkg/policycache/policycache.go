// Package policycache provides a read-through cache over Storage.get_policy
// with TTL and explicit invalidation.
package policycache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/cyfrworks/cyfr-sub001/pkg/componentref"
	"github.com/cyfrworks/cyfr-sub001/pkg/enginerr"
	"github.com/cyfrworks/cyfr-sub001/pkg/policy"
)

// ErrNotFound mirrors the Storage.get_policy contract: a component with no
// administrator-configured policy.
var ErrNotFound = errors.New("policycache: policy not found")

// PolicyStore is the subset of the Storage collaborator this cache reads
// through to.
type PolicyStore interface {
	GetPolicy(ctx context.Context, ref componentref.Ref) (*policy.Policy, error)
}

type entry struct {
	policy    *policy.Policy
	expiresAt time.Time
}

// Rule is an optional CEL-expressed administrator overlay layered on top of
// the static policy fields, loaded from an external bundle. A rule with
// Action "BLOCK" whose Expression evaluates true
// overrides an otherwise-allowed decision to denied; this is additive and
// never loosens a static-field denial.
type Rule struct {
	ID         string
	Expression string
	Action     string // "BLOCK", "WARN", "LOG"
	Priority   int
	Enabled    bool
	program    cel.Program
}

// Cache is a TTL'd, explicitly-invalidatable read-through cache keyed by
// ComponentRef: a mutex-protected map with fetch-on-miss semantics.
type Cache struct {
	mu    sync.RWMutex
	store PolicyStore
	ttl   time.Duration
	now   func() time.Time

	entries map[string]entry
	rules   []Rule
}

// New creates a policy cache with the given TTL (default 30s if zero).
func New(store PolicyStore, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{
		store:   store,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

// Get returns the policy for ref, reading through to the store on a miss or
// expiry. Returns ErrNotFound if the store has no policy for ref.
//
// Invalidate removes the entry synchronously under the write lock, so any
// Get that begins after an Invalidate call returns either the fresh fetch or
// a concurrent in-flight fetch, never the stale value.
func (c *Cache) Get(ctx context.Context, ref componentref.Ref) (*policy.Policy, error) {
	key := ref.String()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.now().Before(e.expiresAt) {
		return e.policy, nil
	}

	p, err := c.store.GetPolicy(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, enginerr.Wrap(enginerr.CodeStorageError, fmt.Sprintf("fetching policy for %s", key), err)
	}

	c.mu.Lock()
	c.entries[key] = entry{policy: p, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()

	return p, nil
}

// Invalidate removes any cached entry for ref, forcing the next Get to read
// through to the store.
func (c *Cache) Invalidate(ref componentref.Ref) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, ref.String())
}

// InvalidateAll clears the entire cache (e.g. on bulk policy bundle reload).
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// LoadRules compiles and installs the CEL overlay rules, replacing any
// previously loaded set.
func (c *Cache) LoadRules(env *cel.Env, rules []Rule) error {
	compiled := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		ast, issues := env.Compile(r.Expression)
		if issues != nil && issues.Err() != nil {
			return fmt.Errorf("policycache: compile rule %s: %w", r.ID, issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return fmt.Errorf("policycache: program rule %s: %w", r.ID, err)
		}
		r.program = prg
		compiled = append(compiled, r)
	}

	c.mu.Lock()
	c.rules = compiled
	c.mu.Unlock()
	return nil
}

// EvaluateOverlay runs the loaded CEL rules against vars (typically
// {"host": ..., "method": ..., "tool": ...}) and reports whether any enabled
// BLOCK rule matched. Rules run highest-priority first.
func (c *Cache) EvaluateOverlay(vars map[string]any) (blocked bool, ruleID string, err error) {
	c.mu.RLock()
	rules := append([]Rule(nil), c.rules...)
	c.mu.RUnlock()

	for i := 0; i < len(rules); i++ {
		for j := i + 1; j < len(rules); j++ {
			if rules[j].Priority > rules[i].Priority {
				rules[i], rules[j] = rules[j], rules[i]
			}
		}
	}

	for _, r := range rules {
		if r.program == nil {
			continue
		}
		out, _, evalErr := r.program.Eval(vars)
		if evalErr != nil {
			return false, "", fmt.Errorf("policycache: eval rule %s: %w", r.ID, evalErr)
		}
		matched, ok := out.Value().(bool)
		if ok && matched && r.Action == "BLOCK" {
			return true, r.ID, nil
		}
	}
	return false, "", nil
}
