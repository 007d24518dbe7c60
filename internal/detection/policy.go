package detection

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrInvalidPolicy is returned when a policy (or policy update) is malformed.
var ErrInvalidPolicy = errors.New("invalid detection policy")

// Policy is the interest policy: an allowlist of class labels plus a minimum confidence.
// A Policy is immutable; build a new one to change it.
type Policy struct {
	allowed       map[string]struct{}
	minConfidence float64
}

// NewPolicy validates and builds a policy. Class labels are trimmed; blank labels,
// and thresholds outside [0,1], are rejected.
func NewPolicy(classes []string, minConfidence float64) (Policy, error) {
	if math.IsNaN(minConfidence) || minConfidence < 0 || minConfidence > 1 {
		return Policy{}, fmt.Errorf("%w: confidence threshold %v outside [0,1]", ErrInvalidPolicy, minConfidence)
	}

	allowed := make(map[string]struct{}, len(classes))
	for _, c := range classes {
		c = strings.TrimSpace(c)
		if c == "" {
			return Policy{}, fmt.Errorf("%w: blank class label", ErrInvalidPolicy)
		}
		allowed[c] = struct{}{}
	}

	return Policy{allowed: allowed, minConfidence: minConfidence}, nil
}

// Allows reports whether class is in the allowlist.
func (p Policy) Allows(class string) bool {
	_, ok := p.allowed[class]
	return ok
}

// MinConfidence returns the confidence threshold.
func (p Policy) MinConfidence() float64 {
	return p.minConfidence
}

// Classes returns the allowlist, sorted.
func (p Policy) Classes() []string {
	out := make([]string, 0, len(p.allowed))
	for c := range p.allowed {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// Accept is the detection filter: true iff the class is allowed and the
// confidence reaches the threshold.
func Accept(d Detection, p Policy) bool {
	return p.Allows(d.ClassLabel) && d.Confidence >= p.minConfidence
}

// PolicyStore holds the process-wide policy. Readers get a consistent snapshot
// without locking; writers are serialized.
type PolicyStore struct {
	mu      sync.Mutex
	current atomic.Pointer[Policy]
}

// NewPolicyStore creates a store holding p.
func NewPolicyStore(p Policy) *PolicyStore {
	s := &PolicyStore{}
	s.current.Store(&p)
	return s
}

// Load returns the current policy.
func (s *PolicyStore) Load() Policy {
	return *s.current.Load()
}

// Update derives a new policy from the current one. If fn fails the current
// policy is retained.
func (s *PolicyStore) Update(fn func(Policy) (Policy, error)) (Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := fn(*s.current.Load())
	if err != nil {
		return *s.current.Load(), err
	}
	s.current.Store(&next)
	return next, nil
}
