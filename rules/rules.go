// Package rules maps cache key prefixes to revalidation policies.
//
// A table is usually loaded from YAML:
//
//	defaults:
//	  ttl: 5m
//	  priority: medium
//	  min_interval: 2s
//	rules:
//	  - prefix: orders_
//	    ttl: 2m
//	    priority: high
//	    revalidate_interval: 30s
//
// Lookup picks the rule with the longest matching prefix; fields a rule
// leaves unset are inherited from the defaults.
package rules

import (
	"os"
	"sort"
	"strings"
	"time"

	"github.com/IvanBrykalov/swrcache/cache"
	"go.trai.ch/zerr"
	"gopkg.in/yaml.v3"
)

var (
	// ErrReadFailed is returned when the rules file cannot be read.
	ErrReadFailed = zerr.New("failed to read rules file")
	// ErrParseFailed is returned for malformed YAML.
	ErrParseFailed = zerr.New("failed to parse rules file")
	// ErrInvalidDuration is returned for durations time.ParseDuration rejects
	// or negative values.
	ErrInvalidDuration = zerr.New("invalid duration")
	// ErrDuplicatePrefix is returned when two rules share a prefix.
	ErrDuplicatePrefix = zerr.New("duplicate rule prefix")
)

// Policy is the resolved set of revalidation settings for a key.
type Policy struct {
	TTL                time.Duration
	Priority           cache.Priority
	MinInterval        time.Duration
	RevalidateInterval time.Duration
	RevalidateOnMount  bool
	RevalidateOnFocus  bool
	Timeout            time.Duration
	RetryAttempts      int
}

// DefaultPolicy is used for keys no rule matches when no defaults are given.
func DefaultPolicy() Policy {
	return Policy{
		TTL:               5 * time.Minute,
		Priority:          cache.PriorityMedium,
		MinInterval:       2 * time.Second,
		RevalidateOnMount: true,
		RevalidateOnFocus: true,
		RetryAttempts:     1,
	}
}

// Table is an immutable prefix table. The zero value is not usable; build
// one with Default, Parse or Load.
type Table struct {
	defaults Policy
	rules    []rule // longest prefix first
}

type rule struct {
	prefix string
	policy Policy
}

// Default returns a table with DefaultPolicy and no rules.
func Default() *Table {
	return &Table{defaults: DefaultPolicy()}
}

// Lookup returns the policy of the longest rule prefix matching key, or the
// defaults.
func (t *Table) Lookup(key string) Policy {
	for _, r := range t.rules {
		if strings.HasPrefix(key, r.prefix) {
			return r.policy
		}
	}
	return t.defaults
}

// Defaults returns the fallback policy.
func (t *Table) Defaults() Policy { return t.defaults }

// Prefixes lists rule prefixes, longest first.
func (t *Table) Prefixes() []string {
	out := make([]string, len(t.rules))
	for i, r := range t.rules {
		out[i] = r.prefix
	}
	return out
}

// Load reads and parses a YAML rules file.
func Load(path string) (*Table, error) {
	// #nosec G304 -- path comes from the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, ErrReadFailed.Error()), "path", path)
	}
	return Parse(data)
}

// Parse builds a table from YAML.
func Parse(data []byte) (*Table, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, zerr.Wrap(err, ErrParseFailed.Error())
	}

	defaults, err := f.Defaults.apply(DefaultPolicy())
	if err != nil {
		return nil, zerr.With(err, "section", "defaults")
	}

	t := &Table{defaults: defaults}
	seen := make(map[string]bool, len(f.Rules))
	for _, dto := range f.Rules {
		if seen[dto.Prefix] {
			return nil, zerr.With(ErrDuplicatePrefix, "prefix", dto.Prefix)
		}
		seen[dto.Prefix] = true

		p, err := dto.apply(defaults)
		if err != nil {
			return nil, zerr.With(err, "prefix", dto.Prefix)
		}
		t.rules = append(t.rules, rule{prefix: dto.Prefix, policy: p})
	}
	sort.SliceStable(t.rules, func(i, j int) bool {
		return len(t.rules[i].prefix) > len(t.rules[j].prefix)
	})
	return t, nil
}
