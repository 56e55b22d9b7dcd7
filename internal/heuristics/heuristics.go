// Package heuristics normalizes URLs from large platforms into
// account-level domain keys, so every facebook.com/page or youtube
// channel gets its own row in the domain table.
package heuristics

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"mywebintel/internal/config"
	"mywebintel/internal/logging"
	"mywebintel/internal/store"
)

type rule struct {
	suffix  string
	re      *regexp.Regexp
	exclude []string
}

// Set holds compiled rules in evaluation order.
type Set struct {
	rules []rule
}

// Compile validates and compiles a rule table.
func Compile(rules []config.HeuristicRule) (*Set, error) {
	s := &Set{}
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("heuristic %s: %w", r.Suffix, err)
		}
		if re.NumSubexp() < 1 {
			return nil, fmt.Errorf("heuristic %s: pattern has no capture group", r.Suffix)
		}
		s.rules = append(s.rules, rule{suffix: r.Suffix, re: re, exclude: r.Exclude})
	}
	return s, nil
}

// DomainName derives the domain key for a URL: the bare host, unless a
// rule rewrites it to a platform account path. Rules run in order and
// a later match overwrites an earlier one.
func (s *Set) DomainName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	name := strings.ToLower(u.Hostname())

	for _, r := range s.rules {
		if !strings.HasSuffix(name, r.suffix) {
			continue
		}
		m := r.re.FindStringSubmatch(rawURL)
		if m == nil {
			continue
		}
		capture := m[1]
		if r.excluded(capture) {
			continue
		}
		name = capture
	}
	return name
}

// excluded rejects captures whose first path segment starts with an
// excluded prefix, standing in for the lookaheads of the historical
// rule table.
func (r rule) excluded(capture string) bool {
	slash := strings.Index(capture, "/")
	if slash < 0 {
		return false
	}
	segment := capture[slash+1:]
	for _, prefix := range r.exclude {
		if strings.HasPrefix(segment, prefix) {
			return true
		}
	}
	return false
}

// UpdateDomains recomputes the domain key of every expression and
// re-keys rows whose domain changed. Returns the number of rows moved.
func (s *Set) UpdateDomains(st *store.Store) (int, error) {
	expressions, err := st.AllExpressions()
	if err != nil {
		return 0, fmt.Errorf("failed to list expressions: %w", err)
	}

	updated := 0
	for _, e := range expressions {
		name := s.DomainName(e.URL)
		if name == "" {
			continue
		}
		domain, err := st.GetOrCreateDomain(name)
		if err != nil {
			return updated, fmt.Errorf("failed to resolve domain %s: %w", name, err)
		}
		if domain.ID == e.DomainID {
			continue
		}
		if err := st.RekeyExpressionDomain(e.ID, domain.ID); err != nil {
			return updated, fmt.Errorf("failed to rekey expression %d: %w", e.ID, err)
		}
		logging.Heuristic("[UpdateDomains] expression=%d url=%s domain=%s", e.ID, e.URL, name)
		updated++
	}
	return updated, nil
}
