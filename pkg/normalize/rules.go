package normalize

import (
	"fmt"
	"regexp"
	"sort"
)

// RuleType selects which rewrite a rule applies to a matching URL.
type RuleType string

const (
	// RulePreserveQuery keeps only the listed query keys and drops the rest
	// along with the fragment.
	RulePreserveQuery RuleType = "preserve_query"
	// RuleAlternateHost rewrites a short-link host/path into the canonical
	// host's path shape (e.g. youtu.be/ID into youtube.com/watch?v=ID).
	RuleAlternateHost RuleType = "alternate_host"
	// RuleKeepFragment strips scheme and www but optionally retains the
	// fragment, for sites that route on it.
	RuleKeepFragment RuleType = "keep_fragment"
)

// RuleConfig is one entry of the externally configurable rule table.
type RuleConfig struct {
	// Pattern is a regular expression matched against the lowercased host.
	Pattern string `koanf:"pattern"`
	Type    string `koanf:"type"`
	// Keys lists preserved query keys for preserve_query, in output order.
	Keys []string `koanf:"keys"`
	// TargetHost and PathFormat shape the rewrite for alternate_host.
	// PathFormat receives the first path segment, e.g. "/watch?v=%s".
	TargetHost string `koanf:"target_host"`
	PathFormat string `koanf:"path_format"`
	// Fragment toggles fragment retention for keep_fragment.
	Fragment bool `koanf:"fragment"`
	// Priority orders evaluation, highest first. Ties break by table order.
	Priority int `koanf:"priority"`
}

// RuleSetConfig is the on-disk shape of the rule table.
type RuleSetConfig struct {
	Version string       `koanf:"version"`
	Rules   []RuleConfig `koanf:"rules"`
}

// rule is a compiled table entry.
type rule struct {
	host       *regexp.Regexp
	kind       RuleType
	keys       []string
	targetHost string
	pathFormat string
	fragment   bool
	priority   int
}

// RuleSet is a compiled, versioned, explicitly ordered rule table.
// Stored page ids implicitly depend on the version used to produce them;
// changing the table requires the identity-migrator pass.
type RuleSet struct {
	version string
	rules   []rule
}

// Version returns the rule-set version tag stamped into every record
// whose page id this set produced.
func (rs *RuleSet) Version() string {
	return rs.version
}

// Compile validates and compiles a rule table, sorting by descending
// priority. Compilation happens once at load; matching is regex-free of
// per-call allocation beyond the regexp engine itself.
func Compile(cfg RuleSetConfig) (*RuleSet, error) {
	if cfg.Version == "" {
		return nil, fmt.Errorf("rule set has no version tag")
	}
	rs := &RuleSet{version: cfg.Version}
	for i, rc := range cfg.Rules {
		re, err := regexp.Compile(rc.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d: bad host pattern %q: %w", i, rc.Pattern, err)
		}
		r := rule{
			host:       re,
			keys:       rc.Keys,
			targetHost: rc.TargetHost,
			pathFormat: rc.PathFormat,
			fragment:   rc.Fragment,
			priority:   rc.Priority,
		}
		switch RuleType(rc.Type) {
		case RulePreserveQuery:
			if len(rc.Keys) == 0 {
				return nil, fmt.Errorf("rule %d: preserve_query needs at least one key", i)
			}
			r.kind = RulePreserveQuery
		case RuleAlternateHost:
			if rc.TargetHost == "" || rc.PathFormat == "" {
				return nil, fmt.Errorf("rule %d: alternate_host needs target_host and path_format", i)
			}
			r.kind = RuleAlternateHost
		case RuleKeepFragment:
			r.kind = RuleKeepFragment
		default:
			return nil, fmt.Errorf("rule %d: unknown rule type %q", i, rc.Type)
		}
		rs.rules = append(rs.rules, r)
	}
	sort.SliceStable(rs.rules, func(a, b int) bool {
		return rs.rules[a].priority > rs.rules[b].priority
	})
	return rs, nil
}

// match returns the highest-priority rule matching host, or nil.
func (rs *RuleSet) match(host string) *rule {
	for i := range rs.rules {
		if rs.rules[i].host.MatchString(host) {
			return &rs.rules[i]
		}
	}
	return nil
}

// DefaultRuleSetConfig is the compiled-in rule table. External
// configuration (see LoadRuleSet) replaces it wholesale, never merges,
// so the version tag always describes the whole table.
func DefaultRuleSetConfig() RuleSetConfig {
	return RuleSetConfig{
		Version: "2",
		Rules: []RuleConfig{
			{
				Pattern:  `(^|\.)mail\.google\.com$`,
				Type:     string(RuleKeepFragment),
				Fragment: true,
				Priority: 110,
			},
			{
				Pattern:  `(^|\.)youtube\.com$`,
				Type:     string(RulePreserveQuery),
				Keys:     []string{"v"},
				Priority: 100,
			},
			{
				Pattern:    `^youtu\.be$`,
				Type:       string(RuleAlternateHost),
				TargetHost: "youtube.com",
				PathFormat: "/watch?v=%s",
				Priority:   90,
			},
			{
				Pattern:  `(^|\.)google\.com$`,
				Type:     string(RulePreserveQuery),
				Keys:     []string{"q"},
				Priority: 80,
			},
			{
				Pattern:  `(^|\.)amazon\.com$`,
				Type:     string(RulePreserveQuery),
				Keys:     []string{"node", "field-keywords"},
				Priority: 70,
			},
		},
	}
}
