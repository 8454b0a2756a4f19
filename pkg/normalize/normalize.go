// Package normalize maps raw browser URLs to a stable canonical page
// identity. Clients and the backend must agree on the identity for the
// same resource, so normalization is deterministic, versioned, and
// idempotent: normalizing an already-normalized URL yields the same
// page id.
package normalize

import (
	"fmt"
	"net/url"
	"strings"
)

// MaxPageIDLen bounds the derived page id. Longer normalized URLs
// truncate; the id stays within the KV key alphabet.
const MaxPageIDLen = 64

// Result is the output of Normalize.
type Result struct {
	// NormalizedURL is the canonical display form: scheme and leading
	// "www." stripped, query reduced per the matching rule.
	NormalizedURL string
	// PageID is NormalizedURL collapsed into the [A-Za-z0-9_] alphabet,
	// used as the presence join key.
	PageID string
}

// Normalizer applies a compiled rule set. Safe for concurrent use.
type Normalizer struct {
	rules *RuleSet
}

// New returns a Normalizer over the given compiled rule set.
func New(rules *RuleSet) *Normalizer {
	return &Normalizer{rules: rules}
}

// RuleVersion returns the version tag of the active rule set.
func (n *Normalizer) RuleVersion() string {
	return n.rules.Version()
}

// Normalize maps a raw URL to its canonical form and page id. It is a
// total function: malformed input falls through to default sanitization
// and always yields a usable identity.
func (n *Normalizer) Normalize(raw string) Result {
	return n.normalize(raw, 0)
}

// maxRewriteDepth bounds alternate_host chains so a misconfigured table
// cannot recurse forever.
const maxRewriteDepth = 4

func (n *Normalizer) normalize(raw string, depth int) Result {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return finish("")
	}

	// Non-hierarchical schemes (about:, chrome:, data:...) carry their
	// identity in the opaque part; URL parsing rules for web hosts do
	// not apply to them.
	if scheme, rest, ok := splitNonWebScheme(raw); ok {
		return finish(scheme + ":" + strings.TrimLeft(rest, "/"))
	}

	u, err := url.Parse(ensureScheme(raw))
	if err != nil || u.Host == "" {
		// Unparseable input: sanitize the raw string as-is.
		return finish(stripScheme(raw))
	}

	host := strings.ToLower(u.Host)
	host = strings.TrimPrefix(host, "www.")
	path := strings.TrimRight(u.EscapedPath(), "/")

	if r := n.rules.match(host); r != nil {
		switch r.kind {
		case RulePreserveQuery:
			return finish(host + path + preservedQuery(u, r.keys))
		case RuleAlternateHost:
			seg := firstSegment(path)
			if seg == "" {
				return finish(r.targetHost)
			}
			rewritten := r.targetHost + fmt.Sprintf(r.pathFormat, seg)
			if depth >= maxRewriteDepth {
				return finish(rewritten)
			}
			// The rewrite targets the canonical host, whose own rule
			// (if any) must agree. Re-normalizing settles the result
			// and keeps the idempotence property.
			return n.normalize(rewritten, depth+1)
		case RuleKeepFragment:
			if r.fragment && u.Fragment != "" {
				return finish(host + path + "#" + u.Fragment)
			}
			return finish(host + path)
		}
	}

	return finish(host + path)
}

func finish(normalized string) Result {
	return Result{NormalizedURL: normalized, PageID: CollapseID(normalized)}
}

// CollapseID reduces a normalized URL to the page-id alphabet: every
// maximal run of non-alphanumeric bytes becomes exactly one underscore
// (never one per character — per-character replacement makes the same
// page hash to different ids depending on separator count), then the
// result truncates to MaxPageIDLen.
func CollapseID(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inRun := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' {
			b.WriteByte(c)
			inRun = false
			continue
		}
		if !inRun {
			b.WriteByte('_')
			inRun = true
		}
	}
	id := b.String()
	if len(id) > MaxPageIDLen {
		id = id[:MaxPageIDLen]
	}
	if id == "" {
		id = "_"
	}
	return id
}

// splitNonWebScheme detects scheme-prefixed non-web URLs. http/https and
// scheme-less input return ok=false and take the hierarchical path.
func splitNonWebScheme(raw string) (scheme, rest string, ok bool) {
	i := strings.Index(raw, ":")
	if i <= 0 {
		return "", "", false
	}
	scheme = strings.ToLower(raw[:i])
	for j := 0; j < len(scheme); j++ {
		c := scheme[j]
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '+' || c == '-' || c == '.') {
			return "", "", false
		}
	}
	// A single-letter "scheme" is almost certainly a path like "a:b" or
	// a Windows drive; treat as scheme-less.
	if len(scheme) < 2 || scheme == "http" || scheme == "https" {
		return "", "", false
	}
	// Host-like prefixes ("youtu.be:8080/x") are ports, not schemes.
	if strings.Contains(scheme, ".") {
		return "", "", false
	}
	rest = raw[i+1:]
	// "localhost:8080/x" is host:port, not a scheme.
	if looksLikePort(rest) {
		return "", "", false
	}
	return scheme, rest, true
}

func looksLikePort(s string) bool {
	k := 0
	for k < len(s) && s[k] >= '0' && s[k] <= '9' {
		k++
	}
	return k > 0 && (k == len(s) || s[k] == '/')
}

// ensureScheme makes scheme-less input parseable as a host-rooted URL,
// which is what re-normalizing an already-normalized URL produces.
func ensureScheme(raw string) string {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	return "https://" + strings.TrimPrefix(raw, "//")
}

func stripScheme(raw string) string {
	if i := strings.Index(raw, "://"); i >= 0 {
		raw = raw[i+3:]
	}
	return strings.TrimPrefix(raw, "www.")
}

// preservedQuery rebuilds the query keeping only the listed keys, in
// rule order, so output never depends on map iteration.
func preservedQuery(u *url.URL, keys []string) string {
	q := u.Query()
	var parts []string
	for _, k := range keys {
		if vs, present := q[k]; present && len(vs) > 0 {
			parts = append(parts, k+"="+url.QueryEscape(vs[0]))
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return "?" + strings.Join(parts, "&")
}

func firstSegment(path string) string {
	path = strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		path = path[:i]
	}
	return path
}
