package presence

import "strings"

// VisibilityOverride is one per-URL-pattern exception to a user's
// default visibility. A pattern matches any URL containing it.
type VisibilityOverride struct {
	URLPattern string `json:"urlPattern"`
	Visible    bool   `json:"visible"`
}

// VisibilityPrefs is a user's visibility preference document, served on
// presence.visibility.{userId}.
type VisibilityPrefs struct {
	UserID         string               `json:"userId"`
	DefaultVisible bool                 `json:"defaultVisible"`
	Overrides      []VisibilityOverride `json:"overrides,omitempty"`
}

// Decide returns the verdict for one URL: the longest matching override
// wins, otherwise the default applies. Longest-match makes a narrow
// pattern ("example.com/private") override a broad one ("example.com")
// regardless of list order.
func (p VisibilityPrefs) Decide(rawURL string) bool {
	verdict := p.DefaultVisible
	best := -1
	for _, o := range p.Overrides {
		if o.URLPattern == "" {
			continue
		}
		if strings.Contains(rawURL, o.URLPattern) && len(o.URLPattern) > best {
			best = len(o.URLPattern)
			verdict = o.Visible
		}
	}
	return verdict
}
