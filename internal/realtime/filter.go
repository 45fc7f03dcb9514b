package realtime

import (
	"net/url"
	"slices"
	"strings"
)

// Filter narrows the stream a connection receives. Each non-empty list must
// match; an empty Filter matches every event.
type Filter struct {
	Types   []string `json:"types,omitempty"`
	Parties []string `json:"parties,omitempty"` // seller or buyer addresses
	Escrows []string `json:"escrows,omitempty"` // record addresses
}

// FilterFromQuery reads repeated type, party and escrow query parameters.
func FilterFromQuery(q url.Values) Filter {
	return Filter{
		Types:   q["type"],
		Parties: q["party"],
		Escrows: q["escrow"],
	}.normalize()
}

// normalize lower-cases addresses so matching is case-insensitive.
func (f Filter) normalize() Filter {
	lower := func(in []string) []string {
		if len(in) == 0 {
			return nil
		}
		out := make([]string, 0, len(in))
		for _, s := range in {
			if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return Filter{Types: f.Types, Parties: lower(f.Parties), Escrows: lower(f.Escrows)}
}

// Matches reports whether ev passes f. f must be normalized.
func (f Filter) Matches(ev *Event) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, ev.Type) {
		return false
	}
	if len(f.Escrows) > 0 && !slices.Contains(f.Escrows, strings.ToLower(ev.Escrow)) {
		return false
	}
	if len(f.Parties) > 0 {
		return slices.ContainsFunc(ev.Parties, func(p string) bool {
			return slices.Contains(f.Parties, strings.ToLower(p))
		})
	}
	return true
}
