package fetch

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/feedweir/feedweir/internal/types"
)

// deniedHosts are never fetched for CDN pre-caching, regardless of the
// configured allowlist.
var deniedHosts = map[string]struct{}{
	"localhost":       {},
	"127.0.0.1":       {},
	"0.0.0.0":         {},
	"169.254.169.254": {},
}

// Allowlist restricts outbound CDN downloads to known media hosts.
// A host passes when it equals an entry or is a subdomain of one.
type Allowlist struct {
	hosts []string
}

// NewAllowlist builds an Allowlist from configured hosts. Entries are
// lowercased; empty entries are dropped.
func NewAllowlist(hosts []string) *Allowlist {
	cleaned := make([]string, 0, len(hosts))
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			cleaned = append(cleaned, h)
		}
	}
	return &Allowlist{hosts: cleaned}
}

// Allows reports whether host may be fetched.
func (a *Allowlist) Allows(host string) bool {
	host = strings.ToLower(host)
	if _, denied := deniedHosts[host]; denied {
		return false
	}
	for _, h := range a.hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// CheckURL validates a URL (including each redirect hop) against the
// allowlist. Suitable as a HopCheck.
func (a *Allowlist) CheckURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if !a.Allows(u.Hostname()) {
		return fmt.Errorf("%w: %s", types.ErrHostDenied, u.Hostname())
	}
	return nil
}
