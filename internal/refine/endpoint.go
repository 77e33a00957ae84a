package refine

import (
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

// completionPaths are endpoint suffixes that are used verbatim.
var completionPaths = []string{"/chat/completions", "/completions", "/responses"}

// Endpoint returns the URL a request for base is sent to:
// base + "/chat/completions", unless base already ends in a recognised
// completion path.
func Endpoint(base string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return nil, fmt.Errorf("%w: base url: %w", ErrInvalidProvider, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: base url %q: scheme must be http or https", ErrInvalidProvider, base)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: base url %q: missing host", ErrInvalidProvider, base)
	}
	path := strings.TrimRight(u.Path, "/")
	for _, suffix := range completionPaths {
		if strings.HasSuffix(path, suffix) {
			u.Path = path
			return u, nil
		}
	}
	u.Path = path + "/chat/completions"
	u.RawPath = ""
	return u, nil
}

// DefaultReasoningFamilies are the model families classified as reasoning
// models when no list is configured.
var DefaultReasoningFamilies = []string{"o1", "o3", "o4", "gpt-5", "deepseek-r1", "qwq", "gpt-oss"}

// ReasoningClassifier decides whether a model takes max_completion_tokens
// instead of max_tokens. The family list is configuration data so new model
// names can be added without a release.
//
// A family matches when the model's base name (after the last '/', so
// "openai/gpt-5-mini" works) starts with it. Families containing a '-' also
// match anywhere in the name, which covers distributions such as
// "DeepSeek-R1-Distill" and "hf.co/x/deepseek-r1:14b".
type ReasoningClassifier struct {
	families []string
}

// NewReasoningClassifier builds a classifier. A nil slice selects
// [DefaultReasoningFamilies]; an empty non-nil slice classifies nothing.
func NewReasoningClassifier(families []string) *ReasoningClassifier {
	if families == nil {
		families = DefaultReasoningFamilies
	}
	c := &ReasoningClassifier{}
	for _, f := range families {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			c.families = append(c.families, f)
		}
	}
	return c
}

// IsReasoning reports whether model belongs to a reasoning family.
func (c *ReasoningClassifier) IsReasoning(model string) bool {
	name := strings.ToLower(strings.TrimSpace(model))
	base := name
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		base = name[i+1:]
	}
	for _, f := range c.families {
		if strings.HasPrefix(base, f) {
			return true
		}
		if strings.Contains(f, "-") && strings.Contains(name, f) {
			return true
		}
	}
	return false
}

// Families returns the configured families.
func (c *ReasoningClassifier) Families() []string {
	return append([]string(nil), c.families...)
}

// localMatcher decides whether an endpoint host is local. It never performs
// DNS lookups: only literal addresses and names are inspected.
type localMatcher struct {
	hosts    map[string]bool
	suffixes []string
	prefixes []netip.Prefix
}

func newLocalMatcher(entries []string) localMatcher {
	m := localMatcher{hosts: make(map[string]bool)}
	for _, e := range entries {
		e = strings.ToLower(strings.TrimSpace(e))
		switch {
		case e == "":
		case strings.HasPrefix(e, "."):
			m.suffixes = append(m.suffixes, e)
		default:
			if pfx, err := netip.ParsePrefix(e); err == nil {
				m.prefixes = append(m.prefixes, pfx.Masked())
				continue
			}
			m.hosts[e] = true
		}
	}
	return m
}

// IsLocal reports whether host is loopback, private, link-local, a
// localhost/.local name, or on the allow-list.
func (m localMatcher) IsLocal(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") {
		return true
	}
	if m.hosts[host] {
		return true
	}
	for _, s := range m.suffixes {
		if strings.HasSuffix(host, s) {
			return true
		}
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.WithZone("").Unmap()
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsUnspecified() {
		return true
	}
	for _, p := range m.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// IsLocalEndpoint reports whether requests for base go to a local host and
// therefore carry no Authorization header.
func (p *Processor) IsLocalEndpoint(base string) bool {
	u, err := Endpoint(base)
	if err != nil {
		return false
	}
	return p.local.IsLocal(u.Hostname())
}
