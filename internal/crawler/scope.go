package crawler

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

// Domain is a top-level domain a crawl may be restricted to.
type Domain string

// Supported crawl domains.
const (
	DomainCOM Domain = "com"
	DomainNET Domain = "net"
	DomainORG Domain = "org"
)

// ParseDomain accepts a domain in any case, with or without a leading dot.
func ParseDomain(raw string) (Domain, error) {
	switch d := Domain(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), ".")); d {
	case DomainCOM, DomainNET, DomainORG:
		return d, nil
	default:
		return "", errUnknownValue("domain", raw)
	}
}

// MatchesHost reports whether host sits under the domain.
func (d Domain) MatchesHost(host string) bool {
	return strings.HasSuffix(strings.ToLower(host), "."+string(d))
}

// Region narrows a crawl to pages associated with a place. Every field is optional.
type Region struct {
	Country string `json:"country,omitempty"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
}

// IsZero reports whether no region field is set.
func (r Region) IsZero() bool {
	return r.Country == "" && r.City == "" && r.State == ""
}

// CrawlParams is what a caller submits.
type CrawlParams struct {
	Domains  []Domain `json:"domains,omitempty"`
	Region   *Region  `json:"region,omitempty"`
	Seeds    []string `json:"seeds,omitempty"`
	MaxDepth int      `json:"max_depth,omitempty"`
	MaxPages int      `json:"max_pages,omitempty"`
}

// Scope is the validated, normalized form of CrawlParams stored on a job.
type Scope struct {
	Domains  []Domain `json:"domains,omitempty"`
	Region   *Region  `json:"region,omitempty"`
	Seeds    []string `json:"seeds"`
	MaxDepth int      `json:"max_depth"`
	MaxPages int      `json:"max_pages"`
}

// Unrestricted reports whether the scope has no domain allow-list.
func (s Scope) Unrestricted() bool {
	return len(s.Domains) == 0
}

// AllowsHost reports whether a host passes the domain allow-list.
func (s Scope) AllowsHost(host string) bool {
	if s.Unrestricted() {
		return true
	}
	for _, d := range s.Domains {
		if d.MatchesHost(host) {
			return true
		}
	}
	return false
}

// AllowsRegion is a best-effort check: a host on a two-letter country TLD other
// than the requested country is excluded, anything else passes.
func (s Scope) AllowsRegion(host string) bool {
	if s.Region == nil || s.Region.Country == "" {
		return true
	}
	tld := CountryTLD(host)
	if tld == "" {
		return true
	}
	return sameCountry(s.Region.Country, tld)
}

// AllowsPageRegion reports whether a page's extracted country metadata is
// compatible with the requested country. Pages without metadata pass.
func (s Scope) AllowsPageRegion(country string) bool {
	if s.Region == nil || s.Region.Country == "" || country == "" {
		return true
	}
	return sameCountry(s.Region.Country, country)
}

// sameCountry compares two-letter codes, treating the uk ccTLD as gb.
func sameCountry(a, b string) bool {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a == "uk" {
		a = "gb"
	}
	if b == "uk" {
		b = "gb"
	}
	return a == b
}

// AllowsURL combines the domain and region checks for an absolute URL.
func (s Scope) AllowsURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := u.Hostname()
	return s.AllowsHost(host) && s.AllowsRegion(host)
}

// CountryTLD returns the two-letter top-level label of host, or "".
func CountryTLD(host string) string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	idx := strings.LastIndexByte(host, '.')
	if idx < 0 {
		return ""
	}
	tld := host[idx+1:]
	if len(tld) != 2 || !isASCIILetters(tld) {
		return ""
	}
	return tld
}

// NormalizeDomains canonicalizes and dedupes the list while keeping submission
// order. Unparseable entries are kept as given; Validate reports them.
func NormalizeDomains(domains []Domain) []Domain {
	if len(domains) == 0 {
		return nil
	}
	seen := make(map[Domain]struct{}, len(domains))
	out := make([]Domain, 0, len(domains))
	for _, d := range domains {
		if parsed, err := ParseDomain(string(d)); err == nil {
			d = parsed
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

// Validate checks region field shapes and that the region does not contradict
// itself or the domain list.
func (p CrawlParams) Validate() error {
	for _, d := range p.Domains {
		if _, err := ParseDomain(string(d)); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidScope, err)
		}
	}
	if p.MaxDepth < 0 || p.MaxPages < 0 {
		return fmt.Errorf("%w: max_depth and max_pages must be >= 0", ErrInvalidScope)
	}
	if p.Region == nil {
		return nil
	}
	r := p.Region
	if r.Country != "" && (len(r.Country) != 2 || !isASCIILetters(r.Country)) {
		return fmt.Errorf("%w: region.country must be a two-letter code", ErrInvalidScope)
	}
	if err := checkLength("region.city", r.City); err != nil {
		return err
	}
	if err := checkLength("region.state", r.State); err != nil {
		return err
	}
	if r.Country == "" && (r.City != "" || r.State != "") {
		return fmt.Errorf("%w: region.city and region.state require region.country", ErrInvalidScope)
	}
	return nil
}

func checkLength(field, value string) error {
	if value == "" {
		return nil
	}
	n := utf8.RuneCountInString(value)
	if n < 2 || n > 20 {
		return fmt.Errorf("%w: %s must be 2-20 characters", ErrInvalidScope, field)
	}
	return nil
}

func isASCIILetters(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i] | 0x20
		if c < 'a' || c > 'z' {
			return false
		}
	}
	return true
}
