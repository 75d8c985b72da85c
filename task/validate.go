package task

import (
	"math"
	"net/url"
	"strings"
	"unicode"
)

const (
	maxNameLength  = 100
	defaultName    = "trimmed_video"
	maxSourceRefSz = 2048
)

// SanitizeName turns a client supplied name into a safe filename stem.
func SanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if r := []rune(name); len(r) > maxNameLength {
		name = string(r[:maxNameLength])
	}
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || strings.ContainsRune(`<>:"/\|?*`, r) {
			return '_'
		}
		return r
	}, name)
	name = strings.TrimLeft(strings.TrimSpace(name), ".")
	if name == "" {
		return defaultName
	}
	return name
}

// validateRequest checks a request before any external call and returns it
// normalized.
func validateRequest(req Request, hosts []string) (Request, error) {
	req.SourceRef = strings.TrimSpace(req.SourceRef)
	if err := validateSourceRef(req.SourceRef, hosts); err != nil {
		return req, err
	}

	r := req.Range
	if math.IsNaN(r.Start) || math.IsNaN(r.End) || math.IsInf(r.Start, 0) || math.IsInf(r.End, 0) {
		return req, invalidf("Invalid time parameters.")
	}
	if r.Start < 0 || r.End <= r.Start {
		return req, invalidf("Invalid time parameters: end must be after start and start must not be negative.")
	}

	if req.Quality == "" {
		req.Quality = QualityBest
	}
	if !req.Quality.Valid() {
		return req, invalidf("Invalid quality %q.", req.Quality)
	}

	req.OutputName = SanitizeName(req.OutputName)
	return req, nil
}

// validateSourceRef checks the basic shape of a source locator: an absolute
// http(s) URL whose host is one of hosts or a subdomain of one.
func validateSourceRef(ref string, hosts []string) error {
	if ref == "" {
		return invalidf("URL is required.")
	}
	if len(ref) > maxSourceRefSz {
		return invalidf("URL is too long.")
	}
	if !strings.Contains(ref, "://") {
		ref = "https://" + ref
	}
	u, err := url.Parse(ref)
	if err != nil || u.Host == "" {
		return invalidf("Invalid video URL.")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return invalidf("Invalid video URL.")
	}
	if !hostAllowed(u.Hostname(), hosts) {
		return invalidf("Unsupported video host %q.", u.Hostname())
	}
	return nil
}

func hostAllowed(host string, hosts []string) bool {
	host = strings.ToLower(host)
	for _, h := range hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}
