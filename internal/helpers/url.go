package helpers

import (
	"errors"
	"net/url"
	"path"
	"sort"
	"strings"
)

var trackingQueryParams = map[string]struct{}{
	"utm_source": {}, "utm_medium": {}, "utm_campaign": {}, "utm_term": {},
	"utm_content": {}, "utm_id": {}, "gclid": {}, "dclid": {}, "fbclid": {},
	"msclkid": {}, "igshid": {},
}

// CanonicalURL normalises a URL string for comparison: lowercase scheme and
// host, default ports removed, fragment dropped, path cleaned, tracking
// parameters removed and the remaining query sorted. A missing scheme
// defaults to https.
func CanonicalURL(raw string) (string, error) {
	parsed, err := parseURL(raw)
	if err != nil {
		return "", err
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	host := strings.ToLower(parsed.Host)
	if h, port, ok := strings.Cut(host, ":"); ok {
		if (parsed.Scheme == "http" && port == "80") || (parsed.Scheme == "https" && port == "443") {
			host = h
		}
	}
	parsed.Host = host

	clean := path.Clean("/" + parsed.Path)
	if clean != "/" && strings.HasSuffix(parsed.Path, "/") {
		clean += "/"
	}
	parsed.Path = clean
	parsed.RawPath = ""
	parsed.Fragment = ""

	query := parsed.Query()
	for key := range query {
		if _, drop := trackingQueryParams[strings.ToLower(key)]; drop {
			query.Del(key)
		}
	}
	for key := range query {
		sort.Strings(query[key])
	}
	// url.Values.Encode sorts by key
	parsed.RawQuery = query.Encode()

	return parsed.String(), nil
}

// HostPath returns the lowercased hostname and cleaned path of raw, the key
// under which pages are considered duplicates regardless of query or scheme.
func HostPath(raw string) (string, string, error) {
	parsed, err := parseURL(raw)
	if err != nil {
		return "", "", err
	}
	p := strings.TrimSuffix(path.Clean("/"+parsed.Path), "/")
	return strings.ToLower(parsed.Hostname()), p, nil
}

// DedupeURLs returns urls with blanks and canonical duplicates removed,
// keeping the first spelling of each.
func DedupeURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	seen := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		key, err := CanonicalURL(u)
		if err != nil {
			key = u
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, u)
	}
	return out
}

func parseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("empty url")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme == "" && parsed.Host == "" {
		if strings.HasPrefix(raw, "//") {
			parsed, err = url.Parse("https:" + raw)
		} else {
			parsed, err = url.Parse("https://" + raw)
		}
		if err != nil {
			return nil, err
		}
	}
	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	if parsed.Host == "" {
		return nil, errors.New("url missing host")
	}
	return parsed, nil
}
