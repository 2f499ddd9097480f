package scoring

import (
	"strings"

	"github.com/mohammad-safakhou/sentinel/internal/report"
)

// doc is a lenient view over a decoded report-like JSON object. Every lookup
// tolerates absent keys and wrong types by returning an empty value.
type doc map[string]any

func (d doc) has(key string) bool {
	_, ok := d[key]
	return ok
}

func (d doc) obj(key string) doc {
	if m, ok := d[key].(map[string]any); ok {
		return doc(m)
	}
	return doc{}
}

func (d doc) str(key string) string {
	s, _ := d[key].(string)
	return s
}

func (d doc) list(key string) []any {
	l, _ := d[key].([]any)
	return l
}

func (d doc) objects(key string) []doc {
	var out []doc
	for _, item := range d.list(key) {
		if m, ok := item.(map[string]any); ok {
			out = append(out, doc(m))
		}
	}
	return out
}

// text joins the string items of the named list fields, lowercased.
func (d doc) text(keys ...string) string {
	var b strings.Builder
	for _, k := range keys {
		switch v := d[k].(type) {
		case string:
			b.WriteString(v)
			b.WriteByte(' ')
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					b.WriteString(s)
					b.WriteByte(' ')
				}
			}
		}
	}
	return strings.ToLower(b.String())
}

func containsAny(text string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(text, n) {
			return true
		}
	}
	return false
}

func bonus(cond bool, points int) int {
	if cond {
		return points
	}
	return 0
}

func capped(penalty, limit int) int {
	if penalty > limit {
		return limit
	}
	return penalty
}

type severityTally struct {
	critical, high, medium, low int
}

func (t severityTally) highOrCritical() int { return t.critical + t.high }

func tally(items []doc) severityTally {
	var t severityTally
	for _, item := range items {
		sev, ok := report.ParseSeverity(item.str("severity"))
		if !ok {
			continue
		}
		switch sev {
		case report.SeverityCritical:
			t.critical++
		case report.SeverityHigh:
			t.high++
		case report.SeverityMedium:
			t.medium++
		case report.SeverityLow:
			t.low++
		}
	}
	return t
}

var (
	negativeCertStatus = []string{"non", "not ", "expired", "revoked", "lapsed", "in progress", "pending", "planned", "unknown"}
	positiveCertStatus = []string{"certified", "compliant", "attested", "audited", "achieved", "active", "valid", "current", "claimed"}
	lapsedCertStatus   = []string{"expired", "revoked", "lapsed"}
)

func certActive(status string) bool {
	s := strings.ToLower(status)
	if containsAny(s, negativeCertStatus...) {
		return false
	}
	return containsAny(s, positiveCertStatus...)
}
