// Package scoring converts a research report into a trust score breakdown.
//
// The scoring is a keyword heuristic: every category starts at a baseline of
// 50 and moves by fixed amounts when textual signals are present in the
// sections it reads. It is deterministic and never calls out to a model.
package scoring

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/mohammad-safakhou/sentinel/internal/report"
)

// Category names, in breakdown order.
const (
	Architecture       = "architecture"
	DataProtection     = "data_protection"
	IdentityAccess     = "identity_access"
	DevSecOps          = "devsecops"
	HistoricalSecurity = "historical_security"
	Compliance         = "compliance"
	PlatformSecurity   = "platform_security"
	RisksExposure      = "risks_exposure"
)

// CategoryNames lists the eight categories.
var CategoryNames = []string{
	Architecture, DataProtection, IdentityAccess, DevSecOps,
	HistoricalSecurity, Compliance, PlatformSecurity, RisksExposure,
}

const baseline = 50

// inputs declares the top-level report sections each category reads. A
// category whose sections are all absent is structurally missing.
var inputs = map[string][]string{
	Architecture:       {report.KeyDocs},
	DataProtection:     {report.KeyDocs, report.KeyCompliance},
	IdentityAccess:     {report.KeyDocs},
	DevSecOps:          {report.KeyCVE, report.KeyCompliance},
	HistoricalSecurity: {report.KeyIncidents, report.KeyCVE},
	Compliance:         {report.KeyCompliance},
	PlatformSecurity:   {report.KeyDocs},
	RisksExposure:      {report.KeyCVE, report.KeyIncidents},
}

var rules = map[string]func(doc) int{
	Architecture:       architectureScore,
	DataProtection:     dataProtectionScore,
	IdentityAccess:     identityAccessScore,
	DevSecOps:          devSecOpsScore,
	HistoricalSecurity: historicalSecurityScore,
	Compliance:         complianceScore,
	PlatformSecurity:   platformSecurityScore,
	RisksExposure:      risksExposureScore,
}

// DefaultWeights weighs every category equally.
func DefaultWeights() map[string]float64 {
	w := make(map[string]float64, len(CategoryNames))
	for _, c := range CategoryNames {
		w[c] = 1.0 / float64(len(CategoryNames))
	}
	return w
}

// Engine is stateless apart from its weights and safe for concurrent use.
type Engine struct {
	weights  map[string]float64
	declared map[string]bool
}

// NewEngine builds an engine. Nil or empty weights mean equal weights; unknown
// category names are ignored and weights are normalized by their sum.
func NewEngine(weights map[string]float64) *Engine {
	if len(weights) == 0 {
		weights = DefaultWeights()
	}
	e := &Engine{weights: make(map[string]float64, len(CategoryNames)), declared: map[string]bool{}}
	var total float64
	for _, c := range CategoryNames {
		w, ok := weights[c]
		if !ok || w < 0 {
			continue
		}
		e.declared[c] = true
		e.weights[c] = w
		total += w
	}
	if total <= 0 {
		return NewEngine(nil)
	}
	for c, w := range e.weights {
		e.weights[c] = w / total
	}
	return e
}

// Evaluate scores a report-like JSON document. It fails only when data is not
// a JSON object; missing or malformed sub-structures count as neutral.
func (e *Engine) Evaluate(data []byte) (report.TrustScoreBreakdown, error) {
	var root map[string]any
	if err := json.Unmarshal(data, &root); err != nil {
		return report.TrustScoreBreakdown{}, fmt.Errorf("trust score input is not a JSON object: %w", err)
	}
	if root == nil {
		return report.TrustScoreBreakdown{}, fmt.Errorf("trust score input is not a JSON object")
	}
	return e.evaluate(doc(root)), nil
}

// EvaluateReport scores a typed research report.
func (e *Engine) EvaluateReport(r report.ResearchReport) (report.TrustScoreBreakdown, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return report.TrustScoreBreakdown{}, fmt.Errorf("marshal report: %w", err)
	}
	return e.Evaluate(data)
}

func (e *Engine) evaluate(root doc) report.TrustScoreBreakdown {
	scores := make(map[string]int, len(CategoryNames))
	missing := 0
	for _, c := range CategoryNames {
		present := false
		for _, section := range inputs[c] {
			if root.has(section) {
				present = true
				break
			}
		}
		if !present || !e.declared[c] {
			missing++
		}
		if !present {
			scores[c] = baseline
			continue
		}
		scores[c] = clamp(rules[c](root))
	}

	var overall float64
	for _, c := range CategoryNames {
		overall += float64(scores[c]) * e.weights[c]
	}

	return report.TrustScoreBreakdown{
		Score:              clamp(int(math.Round(overall))),
		Confidence:         confidence(missing),
		Trend:              report.NormalizeTrend(root.obj(report.KeyCVE).str("trend")),
		Architecture:       scores[Architecture],
		DataProtection:     scores[DataProtection],
		IdentityAccess:     scores[IdentityAccess],
		DevSecOps:          scores[DevSecOps],
		HistoricalSecurity: scores[HistoricalSecurity],
		Compliance:         scores[Compliance],
		PlatformSecurity:   scores[PlatformSecurity],
		RisksExposure:      scores[RisksExposure],
	}
}

func confidence(missing int) string {
	switch {
	case missing == 0:
		return report.ConfidenceHigh
	case missing <= 2:
		return report.ConfidenceMedium
	}
	return report.ConfidenceLow
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func architectureScore(root doc) int {
	docs := root.obj(report.KeyDocs)
	text := docs.text("encryption", "summary")
	score := baseline
	score += bonus(containsAny(text, "zero-knowledge", "zero knowledge", "end-to-end", "end to end", "e2ee"), 25)
	score += bonus(containsAny(text, "aes", "gcm"), 10)
	score += bonus(containsAny(text, "pbkdf2", "argon2"), 10)
	return score
}

func dataProtectionScore(root doc) int {
	docs := root.obj(report.KeyDocs)
	comp := root.obj(report.KeyCompliance)
	crypto := docs.text("encryption", "summary")
	handling := docs.text("data_handling")
	score := baseline
	score += bonus(containsAny(crypto, "at rest"), 10)
	score += bonus(containsAny(crypto, "in transit", "tls"), 10)
	score += bonus(containsAny(handling, "retention", "deletion", "delete"), 10)
	score += bonus(containsAny(handling, "residency", "region") || comp.str("data_residency") != "", 10)
	score += bonus(containsAny(handling, "backup"), 5)
	return score
}

func identityAccessScore(root doc) int {
	text := root.obj(report.KeyDocs).text("authentication", "admin_controls")
	score := baseline
	score += bonus(containsAny(text, "mfa", "2fa", "multi-factor", "multifactor", "two-factor"), 15)
	score += bonus(containsAny(text, "sso", "saml", "oidc", "openid"), 15)
	score += bonus(containsAny(text, "scim"), 10)
	score += bonus(containsAny(text, "rbac", "role-based", "role based"), 10)
	score += bonus(containsAny(text, "passkey", "webauthn", "fido"), 5)
	return score
}

func devSecOpsScore(root doc) int {
	cve := root.obj(report.KeyCVE)
	items := cve.objects("critical")
	t := tally(items)

	var programText string
	comp := root.obj(report.KeyCompliance)
	programText += comp.text("overall_summary")
	for _, cert := range comp.objects("certs") {
		programText += cert.text("framework", "summary", "standards")
	}
	programText += root.obj(report.KeyDocs).text("summary", "admin_controls")
	programText += cve.text("summary")

	score := baseline
	score += bonus(len(items) == 0, 10)
	score -= capped(10*t.critical+6*t.high+3*t.medium+t.low, 30)
	score += bonus(containsAny(programText, "bug bounty", "vulnerability disclosure", "responsible disclosure"), 10)
	score += bonus(containsAny(programText, "penetration test", "pentest", "pen test"), 5)
	return score
}

func historicalSecurityScore(root doc) int {
	incidents := root.obj(report.KeyIncidents).objects("items")
	cveTally := tally(root.obj(report.KeyCVE).objects("critical"))

	score := baseline
	if len(incidents) == 0 {
		score += 20
	} else {
		score -= capped(5*len(incidents)+5*tally(incidents).highOrCritical(), 30)
	}
	if cveTally.highOrCritical() == 0 {
		score += 10
	} else {
		score -= capped(5*cveTally.highOrCritical(), 20)
	}
	return score
}

func complianceScore(root doc) int {
	certs := root.obj(report.KeyCompliance).objects("certs")
	var soc2, iso27001, lapsed bool
	others := map[string]struct{}{}
	for _, cert := range certs {
		framework := cert.text("framework")
		status := cert.str("status")
		if containsAny(cert.text("status"), lapsedCertStatus...) {
			lapsed = true
		}
		if !certActive(status) {
			continue
		}
		switch {
		case containsAny(framework, "soc 2", "soc2", "soc ii"):
			soc2 = true
		case containsAny(framework, "27001"):
			iso27001 = true
		default:
			others[framework] = struct{}{}
		}
	}

	score := baseline
	score += bonus(soc2, 20)
	score += bonus(iso27001, 15)
	score += capped(5*len(others), 15)
	score -= bonus(lapsed, 10)
	return score
}

func platformSecurityScore(root doc) int {
	docs := root.obj(report.KeyDocs)
	controls := docs.text("admin_controls", "summary")
	deploy := docs.text("deployment_model")
	score := baseline
	score += bonus(containsAny(controls, "audit log", "audit trail"), 10)
	score += bonus(containsAny(controls, "ip allow", "allowlist", "whitelist", "session"), 10)
	score += bonus(containsAny(deploy, "self-hosted", "on-prem", "on premise", "private cloud", "dedicated"), 10)
	score += bonus(containsAny(deploy, "saas", "cloud", "hosted"), 5)
	score += bonus(containsAny(controls+deploy, "sandbox", "isolation", "isolated", "tenant"), 5)
	return score
}

func risksExposureScore(root doc) int {
	cve := root.obj(report.KeyCVE)
	inc := root.obj(report.KeyIncidents)
	items := cve.objects("critical")
	t := tally(items)
	incidents := inc.objects("items")

	disclosure := cve.text("summary")
	for _, item := range items {
		disclosure += item.text("description")
	}
	exposure := inc.text("summary")
	for _, item := range incidents {
		exposure += item.text("title", "description")
	}

	score := baseline
	score += bonus(len(incidents) == 0 && t.highOrCritical() == 0, 10)
	penalty := capped(8*t.critical+4*t.high, 25)
	penalty += bonus(containsAny(disclosure, "reserved"), 10)
	penalty += bonus(containsAny(exposure+disclosure, "third-party", "third party", "supply chain", "supply-chain"), 10)
	score -= capped(penalty, 40)
	return score
}
