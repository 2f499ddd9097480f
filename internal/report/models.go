package report

import (
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/sentinel/internal/errs"
)

// RunState keys written by the research stages and the finalize stage.
const (
	KeyVendor         = "vendor"
	KeyCategory       = "category"
	KeyCVE            = "cve"
	KeyCompliance     = "compliance"
	KeyIncidents      = "incidents"
	KeyDocs           = "docs"
	KeyAlternatives   = "alternatives"
	KeyArchitecture   = "architecture"
	KeySummary        = "summary"
	KeyReport         = "report"
	KeyFullAssessment = "full_assessment"
)

// RequiredKeys are the sections a ResearchReport cannot be built without.
var RequiredKeys = []string{KeyVendor, KeyCategory, KeyCVE, KeyCompliance, KeyIncidents, KeyDocs}

// Severity is the normalized severity scale shared by CVEs and incidents.
type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityHigh     Severity = "High"
	SeverityMedium   Severity = "Medium"
	SeverityLow      Severity = "Low"
)

// ParseSeverity maps free-form severity labels onto the scale. Unknown or
// empty labels report false.
func ParseSeverity(s string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return SeverityCritical, true
	case "high":
		return SeverityHigh, true
	case "medium", "med", "moderate":
		return SeverityMedium, true
	case "low":
		return SeverityLow, true
	}
	return "", false
}

// Rank orders severities for selection; unknown ranks last.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 3
	}
	return 4
}

// Trend values as they appear in generated sections.
const (
	TrendImproving = "Improving"
	TrendDegrading = "Degrading"
	TrendStable    = "Stable"
)

// NormalizeTrend folds free-text trend labels into improving, degrading or stable.
func NormalizeTrend(s string) string {
	t := strings.ToLower(strings.TrimSpace(s))
	switch {
	case strings.Contains(t, "improv"):
		return "improving"
	case strings.Contains(t, "degrad"), strings.Contains(t, "worsen"):
		return "degrading"
	}
	return "stable"
}

// ApplicationIntel resolves a free-text query into the names the assessment
// identifier is derived from.
type ApplicationIntel struct {
	Name       string `json:"name"`
	VendorName string `json:"vendor_name"`
	URL        string `json:"url,omitempty"`
}

func (a ApplicationIntel) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return errs.SchemaValidationError{Schema: "application", Field: "name", Reason: "must not be empty"}
	}
	if strings.TrimSpace(a.VendorName) == "" {
		return errs.SchemaValidationError{Schema: "application", Field: "vendor_name", Reason: "must not be empty"}
	}
	return nil
}

// VendorIntel is company background and reputation.
type VendorIntel struct {
	Name             string   `json:"name"`
	LegalName        string   `json:"legal_name,omitempty"`
	Country          string   `json:"country,omitempty"`
	Size             string   `json:"size,omitempty"`
	URL              string   `json:"url,omitempty"`
	NotableCustomers []string `json:"notable_customers"`
	SecurityTeam     string   `json:"security_team,omitempty"`
	Sources          []string `json:"sources"`
}

func (v VendorIntel) Validate() error {
	if strings.TrimSpace(v.Name) == "" {
		return errs.SchemaValidationError{Schema: KeyVendor, Field: "name", Reason: "must not be empty"}
	}
	if len(v.NotableCustomers) > 8 {
		return errs.SchemaValidationError{Schema: KeyVendor, Field: "notable_customers", Reason: fmt.Sprintf("at most 8 entries allowed, got %d", len(v.NotableCustomers))}
	}
	return nil
}

// AppCategoryResult classifies the product into the fixed taxonomy.
type AppCategoryResult struct {
	Category    string  `json:"category"`
	Subcategory string  `json:"subcategory"`
	Confidence  float64 `json:"confidence"`
	Reasoning   string  `json:"reasoning"`
}

// NewAppCategoryResult constructs a validated classification.
func NewAppCategoryResult(category, subcategory string, confidence float64, reasoning string) (AppCategoryResult, error) {
	r := AppCategoryResult{Category: category, Subcategory: subcategory, Confidence: confidence, Reasoning: reasoning}
	if err := r.Validate(); err != nil {
		return AppCategoryResult{}, err
	}
	return r, nil
}

func (r AppCategoryResult) Validate() error {
	if !IsCategory(r.Category) {
		return errs.SchemaValidationError{Schema: KeyCategory, Field: "category", Reason: fmt.Sprintf("%q is not an allowed category", r.Category)}
	}
	if !IsSubcategory(r.Category, r.Subcategory) {
		return errs.SchemaValidationError{Schema: KeyCategory, Field: "subcategory", Reason: fmt.Sprintf("%q is not an allowed subcategory of %q", r.Subcategory, r.Category)}
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return errs.SchemaValidationError{Schema: KeyCategory, Field: "confidence", Reason: "must be within [0, 1]"}
	}
	return nil
}

// CVEItem is one representative vulnerability.
type CVEItem struct {
	ID          string   `json:"id"`
	Severity    Severity `json:"severity,omitempty"`
	Description string   `json:"description"`
	Year        int      `json:"year,omitempty"`
	Published   string   `json:"published,omitempty"`
	Sources     []string `json:"sources"`
}

// CVESection summarizes vulnerability history.
type CVESection struct {
	ByYearCounts map[string]int `json:"by_year_counts"`
	Critical     []CVEItem      `json:"critical"`
	Trend        string         `json:"trend"`
	Summary      string         `json:"summary"`
	Sources      []string       `json:"sources"`
}

func (c CVESection) Validate() error {
	for year, n := range c.ByYearCounts {
		if n < 0 {
			return errs.SchemaValidationError{Schema: KeyCVE, Field: "by_year_counts." + year, Reason: "count must not be negative"}
		}
	}
	if len(c.Critical) > 8 {
		return errs.SchemaValidationError{Schema: KeyCVE, Field: "critical", Reason: "at most 8 entries allowed"}
	}
	for i, item := range c.Critical {
		if strings.TrimSpace(item.ID) == "" {
			return errs.SchemaValidationError{Schema: KeyCVE, Field: fmt.Sprintf("critical[%d].id", i), Reason: "must not be empty"}
		}
		if item.Severity != "" && item.Severity.Rank() > 3 {
			return errs.SchemaValidationError{Schema: KeyCVE, Field: fmt.Sprintf("critical[%d].severity", i), Reason: fmt.Sprintf("unknown severity %q", item.Severity)}
		}
	}
	return nil
}

// ComplianceCert is a single certification or attestation.
type ComplianceCert struct {
	Framework string   `json:"framework"`
	Status    string   `json:"status"`
	Year      int      `json:"year,omitempty"`
	Scope     string   `json:"scope,omitempty"`
	Auditor   string   `json:"auditor,omitempty"`
	ReportURL string   `json:"report_url,omitempty"`
	Standards []string `json:"standards"`
	Summary   string   `json:"summary,omitempty"`
	Sources   []string `json:"sources"`
}

// ComplianceSection summarizes certifications and audit posture.
type ComplianceSection struct {
	Certs          []ComplianceCert `json:"certs"`
	OverallSummary string           `json:"overall_summary"`
	DataResidency  string           `json:"data_residency,omitempty"`
	Sources        []string         `json:"sources"`
}

func (c ComplianceSection) Validate() error {
	for i, cert := range c.Certs {
		if strings.TrimSpace(cert.Framework) == "" {
			return errs.SchemaValidationError{Schema: KeyCompliance, Field: fmt.Sprintf("certs[%d].framework", i), Reason: "must not be empty"}
		}
	}
	return nil
}

// IncidentSignal is one known breach, incident or advisory.
type IncidentSignal struct {
	Title       string   `json:"title"`
	Date        string   `json:"date,omitempty"`
	Severity    Severity `json:"severity,omitempty"`
	Description string   `json:"description"`
	Sources     []string `json:"sources"`
}

// IncidentSection summarizes negative security signals.
type IncidentSection struct {
	Items   []IncidentSignal `json:"items"`
	Trend   string           `json:"trend"`
	Summary string           `json:"summary"`
	Sources []string         `json:"sources"`
}

func (s IncidentSection) Validate() error {
	switch s.Trend {
	case TrendImproving, TrendDegrading, TrendStable:
	default:
		return errs.SchemaValidationError{Schema: KeyIncidents, Field: "trend", Reason: fmt.Sprintf("%q is not one of Improving, Degrading, Stable", s.Trend)}
	}
	for i, item := range s.Items {
		if strings.TrimSpace(item.Title) == "" {
			return errs.SchemaValidationError{Schema: KeyIncidents, Field: fmt.Sprintf("items[%d].title", i), Reason: "must not be empty"}
		}
	}
	return nil
}

// DocFeatures are security claims extracted from product documentation.
type DocFeatures struct {
	Encryption      []string `json:"encryption"`
	Authentication  []string `json:"authentication"`
	DataHandling    []string `json:"data_handling"`
	AdminControls   []string `json:"admin_controls"`
	DeploymentModel []string `json:"deployment_model"`
	Summary         string   `json:"summary"`
	Sources         []string `json:"sources"`
}

// ArchitectureSummary holds inferred architecture traits. Nil means no
// evidence was found.
type ArchitectureSummary struct {
	Encryption     *string `json:"encryption"`
	KeyDerivation  *string `json:"key_derivation"`
	ZeroKnowledge  *bool   `json:"zero_knowledge"`
	OpenSource     *bool   `json:"open_source"`
	Authentication *string `json:"authentication"`
	Deployment     *string `json:"deployment"`
}

// Alternative is a competing tool.
type Alternative struct {
	Name          string   `json:"name"`
	RiskScore     *float64 `json:"risk_score,omitempty"`
	Justification string   `json:"justification"`
	Sources       []string `json:"sources"`
}

// Alternatives is the alternatives section as produced by its stage.
type Alternatives struct {
	Alternatives []Alternative `json:"alternatives"`
}

func (a Alternatives) Validate() error {
	for i, alt := range a.Alternatives {
		if strings.TrimSpace(alt.Name) == "" {
			return errs.SchemaValidationError{Schema: KeyAlternatives, Field: fmt.Sprintf("alternatives[%d].name", i), Reason: "must not be empty"}
		}
		if alt.RiskScore != nil && (*alt.RiskScore < 0 || *alt.RiskScore > 100) {
			return errs.SchemaValidationError{Schema: KeyAlternatives, Field: fmt.Sprintf("alternatives[%d].risk_score", i), Reason: "must be within [0, 100]"}
		}
	}
	return nil
}

// AssessmentSummary carries key takeaways; TrustScore stays nil until scoring runs.
type AssessmentSummary struct {
	KeyStrengths []string             `json:"key_strengths"`
	KeyRisks     []string             `json:"key_risks"`
	TrustScore   *TrustScoreBreakdown `json:"trust_score"`
}

func (s AssessmentSummary) Validate() error {
	if n := len(s.KeyStrengths); n < 3 || n > 7 {
		return errs.SchemaValidationError{Schema: KeySummary, Field: "key_strengths", Reason: fmt.Sprintf("expected 3-7 entries, got %d", n)}
	}
	if n := len(s.KeyRisks); n < 3 || n > 7 {
		return errs.SchemaValidationError{Schema: KeySummary, Field: "key_risks", Reason: fmt.Sprintf("expected 3-7 entries, got %d", n)}
	}
	if s.TrustScore != nil {
		return errs.SchemaValidationError{Schema: KeySummary, Field: "trust_score", Reason: "is computed, not generated"}
	}
	return nil
}

// Confidence levels of a trust score.
const (
	ConfidenceLow    = "low"
	ConfidenceMedium = "medium"
	ConfidenceHigh   = "high"
)

// TrustScoreBreakdown is the scoring result. It is replaced, never edited.
type TrustScoreBreakdown struct {
	Score              int    `json:"score"`
	Confidence         string `json:"confidence"`
	Trend              string `json:"trend"`
	Architecture       int    `json:"architecture"`
	DataProtection     int    `json:"data_protection"`
	IdentityAccess     int    `json:"identity_access"`
	DevSecOps          int    `json:"devsecops"`
	HistoricalSecurity int    `json:"historical_security"`
	Compliance         int    `json:"compliance"`
	PlatformSecurity   int    `json:"platform_security"`
	RisksExposure      int    `json:"risks_exposure"`
}

// Categories returns the eight category scores keyed by category name.
func (b TrustScoreBreakdown) Categories() map[string]int {
	return map[string]int{
		"architecture":        b.Architecture,
		"data_protection":     b.DataProtection,
		"identity_access":     b.IdentityAccess,
		"devsecops":           b.DevSecOps,
		"historical_security": b.HistoricalSecurity,
		"compliance":          b.Compliance,
		"platform_security":   b.PlatformSecurity,
		"risks_exposure":      b.RisksExposure,
	}
}

// ResearchReport is the canonical input of the trust score engine.
type ResearchReport struct {
	Vendor     VendorIntel       `json:"vendor"`
	Category   AppCategoryResult `json:"category"`
	CVE        CVESection        `json:"cve"`
	Compliance ComplianceSection `json:"compliance"`
	Incidents  IncidentSection   `json:"incidents"`
	Docs       DocFeatures       `json:"docs"`
}
