package report

import "errors"

// CVECounts is the severity rollup of a CVE section.
type CVECounts struct {
	Total    int    `json:"total"`
	Critical int    `json:"critical"`
	High     int    `json:"high"`
	Medium   int    `json:"medium"`
	Low      int    `json:"low"`
	Trend    string `json:"trend"`
}

// IncidentCounts is the severity rollup of an incident section.
type IncidentCounts struct {
	Total    int    `json:"total"`
	Critical int    `json:"critical"`
	High     int    `json:"high"`
	Medium   int    `json:"medium"`
	Low      int    `json:"low"`
	Trend    string `json:"trend"`
}

// Metadata describes when and by which run an assessment was produced.
type Metadata struct {
	AssessedAt string `json:"assessed_at"`
	RunID      string `json:"run_id,omitempty"`
}

// Application is the classified product.
type Application struct {
	Name        string  `json:"name"`
	Category    string  `json:"category"`
	Subcategory string  `json:"subcategory"`
	Confidence  float64 `json:"confidence"`
}

// FullAssessment is the persisted artifact.
type FullAssessment struct {
	ID              string               `json:"id"`
	Metadata        Metadata             `json:"metadata"`
	Vendor          VendorIntel          `json:"vendor"`
	Application     Application          `json:"application"`
	Summary         AssessmentSummary    `json:"summary"`
	Architecture    *ArchitectureSummary `json:"architecture"`
	Compliance      ComplianceSection    `json:"compliance"`
	CVEs            CVECounts            `json:"cves"`
	Incidents       IncidentCounts       `json:"incidents"`
	Alternatives    []Alternative        `json:"alternatives"`
	CVE             CVESection           `json:"cve"`
	IncidentHistory IncidentSection      `json:"incident_history"`
	Docs            DocFeatures          `json:"docs"`
}

// ErrTrustScoreAttached is returned when a breakdown is attached twice.
var ErrTrustScoreAttached = errors.New("trust score already attached")

// AttachTrustScore sets the summary's trust score. It may be called once.
func (f *FullAssessment) AttachTrustScore(b TrustScoreBreakdown) error {
	if f.Summary.TrustScore != nil {
		return ErrTrustScoreAttached
	}
	f.Summary.TrustScore = &b
	return nil
}

// BuildCVECounts rolls up a CVE section. Total prefers the per-year counts and
// falls back to the number of listed items.
func BuildCVECounts(s CVESection) CVECounts {
	out := CVECounts{Trend: NormalizeTrend(s.Trend)}
	for _, n := range s.ByYearCounts {
		out.Total += n
	}
	if len(s.ByYearCounts) == 0 {
		out.Total = len(s.Critical)
	}
	for _, item := range s.Critical {
		sev, ok := ParseSeverity(string(item.Severity))
		if !ok {
			continue
		}
		switch sev {
		case SeverityCritical:
			out.Critical++
		case SeverityHigh:
			out.High++
		case SeverityMedium:
			out.Medium++
		case SeverityLow:
			out.Low++
		}
	}
	return out
}

// BuildIncidentCounts rolls up an incident section.
func BuildIncidentCounts(s IncidentSection) IncidentCounts {
	out := IncidentCounts{Total: len(s.Items), Trend: NormalizeTrend(s.Trend)}
	for _, item := range s.Items {
		sev, ok := ParseSeverity(string(item.Severity))
		if !ok {
			continue
		}
		switch sev {
		case SeverityCritical:
			out.Critical++
		case SeverityHigh:
			out.High++
		case SeverityMedium:
			out.Medium++
		case SeverityLow:
			out.Low++
		}
	}
	return out
}
