package report

import (
	"fmt"
	"time"

	"github.com/mohammad-safakhou/sentinel/internal/errs"
)

// State is the read side of a run's accumulated sections.
type State interface {
	Get(key string) (any, bool)
}

// MissingKeys is the completeness predicate over RequiredKeys.
func MissingKeys(st State) []string {
	var missing []string
	for _, k := range RequiredKeys {
		if _, ok := st.Get(k); !ok {
			missing = append(missing, k)
		}
	}
	return missing
}

// FinalizeOptions carries the values the assembler does not derive itself.
type FinalizeOptions struct {
	ID    string
	RunID string
	Now   func() time.Time
}

// Assembly is the output of Finalize.
type Assembly struct {
	Report ResearchReport
	Full   *FullAssessment
}

// Finalize builds the ResearchReport and FullAssessment from a run state.
// When required sections are missing it returns *errs.IncompleteRunError
// naming them and no assembly.
func Finalize(st State, opts FinalizeOptions) (*Assembly, error) {
	if missing := MissingKeys(st); len(missing) > 0 {
		return nil, &errs.IncompleteRunError{RunID: opts.RunID, Missing: missing}
	}

	var (
		rep ResearchReport
		err error
	)
	if rep.Vendor, err = section[VendorIntel](st, KeyVendor); err != nil {
		return nil, err
	}
	if rep.Category, err = section[AppCategoryResult](st, KeyCategory); err != nil {
		return nil, err
	}
	if rep.CVE, err = section[CVESection](st, KeyCVE); err != nil {
		return nil, err
	}
	if rep.Compliance, err = section[ComplianceSection](st, KeyCompliance); err != nil {
		return nil, err
	}
	if rep.Incidents, err = section[IncidentSection](st, KeyIncidents); err != nil {
		return nil, err
	}
	if rep.Docs, err = section[DocFeatures](st, KeyDocs); err != nil {
		return nil, err
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	full := &FullAssessment{
		ID:       opts.ID,
		Metadata: Metadata{AssessedAt: now().UTC().Format(time.RFC3339), RunID: opts.RunID},
		Vendor:   rep.Vendor,
		Application: Application{
			Name:        rep.Vendor.Name,
			Category:    rep.Category.Category,
			Subcategory: rep.Category.Subcategory,
			Confidence:  rep.Category.Confidence,
		},
		Summary:         AssessmentSummary{KeyStrengths: []string{}, KeyRisks: []string{}},
		Compliance:      rep.Compliance,
		CVEs:            BuildCVECounts(rep.CVE),
		Incidents:       BuildIncidentCounts(rep.Incidents),
		Alternatives:    []Alternative{},
		CVE:             rep.CVE,
		IncidentHistory: rep.Incidents,
		Docs:            rep.Docs,
	}

	if arch, ok, err := optionalSection[ArchitectureSummary](st, KeyArchitecture); err != nil {
		return nil, err
	} else if ok {
		full.Architecture = &arch
	}
	if alts, ok, err := optionalSection[Alternatives](st, KeyAlternatives); err != nil {
		return nil, err
	} else if ok && alts.Alternatives != nil {
		full.Alternatives = alts.Alternatives
	}
	if sum, ok, err := optionalSection[AssessmentSummary](st, KeySummary); err != nil {
		return nil, err
	} else if ok {
		// the generated summary never carries a score; scoring attaches it later
		sum.TrustScore = nil
		full.Summary = sum
	}

	return &Assembly{Report: rep, Full: full}, nil
}

// SetApplicationName overrides the product name when it was resolved separately
// from the vendor section.
func (a *Assembly) SetApplicationName(name string) {
	if a == nil || a.Full == nil || name == "" {
		return
	}
	a.Full.Application.Name = name
}

func section[T any](st State, key string) (T, error) {
	v, ok, err := optionalSection[T](st, key)
	if err == nil && !ok {
		err = fmt.Errorf("section %s is missing", key)
	}
	return v, err
}

func optionalSection[T any](st State, key string) (T, bool, error) {
	var zero T
	raw, ok := st.Get(key)
	if !ok {
		return zero, false, nil
	}
	switch v := raw.(type) {
	case T:
		return v, true, nil
	case *T:
		if v == nil {
			return zero, false, nil
		}
		return *v, true, nil
	}
	return zero, false, fmt.Errorf("section %s has unexpected type %T", key, raw)
}
