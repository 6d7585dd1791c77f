package validation

// ThreatLevel is a coarse ordinal risk classification derived from the
// counted errors and warnings of a validation run.
type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "LOW"
	ThreatMedium   ThreatLevel = "MEDIUM"
	ThreatHigh     ThreatLevel = "HIGH"
	ThreatCritical ThreatLevel = "CRITICAL"
)

// Report is the outcome of validating one upload candidate. It is computed
// fresh per call and never persisted as authoritative state; every error is
// fatal for the candidate, warnings only raise the threat score.
type Report struct {
	Errors         []string
	Warnings       []string
	DetectedFormat Format
	Width          int
	Height         int
}

func (r *Report) addError(msg string) {
	r.Errors = append(r.Errors, msg)
}

func (r *Report) addWarning(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// Accepted reports whether the candidate passed validation.
func (r *Report) Accepted() bool {
	return len(r.Errors) == 0
}

// Score is the weighted threat score: errors weigh three, warnings one.
func (r *Report) Score() int {
	return 3*len(r.Errors) + len(r.Warnings)
}

// Threat maps the score onto the ordinal threat level.
func (r *Report) Threat() ThreatLevel {
	switch score := r.Score(); {
	case score == 0:
		return ThreatLow
	case score <= 2:
		return ThreatMedium
	case score <= 5:
		return ThreatHigh
	default:
		return ThreatCritical
	}
}
