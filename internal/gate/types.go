package gate

import "fmt"

// RepoRunRecord is the campaign statistics for one repository. The derived
// fields are trusted as given: SuccessRate must equal SuccessCount/RunCount
// and DurationCV must equal DurationStddevMs/MeanDurationMs. Aggregate keeps
// them consistent.
type RepoRunRecord struct {
	Repo             string  `json:"repo" yaml:"repo"`
	Language         string  `json:"language,omitempty" yaml:"language,omitempty"`
	RunCount         int     `json:"run_count" yaml:"run_count"`
	SuccessCount     int     `json:"success_count" yaml:"success_count"`
	SuccessRate      float64 `json:"success_rate" yaml:"success_rate"`
	MeanDurationMs   float64 `json:"mean_duration_ms" yaml:"mean_duration_ms"`
	DurationStddevMs float64 `json:"duration_stddev_ms" yaml:"duration_stddev_ms"`
	DurationCV       float64 `json:"duration_cv" yaml:"duration_cv"`
}

// ValidationSummary is the input to Evaluate.
type ValidationSummary struct {
	Repos          []RepoRunRecord `json:"repos" yaml:"repos"`
	RepoCount      int             `json:"repo_count" yaml:"repo_count"`
	RunCount       int             `json:"run_count" yaml:"run_count"`
	AvgSuccessRate float64         `json:"avg_success_rate" yaml:"avg_success_rate"`
	MaxDurationCV  float64         `json:"max_duration_cv" yaml:"max_duration_cv"`
}

// Thresholds are the limits a campaign must meet.
type Thresholds struct {
	MinSuccessRate float64 `json:"min_success_rate" yaml:"min_success_rate"`
	MaxDurationCV  float64 `json:"max_duration_cv" yaml:"max_duration_cv"`
	MinRunsPerRepo int     `json:"min_runs_per_repo" yaml:"min_runs_per_repo"`
}

// DefaultThresholds returns the release thresholds used when none are given.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinSuccessRate: 0.8,
		MaxDurationCV:  0.35,
		MinRunsPerRepo: 3,
	}
}

// Validate checks that the thresholds are usable.
func (t Thresholds) Validate() error {
	if t.MinSuccessRate < 0 || t.MinSuccessRate > 1 {
		return fmt.Errorf("min_success_rate must be within [0, 1], got %g", t.MinSuccessRate)
	}
	if t.MaxDurationCV < 0 {
		return fmt.Errorf("max_duration_cv must not be negative, got %g", t.MaxDurationCV)
	}
	if t.MinRunsPerRepo < 0 {
		return fmt.Errorf("min_runs_per_repo must not be negative, got %d", t.MinRunsPerRepo)
	}
	return nil
}

// Violation codes.
const (
	CodeNoRepositories   = "no_repositories_evaluated"
	CodeInsufficientRuns = "insufficient_runs"
	CodeSuccessRate      = "success_rate_below_threshold"
	CodeDurationVariance = "duration_variance_above_threshold"
)

// Violation is one failed rule.
type Violation struct {
	Code  string  `json:"code"`
	Repo  string  `json:"repo,omitempty"`
	Value float64 `json:"value"`
}

// Reason renders the violation as its machine-readable reason string.
func (v Violation) Reason() string {
	switch v.Code {
	case CodeNoRepositories:
		return v.Code
	case CodeInsufficientRuns:
		return fmt.Sprintf("%s:%s:%d", v.Code, v.Repo, int(v.Value))
	default:
		return fmt.Sprintf("%s:%s:%.3f", v.Code, v.Repo, v.Value)
	}
}

// Result is the gate verdict. Reasons and Violations are index-aligned.
type Result struct {
	Passed     bool        `json:"passed"`
	Reasons    []string    `json:"reasons"`
	Violations []Violation `json:"violations"`
}
