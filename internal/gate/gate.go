// Package gate decides whether a validation campaign is good enough to
// release. Evaluate is a pure function of its inputs.
package gate

// Evaluate checks every repository against the thresholds. Reasons follow
// the repository order of s, and within one repository the order run count,
// success rate, duration variance. Checks are not short-circuited.
func Evaluate(s ValidationSummary, t Thresholds) Result {
	res := Result{
		Reasons:    []string{},
		Violations: []Violation{},
	}
	add := func(v Violation) {
		res.Violations = append(res.Violations, v)
		res.Reasons = append(res.Reasons, v.Reason())
	}

	if s.RepoCount <= 0 {
		add(Violation{Code: CodeNoRepositories})
	}

	for _, r := range s.Repos {
		if r.RunCount < t.MinRunsPerRepo {
			add(Violation{Code: CodeInsufficientRuns, Repo: r.Repo, Value: float64(r.RunCount)})
		}
		if r.SuccessRate < t.MinSuccessRate {
			add(Violation{Code: CodeSuccessRate, Repo: r.Repo, Value: r.SuccessRate})
		}
		if r.DurationCV > t.MaxDurationCV {
			add(Violation{Code: CodeDurationVariance, Repo: r.Repo, Value: r.DurationCV})
		}
	}

	res.Passed = len(res.Reasons) == 0
	return res
}
