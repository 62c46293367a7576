package gate

import (
	"math"
	"time"
)

// Observation is the outcome of one run against one repository.
type Observation struct {
	Repo     string
	Language string
	Success  bool
	Duration time.Duration
}

// Aggregate folds observations into a ValidationSummary. Repositories appear
// in the order they are first observed. Duration spread is the population
// standard deviation; a zero mean gives a zero coefficient of variation.
func Aggregate(obs []Observation) ValidationSummary {
	type acc struct {
		rec       RepoRunRecord
		durations []float64
	}

	var order []string
	byRepo := make(map[string]*acc)
	for _, o := range obs {
		a, ok := byRepo[o.Repo]
		if !ok {
			a = &acc{rec: RepoRunRecord{Repo: o.Repo, Language: o.Language}}
			byRepo[o.Repo] = a
			order = append(order, o.Repo)
		}
		a.rec.RunCount++
		if o.Success {
			a.rec.SuccessCount++
		}
		if a.rec.Language == "" {
			a.rec.Language = o.Language
		}
		a.durations = append(a.durations, float64(o.Duration.Milliseconds()))
	}

	s := ValidationSummary{Repos: make([]RepoRunRecord, 0, len(order))}
	var rateSum float64
	for _, repo := range order {
		a := byRepo[repo]
		r := a.rec
		r.SuccessRate = float64(r.SuccessCount) / float64(r.RunCount)
		r.MeanDurationMs, r.DurationStddevMs = meanStddev(a.durations)
		if r.MeanDurationMs > 0 {
			r.DurationCV = r.DurationStddevMs / r.MeanDurationMs
		}

		s.Repos = append(s.Repos, r)
		s.RunCount += r.RunCount
		rateSum += r.SuccessRate
		s.MaxDurationCV = math.Max(s.MaxDurationCV, r.DurationCV)
	}
	s.RepoCount = len(s.Repos)
	if s.RepoCount > 0 {
		s.AvgSuccessRate = rateSum / float64(s.RepoCount)
	}
	return s
}

func meanStddev(xs []float64) (mean, stddev float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))

	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(xs)))
}
