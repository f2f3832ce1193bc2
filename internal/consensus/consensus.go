package consensus

import (
	"fmt"
	"slices"
	"strings"
)

type Method string

const (
	Majority  Method = "majority"
	Weighted  Method = "weighted"
	Unanimous Method = "unanimous"
	Quorum    Method = "quorum"
)

const DefaultQuorum = 0.51

func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case Majority, Weighted, Unanimous, Quorum:
		return m, nil
	case "":
		return Majority, nil
	}
	return "", fmt.Errorf("unknown consensus method %q", s)
}

// Outcome is the result of a consensus round. Reached is false whenever no
// winner exists; Decision is then None and Confidence 0.
type Outcome struct {
	Method     Method   `json:"method"`
	Decision   Decision `json:"decision"`
	Confidence float64  `json:"confidence"`
	Reached    bool     `json:"reached"`
	Votes      int      `json:"votes"`
}

type options struct {
	quorum float64
}

type Option func(*options)

// WithQuorum sets the minimum vote share for the quorum method.
func WithQuorum(threshold float64) Option {
	return func(o *options) {
		if threshold > 0 && threshold <= 1 {
			o.quorum = threshold
		}
	}
}

// group collects the votes cast for one decision, in first-seen order.
type group struct {
	decision Decision
	count    int
	sum      float64
}

func (g group) mean() float64 {
	if g.count == 0 {
		return 0
	}
	return g.sum / float64(g.count)
}

// Reach aggregates votes with the given method. Groups with equal size (or
// equal weight) are ordered by the first vote cast for them. Votes without a
// decision are abstentions and are not counted.
func Reach(votes []Vote, method Method, opts ...Option) Outcome {
	o := options{quorum: DefaultQuorum}
	for _, fn := range opts {
		fn(&o)
	}

	votes = slices.DeleteFunc(slices.Clone(votes), func(v Vote) bool { return v.Decision.IsNone() })
	out := Outcome{Method: method, Votes: len(votes)}
	if len(votes) == 0 {
		return out
	}

	groups := groupVotes(votes)
	total := float64(len(votes))

	switch method {
	case Majority:
		best := groups[0]
		for _, g := range groups[1:] {
			if g.count > best.count {
				best = g
			}
		}
		return reached(out, best.decision, float64(best.count)/total*best.mean())

	case Weighted:
		best := groups[0]
		var all float64
		for _, g := range groups {
			all += g.sum
			if g.sum > best.sum {
				best = g
			}
		}
		if all == 0 {
			return out
		}
		return reached(out, best.decision, best.sum/all)

	case Unanimous:
		if len(groups) != 1 {
			return out
		}
		return reached(out, groups[0].decision, groups[0].mean())

	case Quorum:
		for _, g := range groups {
			if float64(g.count)/total >= o.quorum {
				return reached(out, g.decision, g.mean())
			}
		}
		return out
	}
	return out
}

func reached(out Outcome, d Decision, confidence float64) Outcome {
	out.Decision = d
	out.Confidence = clamp(confidence)
	out.Reached = true
	return out
}

func groupVotes(votes []Vote) []group {
	index := make(map[Decision]int, len(votes))
	var groups []group
	for _, v := range votes {
		i, ok := index[v.Decision]
		if !ok {
			i = len(groups)
			index[v.Decision] = i
			groups = append(groups, group{decision: v.Decision})
		}
		groups[i].count++
		groups[i].sum += clamp(v.Confidence)
	}
	return groups
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
