package versisect

import (
	"fmt"
	"slices"
)

// Next is the decision of a [Bisection] after its latest step.
// It is either [Continue], [Done] or [Inconclusive].
type Next interface {
	isNext()
}

// Continue means the bisection needs the result of a run at Version
type Continue struct {
	Version RunnableVersion
}

// Done means the bisection found the tightest bracket around the change
type Done struct {
	Good RunnableVersion // The newest good version. Not necessarily tested if it is the initial good version
	Bad  RunnableVersion // The oldest bad version. Not necessarily tested if it is the initial bad version

	Untested []RunnableVersion // Versions inside the bracket whose runs were invalid. The change might have been introduced by any of them
}

// Inconclusive means that no versions are left to test between good and bad, but some of them produced invalid runs
type Inconclusive struct {
	Good RunnableVersion
	Bad  RunnableVersion

	Untested []RunnableVersion // The versions between good and bad whose runs were invalid
}

func (Continue) isNext()     {}
func (Done) isNext()         {}
func (Inconclusive) isNext() {}

// An Attempt is one tested version and its result
type Attempt struct {
	Version RunnableVersion
	Result  RunResult
}

// A Bisection is a binary search for the version which introduced a change.
// It does not run anything itself: [Bisection.Next] names the version to run and [Bisection.Step] takes in its result.
type Bisection struct {
	candidates []RunnableVersion // candidates[0] is the initial good version, candidates[len-1] the initial bad version

	low  int // Index of the newest good version
	high int // Index of the oldest bad version

	history []Attempt

	untested []RunnableVersion // Versions removed after invalid runs, in the order of candidates

	next Next
}

// NewBisection creates a bisection between good and bad over the versions in between.
// between has to be ordered from good towards bad and must not contain good or bad themselves.
func NewBisection(good, bad RunnableVersion, between []RunnableVersion) *Bisection {
	candidates := make([]RunnableVersion, 0, len(between)+2)
	candidates = append(candidates, good)
	candidates = append(candidates, between...)
	candidates = append(candidates, bad)

	b := &Bisection{
		candidates: candidates,
		low:        0,
		high:       len(candidates) - 1,
	}
	b.next = b.decide(false)
	return b
}

// Next returns the current decision of the bisection
func (b *Bisection) Next() Next {
	return b.next
}

// Step feeds the result of running the version named by the current [Continue] decision into the bisection
// and returns the next decision.
func (b *Bisection) Step(result RunResult) (Next, error) {
	cont, ok := b.next.(Continue)
	if !ok {
		return b.next, ErrBisectionFinished
	}
	mid := b.midpoint()

	switch result {
	case ResultSuccess:
		b.low = mid
	case ResultFailure:
		b.high = mid
	case ResultInvalid:
		// Invalid runs are no evidence in either direction, so only the candidate set shrinks
		b.candidates = slices.Delete(b.candidates, mid, mid+1)
		b.high--
		b.untested = append(b.untested, cont.Version)
	default:
		return b.next, fmt.Errorf("cannot step bisection with unknown run result %d", result)
	}
	b.history = append(b.history, Attempt{Version: cont.Version, Result: result})

	b.next = b.decide(result == ResultInvalid)
	return b.next, nil
}

func (b *Bisection) decide(afterInvalid bool) Next {
	if b.high-b.low > 1 {
		return Continue{Version: b.candidates[b.midpoint()]}
	}
	good, bad := b.Bounds()
	if afterInvalid {
		return Inconclusive{Good: good, Bad: bad, Untested: b.untestedBetween()}
	}
	return Done{Good: good, Bad: bad, Untested: b.untestedBetween()}
}

func (b *Bisection) midpoint() int {
	return (b.low + b.high) / 2
}

// untestedBetween returns the removed versions which lie between the current bounds
func (b *Bisection) untestedBetween() []RunnableVersion {
	good, bad := b.Bounds()
	reversed := CompareVersions(good.Version, bad.Version) > 0

	between := []RunnableVersion{}
	for _, v := range b.untested {
		afterGood := compareRunnable(v, good) > 0
		beforeBad := compareRunnable(v, bad) < 0
		if reversed {
			afterGood, beforeBad = !afterGood, !beforeBad
		}
		if afterGood && beforeBad {
			between = append(between, v)
		}
	}
	return between
}

// Bounds returns the current newest good and oldest bad version
func (b *Bisection) Bounds() (good, bad RunnableVersion) {
	return b.candidates[b.low], b.candidates[b.high]
}

// Remaining returns the number of untested candidates strictly between the current bounds
func (b *Bisection) Remaining() int {
	return b.high - b.low - 1
}

// History returns all attempts in the order they were stepped
func (b *Bisection) History() []Attempt {
	return slices.Clone(b.history)
}

// Runs returns how many results have been stepped into the bisection
func (b *Bisection) Runs() int {
	return len(b.history)
}
