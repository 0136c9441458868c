package versisect

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// linearVersions returns count+2 ascending versions: the good bound, count versions in between and the bad bound
func linearVersions(count int) (good RunnableVersion, between []RunnableVersion, bad RunnableVersion) {
	versions := make([]RunnableVersion, count+2)
	for i := range versions {
		versions[i] = RunnableVersion{Version: fmt.Sprintf("1.%d.0", i), Channel: Stable, Source: Remote}
	}
	return versions[0], versions[1 : count+1], versions[count+1]
}

// bisectWithOracle steps the bisection until it decides, asking the oracle for every result
func bisectWithOracle(t *testing.T, b *Bisection, oracle func(RunnableVersion) RunResult) Next {
	t.Helper()
	for i := 0; ; i++ {
		require.Less(t, i, 1000, "Bisection doesn't terminate")
		cont, ok := b.Next().(Continue)
		if !ok {
			return b.Next()
		}
		_, err := b.Step(oracle(cont.Version))
		require.Nil(t, err, "Step returned an error")
	}
}

func TestBisectionFindsTightestBracket(t *testing.T) {
	for count := 0; count <= 33; count++ {
		good, between, bad := linearVersions(count)
		all := append(append([]RunnableVersion{good}, between...), bad)

		// The change gets introduced at all[change]
		for change := 1; change < len(all); change++ {
			b := NewBisection(good, bad, between)
			next := bisectWithOracle(t, b, func(v RunnableVersion) RunResult {
				if slices.Index(all, v) < change {
					return ResultSuccess
				}
				return ResultFailure
			})

			done, ok := next.(Done)
			require.True(t, ok, "Bisection of %d versions with change at %d didn't finish, got %T", count, change, next)
			assert.Equal(t, all[change-1], done.Good, "Wrong good version of bracket")
			assert.Equal(t, all[change], done.Bad, "Wrong bad version of bracket")
			assert.Empty(t, done.Untested, "No version should be untested")

			maxRuns := int(math.Ceil(math.Log2(float64(count + 1))))
			assert.LessOrEqual(t, b.Runs(), maxRuns, "Too many runs for %d versions", count)
		}
	}
}

func TestBisectionWithoutVersionsInBetween(t *testing.T) {
	good, between, bad := linearVersions(0)
	b := NewBisection(good, bad, between)

	assert.Equal(t, Done{Good: good, Bad: bad, Untested: []RunnableVersion{}}, b.Next())
	assert.Equal(t, 0, b.Runs())
}

func TestBisectionInvalidKeepsBounds(t *testing.T) {
	good, between, bad := linearVersions(7)
	b := NewBisection(good, bad, between)

	cont := b.Next().(Continue)
	goodBefore, badBefore := b.Bounds()
	remainingBefore := b.Remaining()

	next, err := b.Step(ResultInvalid)
	assert.Nil(t, err)

	goodAfter, badAfter := b.Bounds()
	assert.Equal(t, goodBefore, goodAfter, "Invalid run moved the good bound")
	assert.Equal(t, badBefore, badAfter, "Invalid run moved the bad bound")
	assert.Equal(t, remainingBefore-1, b.Remaining(), "Invalid version should be removed from the candidates")

	retry, ok := next.(Continue)
	assert.True(t, ok, "Bisection should retry after an invalid run")
	assert.NotEqual(t, cont.Version, retry.Version, "Invalid version shouldn't be tested again")
}

func TestBisectionAllInvalidIsInconclusive(t *testing.T) {
	for count := 1; count <= 9; count++ {
		good, between, bad := linearVersions(count)
		b := NewBisection(good, bad, between)

		next := bisectWithOracle(t, b, func(RunnableVersion) RunResult { return ResultInvalid })

		inconclusive, ok := next.(Inconclusive)
		require.True(t, ok, "Only invalid runs should never give a bracket, got %T", next)
		assert.Equal(t, good, inconclusive.Good)
		assert.Equal(t, bad, inconclusive.Bad)
		assert.ElementsMatch(t, between, inconclusive.Untested, "All versions should be untested")
		assert.Equal(t, count, b.Runs(), "Every version should have been tried exactly once")
	}
}

func TestBisectionReportsUntestedInsideBracket(t *testing.T) {
	good, between, bad := linearVersions(6)
	all := append(append([]RunnableVersion{good}, between...), bad)

	// 1.1.0 and 1.2.0 succeed, 1.3.0 is invalid and the change is at 1.4.0
	b := NewBisection(good, bad, between)
	next := bisectWithOracle(t, b, func(v RunnableVersion) RunResult {
		switch i := slices.Index(all, v); {
		case i == 3:
			return ResultInvalid
		case i < 4:
			return ResultSuccess
		}
		return ResultFailure
	})

	// 1.3.0 is removed first, the bracket is only closed by a later failure
	done, ok := next.(Done)
	require.True(t, ok, "Expected a bracket, got %T", next)
	assert.Equal(t, all[2], done.Good)
	assert.Equal(t, all[4], done.Bad)
	assert.Equal(t, []RunnableVersion{all[3]}, done.Untested)

	for _, attempt := range b.History() {
		if attempt.Result == ResultInvalid {
			assert.Equal(t, all[3], attempt.Version, "Only the invalid version should have an invalid attempt")
		}
	}
}

func TestBisectionInvalidEmptyingNarrowedRange(t *testing.T) {
	good, between, bad := linearVersions(2)
	a, invalid := between[0], between[1]

	b := NewBisection(good, bad, between)
	next := bisectWithOracle(t, b, func(v RunnableVersion) RunResult {
		if v == invalid {
			return ResultInvalid
		}
		return ResultSuccess
	})

	inconclusive, ok := next.(Inconclusive)
	require.True(t, ok, "An invalid run emptying the range should be inconclusive, got %T", next)
	assert.Equal(t, a, inconclusive.Good, "Good bound should keep the narrowing of earlier runs")
	assert.Equal(t, bad, inconclusive.Bad)
	assert.Equal(t, []RunnableVersion{invalid}, inconclusive.Untested)
	assert.Equal(t, []Attempt{{a, ResultSuccess}, {invalid, ResultInvalid}}, b.History())
}

func TestBisectionInvalidOutsideBracketIsForgotten(t *testing.T) {
	good, between, bad := linearVersions(7)
	all := append(append([]RunnableVersion{good}, between...), bad)

	// The first tested version is invalid, the change is at the very end
	first := NewBisection(good, bad, between).Next().(Continue).Version
	b := NewBisection(good, bad, between)
	next := bisectWithOracle(t, b, func(v RunnableVersion) RunResult {
		if v == first {
			return ResultInvalid
		}
		if v == bad {
			return ResultFailure
		}
		return ResultSuccess
	})

	done, ok := next.(Done)
	require.True(t, ok, "Expected a bracket, got %T", next)
	assert.Equal(t, all[len(all)-2], done.Good)
	assert.Equal(t, bad, done.Bad)
	assert.Empty(t, done.Untested, "Invalid versions outside of the bracket shouldn't be reported")
}

func TestBisectionReversed(t *testing.T) {
	good, between, bad := linearVersions(8)
	// Searching for the version which fixed something: the newest version is the good one
	slices.Reverse(between)
	good, bad = bad, good

	// Versions before 1.3.0 are bad
	b := NewBisection(good, bad, between)
	next := bisectWithOracle(t, b, func(v RunnableVersion) RunResult {
		if CompareVersions(v.Version, "1.3.0") >= 0 {
			return ResultSuccess
		}
		return ResultFailure
	})

	done, ok := next.(Done)
	require.True(t, ok, "Expected a bracket, got %T", next)
	assert.Equal(t, "1.3.0", done.Good.Version)
	assert.Equal(t, "1.2.0", done.Bad.Version)
}

func TestBisectionStepAfterFinish(t *testing.T) {
	good, between, bad := linearVersions(1)
	b := NewBisection(good, bad, between)

	_, err := b.Step(ResultSuccess)
	assert.Nil(t, err)

	_, err = b.Step(ResultSuccess)
	assert.True(t, errors.Is(err, ErrBisectionFinished), "Stepping a finished bisection should fail")
	assert.Equal(t, 1, b.Runs(), "Failed steps shouldn't be recorded")
}

func TestBisectionUnknownResult(t *testing.T) {
	good, between, bad := linearVersions(3)
	b := NewBisection(good, bad, between)
	before := b.Next()

	_, err := b.Step(RunResult(42))
	assert.NotNil(t, err, "Unknown results should be rejected")
	assert.Equal(t, before, b.Next(), "Unknown results shouldn't change the bisection")
}
