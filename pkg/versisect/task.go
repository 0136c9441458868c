package versisect

import (
	"fmt"
	"slices"
)

// A ChannelFilter selects which versions of a catalog take part in a task.
// Stable versions are always shown, other channels only if they are shown and not hidden.
type ChannelFilter struct {
	Show []Channel // Channels to show in addition to stable
	Hide []Channel // Channels to hide

	IncludeObsolete *bool // Whether obsolete versions are included. nil means unset, which behaves like false
}

// UseObsolete returns whether obsolete versions pass this filter
func (f ChannelFilter) UseObsolete() bool {
	return f.IncludeObsolete != nil && *f.IncludeObsolete
}

// Validate returns an error if a channel is both shown and hidden
func (f ChannelFilter) Validate() error {
	for _, c := range f.Show {
		if slices.Contains(f.Hide, c) {
			return &UsageError{Msg: fmt.Sprintf("channel %s cannot be both shown and hidden", c)}
		}
	}
	return nil
}

// Includes returns whether v passes the filter
func (f ChannelFilter) Includes(v RunnableVersion) bool {
	if v.Obsolete && !f.UseObsolete() {
		return false
	}
	if v.Channel == Stable {
		return true
	}
	return slices.Contains(f.Show, v.Channel) && !slices.Contains(f.Hide, v.Channel)
}

// A Task is a validated request for the orchestrator. It is either a [TestTask] or a [BisectTask].
type Task interface {
	channelFilter() ChannelFilter
	fiddleSource() FiddleSource
	logConfig() bool
}

// A TestTask runs a fiddle once against a single version
type TestTask struct {
	Fiddle FiddleSource

	Version string // The version to run against. If empty, the newest version passing Filter is used

	Filter ChannelFilter

	LogConfig bool // Print environment diagnostics before dispatching
}

// A BisectTask searches for the pair of adjacent versions between which the fiddle's behavior changed
type BisectTask struct {
	Fiddle FiddleSource

	GoodVersion string // A version which does not exhibit the change
	BadVersion  string // A version which exhibits the change

	Filter ChannelFilter

	LogConfig bool // Print environment diagnostics before dispatching
}

func (t TestTask) channelFilter() ChannelFilter   { return t.Filter }
func (t TestTask) fiddleSource() FiddleSource     { return t.Fiddle }
func (t TestTask) logConfig() bool                { return t.LogConfig }
func (t BisectTask) channelFilter() ChannelFilter { return t.Filter }
func (t BisectTask) fiddleSource() FiddleSource   { return t.Fiddle }
func (t BisectTask) logConfig() bool              { return t.LogConfig }

// ValidateTask checks a task for contradictions before it is dispatched
func ValidateTask(task Task) error {
	if task == nil {
		return &UsageError{Msg: "no task given"}
	}
	if task.fiddleSource() == nil {
		return &UsageError{Msg: "no fiddle given"}
	}
	if err := task.channelFilter().Validate(); err != nil {
		return err
	}

	switch t := task.(type) {
	case TestTask:
		if t.Version != "" && !IsValidVersion(t.Version) {
			return &UsageError{Msg: fmt.Sprintf("%q is not a valid version", t.Version)}
		}
	case BisectTask:
		for _, v := range []string{t.GoodVersion, t.BadVersion} {
			if !IsValidVersion(v) {
				return &UsageError{Msg: fmt.Sprintf("%q is not a valid version", v)}
			}
		}
		if semverCompare(t.GoodVersion, t.BadVersion) == 0 {
			return &UsageError{Msg: fmt.Sprintf("good and bad version %s are the same, there is nothing to bisect", t.GoodVersion)}
		}
	default:
		return &UsageError{Msg: fmt.Sprintf("unknown task type %T", task)}
	}
	return nil
}
