package correlate

import (
	"github.com/ethpandaops/perfstat/pkg/testrun"
)

// PerformanceProblemType is the failure reason type produced by
// performance threshold checks. Reasons of any other type are ignored.
const PerformanceProblemType = "BAD_PERFORMANCE"

// FailureReason is an externally reported build problem.
type FailureReason struct {
	Type        string `json:"type"`
	TestName    string `json:"test_name"`
	Description string `json:"description,omitempty"`
}

// RunSet is an insertion-ordered set of test runs keyed by full name.
type RunSet struct {
	order []string
	runs  map[string]*testrun.TestRun
}

func newRunSet(capacity int) *RunSet {
	return &RunSet{
		order: make([]string, 0, capacity),
		runs:  make(map[string]*testrun.TestRun, capacity),
	}
}

func (s *RunSet) add(run *testrun.TestRun) {
	s.order = append(s.order, run.FullName())
	s.runs[run.FullName()] = run
}

// Get returns the run with the given full name.
func (s *RunSet) Get(name string) (*testrun.TestRun, bool) {
	if s == nil {
		return nil, false
	}

	run, ok := s.runs[name]

	return run, ok
}

// Len returns the number of runs in the set.
func (s *RunSet) Len() int {
	if s == nil {
		return 0
	}

	return len(s.order)
}

// Runs returns the runs in insertion order.
func (s *RunSet) Runs() []*testrun.TestRun {
	if s == nil {
		return nil
	}

	runs := make([]*testrun.TestRun, 0, len(s.order))
	for _, name := range s.order {
		runs = append(runs, s.runs[name])
	}

	return runs
}

// Partition splits the discovered tests of a build by outcome.
type Partition struct {
	Failed    *RunSet
	Succeeded *RunSet
}

// Find looks a test up in the failed set first, then in the succeeded set.
func (p *Partition) Find(name string) (*testrun.TestRun, bool) {
	if run, ok := p.Failed.Get(name); ok {
		return run, true
	}

	return p.Succeeded.Get(name)
}

// All returns every run, failed ones first.
func (p *Partition) All() []*testrun.TestRun {
	return append(p.Failed.Runs(), p.Succeeded.Runs()...)
}

// Correlate joins the performance failure reasons of a build against its
// discovered tests. A test referenced by at least one performance reason is
// failed and carries every such reason; every other test succeeded. Reasons
// that reference no discovered test are dropped.
func Correlate(reasons []FailureReason, tests []testrun.Identity) *Partition {
	problems := make(map[string][]testrun.Problem, len(reasons))

	for _, reason := range reasons {
		if reason.Type != PerformanceProblemType {
			continue
		}

		problems[reason.TestName] = append(problems[reason.TestName], testrun.Problem{
			Type:        reason.Type,
			TestName:    reason.TestName,
			Description: reason.Description,
		})
	}

	partition := &Partition{
		Failed:    newRunSet(len(problems)),
		Succeeded: newRunSet(len(tests)),
	}

	for _, identity := range tests {
		if _, seen := partition.Find(identity.FullName); seen {
			continue
		}

		run := testrun.New(identity)

		if testProblems, ok := problems[identity.FullName]; ok {
			run.ClassifyFailed(testProblems)
			partition.Failed.add(run)

			continue
		}

		run.ClassifySucceeded()
		partition.Succeeded.add(run)
	}

	return partition
}
