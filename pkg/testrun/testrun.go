package testrun

import (
	"fmt"
	"maps"
	"sync"
)

// Outcome is the classification of a test within a build.
type Outcome int

const (
	// OutcomeUnknown is the state of a test before correlation.
	OutcomeUnknown Outcome = iota
	// OutcomeSucceeded means no performance problem references the test.
	OutcomeSucceeded
	// OutcomeFailed means at least one performance problem references the test.
	OutcomeFailed
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Outcome) UnmarshalText(text []byte) error {
	switch string(text) {
	case "succeeded":
		*o = OutcomeSucceeded
	case "failed":
		*o = OutcomeFailed
	case "unknown", "":
		*o = OutcomeUnknown
	default:
		return fmt.Errorf("unknown outcome %q", text)
	}

	return nil
}

// ResponseCodeKeyPrefix prefixes chart keys of response code providers.
const ResponseCodeKeyPrefix = "ResponseCode"

// Identity identifies a discovered test.
type Identity struct {
	FullName  string `json:"full_name"`
	GroupName string `json:"group_name"`
}

// Problem is a performance failure reason attached to a failed test.
type Problem struct {
	Type        string `json:"type"`
	TestName    string `json:"test_name"`
	Description string `json:"description,omitempty"`
}

// Sample is a single elapsed time measurement.
type Sample struct {
	StartTime uint64  `json:"start_time"`
	Elapsed   float64 `json:"elapsed"`
}

// LogLine is a raw decoded log line keyed by its start time.
type LogLine struct {
	StartTime uint64   `json:"start_time"`
	Fields    []string `json:"fields"`
}

// TestRun holds the accumulated state of one test within a build.
type TestRun struct {
	identity Identity

	mu            sync.RWMutex
	outcome       Outcome
	problems      []Problem
	samples       []Sample
	responseCodes map[string]int
	logLines      []LogLine
}

// New creates a test run with an undetermined outcome.
func New(identity Identity) *TestRun {
	return &TestRun{
		identity:      identity,
		samples:       make([]Sample, 0, 64),
		responseCodes: make(map[string]int, 4),
		logLines:      make([]LogLine, 0, 64),
	}
}

// FullName returns the group-qualified test name.
func (r *TestRun) FullName() string {
	return r.identity.FullName
}

// GroupName returns the name of the group the test belongs to.
func (r *TestRun) GroupName() string {
	return r.identity.GroupName
}

// Identity returns the test identity.
func (r *TestRun) Identity() Identity {
	return r.identity
}

// ChartKey returns the metric key of the elapsed time provider.
func (r *TestRun) ChartKey() string {
	return r.identity.FullName
}

// ResponseCodeChartKey returns the metric key of the response code provider.
func (r *TestRun) ResponseCodeChartKey() string {
	return ResponseCodeKeyPrefix + "_" + r.ChartKey()
}

// ClassifyFailed marks the test as failed with the given problems.
func (r *TestRun) ClassifyFailed(problems []Problem) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.outcome = OutcomeFailed
	r.problems = append(make([]Problem, 0, len(problems)), problems...)
}

// ClassifySucceeded marks the test as succeeded.
func (r *TestRun) ClassifySucceeded() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.outcome = OutcomeSucceeded
	r.problems = nil
}

// Outcome returns the current classification.
func (r *TestRun) Outcome() Outcome {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.outcome
}

// Problems returns a copy of the attached failure reasons.
func (r *TestRun) Problems() []Problem {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]Problem(nil), r.problems...)
}

// AddTimeValue appends a sample. Samples with equal start times are all kept.
func (r *TestRun) AddTimeValue(startTime uint64, elapsed float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.samples = append(r.samples, Sample{StartTime: startTime, Elapsed: elapsed})
}

// AddResponseCode increments the count of the given response code.
func (r *TestRun) AddResponseCode(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.responseCodes[code]++
}

// AddLogLine appends the raw fields of a log line.
func (r *TestRun) AddLogLine(startTime uint64, fields []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logLines = append(r.logLines, LogLine{StartTime: startTime, Fields: fields})
}

// Samples returns a copy of the samples in arrival order.
func (r *TestRun) Samples() []Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]Sample(nil), r.samples...)
}

// SampleCount returns the number of samples recorded.
func (r *TestRun) SampleCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.samples)
}

// ResponseCodes returns a copy of the response code histogram.
func (r *TestRun) ResponseCodes() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return maps.Clone(r.responseCodes)
}

// LogLines returns a copy of the raw log lines in arrival order.
func (r *TestRun) LogLines() []LogLine {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]LogLine(nil), r.logLines...)
}

// Summary is a point-in-time view of a test run.
type Summary struct {
	FullName      string         `json:"full_name"`
	GroupName     string         `json:"group_name"`
	Outcome       Outcome        `json:"outcome"`
	Problems      []Problem      `json:"problems,omitempty"`
	Samples       []Sample       `json:"samples"`
	ResponseCodes map[string]int `json:"response_codes"`
}

// Summarize returns a consistent snapshot of the run.
func (r *TestRun) Summarize() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Summary{
		FullName:      r.identity.FullName,
		GroupName:     r.identity.GroupName,
		Outcome:       r.outcome,
		Problems:      append([]Problem(nil), r.problems...),
		Samples:       append([]Sample(nil), r.samples...),
		ResponseCodes: maps.Clone(r.responseCodes),
	}
}
