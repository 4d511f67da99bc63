// Package task holds the versioned state of one design request and the
// concurrency-safe registry that stores all of them.
package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is a named pipeline state. Transitions follow a fixed graph and
// terminal states are immutable.
type State string

const (
	StateGenerating State = "GENERATING"
	StateReviewing  State = "REVIEWING"
	StateRevising   State = "REVISING"
	StateCompiling  State = "COMPILING"
	StateSimulating State = "SIMULATING"
	StateDone       State = "DONE"
	StateFailed     State = "FAILED"
)

// Terminal reports whether no further transitions are permitted.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// transitions is the allowed state graph. SIMULATING retries on transient
// tool failures stay in SIMULATING, which is not a transition.
var transitions = map[State][]State{
	StateGenerating: {StateReviewing, StateFailed},
	StateReviewing:  {StateCompiling, StateRevising, StateFailed},
	StateRevising:   {StateReviewing, StateFailed},
	StateCompiling:  {StateSimulating, StateRevising, StateFailed},
	StateSimulating: {StateDone, StateRevising, StateFailed},
	StateDone:       nil,
	StateFailed:     nil,
}

// Origin records how a code version came to exist.
type Origin string

const (
	OriginGenerated Origin = "generated"
	OriginRevised   Origin = "revised"
)

// Severity classifies a review finding.
type Severity string

const (
	SeverityCritical   Severity = "critical"
	SeverityWarning    Severity = "warning"
	SeveritySuggestion Severity = "suggestion"
)

// Finding is a single review issue.
type Finding struct {
	Severity     Severity `json:"severity"`
	Location     string   `json:"location,omitempty"`
	Message      string   `json:"message"`
	SuggestedFix string   `json:"suggested_fix,omitempty"`
}

// ReviewResult captures one review pass over a specific code version.
type ReviewResult struct {
	TargetVersion int       `json:"target_version"`
	Findings      []Finding `json:"findings"`
	CreatedAt     time.Time `json:"created_at"`
}

// Clean reports whether the review has zero critical findings.
// Suggestions and warnings never block progress.
func (r ReviewResult) Clean() bool {
	return len(r.CriticalFindings()) == 0
}

// CriticalFindings returns the findings that block progress to compilation.
func (r ReviewResult) CriticalFindings() []Finding {
	var critical []Finding
	for _, f := range r.Findings {
		if f.Severity == SeverityCritical {
			critical = append(critical, f)
		}
	}
	return critical
}

// CodeVersion is one immutable snapshot of generated or revised source.
type CodeVersion struct {
	Version   int       `json:"version"`
	Source    string    `json:"source"`
	Origin    Origin    `json:"origin"`
	CreatedAt time.Time `json:"created_at"`
}

// Record is the complete state of one design request.
//
// All mutation goes through the owning controller via Registry.Update;
// everything handed out by the registry is a deep copy.
type Record struct {
	ID           string   `json:"id"`
	SpecText     string   `json:"spec_text"`
	Expectations []string `json:"expectations,omitempty"`

	State State `json:"state"`

	CodeVersions  []CodeVersion  `json:"code_versions"`
	ReviewHistory []ReviewResult `json:"review_history"`

	CompileAttempts  int `json:"compile_attempts"`
	ReviseAttempts   int `json:"revise_attempts"`
	SimulateAttempts int `json:"simulate_attempts"`

	// Artifacts maps kind ("hex", "schematic", "source") to a storage
	// reference. Write-once per kind, populated only on DONE.
	Artifacts map[string]string `json:"artifacts,omitempty"`

	// Error is set only when State is FAILED.
	Error string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRecord creates a record in GENERATING with a fresh identifier.
func NewRecord(specText string, expectations []string) *Record {
	now := time.Now()
	return &Record{
		ID:           uuid.NewString(),
		SpecText:     specText,
		Expectations: append([]string(nil), expectations...),
		State:        StateGenerating,
		Artifacts:    make(map[string]string),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Transition moves the record to next, enforcing the state graph and
// terminal immutability.
func (r *Record) Transition(next State) error {
	if r.State.Terminal() {
		return fmt.Errorf("task %s: state %s is terminal", r.ID, r.State)
	}
	for _, allowed := range transitions[r.State] {
		if allowed == next {
			r.State = next
			r.UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("task %s: illegal transition %s -> %s", r.ID, r.State, next)
}

// Fail moves the record to FAILED with a human-readable reason.
// A failed task always explains which budget was exhausted or which
// service was unreachable.
func (r *Record) Fail(reason string) error {
	if err := r.Transition(StateFailed); err != nil {
		return err
	}
	r.Error = reason
	return nil
}

// AppendVersion appends an immutable code version and returns it.
// Version numbers are sequential starting at 1.
func (r *Record) AppendVersion(source string, origin Origin) CodeVersion {
	v := CodeVersion{
		Version:   len(r.CodeVersions) + 1,
		Source:    source,
		Origin:    origin,
		CreatedAt: time.Now(),
	}
	r.CodeVersions = append(r.CodeVersions, v)
	r.UpdatedAt = v.CreatedAt
	return v
}

// AppendReview appends a review result to the history.
func (r *Record) AppendReview(review ReviewResult) {
	r.ReviewHistory = append(r.ReviewHistory, review)
	r.UpdatedAt = time.Now()
}

// LatestVersion returns the newest code version, or false when none exists.
func (r *Record) LatestVersion() (CodeVersion, bool) {
	if len(r.CodeVersions) == 0 {
		return CodeVersion{}, false
	}
	return r.CodeVersions[len(r.CodeVersions)-1], true
}

// LatestReview returns the newest review result, or false when none exists.
func (r *Record) LatestReview() (ReviewResult, bool) {
	if len(r.ReviewHistory) == 0 {
		return ReviewResult{}, false
	}
	return r.ReviewHistory[len(r.ReviewHistory)-1], true
}

// SetArtifact records a storage reference for kind. Write-once per kind.
func (r *Record) SetArtifact(kind, ref string) error {
	if existing, ok := r.Artifacts[kind]; ok {
		return fmt.Errorf("task %s: artifact %q already set to %q", r.ID, kind, existing)
	}
	r.Artifacts[kind] = ref
	r.UpdatedAt = time.Now()
	return nil
}

// Clone returns a deep copy safe to hand to concurrent readers.
func (r *Record) Clone() *Record {
	c := *r
	c.Expectations = append([]string(nil), r.Expectations...)
	c.CodeVersions = append([]CodeVersion(nil), r.CodeVersions...)
	c.ReviewHistory = make([]ReviewResult, len(r.ReviewHistory))
	for i, rev := range r.ReviewHistory {
		rev.Findings = append([]Finding(nil), rev.Findings...)
		c.ReviewHistory[i] = rev
	}
	c.Artifacts = make(map[string]string, len(r.Artifacts))
	for k, v := range r.Artifacts {
		c.Artifacts[k] = v
	}
	return &c
}
