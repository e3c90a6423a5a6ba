package constants

// TaskStatus represents the state of a task or subtask.
// Status values use snake_case for JSON serialization compatibility.
//
//	Pending → InProgress
//	InProgress → Completed, Failed, Blocked, Pending (reset)
//	Failed → Pending (reset)
//	Blocked → Pending (reset)
type TaskStatus string

const (
	// TaskStatusPending indicates a task is planned but not yet started.
	TaskStatusPending TaskStatus = "pending"

	// TaskStatusInProgress indicates a worker has been assigned the task.
	TaskStatusInProgress TaskStatus = "in_progress"

	// TaskStatusCompleted indicates every subtask reached GREEN and was committed.
	TaskStatusCompleted TaskStatus = "completed"

	// TaskStatusBlocked indicates a gate stopped the task before any mutation.
	TaskStatusBlocked TaskStatus = "blocked"

	// TaskStatusFailed indicates a subtask could not reach GREEN.
	TaskStatusFailed TaskStatus = "failed"
)

// String returns the string representation of the TaskStatus.
func (s TaskStatus) String() string {
	return string(s)
}

// Valid reports whether s is one of the declared task statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted, TaskStatusBlocked, TaskStatusFailed:
		return true
	}
	return false
}

// Phase is the spec-level lifecycle phase.
type Phase string

// Lifecycle phases. COMPLETED and FAILED are terminal; FAILED is left only
// through an explicit reset or recover.
const (
	PhaseInit             Phase = "INIT"
	PhaseExecute          Phase = "EXECUTE"
	PhaseAwaitingReview   Phase = "AWAITING_REVIEW"
	PhaseReviewProcessing Phase = "REVIEW_PROCESSING"
	PhaseReadyToMerge     Phase = "READY_TO_MERGE"
	PhaseCompleted        Phase = "COMPLETED"
	PhaseFailed           Phase = "FAILED"
)

// String returns the string representation of the Phase.
func (p Phase) String() string {
	return string(p)
}

// IsTerminal reports whether no automatic transition leaves p.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// ResumeStep names the sub-step of the current wave that already finished,
// letting an interrupted invocation skip work it has done.
type ResumeStep string

// Resume steps, in order.
const (
	ResumeStepNone       ResumeStep = ""
	ResumeStepExecuted   ResumeStep = "executed"
	ResumeStepReviewOpen ResumeStep = "review_open"
	ResumeStepMerged     ResumeStep = "merged"
)

// WorkerStatus is the status a worker reports for one task.
type WorkerStatus string

const (
	WorkerStatusPass    WorkerStatus = "pass"
	WorkerStatusFail    WorkerStatus = "fail"
	WorkerStatusBlocked WorkerStatus = "blocked"
	WorkerStatusPartial WorkerStatus = "partial"
)

// String returns the string representation of the WorkerStatus.
func (s WorkerStatus) String() string {
	return string(s)
}

// TaskStatus maps a worker outcome onto the task status it produces.
// Partial results fail the task: a task never passes with a failing subtask.
func (s WorkerStatus) TaskStatus() TaskStatus {
	switch s {
	case WorkerStatusPass:
		return TaskStatusCompleted
	case WorkerStatusBlocked:
		return TaskStatusBlocked
	case WorkerStatusFail, WorkerStatusPartial:
		return TaskStatusFailed
	}
	return TaskStatusFailed
}

// WaveOutcome aggregates the worker results of one wave.
type WaveOutcome string

const (
	WaveOutcomeComplete WaveOutcome = "complete"
	WaveOutcomePartial  WaveOutcome = "partial"
	WaveOutcomeBlocked  WaveOutcome = "blocked"
)

// String returns the string representation of the WaveOutcome.
func (o WaveOutcome) String() string {
	return string(o)
}

// ArtifactKind classifies an artifact claim.
type ArtifactKind string

const (
	ArtifactKindFile           ArtifactKind = "file"
	ArtifactKindExportedSymbol ArtifactKind = "exported_symbol"
	ArtifactKindFunction       ArtifactKind = "function"
)

// Valid reports whether k is a known artifact kind.
func (k ArtifactKind) Valid() bool {
	switch k {
	case ArtifactKindFile, ArtifactKindExportedSymbol, ArtifactKindFunction:
		return true
	}
	return false
}

// ReviewDecision is the state of an external review.
type ReviewDecision string

const (
	ReviewPending          ReviewDecision = "PENDING"
	ReviewApproved         ReviewDecision = "APPROVED"
	ReviewChangesRequested ReviewDecision = "CHANGES_REQUESTED"
)

// TDDPhase is one step of the per-subtask test-first cycle.
type TDDPhase string

const (
	TDDRed      TDDPhase = "red"
	TDDGreen    TDDPhase = "green"
	TDDRefactor TDDPhase = "refactor"
)

// PartialPolicy controls how the lifecycle treats a partial wave.
type PartialPolicy string

const (
	// PartialPolicyPause keeps the spec in EXECUTE and reports the wave;
	// an explicit allow-partial advance overrides it.
	PartialPolicyPause PartialPolicy = "pause"

	// PartialPolicyHalt fails the spec.
	PartialPolicyHalt PartialPolicy = "halt"

	// PartialPolicyProceed advances past the failed tasks.
	PartialPolicyProceed PartialPolicy = "proceed"
)

// ReviewGranularity controls how often a review is opened.
type ReviewGranularity string

const (
	// ReviewPerWave opens, awaits and merges a review after every wave.
	ReviewPerWave ReviewGranularity = "wave"

	// ReviewPerSpec runs every wave first and opens one review at the end.
	ReviewPerSpec ReviewGranularity = "spec"
)

// TaskOrigin records where a task came from.
type TaskOrigin string

const (
	TaskOriginManifest TaskOrigin = "manifest"
	TaskOriginFeedback TaskOrigin = "feedback"
)
