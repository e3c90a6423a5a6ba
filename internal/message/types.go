package message

// ID identifies a message template.
type ID string

// Message identifiers.
const (
	// ReviewTitle is the title of a wave or spec review.
	ReviewTitle ID = "review/title"
	// ReviewBody is the description of a wave or spec review.
	ReviewBody ID = "review/body"
	// CommitMessage is the message of one subtask commit.
	CommitMessage ID = "git/commit_message"
)

// ReviewData is the input of ReviewTitle and ReviewBody.
type ReviewData struct {
	SpecID string
	// Wave is zero for a review covering the whole spec.
	Wave       int
	TotalWaves int
	Tasks      []ReviewTask
	// Verified lists verified artifacts as "kind:identifier".
	Verified []string
	// Unverified lists rejected claims with their reason.
	Unverified []string
	// Feedback lists the review comments turned into tasks.
	Feedback []string
}

// ReviewTask is one line of a review's task checklist.
type ReviewTask struct {
	ID          string
	Description string
	Done        bool
}

// CommitData is the input of CommitMessage.
type CommitData struct {
	SubtaskID   string
	Description string
}
