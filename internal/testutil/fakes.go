package testutil

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mrz1836/tide/internal/constants"
	"github.com/mrz1836/tide/internal/domain"
	"github.com/mrz1836/tide/internal/vcs"
	"github.com/mrz1836/tide/internal/worker"
)

// FakeWorker returns scripted results. Tasks without a scripted result
// pass, completing every subtask and claiming their produces hint.
type FakeWorker struct {
	mu         sync.Mutex
	results    map[string]domain.WorkerResult
	calls      []string
	running    int
	maxRunning int

	// Delay is slept inside Execute so concurrency can be observed.
	Delay time.Duration

	// Materialize writes every hinted file of a passing task into the
	// workspace, so file claims verify.
	Materialize bool
}

// NewFakeWorker creates a FakeWorker.
func NewFakeWorker() *FakeWorker {
	return &FakeWorker{results: make(map[string]domain.WorkerResult)}
}

// SetResult scripts the result for taskID.
func (w *FakeWorker) SetResult(taskID string, r domain.WorkerResult) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r.TaskID = taskID
	w.results[taskID] = r
}

// Fail scripts a failure of the task's first subtask.
func (w *FakeWorker) Fail(taskID, reason string) {
	w.SetResult(taskID, domain.WorkerResult{Status: constants.WorkerStatusFail, Blocker: reason})
}

// Block scripts a blocked result.
func (w *FakeWorker) Block(taskID, reason string) {
	w.SetResult(taskID, domain.WorkerResult{Status: constants.WorkerStatusBlocked, Blocker: reason})
}

// Clear removes every scripted result.
func (w *FakeWorker) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.results = make(map[string]domain.WorkerResult)
}

// Execute implements worker.Worker.
func (w *FakeWorker) Execute(_ context.Context, a worker.Assignment) domain.WorkerResult {
	w.mu.Lock()
	w.calls = append(w.calls, a.Task.ID)
	w.running++
	w.maxRunning = max(w.maxRunning, w.running)
	scripted, ok := w.results[a.Task.ID]
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running--
		w.mu.Unlock()
	}()

	if w.Delay > 0 {
		time.Sleep(w.Delay)
	}
	if ok {
		return scripted
	}

	res := domain.WorkerResult{
		TaskID:        a.Task.ID,
		Status:        constants.WorkerStatusPass,
		Commits:       []string{"commit-" + a.Task.ID},
		SubtaskStatus: make(map[string]constants.TaskStatus),
	}
	for _, s := range a.Subtasks {
		res.SubtaskStatus[s.ID] = constants.TaskStatusCompleted
	}
	for _, f := range a.Task.Produces.Files {
		res.Claims = append(res.Claims, domain.ArtifactClaim{Kind: constants.ArtifactKindFile, Identifier: f, SourceTaskID: a.Task.ID})
		if w.Materialize && a.Workspace.Dir != "" {
			path := filepath.Join(a.Workspace.Dir, f)
			_ = os.MkdirAll(filepath.Dir(path), 0o750)
			_ = os.WriteFile(path, []byte(a.Task.ID+"\n"), 0o600)
		}
	}
	for _, s := range a.Task.Produces.Symbols {
		res.Claims = append(res.Claims, domain.ArtifactClaim{Kind: constants.ArtifactKindExportedSymbol, Identifier: s, SourceTaskID: a.Task.ID})
	}
	return res
}

// Calls returns the executed task ids in call order.
func (w *FakeWorker) Calls() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.calls)
}

// MaxConcurrent returns the highest number of simultaneous Execute calls seen.
func (w *FakeWorker) MaxConcurrent() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maxRunning
}

// FakeWorkspace implements vcs.Workspace in memory. Every branch is checked
// out in Root, so files written in one wave stay visible to the next as if
// the review had been merged.
type FakeWorkspace struct {
	mu         sync.Mutex
	Root       string
	branches   []vcs.Branch
	reviews    map[string]vcs.Branch
	texts      map[string][2]string
	merged     []string
	released   []string
	integrated []string
	commits    int

	// ForkRoot, when set, gives every fork its own directory under it,
	// seeded with the parent's files; Integrate copies them back. Without
	// it forks share the parent's directory.
	ForkRoot string

	// BranchErr, OpenErr, MergeErr and IntegrateErr are returned by the
	// matching call when set. BranchErr also fails Fork.
	BranchErr    error
	OpenErr      error
	MergeErr     error
	IntegrateErr error
}

// NewFakeWorkspace creates a FakeWorkspace rooted at root.
func NewFakeWorkspace(root string) *FakeWorkspace {
	return &FakeWorkspace{Root: root, reviews: make(map[string]vcs.Branch), texts: make(map[string][2]string)}
}

// CreateIsolatedBranch implements vcs.Workspace.
func (f *FakeWorkspace) CreateIsolatedBranch(_ context.Context, base, hint string) (vcs.Branch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BranchErr != nil {
		return vcs.Branch{}, f.BranchErr
	}
	b := vcs.Branch{Name: vcs.BranchName(hint), Dir: f.Root, Base: base}
	f.branches = append(f.branches, b)
	return b, nil
}

// Commit implements vcs.Workspace.
func (f *FakeWorkspace) Commit(_ context.Context, branch vcs.Branch, _ []string, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	return fmt.Sprintf("%s-%d", branch.Name, f.commits), nil
}

// OpenReview implements vcs.Workspace. Reopening a branch returns its review.
func (f *FakeWorkspace) OpenReview(_ context.Context, branch vcs.Branch, _, title, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OpenErr != nil {
		return "", f.OpenErr
	}
	for id, b := range f.reviews {
		if b.Name == branch.Name {
			f.texts[id] = [2]string{title, body}
			return id, nil
		}
	}
	id := strconv.Itoa(len(f.reviews) + 1)
	f.reviews[id] = branch
	f.texts[id] = [2]string{title, body}
	return id, nil
}

// ReviewText returns the latest title and body published for review id.
func (f *FakeWorkspace) ReviewText(id string) (title, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.texts[id]
	return t[0], t[1]
}

// Merge implements vcs.Workspace. Merging a merged review succeeds
// without merging it again.
func (f *FakeWorkspace) Merge(_ context.Context, reviewID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if slices.Contains(f.merged, reviewID) {
		return nil
	}
	if f.MergeErr != nil {
		return f.MergeErr
	}
	f.merged = append(f.merged, reviewID)
	return nil
}

// Fork implements coordinator.Isolator.
func (f *FakeWorkspace) Fork(_ context.Context, parent vcs.Branch, taskID string) (vcs.Branch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BranchErr != nil {
		return vcs.Branch{}, f.BranchErr
	}
	b := vcs.Branch{Name: vcs.ForkName(parent.Name, taskID), Dir: parent.Dir, Base: parent.Name}
	if f.ForkRoot != "" {
		b.Dir = filepath.Join(f.ForkRoot, strings.ReplaceAll(b.Name, "/", "-"))
		if err := copyFiles(parent.Dir, b.Dir); err != nil {
			return vcs.Branch{}, err
		}
	}
	return b, nil
}

// Integrate implements coordinator.Isolator.
func (f *FakeWorkspace) Integrate(_ context.Context, into, from vcs.Branch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.IntegrateErr != nil {
		return f.IntegrateErr
	}
	if from.Dir != into.Dir {
		if err := copyFiles(from.Dir, into.Dir); err != nil {
			return err
		}
	}
	f.integrated = append(f.integrated, from.Name)
	return nil
}

// Integrated returns the integrated fork branches, in order.
func (f *FakeWorkspace) Integrated() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.integrated)
}

// Released returns the branches whose checkout was released, in order.
func (f *FakeWorkspace) Released() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.released)
}

// copyFiles copies the regular files under src into dst, overwriting.
func copyFiles(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path) //#nosec G304 -- test fixture paths
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o600)
	})
}

// Release implements vcs.Workspace.
func (f *FakeWorkspace) Release(_ context.Context, branch vcs.Branch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, branch.Name)
	return nil
}

// Branches returns the branches created, in order.
func (f *FakeWorkspace) Branches() []vcs.Branch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.branches)
}

// Reviews returns the number of distinct reviews opened.
func (f *FakeWorkspace) Reviews() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reviews)
}

// Merged returns the merged review ids, in order.
func (f *FakeWorkspace) Merged() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.merged)
}

// FakeReviewer replays a queue of decisions per review. Once a queue is
// drained it keeps answering with its last decision, or PENDING if it
// never had one.
type FakeReviewer struct {
	mu        sync.Mutex
	decisions map[string][]constants.ReviewDecision
	last      map[string]constants.ReviewDecision
	feedback  map[string][]string
	polls     int

	// Err is returned by PollDecision when set.
	Err error
}

// NewFakeReviewer creates a FakeReviewer.
func NewFakeReviewer() *FakeReviewer {
	return &FakeReviewer{
		decisions: make(map[string][]constants.ReviewDecision),
		last:      make(map[string]constants.ReviewDecision),
		feedback:  make(map[string][]string),
	}
}

// Queue appends decisions for reviewID.
func (r *FakeReviewer) Queue(reviewID string, decisions ...constants.ReviewDecision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions[reviewID] = append(r.decisions[reviewID], decisions...)
}

// SetFeedback sets the comments returned for reviewID.
func (r *FakeReviewer) SetFeedback(reviewID string, comments ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feedback[reviewID] = comments
}

// PollDecision implements vcs.Reviewer.
func (r *FakeReviewer) PollDecision(_ context.Context, reviewID string) (constants.ReviewDecision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.polls++
	if r.Err != nil {
		return "", r.Err
	}
	if q := r.decisions[reviewID]; len(q) > 0 {
		r.last[reviewID] = q[0]
		r.decisions[reviewID] = q[1:]
		return q[0], nil
	}
	if d, ok := r.last[reviewID]; ok {
		return d, nil
	}
	return constants.ReviewPending, nil
}

// Feedback implements vcs.Reviewer.
func (r *FakeReviewer) Feedback(_ context.Context, reviewID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.feedback[reviewID]), nil
}

// Polls returns how many times PollDecision was called.
func (r *FakeReviewer) Polls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.polls
}

var (
	_ worker.Worker = (*FakeWorker)(nil)
	_ vcs.Workspace = (*FakeWorkspace)(nil)
	_ vcs.Reviewer  = (*FakeReviewer)(nil)
)
