// Package archive settles posts: it relocates a post's folder out of the
// queue into the terminal tree and records the attempt in the audit log.
package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/postwatch/internal/audit"
	"github.com/msageha/postwatch/internal/model"
	yamlutil "github.com/msageha/postwatch/internal/yaml"
)

// Outcome classifies a settled attempt.
type Outcome string

const (
	OutcomeSent   Outcome = audit.StatusSent
	OutcomeFailed Outcome = audit.StatusFailed
)

// ResultFileName is written inside every settled post folder.
const ResultFileName = "result.yaml"

// ErrDestinationExists means the terminal location is already occupied,
// which would indicate a double settlement.
var ErrDestinationExists = errors.New("settle destination already exists")

// MovedError reports a bookkeeping failure after the post folder already
// left the queue. The relocation is a rename and cannot be retried; only
// the audit record or result file is incomplete.
type MovedError struct {
	Dest string
	Err  error
}

func (e *MovedError) Error() string {
	return fmt.Sprintf("settled to %s but bookkeeping failed: %v", e.Dest, e.Err)
}

func (e *MovedError) Unwrap() error { return e.Err }

// Result is the result.yaml payload left beside a settled post.
type Result struct {
	Status      string    `yaml:"status"`
	AttemptID   string    `yaml:"attempt_id"`
	Reference   string    `yaml:"reference,omitempty"`
	Error       string    `yaml:"error,omitempty"`
	ScheduledAt time.Time `yaml:"scheduled_at"`
	SettledAt   time.Time `yaml:"settled_at"`
	Source      string    `yaml:"source"`
}

// Archiver performs atomic terminal relocation plus audit logging.
type Archiver struct {
	sentDir   string
	failedDir string
	log       *audit.Logger

	// now is replaceable for tests.
	now func() time.Time
}

func New(sentDir, failedDir string, log *audit.Logger) *Archiver {
	return &Archiver{
		sentDir:   sentDir,
		failedDir: failedDir,
		log:       log,
		now:       time.Now,
	}
}

// Settle moves the post folder into the terminal tree addressed by slot,
// date, and attempt time, writes result.yaml beside it, and appends one
// audit record. Returns the destination path.
//
// The move is a single rename, so a concurrent queue scan observes the post
// either still queued or fully settled, never both or neither. An error
// before the rename leaves the post queued and retryable; once the rename
// has happened any failure comes back as a MovedError, because the post is
// settled on disk regardless of the bookkeeping.
func (a *Archiver) Settle(post *model.Post, outcome Outcome, ref, errDetail string) (string, error) {
	attemptID, err := model.NewAttemptID()
	if err != nil {
		return "", fmt.Errorf("settle %s: %w", post.ID, err)
	}

	now := a.now()
	root := a.sentDir
	if outcome == OutcomeFailed {
		root = a.failedDir
	}
	dest := filepath.Join(root, string(post.Slot), post.Date, now.Format("15-04"), post.Name())

	if _, err := os.Stat(dest); err == nil {
		return "", fmt.Errorf("settle %s to %s: %w", post.ID, dest, ErrDestinationExists)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("settle %s: create destination: %w", post.ID, err)
	}
	if err := os.Rename(post.Dir, dest); err != nil {
		return "", fmt.Errorf("settle %s: relocate: %w", post.ID, err)
	}

	rec := &audit.Record{
		Timestamp:   now,
		AttemptID:   attemptID,
		PostID:      post.ID,
		Status:      string(outcome),
		Slot:        string(post.Slot),
		ScheduledAt: post.ScheduledAt,
		Source:      post.Dir,
		Destination: dest,
		Labels:      post.Labels,
		Reference:   ref,
		Error:       errDetail,
	}
	// Attempt both bookkeeping writes even if one fails, so an unwritable
	// result file cannot also cost the audit record.
	var bookErr error
	if err := a.log.Append(rec); err != nil {
		bookErr = fmt.Errorf("audit: %w", err)
	}

	result := Result{
		Status:      string(outcome),
		AttemptID:   attemptID,
		Reference:   ref,
		Error:       errDetail,
		ScheduledAt: post.ScheduledAt,
		SettledAt:   now,
		Source:      post.Dir,
	}
	if err := yamlutil.AtomicWrite(filepath.Join(dest, ResultFileName), result); err != nil {
		bookErr = errors.Join(bookErr, fmt.Errorf("write result: %w", err))
	}

	if bookErr != nil {
		return dest, &MovedError{Dest: dest, Err: fmt.Errorf("settle %s: %w", post.ID, bookErr)}
	}
	return dest, nil
}
