package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gantry-dev/gantry/internal/dispatch"
	"github.com/gantry-dev/gantry/pkg/models"
)

// Worker executes work item payloads as shell commands for one role.
// For review gates the command's last output line must be a JSON
// ReviewResult, e.g. {"score":8,"critical_count":0,"feedback":"ok"}.
type Worker struct {
	role    string
	runner  CommandRunner
	workDir string
	// reviewGates marks item IDs whose output is a review verdict.
	reviewGates map[string]bool
}

// NewWorker creates a shell-backed worker for a role.
func NewWorker(role string, runner CommandRunner, workDir string, reviewGates map[string]bool) *Worker {
	if reviewGates == nil {
		reviewGates = map[string]bool{}
	}
	return &Worker{role: role, runner: runner, workDir: workDir, reviewGates: reviewGates}
}

// Role returns the role tag this worker serves.
func (w *Worker) Role() string { return w.role }

// Execute runs the item's payload. An empty payload completes
// immediately: plans may use bare items as ordering markers.
func (w *Worker) Execute(ctx context.Context, item *models.WorkItem) dispatch.Result {
	if item.Payload == "" {
		return dispatch.Result{Completed: true}
	}

	output, err := w.runner.RunShell(ctx, w.workDir, item.Payload)
	text := strings.TrimSpace(string(output))

	if w.reviewGates[item.ID] {
		if err != nil {
			return dispatch.Result{FailureReason: fmt.Sprintf("review command failed: %v: %s", err, tail(text))}
		}
		review, perr := parseReview(text)
		if perr != nil {
			return dispatch.Result{FailureReason: perr.Error()}
		}
		return dispatch.Result{Review: review}
	}

	if err != nil {
		return dispatch.Result{FailureReason: fmt.Sprintf("command failed: %v: %s", err, tail(text))}
	}
	return dispatch.Result{Completed: true, Output: text}
}

// parseReview decodes the last output line as a ReviewResult.
func parseReview(output string) (*models.ReviewResult, error) {
	lines := strings.Split(output, "\n")
	last := strings.TrimSpace(lines[len(lines)-1])

	var review models.ReviewResult
	if err := json.Unmarshal([]byte(last), &review); err != nil {
		return nil, fmt.Errorf("review output is not a JSON verdict: %w", err)
	}
	return &review, nil
}

// tail truncates long command output for failure reasons.
func tail(s string) string {
	const max = 400
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}

var _ dispatch.Worker = (*Worker)(nil)
