// Package report carries operator-facing run events: every reported condition
// goes to the console with a severity-colored prefix and to the append-only
// run log file. Non-fatal failures increment a counter which the orchestrator
// reads at the end of the run to phrase the final summary.
package report

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
)

const timeLayout = "2006-01-02 15:04:05"

var (
	okPrefix   = color.New(color.FgGreen).Sprint("[ ok ]")
	warnPrefix = color.New(color.FgYellow).Sprint("[warn]")
	failPrefix = color.New(color.FgRed, color.Bold).Sprint("[FAIL]")
	infoPrefix = "[info]"
)

// Reporter aggregates run results. It is passed explicitly to every pipeline
// step; there is no process-wide state. The failure counter only grows, it is
// never reset mid-run.
type Reporter struct {
	console  io.Writer
	logFile  io.WriteCloser
	runID    string
	failures int
	now      func() time.Time
}

// New truncates the run log at path, writes the header line and returns a
// reporter mirroring every event to console.
func New(console io.Writer, path string) (*Reporter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating run log %s: %w", path, err)
	}
	r := &Reporter{
		console: console,
		logFile: f,
		runID:   uuid.NewString(),
		now:     time.Now,
	}
	r.line(fmt.Sprintf("==== stackprove run %s started %s ====", r.runID, r.now().Format(timeLayout)))
	return r, nil
}

// RunID identifies this run in the log header and the history store.
func (r *Reporter) RunID() string {
	return r.runID
}

// Failures returns the count of non-fatal failures reported so far.
func (r *Reporter) Failures() int {
	return r.failures
}

// Info reports a neutral progress event.
func (r *Reporter) Info(format string, args ...any) {
	r.event("INFO", infoPrefix, fmt.Sprintf(format, args...))
}

// Success reports a verified condition.
func (r *Reporter) Success(format string, args ...any) {
	r.event("OK", okPrefix, fmt.Sprintf(format, args...))
}

// Warn reports an advisory condition. It does not count as a failure.
func (r *Reporter) Warn(format string, args ...any) {
	r.event("WARN", warnPrefix, fmt.Sprintf(format, args...))
}

// Fail reports a non-fatal failure and increments the counter. The run
// continues; the summary will ask for manual follow-up.
func (r *Reporter) Fail(format string, args ...any) {
	r.failures++
	r.event("FAIL", failPrefix, fmt.Sprintf(format, args...))
}

// Close writes the terminal marker and closes the run log.
func (r *Reporter) Close() error {
	if r.failures == 0 {
		r.line(fmt.Sprintf("==== run %s finished: no issues ====", r.runID))
	} else {
		r.line(fmt.Sprintf("==== run %s finished: %d issue(s) need manual follow-up ====", r.runID, r.failures))
	}
	return r.logFile.Close()
}

func (r *Reporter) event(level, prefix, msg string) {
	fmt.Fprintf(r.console, "%s %s\n", prefix, msg)
	r.line(fmt.Sprintf("%s [%s] %s", r.now().Format(timeLayout), level, msg))
}

func (r *Reporter) line(s string) {
	fmt.Fprintln(r.logFile, s)
}
