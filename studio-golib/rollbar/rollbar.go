// Package rollbar reports fine-tuning failures to Rollbar. Without a token every report is
// only logged, which is the default on development machines.
package rollbar

import (
	"fmt"
	"log"
	"os"
	"time"

	rollbar "github.com/rollbar/rollbar-go"
)

var (
	withPanic   = false
	logDisabled = false
	// at most one report every 500ms
	filter = newReportFilter(500 * time.Millisecond)
)

func init() {
	rollbar.SetToken(os.Getenv("ROLLBAR_TOKEN"))

	env := os.Getenv("ROLLBAR_ENV")
	if env == "" {
		env = "development"
	}
	rollbar.SetEnvironment(env)
}

// Disable rollbar messages
func Disable() {
	rollbar.SetToken("")
	rollbar.SetEnvironment("")
	rollbar.SetEnabled(false)
}

// WithPanic causes all subsequent rollbar calls to panic. The returned function reverts the behavior.
// Intended for use as: defer rollbar.WithPanic()() within a test function.
// Not thread-safe.
func WithPanic() func() {
	withPanic = true
	return func() {
		withPanic = false
	}
}

// SetLogDisabled sets the status of logging to Golang's log.
func SetLogDisabled(disabled bool) {
	logDisabled = disabled
}

// SetToken sets the token
func SetToken(token string) {
	rollbar.SetToken(token)
}

// SetEnvironment sets the environment
func SetEnvironment(env string) {
	rollbar.SetEnvironment(env)
}

// Wait will block until the queue of errors / messages is empty.
func Wait() {
	rollbar.Wait()
}

// Error sends an error report to Rollbar.
func Error(err error, data ...interface{}) {
	send(rollbar.ERR, err, data...)
}

// TrialFailed reports a failed hyperparameter trial with the session and run it belongs to.
func TrialFailed(err error, session, runName string, params map[string]string) {
	send(rollbar.ERR, err, map[string]interface{}{
		"session": session,
		"run":     runName,
		"params":  params,
	})
}

// --

func send(level string, err error, data ...interface{}) {
	if withPanic {
		panic(fmt.Sprintf("rollbar [%s]: %v %v", level, err, data))
	}
	if rollbar.Token() == "" {
		logPrintf("rollbar [%s]: %v %v", level, err, data)
		return
	}

	ok, dropped := filter.accept()
	if !ok {
		logPrintf("dropping rollbar event due to filtering: %v", err)
		return
	}

	extras := make(map[string]interface{}, len(data)+1)
	for idx, d := range data {
		extras[fmt.Sprintf("data%d", idx)] = d
	}
	if dropped > 0 {
		extras["dropped_reports"] = dropped
	}
	skip := 2 // Go up two stack frames to report where the error came from
	rollbar.ErrorWithStackSkipWithExtras(level, err, skip, extras)
}

func logPrintf(format string, v ...interface{}) {
	if !logDisabled {
		log.Printf(format, v...)
	}
}
