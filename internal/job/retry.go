package job

import "time"

// RetryMode distinguishes the ways an action can ask to be
// re-examined instead of completing (spec §4.15 try_again).
type RetryMode int

const (
	// AtOnce retries inline, once, within the same loop pass.
	AtOnce RetryMode = iota
	// StandardDelay re-examines the job on the next loop pass, roughly
	// 3 seconds later.
	StandardDelay
	// InCreationPoll is used while an outbound attachment is still
	// being encoded; it does not count as a real try.
	InCreationPoll
)

const (
	standardDelay       = 3 * time.Second
	inCreationPollDelay = 2 * time.Second
)

// RetryError is returned by an Executor method to ask the worker loop
// to try the job again instead of treating it as done or failed.
type RetryError struct {
	Mode RetryMode
	Err  error
}

func (e *RetryError) Error() string {
	if e.Err == nil {
		return "job: retry requested"
	}
	return e.Err.Error()
}

func (e *RetryError) Unwrap() error { return e.Err }

// TryAgain builds a RetryError, the value an Executor method returns
// to request a retry under the given mode.
func TryAgain(mode RetryMode, err error) error {
	return &RetryError{Mode: mode, Err: err}
}

// maxOnlineTries is the number of online attempts a job gets (spec
// §4.15: "After 3 online tries, the job is deleted").
const maxOnlineTries = 3
