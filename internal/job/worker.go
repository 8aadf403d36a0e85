package job

import (
	"context"
	"sync"
	"time"

	"github.com/mercury-chat/engine/internal/logging"
	"github.com/rs/zerolog"
)

// pollInterval is how often an idle loop wakes up on its own to
// re-check for due jobs, in case a job's desired_timestamp elapsed
// without an explicit interrupt.
const pollInterval = 30 * time.Second

// Executor runs the domain-specific side of each action. One method
// per spec §4.15 action; the engine (not this package) implements it,
// wiring together the IMAP/SMTP adapters, MIME factory, and stores —
// mirroring how the teacher's scheduler never touches IMAP itself,
// only calling into engine.SyncFolders/SyncMessages.
type Executor interface {
	// IsOnline reports current connectivity; try_count is only
	// incremented for a failed job while this returns true.
	IsOnline() bool

	SendMsgToIMAP(ctx context.Context, j *Job) error
	DeleteMsgOnIMAP(ctx context.Context, j *Job) error
	MarkseenMsgOnIMAP(ctx context.Context, j *Job) error
	MarkseenMDNOnIMAP(ctx context.Context, j *Job) error
	ConfigureIMAP(ctx context.Context, j *Job) error
	IMEXIMAP(ctx context.Context, j *Job) error

	// FetchIMAP runs one incremental-fetch pass over the watched
	// folders (spec §4.13 steps 1-3), handing any newly seen message
	// bodies to the receive path. Called once per IMAP loop iteration
	// whenever no job is due.
	FetchIMAP(ctx context.Context) error

	// IdleIMAP runs one IDLE (or fake-idle) cycle (spec §4.13/§5),
	// blocking until the cycle's own timeout elapses, ctx is
	// cancelled, or wake fires.
	IdleIMAP(ctx context.Context, wake <-chan struct{}) error

	SendMDN(ctx context.Context, j *Job) error
	SendMsgToSMTP(ctx context.Context, j *Job) error

	// Fail is called when a SEND_MSG_TO_SMTP job is given up, either
	// after maxOnlineTries or at once when the action returns an error
	// that is not a RetryError, so the caller can mark the message
	// OUT_FAILED with the recorded error text (spec §4.15).
	Fail(j *Job, err error)
}

// Engine runs the two worker loops against a Store and an Executor.
type Engine struct {
	store    *Store
	exec     Executor
	log      zerolog.Logger

	imapWake chan struct{}
	smtpWake chan struct{}

	mu            sync.Mutex
	cond          *sync.Cond
	smtpSuspended bool
	smtpIdling    bool

	wg sync.WaitGroup
}

// NewEngine builds a job Engine. Call Start to run its two loops.
func NewEngine(store *Store, exec Executor) *Engine {
	e := &Engine{
		store:    store,
		exec:     exec,
		log:      logging.WithComponent("job"),
		imapWake: make(chan struct{}, 1),
		smtpWake: make(chan struct{}, 1),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Start launches both worker loops. They run until ctx is cancelled;
// call Wait to block until both have exited.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(2)
	go e.runIMAPLoop(ctx)
	go e.runSMTPLoop(ctx)
}

// Wait blocks until both loops have exited (after Start's ctx is
// cancelled).
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Interrupt wakes the given thread's loop immediately instead of
// waiting for its next poll tick, e.g. right after enqueuing a send
// (spec §5 interrupt primitives).
func (e *Engine) Interrupt(thread Thread) {
	ch := e.imapWake
	if thread == ThreadSMTP {
		ch = e.smtpWake
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// runIMAPLoop implements the IMAP worker's jobs / fetch / idle cycle
// (spec §5): due jobs are dispatched first; once none remain, a
// single incremental-fetch pass runs, then the loop idles (or
// fake-idles) until woken by an interrupt, its own timeout, or a
// change worth re-checking jobs for.
func (e *Engine) runIMAPLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}

		j, ok, err := e.store.Next(ThreadIMAP, time.Now().Unix())
		if err != nil {
			e.log.Error().Err(err).Msg("job: list due IMAP jobs")
		} else if ok {
			if j.Action.IsExclusive() {
				e.runExclusive(ctx, j)
			} else {
				e.execute(ctx, j, e.dispatchIMAP)
			}
			continue
		}

		if err := e.exec.FetchIMAP(ctx); err != nil {
			e.log.Warn().Err(err).Msg("imap: incremental fetch failed")
		}

		if ctx.Err() != nil {
			return
		}

		if err := e.exec.IdleIMAP(ctx, e.imapWake); err != nil {
			e.log.Warn().Err(err).Msg("imap: idle cycle failed")
			if !e.wait(ctx, e.imapWake) {
				return
			}
		}
	}
}

func (e *Engine) runSMTPLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		for e.smtpSuspended {
			e.smtpIdling = true
			e.cond.Broadcast()
			e.cond.Wait()
		}
		e.smtpIdling = false
		e.mu.Unlock()

		j, ok, err := e.store.Next(ThreadSMTP, time.Now().Unix())
		if err != nil {
			e.log.Error().Err(err).Msg("job: list due SMTP jobs")
		} else if ok {
			e.execute(ctx, j, e.dispatchSMTP)
			continue
		}

		if !e.waitOrSuspend(ctx) {
			return
		}
	}
}

// wait blocks until wake fires, pollInterval elapses, or ctx is
// cancelled. Returns false if the loop should exit.
func (e *Engine) wait(ctx context.Context, wake chan struct{}) bool {
	select {
	case <-ctx.Done():
		return false
	case <-wake:
		return true
	case <-time.After(pollInterval):
		return true
	}
}

// waitOrSuspend is wait's SMTP-loop variant: it also wakes immediately
// if the IMAP loop requests suspension, so the condvar check at the
// top of runSMTPLoop re-evaluates without delay.
func (e *Engine) waitOrSuspend(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.mu.Lock()
		for !e.smtpSuspended {
			e.cond.Wait()
		}
		e.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return false
	case <-e.smtpWake:
		return true
	case <-time.After(pollInterval):
		return true
	case <-done:
		return true
	}
}

// runExclusive runs a CONFIGURE_IMAP/IMEX_IMAP job: kill duplicates,
// suspend the SMTP loop until it reports idling, run to completion
// without persisting a retry record, then resume (spec §4.15).
func (e *Engine) runExclusive(ctx context.Context, j *Job) {
	if err := e.store.DeleteDuplicates(j.Action); err != nil {
		e.log.Warn().Err(err).Str("action", j.Action.String()).Msg("failed to clear duplicate exclusive jobs")
	}

	e.mu.Lock()
	e.smtpSuspended = true
	e.cond.Broadcast()
	for !e.smtpIdling {
		e.cond.Wait()
	}
	e.mu.Unlock()

	var err error
	if j.Action == ActionConfigureIMAP {
		err = e.exec.ConfigureIMAP(ctx, j)
	} else {
		err = e.exec.IMEXIMAP(ctx, j)
	}
	if err != nil {
		e.log.Error().Err(err).Str("action", j.Action.String()).Msg("exclusive job failed")
	}
	if delErr := e.store.Delete(j.ID); delErr != nil {
		e.log.Error().Err(delErr).Msg("failed to remove completed exclusive job")
	}

	e.mu.Lock()
	e.smtpSuspended = false
	e.cond.Broadcast()
	e.mu.Unlock()
}

type dispatchFunc func(ctx context.Context, j *Job) error

func (e *Engine) dispatchIMAP(ctx context.Context, j *Job) error {
	switch j.Action {
	case ActionSendMsgToIMAP:
		return e.exec.SendMsgToIMAP(ctx, j)
	case ActionDeleteMsgOnIMAP:
		return e.exec.DeleteMsgOnIMAP(ctx, j)
	case ActionMarkseenMsgOnIMAP:
		return e.exec.MarkseenMsgOnIMAP(ctx, j)
	case ActionMarkseenMDNOnIMAP:
		return e.exec.MarkseenMDNOnIMAP(ctx, j)
	default:
		return nil
	}
}

func (e *Engine) dispatchSMTP(ctx context.Context, j *Job) error {
	switch j.Action {
	case ActionSendMDN:
		return e.exec.SendMDN(ctx, j)
	case ActionSendMsgToSMTP:
		return e.exec.SendMsgToSMTP(ctx, j)
	default:
		return nil
	}
}

// execute runs one non-exclusive job and applies the retry policy
// (spec §4.15): success deletes the job; a RetryError reschedules it
// (incrementing try_count only for StandardDelay/AtOnce while online);
// three online tries exhausted deletes the job and, for
// SEND_MSG_TO_SMTP, reports the failure through Executor.Fail.
func (e *Engine) execute(ctx context.Context, j *Job, dispatch dispatchFunc) {
	err := dispatch(ctx, j)
	if err == nil {
		if delErr := e.store.Delete(j.ID); delErr != nil {
			e.log.Error().Err(delErr).Msg("failed to remove completed job")
		}
		return
	}

	var retry *RetryError
	if !asRetryError(err, &retry) {
		e.giveUp(j, err)
		return
	}

	switch retry.Mode {
	case AtOnce:
		if err := dispatch(ctx, j); err == nil {
			e.store.Delete(j.ID)
			return
		}
		e.reschedule(j, standardDelay, err)
	case InCreationPoll:
		if err := e.store.Reschedule(j.ID, time.Now().Add(inCreationPollDelay).Unix(), false); err != nil {
			e.log.Error().Err(err).Msg("failed to reschedule in-creation-poll job")
		}
	default:
		e.reschedule(j, standardDelay, retry.Err)
	}
}

func (e *Engine) reschedule(j *Job, delay time.Duration, cause error) {
	online := e.exec.IsOnline()
	if err := e.store.Reschedule(j.ID, time.Now().Add(delay).Unix(), online); err != nil {
		e.log.Error().Err(err).Msg("failed to reschedule job")
		return
	}
	if !online {
		return
	}
	if j.TryCount+1 >= maxOnlineTries {
		e.giveUp(j, cause)
	}
}

func (e *Engine) giveUp(j *Job, cause error) {
	if j.Action == ActionSendMsgToSMTP {
		e.exec.Fail(j, cause)
	}
	if err := e.store.Delete(j.ID); err != nil {
		e.log.Error().Err(err).Msg("failed to remove exhausted job")
	}
}

func asRetryError(err error, target **RetryError) bool {
	re, ok := err.(*RetryError)
	if !ok {
		return false
	}
	*target = re
	return true
}
