// Package job implements the durable two-thread job queue of spec
// §4.15: a persisted priority queue with a retry/backoff policy and
// exclusive configure/import-export jobs, grounded on the teacher's
// internal/sync/scheduler.go (ticker-driven loop) and app/background.go
// (context-scoped goroutines delegating real work to the engine).
package job

import (
	"fmt"
	"sort"

	"github.com/mercury-chat/engine/internal/param"
	"github.com/mercury-chat/engine/internal/store"
)

// Thread is the worker loop a job belongs to.
type Thread string

const (
	ThreadIMAP Thread = "imap"
	ThreadSMTP Thread = "smtp"
)

// Action identifies what a job does. Values encode relative priority
// within a thread (spec §4.15: "higher action value" wins), so the
// exclusive configure/imex actions sort above every normal action.
type Action int

const (
	ActionUndefined Action = 0

	// IMAP thread
	ActionDeleteMsgOnIMAP   Action = 10
	ActionMarkseenMDNOnIMAP Action = 20
	ActionMarkseenMsgOnIMAP Action = 21
	ActionSendMsgToIMAP     Action = 30
	ActionConfigureIMAP     Action = 100
	ActionIMEXIMAP          Action = 100

	// SMTP thread
	ActionSendMDN       Action = 30
	ActionSendMsgToSMTP Action = 31
)

// String renders the wire name persisted in the jobs table.
func (a Action) String() string {
	switch a {
	case ActionDeleteMsgOnIMAP:
		return "DELETE_MSG_ON_IMAP"
	case ActionMarkseenMDNOnIMAP:
		return "MARKSEEN_MDN_ON_IMAP"
	case ActionMarkseenMsgOnIMAP:
		return "MARKSEEN_MSG_ON_IMAP"
	case ActionSendMsgToIMAP:
		return "SEND_MSG_TO_IMAP"
	case ActionConfigureIMAP:
		return "CONFIGURE_IMAP"
	case ActionIMEXIMAP:
		return "IMEX_IMAP"
	case ActionSendMDN:
		return "SEND_MDN"
	case ActionSendMsgToSMTP:
		return "SEND_MSG_TO_SMTP"
	default:
		return "UNDEFINED"
	}
}

// parseAction reverses Action.String for rows read back from the
// jobs table. Distinguishing ActionConfigureIMAP from ActionIMEXIMAP
// (both value 100) happens through the string itself, so Job.Action
// is resolved from the name column, not the numeric value alone.
func parseAction(thread Thread, name string) Action {
	switch name {
	case "DELETE_MSG_ON_IMAP":
		return ActionDeleteMsgOnIMAP
	case "MARKSEEN_MDN_ON_IMAP":
		return ActionMarkseenMDNOnIMAP
	case "MARKSEEN_MSG_ON_IMAP":
		return ActionMarkseenMsgOnIMAP
	case "SEND_MSG_TO_IMAP":
		return ActionSendMsgToIMAP
	case "CONFIGURE_IMAP":
		return ActionConfigureIMAP
	case "IMEX_IMAP":
		return ActionIMEXIMAP
	case "SEND_MDN":
		return ActionSendMDN
	case "SEND_MSG_TO_SMTP":
		return ActionSendMsgToSMTP
	default:
		return ActionUndefined
	}
}

// IsExclusive reports whether the action is CONFIGURE_IMAP or
// IMEX_IMAP: both kill duplicate pending jobs, suspend the SMTP loop,
// and run without persisting a retry record (spec §4.15).
func (a Action) IsExclusive() bool {
	return a == ActionConfigureIMAP || a == ActionIMEXIMAP
}

// Job is a row of the jobs table.
type Job struct {
	ID               uint32
	AddedTimestamp   int64
	Thread           Thread
	Action           Action
	ForeignID        uint32
	Param            *param.Bag
	DesiredTimestamp int64
	TryCount         int
}

// Store is the jobs table gateway.
type Store struct {
	db *store.DB
}

// New wraps db for job operations.
func New(db *store.DB) *Store {
	return &Store{db: db}
}

// Enqueue inserts a new job, due immediately unless DesiredTimestamp
// is set.
func (s *Store) Enqueue(j *Job) (uint32, error) {
	packed := ""
	if j.Param != nil {
		packed = j.Param.Pack()
	}
	res, err := s.db.Exec(`
		INSERT INTO jobs (added_timestamp, thread, action, foreign_id, param, desired_timestamp, try_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		j.AddedTimestamp, string(j.Thread), j.Action.String(), j.ForeignID, packed, j.DesiredTimestamp, j.TryCount,
	)
	if err != nil {
		return 0, fmt.Errorf("job: enqueue: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("job: enqueue: %w", err)
	}
	return uint32(id), nil
}

// Next returns the highest-priority due job for thread (desired_timestamp
// <= now, highest Action value first, then oldest added_timestamp), or
// ok=false if none is due.
func (s *Store) Next(thread Thread, now int64) (*Job, bool, error) {
	rows, err := s.db.Query(`
		SELECT id, added_timestamp, thread, action, foreign_id, param, desired_timestamp, try_count
		FROM jobs WHERE thread = ? AND desired_timestamp <= ?`,
		string(thread), now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("job: next: %w", err)
	}
	defer rows.Close()

	var candidates []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, false, err
		}
		candidates = append(candidates, j)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("job: next: %w", err)
	}
	if len(candidates) == 0 {
		return nil, false, nil
	}

	sort.SliceStable(candidates, func(i, k int) bool {
		if candidates[i].Action != candidates[k].Action {
			return candidates[i].Action > candidates[k].Action
		}
		return candidates[i].AddedTimestamp < candidates[k].AddedTimestamp
	})
	return candidates[0], true, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*Job, error) {
	j := &Job{}
	var thread, action, packed string
	if err := row.Scan(
		&j.ID, &j.AddedTimestamp, &thread, &action, &j.ForeignID, &packed,
		&j.DesiredTimestamp, &j.TryCount,
	); err != nil {
		return nil, fmt.Errorf("job: scan: %w", err)
	}
	j.Thread = Thread(thread)
	j.Action = parseAction(j.Thread, action)
	j.Param = param.Unpack(packed)
	return j, nil
}

// Delete removes a job outright (success, or give-up after max tries).
func (s *Store) Delete(id uint32) error {
	if _, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("job: delete: %w", err)
	}
	return nil
}

// DeleteDuplicates removes every pending job with the given action,
// used before running an exclusive CONFIGURE_IMAP/IMEX_IMAP job so a
// stale duplicate doesn't run again right after (spec §4.15).
func (s *Store) DeleteDuplicates(action Action) error {
	if _, err := s.db.Exec(`DELETE FROM jobs WHERE action = ?`, action.String()); err != nil {
		return fmt.Errorf("job: delete duplicates: %w", err)
	}
	return nil
}

// Reschedule updates a job's desired_timestamp and, if incrementTry is
// true, bumps try_count by one.
func (s *Store) Reschedule(id uint32, desiredTimestamp int64, incrementTry bool) error {
	if incrementTry {
		_, err := s.db.Exec(
			`UPDATE jobs SET desired_timestamp = ?, try_count = try_count + 1 WHERE id = ?`,
			desiredTimestamp, id,
		)
		if err != nil {
			return fmt.Errorf("job: reschedule: %w", err)
		}
		return nil
	}
	if _, err := s.db.Exec(`UPDATE jobs SET desired_timestamp = ? WHERE id = ?`, desiredTimestamp, id); err != nil {
		return fmt.Errorf("job: reschedule: %w", err)
	}
	return nil
}

// List returns every job for a thread, for diagnostics and tests.
func (s *Store) List(thread Thread) ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT id, added_timestamp, thread, action, foreign_id, param, desired_timestamp, try_count
		FROM jobs WHERE thread = ? ORDER BY id`, string(thread))
	if err != nil {
		return nil, fmt.Errorf("job: list: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
