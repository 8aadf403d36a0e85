package job

import (
	"path/filepath"
	"testing"

	"github.com/mercury-chat/engine/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "aerion.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return New(db)
}

func TestNextPrefersHigherActionOverOlderTimestamp(t *testing.T) {
	s := openTestStore(t)

	lowID, err := s.Enqueue(&Job{AddedTimestamp: 1, Thread: ThreadIMAP, Action: ActionDeleteMsgOnIMAP})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	highID, err := s.Enqueue(&Job{AddedTimestamp: 2, Thread: ThreadIMAP, Action: ActionConfigureIMAP})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	next, ok, err := s.Next(ThreadIMAP, 1000)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !ok {
		t.Fatal("expected a due job")
	}
	if next.ID != highID {
		t.Fatalf("expected higher-priority job %d, got %d (low-priority was %d)", highID, next.ID, lowID)
	}
}

func TestNextPrefersOldestAmongEqualPriority(t *testing.T) {
	s := openTestStore(t)

	older, err := s.Enqueue(&Job{AddedTimestamp: 5, Thread: ThreadSMTP, Action: ActionSendMsgToSMTP})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	_, err = s.Enqueue(&Job{AddedTimestamp: 10, Thread: ThreadSMTP, Action: ActionSendMsgToSMTP})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	next, ok, err := s.Next(ThreadSMTP, 1000)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !ok || next.ID != older {
		t.Fatalf("expected oldest job %d, got %+v", older, next)
	}
}

func TestNextIgnoresJobsNotYetDue(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Enqueue(&Job{Thread: ThreadIMAP, Action: ActionSendMsgToIMAP, DesiredTimestamp: 5000}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	_, ok, err := s.Next(ThreadIMAP, 100)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ok {
		t.Fatal("expected no due job before desired_timestamp")
	}
}

func TestDeleteDuplicatesRemovesSameAction(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Enqueue(&Job{Thread: ThreadIMAP, Action: ActionConfigureIMAP}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.Enqueue(&Job{Thread: ThreadIMAP, Action: ActionConfigureIMAP}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.Enqueue(&Job{Thread: ThreadIMAP, Action: ActionSendMsgToIMAP}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := s.DeleteDuplicates(ActionConfigureIMAP); err != nil {
		t.Fatalf("DeleteDuplicates: %v", err)
	}

	remaining, err := s.List(ThreadIMAP)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Action != ActionSendMsgToIMAP {
		t.Fatalf("expected only the non-configure job to survive, got %+v", remaining)
	}
}

func TestRescheduleIncrementsTryCountOptionally(t *testing.T) {
	s := openTestStore(t)
	id, err := s.Enqueue(&Job{Thread: ThreadSMTP, Action: ActionSendMDN})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := s.Reschedule(id, 2000, true); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}

	jobs, err := s.List(ThreadSMTP)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 1 || jobs[0].TryCount != 1 || jobs[0].DesiredTimestamp != 2000 {
		t.Fatalf("unexpected job state after reschedule: %+v", jobs)
	}
}

func TestActionRoundTripsThroughPersistence(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Enqueue(&Job{Thread: ThreadIMAP, Action: ActionIMEXIMAP}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	jobs, err := s.List(ThreadIMAP)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Action != ActionIMEXIMAP {
		t.Fatalf("expected IMEX_IMAP to round trip distinctly from CONFIGURE_IMAP, got %+v", jobs)
	}
	if !jobs[0].Action.IsExclusive() {
		t.Fatal("expected IMEX_IMAP to be exclusive")
	}
}
