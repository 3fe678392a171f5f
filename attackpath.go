package opscope

import (
	"fmt"
	"log"
	"sync"
	"time"
)

const STATUS_PENDING string = "pending"
const STATUS_IN_PROGRESS string = "in_progress"
const STATUS_COMPLETED string = "completed"
const STATUS_SKIPPED string = "skipped"

// PathProgressEntry tracks one step of a methodology for one
// target. Keyed by (TargetID, PathID, StepID).
type PathProgressEntry struct {
	TargetID      string `json:"target_id"`
	PathID        string `json:"path_id"`
	StepID        string `json:"step_id"`
	Status        string `json:"status"`
	Notes         string `json:"notes,omitempty"`
	FindingsCount int    `json:"findings_count"`
	CompletedAt   int64  `json:"completed_at,omitempty"`
}

func validProgressStatus(status string) bool {
	switch status {
	case STATUS_PENDING, STATUS_IN_PROGRESS, STATUS_COMPLETED, STATUS_SKIPPED:
		return true
	}
	return false
}

// AttackPathStore applies the progress state machine on top
// of the storage collaborator. Operator writes always apply;
// engine writes never touch a completed entry, so automated
// detections cannot erode operator-confirmed progress.
type AttackPathStore struct {
	mutex sync.Mutex
	store Store
	log   *log.Logger
	now   func() time.Time
}

func NewAttackPathStore(store Store, logger *log.Logger) *AttackPathStore {
	if logger == nil {
		logger = log.Default()
	}
	return &AttackPathStore{store: store, log: logger, now: time.Now}
}

// SetStatus is the operator-driven transition. It always
// applies, downgrades included, and upserts the entry.
func (paths *AttackPathStore) SetStatus(targetID, pathID, stepID, status, notes string) error {
	if !validProgressStatus(status) {
		return fmt.Errorf("invalid progress status: %v", status)
	}
	paths.mutex.Lock()
	defer paths.mutex.Unlock()

	entry, err := paths.store.GetPathProgress(targetID, pathID, stepID)
	if err != nil {
		return err
	}
	if entry == nil {
		entry = &PathProgressEntry{TargetID: targetID, PathID: pathID, StepID: stepID}
	}
	wasCompleted := entry.Status == STATUS_COMPLETED
	entry.Status = status
	if notes != "" {
		entry.Notes = notes
	}
	if status == STATUS_COMPLETED && !wasCompleted {
		entry.CompletedAt = paths.now().Unix()
	}
	if status != STATUS_COMPLETED {
		entry.CompletedAt = 0
	}
	return paths.store.UpsertPathProgress(*entry)
}

// applyEngineSignal is the engine-driven transition. A new
// entry starts in_progress; an existing completed entry is
// left untouched. The engine never sets completed.
func (paths *AttackPathStore) applyEngineSignal(targetID, pathID, stepID, description string) {
	paths.mutex.Lock()
	defer paths.mutex.Unlock()

	entry, err := paths.store.GetPathProgress(targetID, pathID, stepID)
	if err != nil {
		paths.log.Printf("error reading path progress: %v\n", err)
		return
	}
	if entry != nil && entry.Status == STATUS_COMPLETED {
		return
	}
	if entry == nil {
		entry = &PathProgressEntry{
			TargetID: targetID,
			PathID:   pathID,
			StepID:   stepID,
			Status:   STATUS_IN_PROGRESS,
			Notes:    description,
		}
	} else {
		if entry.Status == STATUS_PENDING {
			entry.Status = STATUS_IN_PROGRESS
		}
		if entry.Notes == "" {
			entry.Notes = description
		}
	}
	entry.FindingsCount += 1
	if err := paths.store.UpsertPathProgress(*entry); err != nil {
		paths.log.Printf("error upserting path progress: %v\n", err)
	}
}

// List returns every tracked step for a target.
func (paths *AttackPathStore) List(targetID string) ([]PathProgressEntry, error) {
	paths.mutex.Lock()
	defer paths.mutex.Unlock()
	return paths.store.ListPathProgress(targetID)
}
