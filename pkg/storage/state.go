package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stepflow-io/stepflow/pkg/core"
	"github.com/stepflow-io/stepflow/pkg/security"
)

// StateStore implements core.StateStore using GORM.
type StateStore struct {
	db *gorm.DB
}

// NewStateStore creates a new GORM-backed workflow state store.
func NewStateStore(db *gorm.DB) *StateStore {
	return &StateStore{db: db}
}

// Migrate creates the necessary tables.
func (s *StateStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&core.WorkflowInstance{}, &core.StepRecord{})
}

// CreateInstance persists a new instance in running state.
func (s *StateStore) CreateInstance(ctx context.Context, inst *core.WorkflowInstance) error {
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	if inst.Status == "" {
		inst.Status = core.InstanceRunning
	}
	return s.db.WithContext(ctx).Create(inst).Error
}

// GetInstance retrieves an instance by ID.
func (s *StateStore) GetInstance(ctx context.Context, instanceID string) (*core.WorkflowInstance, error) {
	var inst core.WorkflowInstance
	err := s.db.WithContext(ctx).First(&inst, "id = ?", instanceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrInstanceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// GetRecords returns the instance's step and event records in append order.
func (s *StateStore) GetRecords(ctx context.Context, instanceID string) ([]core.StepRecord, error) {
	var records []core.StepRecord
	err := s.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("seq ASC").
		Find(&records).Error
	return records, err
}

// RecordStepResult upserts a step's output and advances CurrentStep.
//
// The whole mutation runs in one transaction guarded by the instance
// version the caller read: the version bump UPDATE is conditional on the
// old version, and zero rows affected means another writer got there
// first (ErrStateConflict). Re-recording an already-recorded step name is
// a no-op success, which is what makes reclaimed re-execution safe.
func (s *StateStore) RecordStepResult(ctx context.Context, instanceID, stepName string, output []byte, expectedVersion int64) error {
	return s.appendRecord(ctx, instanceID, stepName, core.RecordStep, output, expectedVersion, true)
}

// AppendEvent injects a reactive event into the instance context. Events
// are keyed by name like steps; a later event under the same name
// replaces the entry's payload but still serializes through the version
// check, so concurrent dispatches are applied one at a time.
func (s *StateStore) AppendEvent(ctx context.Context, instanceID, eventName string, payload []byte, expectedVersion int64) error {
	return s.appendRecord(ctx, instanceID, "event."+eventName, core.RecordEvent, payload, expectedVersion, false)
}

func (s *StateStore) appendRecord(ctx context.Context, instanceID, name, kind string, output []byte, expectedVersion int64, advanceStep bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inst core.WorkflowInstance
		if err := tx.First(&inst, "id = ?", instanceID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return core.ErrInstanceNotFound
			}
			return err
		}
		if inst.Status.Terminal() {
			return core.ErrInstanceTerminal
		}

		var existing core.StepRecord
		err := tx.Where("instance_id = ? AND name = ?", instanceID, name).First(&existing).Error
		switch {
		case err == nil && kind == core.RecordStep:
			// Step already durably recorded; idempotent success.
			return nil
		case err == nil && kind == core.RecordEvent:
			res := tx.Model(&core.StepRecord{}).
				Where("id = ?", existing.ID).
				Update("output", output)
			if res.Error != nil {
				return res.Error
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			var maxSeq int
			row := tx.Model(&core.StepRecord{}).
				Where("instance_id = ?", instanceID).
				Select("COALESCE(MAX(seq), 0)").
				Row()
			if err := row.Scan(&maxSeq); err != nil {
				return err
			}
			rec := core.StepRecord{
				ID:         uuid.New().String(),
				InstanceID: instanceID,
				Name:       name,
				Kind:       kind,
				Seq:        maxSeq + 1,
				Output:     output,
			}
			if err := tx.Create(&rec).Error; err != nil {
				return err
			}
		default:
			return err
		}

		updates := map[string]any{
			"version": expectedVersion + 1,
		}
		if advanceStep {
			updates["current_step"] = name
		}
		res := tx.Model(&core.WorkflowInstance{}).
			Where("id = ? AND version = ?", instanceID, expectedVersion).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return core.ErrStateConflict
		}
		return nil
	})
}

// MarkTerminal transitions the instance to a terminal status. Terminal
// states are immutable.
func (s *StateStore) MarkTerminal(ctx context.Context, instanceID string, status core.InstanceStatus, reason string) error {
	if !status.Terminal() {
		return errors.New("stepflow: MarkTerminal requires a terminal status")
	}
	now := time.Now()
	res := s.db.WithContext(ctx).
		Model(&core.WorkflowInstance{}).
		Where("id = ?", instanceID).
		Where("status IN ?", []core.InstanceStatus{core.InstanceRunning, core.InstanceSuspended}).
		Updates(map[string]any{
			"status":         status,
			"failure_reason": security.SanitizeErrorMessage(reason),
			"completed_at":   now,
			"version":        gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var inst core.WorkflowInstance
		if err := s.db.WithContext(ctx).First(&inst, "id = ?", instanceID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return core.ErrInstanceNotFound
			}
			return err
		}
		return core.ErrInstanceTerminal
	}
	return nil
}

// Suspend parks a running instance for human review.
func (s *StateStore) Suspend(ctx context.Context, instanceID, reason string) error {
	res := s.db.WithContext(ctx).
		Model(&core.WorkflowInstance{}).
		Where("id = ? AND status = ?", instanceID, core.InstanceRunning).
		Updates(map[string]any{
			"status":         core.InstanceSuspended,
			"failure_reason": security.SanitizeErrorMessage(reason),
			"version":        gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var inst core.WorkflowInstance
		if err := s.db.WithContext(ctx).First(&inst, "id = ?", instanceID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return core.ErrInstanceNotFound
			}
			return err
		}
		if inst.Status.Terminal() {
			return core.ErrInstanceTerminal
		}
	}
	return nil
}

// Resume returns a suspended instance to running.
func (s *StateStore) Resume(ctx context.Context, instanceID string) error {
	res := s.db.WithContext(ctx).
		Model(&core.WorkflowInstance{}).
		Where("id = ? AND status = ?", instanceID, core.InstanceSuspended).
		Updates(map[string]any{
			"status":         core.InstanceRunning,
			"failure_reason": "",
			"version":        gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var inst core.WorkflowInstance
		if err := s.db.WithContext(ctx).First(&inst, "id = ?", instanceID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return core.ErrInstanceNotFound
			}
			return err
		}
		if inst.Status.Terminal() {
			return core.ErrInstanceTerminal
		}
	}
	return nil
}

// CountByStatus counts instances in the given status.
func (s *StateStore) CountByStatus(ctx context.Context, status core.InstanceStatus) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&core.WorkflowInstance{}).
		Where("status = ?", status).
		Count(&n).Error
	return n, err
}

// SetFlow records the flow an instance is currently executing.
func (s *StateStore) SetFlow(ctx context.Context, instanceID, flow string, expectedVersion int64) error {
	res := s.db.WithContext(ctx).
		Model(&core.WorkflowInstance{}).
		Where("id = ? AND version = ?", instanceID, expectedVersion).
		Updates(map[string]any{
			"flow":    flow,
			"version": expectedVersion + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return core.ErrStateConflict
	}
	return nil
}

// FindByCorrelation resolves the running instance enrolled for a
// correlation key. When several match, the most recently started wins
// deterministically by (started_at DESC, id ASC).
func (s *StateStore) FindByCorrelation(ctx context.Context, workflowName, correlationKey string) (*core.WorkflowInstance, error) {
	if err := security.ValidateCorrelationKey(correlationKey); err != nil {
		return nil, err
	}
	var inst core.WorkflowInstance
	q := s.db.WithContext(ctx).
		Where("correlation_key = ?", correlationKey).
		Where("status IN ?", []core.InstanceStatus{core.InstanceRunning, core.InstanceSuspended})
	if workflowName != "" {
		q = q.Where("workflow_name = ?", workflowName)
	}
	err := q.Order("started_at DESC, id ASC").First(&inst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrInstanceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// PurgeTerminal deletes terminal instances and their records older than
// the retention bound. The bound is validated and parameter-bound.
func (s *StateStore) PurgeTerminal(ctx context.Context, olderThanDays int, statuses []core.InstanceStatus) (int64, error) {
	if err := security.ValidateRetentionDays(olderThanDays); err != nil {
		return 0, err
	}
	if len(statuses) == 0 {
		statuses = []core.InstanceStatus{core.InstanceCompleted, core.InstanceFailed, core.InstanceStopped, core.InstanceCancelled}
	}
	for _, st := range statuses {
		if !st.Terminal() {
			return 0, errors.New("stepflow: PurgeTerminal accepts terminal statuses only")
		}
	}
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)

	var purged int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		err := tx.Model(&core.WorkflowInstance{}).
			Where("status IN ?", statuses).
			Where("completed_at < ?", cutoff).
			Pluck("id", &ids).Error
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("instance_id IN ?", ids).Delete(&core.StepRecord{}).Error; err != nil {
			return err
		}
		res := tx.Where("id IN ?", ids).Delete(&core.WorkflowInstance{})
		purged = res.RowsAffected
		return res.Error
	})
	return purged, err
}
