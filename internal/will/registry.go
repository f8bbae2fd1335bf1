package will

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Registry is the source of truth for will existence, ownership, executor
// designation and the executed flag. Every public method runs in its own
// transaction; the execute primitives are only reachable from the Engine,
// which calls them inside its attempt transaction.
type Registry struct {
	store  Store
	clock  Clock
	logger Logger
}

// NewRegistry creates a Registry over store.
func NewRegistry(store Store, clock Clock, logger Logger) *Registry {
	return &Registry{
		store:  store,
		clock:  clock,
		logger: logger,
	}
}

// Create stores a new will owned by caller and returns its id.
func (r *Registry) Create(ctx context.Context, caller Address, documentPointer string, executor Address, emergencyDelay time.Duration) (uint64, error) {
	caller, executor = caller.Canonical(), executor.Canonical()
	if caller.IsZero() {
		return 0, invalid("caller", "null identity")
	}
	if err := validatePointer(documentPointer); err != nil {
		return 0, err
	}
	if err := validateExecutor(caller, executor); err != nil {
		return 0, err
	}
	if err := validateDelay(emergencyDelay); err != nil {
		return 0, err
	}

	var id uint64
	err := r.store.Update(ctx, func(tx Tx) error {
		next, err := tx.NextWillID(ctx)
		if err != nil {
			return fmt.Errorf("allocating will id: %w", err)
		}

		now := r.clock.Now().UTC()
		rec := &Record{
			ID:              next,
			DocumentPointer: documentPointer,
			Owner:           caller,
			Executor:        executor,
			CreatedAt:       now,
			LastUpdateAt:    now,
			EmergencyDelay:  emergencyDelay,
		}
		if err := tx.InsertWill(ctx, rec); err != nil {
			return fmt.Errorf("inserting will: %w", err)
		}
		if err := emit(ctx, tx, now, EventWillCreated, idRef(next),
			"owner", caller.String(),
			"document_pointer", documentPointer,
		); err != nil {
			return err
		}
		id = next
		return nil
	})
	if err != nil {
		return 0, err
	}

	r.logger.Info("will created", "will_id", id, "owner", caller.String())
	return id, nil
}

// UpdateDocument replaces the document pointer of an unexecuted will.
func (r *Registry) UpdateDocument(ctx context.Context, caller Address, id uint64, documentPointer string) error {
	if err := validatePointer(documentPointer); err != nil {
		return err
	}
	return r.mutate(ctx, caller, id, func(rec *Record) (EventKind, []string) {
		rec.DocumentPointer = documentPointer
		return EventWillUpdated, []string{"document_pointer", documentPointer}
	})
}

// UpdateExecutor designates a new executor for an unexecuted will.
func (r *Registry) UpdateExecutor(ctx context.Context, caller Address, id uint64, executor Address) error {
	caller, executor = caller.Canonical(), executor.Canonical()
	// The executor must differ from the owner; only the owner reaches the
	// mutation, so checking against caller is sufficient.
	if err := validateExecutor(caller, executor); err != nil {
		return err
	}
	return r.mutate(ctx, caller, id, func(rec *Record) (EventKind, []string) {
		old := rec.Executor
		rec.Executor = executor
		return EventExecutorUpdated, []string{"old_executor", old.String(), "new_executor", executor.String()}
	})
}

// UpdateEmergencyDelay changes the emergency delay of an unexecuted will.
func (r *Registry) UpdateEmergencyDelay(ctx context.Context, caller Address, id uint64, delay time.Duration) error {
	if err := validateDelay(delay); err != nil {
		return err
	}
	return r.mutate(ctx, caller, id, func(rec *Record) (EventKind, []string) {
		rec.EmergencyDelay = delay
		return EventEmergencyUpdated, []string{"emergency_delay", delay.String()}
	})
}

// mutate applies change to an owned, unexecuted record and bumps
// LastUpdateAt, which restarts the emergency countdown.
func (r *Registry) mutate(ctx context.Context, caller Address, id uint64, change func(rec *Record) (EventKind, []string)) error {
	caller = caller.Canonical()
	var kind EventKind
	err := r.store.Update(ctx, func(tx Tx) error {
		rec, err := loadRecord(ctx, tx, id)
		if err != nil {
			return err
		}
		if !rec.Owner.Equal(caller) {
			return fmt.Errorf("will %d: %w", id, ErrNotOwner)
		}
		if rec.Executed {
			return fmt.Errorf("will %d: %w", id, ErrAlreadyExecuted)
		}

		var data []string
		kind, data = change(rec)
		now := r.clock.Now().UTC()
		if now.Before(rec.LastUpdateAt) {
			now = rec.LastUpdateAt
		}
		rec.LastUpdateAt = now

		if err := tx.UpdateWill(ctx, rec); err != nil {
			return fmt.Errorf("updating will %d: %w", id, err)
		}
		return emit(ctx, tx, now, kind, idRef(id), data...)
	})
	if err != nil {
		return err
	}

	r.logger.Info("will updated", "will_id", id, "event", string(kind))
	return nil
}

// AuthorizeViewer grants viewer read access. Allowed after execution.
func (r *Registry) AuthorizeViewer(ctx context.Context, caller Address, id uint64, viewer Address) error {
	if viewer.IsZero() {
		return invalid("viewer", "null identity")
	}
	return r.changeViewer(ctx, caller, id, viewer, true)
}

// RevokeViewer removes viewer's read access. Allowed after execution.
func (r *Registry) RevokeViewer(ctx context.Context, caller Address, id uint64, viewer Address) error {
	return r.changeViewer(ctx, caller, id, viewer, false)
}

func (r *Registry) changeViewer(ctx context.Context, caller Address, id uint64, viewer Address, grant bool) error {
	caller, viewer = caller.Canonical(), viewer.Canonical()
	err := r.store.Update(ctx, func(tx Tx) error {
		rec, err := loadRecord(ctx, tx, id)
		if err != nil {
			return err
		}
		if !rec.Owner.Equal(caller) {
			return fmt.Errorf("will %d: %w", id, ErrNotOwner)
		}

		kind := EventViewerAuthorized
		if grant {
			err = tx.AddViewer(ctx, id, viewer)
		} else {
			kind = EventViewerRevoked
			err = tx.RemoveViewer(ctx, id, viewer)
		}
		if err != nil {
			return fmt.Errorf("changing viewers of will %d: %w", id, err)
		}
		return emit(ctx, tx, r.clock.Now().UTC(), kind, idRef(id), "viewer", viewer.String())
	})
	if err != nil {
		return err
	}

	r.logger.Debug("viewer access changed", "will_id", id, "viewer", viewer.String(), "granted", grant)
	return nil
}

// Read returns the record if caller is its owner, executor or an
// authorized viewer.
func (r *Registry) Read(ctx context.Context, caller Address, id uint64) (*Record, error) {
	var out *Record
	err := r.store.View(ctx, func(tx Tx) error {
		rec, err := loadRecord(ctx, tx, id)
		if err != nil {
			return err
		}
		ok, err := canRead(ctx, tx, rec, caller)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("will %d: %w", id, ErrNotAuthorized)
		}
		viewers, err := tx.ListViewers(ctx, id)
		if err != nil {
			return fmt.Errorf("listing viewers of will %d: %w", id, err)
		}
		rec.AuthorizedViewers = viewers
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// IsAuthorizedViewer is a best-effort access check for display purposes.
// Any failure, including an unknown id, reports false.
func (r *Registry) IsAuthorizedViewer(ctx context.Context, id uint64, viewer Address) bool {
	allowed := false
	err := r.store.View(ctx, func(tx Tx) error {
		rec, err := loadRecord(ctx, tx, id)
		if err != nil {
			return err
		}
		allowed, err = canRead(ctx, tx, rec, viewer)
		return err
	})
	if err != nil {
		r.logger.Debug("read access check failed", "will_id", id, "error", err)
		return false
	}
	return allowed
}

// CanEmergencyExecute reports whether the emergency delay of an unexecuted
// will has elapsed. Unknown and executed wills report false.
func (r *Registry) CanEmergencyExecute(ctx context.Context, id uint64) (bool, error) {
	ready := false
	err := r.store.View(ctx, func(tx Tx) error {
		rec, err := tx.GetWill(ctx, id)
		if err != nil {
			return fmt.Errorf("loading will %d: %w", id, err)
		}
		ready = emergencyReady(rec, r.clock.Now())
		return nil
	})
	return ready, err
}

// OwnedWills lists the ids created by owner in creation order.
func (r *Registry) OwnedWills(ctx context.Context, owner Address) ([]uint64, error) {
	owner = owner.Canonical()
	var ids []uint64
	err := r.store.View(ctx, func(tx Tx) error {
		var err error
		ids, err = tx.ListWillsByOwner(ctx, owner)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing owned wills: %w", err)
	}
	return ids, nil
}

// ExecutorWills lists the ids for which executor is the designated executor.
func (r *Registry) ExecutorWills(ctx context.Context, executor Address) ([]uint64, error) {
	executor = executor.Canonical()
	var ids []uint64
	err := r.store.View(ctx, func(tx Tx) error {
		var err error
		ids, err = tx.ListWillsByExecutor(ctx, executor)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing executor wills: %w", err)
	}
	return ids, nil
}

// Count returns the number of wills ever created.
func (r *Registry) Count(ctx context.Context) (uint64, error) {
	var n uint64
	err := r.store.View(ctx, func(tx Tx) error {
		var err error
		n, err = tx.CountWills(ctx)
		return err
	})
	return n, err
}

// Events returns audit events matching f in sequence order.
func (r *Registry) Events(ctx context.Context, f EventFilter) ([]*Event, error) {
	var events []*Event
	err := r.store.View(ctx, func(tx Tx) error {
		var err error
		events, err = tx.ListEvents(ctx, f)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	return events, nil
}

// execute seals the will after the engine distributed its assets.
func (r *Registry) execute(ctx context.Context, tx Tx, id uint64, caller Address) error {
	rec, err := loadRecord(ctx, tx, id)
	if err != nil {
		return err
	}
	if rec.Executed {
		return fmt.Errorf("will %d: %w", id, ErrAlreadyExecuted)
	}
	if !rec.Executor.Equal(caller) {
		return fmt.Errorf("will %d: %w", id, ErrNotExecutor)
	}
	return r.seal(ctx, tx, rec, caller)
}

// emergencyExecute seals the will on behalf of any caller once the
// emergency delay has elapsed.
func (r *Registry) emergencyExecute(ctx context.Context, tx Tx, id uint64, caller Address) error {
	rec, err := loadRecord(ctx, tx, id)
	if err != nil {
		return err
	}
	if rec.Executed {
		return fmt.Errorf("will %d: %w", id, ErrAlreadyExecuted)
	}
	if !emergencyReady(rec, r.clock.Now()) {
		return fmt.Errorf("will %d: %w (eligible at %s)", id, ErrEmergencyNotReady, rec.EmergencyAt().Format(time.RFC3339))
	}
	return r.seal(ctx, tx, rec, caller)
}

func (r *Registry) seal(ctx context.Context, tx Tx, rec *Record, caller Address) error {
	rec.Executed = true
	if err := tx.UpdateWill(ctx, rec); err != nil {
		return fmt.Errorf("sealing will %d: %w", rec.ID, err)
	}
	now := r.clock.Now().UTC()
	return emit(ctx, tx, now, EventWillExecuted, idRef(rec.ID),
		"executor", caller.String(),
		"timestamp", now.Format(time.RFC3339Nano),
	)
}

func loadRecord(ctx context.Context, tx Tx, id uint64) (*Record, error) {
	rec, err := tx.GetWill(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading will %d: %w", id, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("will %d: %w", id, ErrNotFound)
	}
	return rec, nil
}

func canRead(ctx context.Context, tx Tx, rec *Record, caller Address) (bool, error) {
	caller = caller.Canonical()
	if caller.IsZero() {
		return false, nil
	}
	if caller.Equal(rec.Owner) || caller.Equal(rec.Executor) {
		return true, nil
	}
	ok, err := tx.HasViewer(ctx, rec.ID, caller)
	if err != nil {
		return false, fmt.Errorf("checking viewers of will %d: %w", rec.ID, err)
	}
	return ok, nil
}

// emergencyReady is true at and after LastUpdateAt + EmergencyDelay.
func emergencyReady(rec *Record, now time.Time) bool {
	if rec == nil || rec.Executed {
		return false
	}
	return !now.Before(rec.EmergencyAt())
}

func validatePointer(p string) error {
	if strings.TrimSpace(p) == "" {
		return invalid("document_pointer", "must not be empty")
	}
	return nil
}

func validateExecutor(owner, executor Address) error {
	if executor.IsZero() {
		return invalid("executor", "null identity")
	}
	if executor.Equal(owner) {
		return invalid("executor", "must differ from the owner")
	}
	return nil
}

func validateDelay(d time.Duration) error {
	if d < MinEmergencyDelay || d > MaxEmergencyDelay {
		return invalid("emergency_delay", fmt.Sprintf("%s outside [%s, %s]", d, MinEmergencyDelay, MaxEmergencyDelay))
	}
	return nil
}
