package database

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"will-go/internal/will"
)

// newTestDB creates a migrated in-memory database.
func newTestDB(t *testing.T) *SQLiteDatabase {
	t.Helper()

	db, err := NewSQLiteDatabase(":memory:")
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		t.Fatalf("failed to migrate: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})
	return db
}

var testTime = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func insertWill(t *testing.T, db *SQLiteDatabase, owner, executor will.Address) uint64 {
	t.Helper()

	var id uint64
	err := db.Update(context.Background(), func(tx will.Tx) error {
		next, err := tx.NextWillID(context.Background())
		if err != nil {
			return err
		}
		id = next
		return tx.InsertWill(context.Background(), &will.Record{
			ID:              next,
			DocumentPointer: "sha256:doc",
			Owner:           owner,
			Executor:        executor,
			CreatedAt:       testTime,
			LastUpdateAt:    testTime,
			EmergencyDelay:  will.MinEmergencyDelay,
		})
	})
	if err != nil {
		t.Fatalf("inserting will: %v", err)
	}
	return id
}

func TestSQLiteDatabase_Wills(t *testing.T) {
	ctx := context.Background()

	t.Run("round trips a record", func(t *testing.T) {
		db := newTestDB(t)
		id := insertWill(t, db, "0xowner", "0xexec")
		if id != 0 {
			t.Fatalf("first id = %d, want 0", id)
		}

		err := db.View(ctx, func(tx will.Tx) error {
			r, err := tx.GetWill(ctx, id)
			if err != nil {
				return err
			}
			if r.Owner != "0xowner" || r.Executor != "0xexec" || r.DocumentPointer != "sha256:doc" {
				t.Errorf("GetWill() = %+v", r)
			}
			if !r.CreatedAt.Equal(testTime) || r.CreatedAt.Location() != time.UTC {
				t.Errorf("CreatedAt = %v, want %v in UTC", r.CreatedAt, testTime)
			}
			if r.EmergencyDelay != will.MinEmergencyDelay {
				t.Errorf("EmergencyDelay = %v", r.EmergencyDelay)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("View() error = %v", err)
		}
	})

	t.Run("missing record is nil", func(t *testing.T) {
		db := newTestDB(t)
		db.View(ctx, func(tx will.Tx) error {
			r, err := tx.GetWill(ctx, 3)
			if err != nil || r != nil {
				t.Errorf("GetWill(missing) = %v, %v; want nil, nil", r, err)
			}
			return nil
		})
	})

	t.Run("update of missing record is not found", func(t *testing.T) {
		db := newTestDB(t)
		err := db.Update(ctx, func(tx will.Tx) error {
			return tx.UpdateWill(ctx, &will.Record{ID: 9, DocumentPointer: "x", Executor: "e"})
		})
		if !errors.Is(err, will.ErrNotFound) {
			t.Errorf("UpdateWill(missing) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("ids and listings", func(t *testing.T) {
		db := newTestDB(t)
		insertWill(t, db, "0xa", "0xe")
		insertWill(t, db, "0xb", "0xe")
		insertWill(t, db, "0xa", "0xf")

		db.View(ctx, func(tx will.Tx) error {
			next, _ := tx.NextWillID(ctx)
			if next != 3 {
				t.Errorf("NextWillID() = %d, want 3", next)
			}
			n, _ := tx.CountWills(ctx)
			if n != 3 {
				t.Errorf("CountWills() = %d, want 3", n)
			}
			owned, _ := tx.ListWillsByOwner(ctx, "0xa")
			if len(owned) != 2 || owned[0] != 0 || owned[1] != 2 {
				t.Errorf("ListWillsByOwner() = %v", owned)
			}
			exec, _ := tx.ListWillsByExecutor(ctx, "0xe")
			if len(exec) != 2 || exec[1] != 1 {
				t.Errorf("ListWillsByExecutor() = %v", exec)
			}
			return nil
		})
	})
}

func TestSQLiteDatabase_UpdateRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	boom := errors.New("boom")
	err := db.Update(ctx, func(tx will.Tx) error {
		if err := tx.SetBalance(ctx, "0xh", will.NativeAsset, will.NewAmount(5)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update() error = %v, want boom", err)
	}

	db.View(ctx, func(tx will.Tx) error {
		bal, _ := tx.GetBalance(ctx, "0xh", will.NativeAsset)
		if !bal.IsZero() {
			t.Errorf("balance after rollback = %s, want 0", bal)
		}
		return nil
	})
}

func TestSQLiteDatabase_ViewDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	db.View(ctx, func(tx will.Tx) error {
		return tx.SetBalance(ctx, "0xh", will.NativeAsset, will.NewAmount(5))
	})
	db.View(ctx, func(tx will.Tx) error {
		bal, _ := tx.GetBalance(ctx, "0xh", will.NativeAsset)
		if !bal.IsZero() {
			t.Errorf("balance written through View = %s", bal)
		}
		return nil
	})
}

func TestSQLiteDatabase_Savepoints(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	err := db.Update(ctx, func(tx will.Tx) error {
		if err := tx.SetBalance(ctx, "0xkeep", will.NativeAsset, will.NewAmount(1)); err != nil {
			return err
		}
		if err := tx.Savepoint(ctx, "distribution"); err != nil {
			return err
		}
		if err := tx.SetBalance(ctx, "0xdrop", will.NativeAsset, will.NewAmount(2)); err != nil {
			return err
		}
		if err := tx.RollbackTo(ctx, "distribution"); err != nil {
			return err
		}
		return tx.Release(ctx, "distribution")
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	db.View(ctx, func(tx will.Tx) error {
		keep, _ := tx.GetBalance(ctx, "0xkeep", will.NativeAsset)
		drop, _ := tx.GetBalance(ctx, "0xdrop", will.NativeAsset)
		if keep.String() != "1" || !drop.IsZero() {
			t.Errorf("balances = keep %s drop %s, want 1 and 0", keep, drop)
		}
		return nil
	})

	t.Run("rejects unsafe names", func(t *testing.T) {
		db.Update(ctx, func(tx will.Tx) error {
			if err := tx.Savepoint(ctx, "x; DROP TABLE wills"); err == nil {
				t.Error("Savepoint() accepted unsafe name")
			}
			return nil
		})
	})
}

func TestSQLiteDatabase_Balances(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	big := will.MustParseAmount("340282366920938463463374607431768211456")
	err := db.Update(ctx, func(tx will.Tx) error {
		if err := tx.SetBalance(ctx, "0xh", "0xtoken", big); err != nil {
			return err
		}
		return tx.SetBalance(ctx, "0xh", will.NativeAsset, will.NewAmount(3))
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	db.View(ctx, func(tx will.Tx) error {
		got, err := tx.GetBalance(ctx, "0xh", "0xtoken")
		if err != nil {
			t.Fatalf("GetBalance() error = %v", err)
		}
		if got.Cmp(big) != 0 {
			t.Errorf("GetBalance() = %s, want %s", got, big)
		}
		return nil
	})

	// Setting zero removes the row.
	db.Update(ctx, func(tx will.Tx) error {
		return tx.SetBalance(ctx, "0xh", will.NativeAsset, will.Amount{})
	})
	var rows int
	if err := db.db.QueryRow(`SELECT COUNT(*) FROM balances WHERE holder = '0xh'`).Scan(&rows); err != nil {
		t.Fatalf("counting balances: %v", err)
	}
	if rows != 1 {
		t.Errorf("balance rows = %d, want 1", rows)
	}
}

func TestSQLiteDatabase_ExecutionState(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	id := insertWill(t, db, "0xo", "0xe")

	finished := testTime.Add(time.Minute)
	err := db.Update(ctx, func(tx will.Tx) error {
		if err := tx.PutExecutionStatus(ctx, &will.ExecutionStatus{WillID: id, Initiated: true, Executor: "0xe"}); err != nil {
			return err
		}
		if err := tx.PutExecutionStatus(ctx, &will.ExecutionStatus{
			WillID: id, Executed: true, Executor: "0xe", ExecutionTimestamp: &finished,
		}); err != nil {
			return err
		}
		a := &will.Attempt{ID: "a1", WillID: id, Caller: "0xe", StartedAt: testTime, Outcome: will.AttemptPending}
		if err := tx.InsertAttempt(ctx, a); err != nil {
			return err
		}
		a.Outcome = will.AttemptSucceeded
		a.FinishedAt = sql.NullTime{Time: finished, Valid: true}
		if err := tx.UpdateAttempt(ctx, a); err != nil {
			return err
		}
		return tx.InsertAttempt(ctx, &will.Attempt{ID: "a0", WillID: id, Caller: "0xx", StartedAt: finished, Outcome: will.AttemptFailed, FailureReason: "nope"})
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	db.View(ctx, func(tx will.Tx) error {
		s, err := tx.GetExecutionStatus(ctx, id)
		if err != nil {
			t.Fatalf("GetExecutionStatus() error = %v", err)
		}
		if s.Initiated || !s.Executed || s.ExecutionTimestamp == nil || !s.ExecutionTimestamp.Equal(finished) {
			t.Errorf("GetExecutionStatus() = %+v", s)
		}

		none, err := tx.GetExecutionStatus(ctx, id+1)
		if err != nil || none != nil {
			t.Errorf("GetExecutionStatus(missing) = %v, %v", none, err)
		}

		attempts, err := tx.ListAttempts(ctx, id)
		if err != nil {
			t.Fatalf("ListAttempts() error = %v", err)
		}
		if len(attempts) != 2 {
			t.Fatalf("ListAttempts() len = %d, want 2", len(attempts))
		}
		// Insertion order, not id order.
		if attempts[0].ID != "a1" || attempts[0].Outcome != will.AttemptSucceeded || !attempts[0].FinishedAt.Valid {
			t.Errorf("attempts[0] = %+v", attempts[0])
		}
		if attempts[1].ID != "a0" || attempts[1].FailureReason != "nope" || attempts[1].FinishedAt.Valid {
			t.Errorf("attempts[1] = %+v", attempts[1])
		}
		return nil
	})
}

func TestSQLiteDatabase_Settings(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	db.View(ctx, func(tx will.Tx) error {
		s, err := tx.GetSettings(ctx)
		if err != nil || s != nil {
			t.Errorf("GetSettings() before init = %v, %v", s, err)
		}
		return nil
	})

	err := db.Update(ctx, func(tx will.Tx) error {
		if err := tx.PutSettings(ctx, &will.Settings{Owner: "0xo", FeeBps: 100, FeeRecipient: "0xf"}); err != nil {
			return err
		}
		return tx.PutSettings(ctx, &will.Settings{Owner: "0xo2", FeeBps: 250, FeeRecipient: "0xf"})
	})
	if err != nil {
		t.Fatalf("PutSettings() error = %v", err)
	}

	db.View(ctx, func(tx will.Tx) error {
		s, _ := tx.GetSettings(ctx)
		if s == nil || s.Owner != "0xo2" || s.FeeBps != 250 {
			t.Errorf("GetSettings() = %+v", s)
		}
		return nil
	})

	err = db.Update(ctx, func(tx will.Tx) error {
		return tx.PutSettings(ctx, &will.Settings{Owner: "0xo", FeeBps: 501, FeeRecipient: "0xf"})
	})
	if err == nil {
		t.Error("PutSettings() accepted fee above the schema bound")
	}
}

func TestSQLiteDatabase_NFTOwners(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	err := db.Update(ctx, func(tx will.Tx) error {
		if err := tx.SetNFTOwner(ctx, "0xc", "1", "0xa"); err != nil {
			return err
		}
		return tx.SetNFTOwner(ctx, "0xc", "1", "0xb")
	})
	if err != nil {
		t.Fatalf("SetNFTOwner() error = %v", err)
	}
	db.View(ctx, func(tx will.Tx) error {
		owner, _ := tx.GetNFTOwner(ctx, "0xc", "1")
		if owner != "0xb" {
			t.Errorf("GetNFTOwner() = %q, want 0xb", owner)
		}
		unminted, _ := tx.GetNFTOwner(ctx, "0xc", "2")
		if unminted != "" {
			t.Errorf("GetNFTOwner(unminted) = %q", unminted)
		}
		return nil
	})
}

func TestSQLiteDatabase_Events(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	w0, w1 := uint64(0), uint64(1)
	err := db.Update(ctx, func(tx will.Tx) error {
		for _, e := range []*will.Event{
			{WillID: &w0, Kind: will.EventWillCreated, Data: map[string]string{"owner": "0xa"}, CreatedAt: testTime},
			{WillID: &w1, Kind: will.EventWillCreated, CreatedAt: testTime},
			{WillID: &w0, Kind: will.EventWillUpdated, CreatedAt: testTime},
			{Kind: will.EventFeeRateUpdated, Data: map[string]string{"new_fee_bps": "10"}, CreatedAt: testTime},
		} {
			if err := tx.AppendEvent(ctx, e); err != nil {
				return err
			}
			if e.Seq == 0 {
				t.Error("AppendEvent() did not assign a sequence number")
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("AppendEvent() error = %v", err)
	}

	tests := []struct {
		name   string
		filter will.EventFilter
		want   []will.EventKind
	}{
		{"all", will.EventFilter{}, []will.EventKind{will.EventWillCreated, will.EventWillCreated, will.EventWillUpdated, will.EventFeeRateUpdated}},
		{"by will", will.EventFilter{WillID: &w0}, []will.EventKind{will.EventWillCreated, will.EventWillUpdated}},
		{"by kind", will.EventFilter{Kind: will.EventFeeRateUpdated}, []will.EventKind{will.EventFeeRateUpdated}},
		{"after seq", will.EventFilter{AfterSeq: 2}, []will.EventKind{will.EventWillUpdated, will.EventFeeRateUpdated}},
		{"limit", will.EventFilter{Limit: 1}, []will.EventKind{will.EventWillCreated}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db.View(ctx, func(tx will.Tx) error {
				events, err := tx.ListEvents(ctx, tt.filter)
				if err != nil {
					t.Fatalf("ListEvents() error = %v", err)
				}
				if len(events) != len(tt.want) {
					t.Fatalf("ListEvents() len = %d, want %d", len(events), len(tt.want))
				}
				for i, e := range events {
					if e.Kind != tt.want[i] {
						t.Errorf("events[%d].Kind = %s, want %s", i, e.Kind, tt.want[i])
					}
				}
				return nil
			})
		})
	}

	db.View(ctx, func(tx will.Tx) error {
		events, _ := tx.ListEvents(ctx, will.EventFilter{Kind: will.EventFeeRateUpdated})
		if events[0].WillID != nil || events[0].Data["new_fee_bps"] != "10" {
			t.Errorf("engine event = %+v", events[0])
		}
		return nil
	})
}

func TestSQLiteDatabase_Operations(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	if id, _ := db.MaxOperationID(ctx); id != 0 {
		t.Errorf("MaxOperationID() on empty db = %d, want 0", id)
	}

	first, err := db.CreateOperation(ctx, "create", `{"executor":"0xe"}`)
	if err != nil {
		t.Fatalf("CreateOperation() error = %v", err)
	}
	if err := db.FinishOperation(ctx, first.ID, "success"); err != nil {
		t.Fatalf("FinishOperation() error = %v", err)
	}
	second, _ := db.CreateOperation(ctx, "execute", "")

	ops, err := db.ListOperations(ctx, 10)
	if err != nil {
		t.Fatalf("ListOperations() error = %v", err)
	}
	if len(ops) != 2 || ops[0].ID != second.ID || ops[1].ID != first.ID {
		t.Fatalf("ListOperations() = %+v", ops)
	}
	if ops[1].Status != "success" || !ops[1].FinishedAt.Valid {
		t.Errorf("finished operation = %+v", ops[1])
	}
	if ops[0].Status != "running" || ops[0].FinishedAt.Valid {
		t.Errorf("running operation = %+v", ops[0])
	}

	if id, _ := db.MaxOperationID(ctx); id != second.ID {
		t.Errorf("MaxOperationID() = %d, want %d", id, second.ID)
	}
}

func TestSQLiteDatabase_BackupTo(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := NewSQLiteDatabase(filepath.Join(dir, "live.db"))
	if err != nil {
		t.Fatalf("NewSQLiteDatabase() error = %v", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	insertWill(t, db, "0xo", "0xe")

	backup := filepath.Join(dir, "snapshot.db")
	if err := db.BackupTo(backup); err != nil {
		t.Fatalf("BackupTo() error = %v", err)
	}
	if _, err := os.Stat(backup); err != nil {
		t.Fatalf("backup not written: %v", err)
	}

	restored, err := NewSQLiteDatabase(backup)
	if err != nil {
		t.Fatalf("opening backup: %v", err)
	}
	defer restored.Close()
	if err := restored.CheckMigrations(); err != nil {
		t.Errorf("backup CheckMigrations() error = %v", err)
	}
	restored.View(ctx, func(tx will.Tx) error {
		n, _ := tx.CountWills(ctx)
		if n != 1 {
			t.Errorf("backup CountWills() = %d, want 1", n)
		}
		return nil
	})
}
