package will_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"will-go/internal/testutil"
	"will-go/internal/will"
)

const day = 24 * time.Hour

func TestRegistry_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("assigns sequential ids from zero", func(t *testing.T) {
		env := testutil.NewEnv(t)
		for want := uint64(0); want < 3; want++ {
			if got := env.CreateWill(t); got != want {
				t.Fatalf("Create() id = %d, want %d", got, want)
			}
		}
		n, err := env.Registry.Count(ctx)
		if err != nil {
			t.Fatalf("Count() error = %v", err)
		}
		if n != 3 {
			t.Errorf("Count() = %d, want 3", n)
		}
	})

	t.Run("stores the record and emits WillCreated", func(t *testing.T) {
		env := testutil.NewEnv(t)
		id, err := env.Registry.Create(ctx, testutil.Owner, "sha256:abc", testutil.Executor, 90*day)
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		rec, err := env.Registry.Read(ctx, testutil.Owner, id)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if rec.Owner != testutil.Owner || rec.Executor != testutil.Executor {
			t.Errorf("Read() owner/executor = %s/%s", rec.Owner, rec.Executor)
		}
		if rec.DocumentPointer != "sha256:abc" {
			t.Errorf("DocumentPointer = %q", rec.DocumentPointer)
		}
		if rec.EmergencyDelay != 90*day {
			t.Errorf("EmergencyDelay = %v, want %v", rec.EmergencyDelay, 90*day)
		}
		now := env.Clock.Now()
		if !rec.CreatedAt.Equal(now) || !rec.LastUpdateAt.Equal(now) {
			t.Errorf("CreatedAt/LastUpdateAt = %v/%v, want %v", rec.CreatedAt, rec.LastUpdateAt, now)
		}
		if rec.Executed {
			t.Error("new will is executed")
		}

		events := env.Events(t, id)
		if len(events) != 1 || events[0].Kind != will.EventWillCreated {
			t.Fatalf("events = %v, want one WillCreated", kinds(events))
		}
		if events[0].Data["owner"] != string(testutil.Owner) {
			t.Errorf("WillCreated owner = %q", events[0].Data["owner"])
		}
	})

	t.Run("rejects invalid input", func(t *testing.T) {
		tests := []struct {
			name     string
			caller   will.Address
			pointer  string
			executor will.Address
			delay    time.Duration
		}{
			{"empty pointer", testutil.Owner, "", testutil.Executor, 30 * day},
			{"blank pointer", testutil.Owner, "   ", testutil.Executor, 30 * day},
			{"null executor", testutil.Owner, "sha256:x", will.ZeroAddress, 30 * day},
			{"empty executor", testutil.Owner, "sha256:x", "", 30 * day},
			{"executor is owner", testutil.Owner, "sha256:x", testutil.Owner, 30 * day},
			{"executor is owner in other case", "0xa00000000000000000000000000000000000000a", "sha256:x", "0xA00000000000000000000000000000000000000A", 30 * day},
			{"null caller", will.ZeroAddress, "sha256:x", testutil.Executor, 30 * day},
			{"delay too short", testutil.Owner, "sha256:x", testutil.Executor, 30*day - time.Second},
			{"delay too long", testutil.Owner, "sha256:x", testutil.Executor, 365*day + time.Second},
		}
		env := testutil.NewEnv(t)
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := env.Registry.Create(ctx, tt.caller, tt.pointer, tt.executor, tt.delay)
				if !errors.Is(err, will.ErrInvalidInput) {
					t.Fatalf("Create() error = %v, want ErrInvalidInput", err)
				}
			})
		}
		n, _ := env.Registry.Count(ctx)
		if n != 0 {
			t.Errorf("Count() = %d after rejected creates, want 0", n)
		}
	})

	t.Run("treats addresses case-insensitively", func(t *testing.T) {
		env := testutil.NewEnv(t)
		const mixed = will.Address("0xABCDEF0000000000000000000000000000000001")
		const lower = will.Address("0xabcdef0000000000000000000000000000000001")
		id, err := env.Registry.Create(ctx, mixed, "sha256:x", "0x2000000000000000000000000000000000000002", 30*day)
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		rec, err := env.Registry.Read(ctx, lower, id)
		if err != nil {
			t.Fatalf("Read(lower-case owner) error = %v", err)
		}
		if rec.Owner != lower {
			t.Errorf("Owner = %s, want %s", rec.Owner, lower)
		}
		if err := env.Registry.UpdateDocument(ctx, lower, id, "sha256:y"); err != nil {
			t.Errorf("UpdateDocument(lower-case owner) error = %v", err)
		}
		if err := env.Registry.UpdateExecutor(ctx, mixed, id, lower); !errors.Is(err, will.ErrInvalidInput) {
			t.Errorf("UpdateExecutor(owner alias) error = %v, want ErrInvalidInput", err)
		}
		ids, err := env.Registry.OwnedWills(ctx, mixed)
		if err != nil {
			t.Fatalf("OwnedWills() error = %v", err)
		}
		if len(ids) != 1 || ids[0] != id {
			t.Errorf("OwnedWills(mixed case) = %v, want [%d]", ids, id)
		}
	})

	t.Run("accepts delay bounds inclusively", func(t *testing.T) {
		env := testutil.NewEnv(t)
		for _, d := range []time.Duration{will.MinEmergencyDelay, will.MaxEmergencyDelay} {
			if _, err := env.Registry.Create(ctx, testutil.Owner, "sha256:x", testutil.Executor, d); err != nil {
				t.Errorf("Create(delay=%v) error = %v", d, err)
			}
		}
	})
}

func TestRegistry_Updates(t *testing.T) {
	ctx := context.Background()

	t.Run("owner updates fields and bumps LastUpdateAt", func(t *testing.T) {
		env := testutil.NewEnv(t)
		id := env.CreateWill(t)

		env.Clock.Advance(time.Hour)
		if err := env.Registry.UpdateDocument(ctx, testutil.Owner, id, "sha256:v2"); err != nil {
			t.Fatalf("UpdateDocument() error = %v", err)
		}
		env.Clock.Advance(time.Hour)
		if err := env.Registry.UpdateExecutor(ctx, testutil.Owner, id, testutil.Beneficiary); err != nil {
			t.Fatalf("UpdateExecutor() error = %v", err)
		}
		env.Clock.Advance(time.Hour)
		if err := env.Registry.UpdateEmergencyDelay(ctx, testutil.Owner, id, 60*day); err != nil {
			t.Fatalf("UpdateEmergencyDelay() error = %v", err)
		}

		rec, err := env.Registry.Read(ctx, testutil.Owner, id)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if rec.DocumentPointer != "sha256:v2" || rec.Executor != testutil.Beneficiary || rec.EmergencyDelay != 60*day {
			t.Errorf("record = %+v", rec)
		}
		if !rec.LastUpdateAt.Equal(env.Clock.Now()) {
			t.Errorf("LastUpdateAt = %v, want %v", rec.LastUpdateAt, env.Clock.Now())
		}
		if rec.CreatedAt.Equal(rec.LastUpdateAt) {
			t.Error("CreatedAt moved with updates")
		}

		got := kinds(env.Events(t, id))
		want := []will.EventKind{will.EventWillCreated, will.EventWillUpdated, will.EventExecutorUpdated, will.EventEmergencyUpdated}
		if !equalKinds(got, want) {
			t.Errorf("events = %v, want %v", got, want)
		}
	})

	t.Run("LastUpdateAt never moves backwards", func(t *testing.T) {
		env := testutil.NewEnv(t)
		id := env.CreateWill(t)
		created := env.Clock.Now()

		env.Clock.Advance(-time.Hour)
		if err := env.Registry.UpdateDocument(ctx, testutil.Owner, id, "sha256:v2"); err != nil {
			t.Fatalf("UpdateDocument() error = %v", err)
		}
		rec, _ := env.Registry.Read(ctx, testutil.Owner, id)
		if rec.LastUpdateAt.Before(created) {
			t.Errorf("LastUpdateAt = %v, before creation %v", rec.LastUpdateAt, created)
		}
	})

	t.Run("rejections", func(t *testing.T) {
		env := testutil.NewEnv(t)
		id := env.CreateWill(t)

		tests := []struct {
			name string
			fn   func() error
			want error
		}{
			{"unknown id", func() error { return env.Registry.UpdateDocument(ctx, testutil.Owner, 99, "sha256:x") }, will.ErrNotFound},
			{"executor is not owner", func() error { return env.Registry.UpdateDocument(ctx, testutil.Executor, id, "sha256:x") }, will.ErrNotOwner},
			{"stranger", func() error { return env.Registry.UpdateEmergencyDelay(ctx, testutil.Stranger, id, 40*day) }, will.ErrNotOwner},
			{"empty pointer", func() error { return env.Registry.UpdateDocument(ctx, testutil.Owner, id, "") }, will.ErrInvalidInput},
			{"executor set to owner", func() error { return env.Registry.UpdateExecutor(ctx, testutil.Owner, id, testutil.Owner) }, will.ErrInvalidInput},
			{"null executor", func() error { return env.Registry.UpdateExecutor(ctx, testutil.Owner, id, will.ZeroAddress) }, will.ErrInvalidInput},
			{"delay out of range", func() error { return env.Registry.UpdateEmergencyDelay(ctx, testutil.Owner, id, day) }, will.ErrInvalidInput},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if err := tt.fn(); !errors.Is(err, tt.want) {
					t.Fatalf("error = %v, want %v", err, tt.want)
				}
			})
		}

		if got := kinds(env.Events(t, id)); len(got) != 1 {
			t.Errorf("rejected updates emitted events: %v", got)
		}
	})

	t.Run("executed will is frozen", func(t *testing.T) {
		env := testutil.NewInitializedEnv(t, 0)
		id := env.CreateWill(t)
		if _, err := env.Engine.ExecuteWill(ctx, testutil.Executor, id, nil); err != nil {
			t.Fatalf("ExecuteWill() error = %v", err)
		}

		if err := env.Registry.UpdateDocument(ctx, testutil.Owner, id, "sha256:late"); !errors.Is(err, will.ErrAlreadyExecuted) {
			t.Errorf("UpdateDocument() error = %v, want ErrAlreadyExecuted", err)
		}
		if err := env.Registry.UpdateExecutor(ctx, testutil.Owner, id, testutil.Stranger); !errors.Is(err, will.ErrAlreadyExecuted) {
			t.Errorf("UpdateExecutor() error = %v, want ErrAlreadyExecuted", err)
		}
		if err := env.Registry.UpdateEmergencyDelay(ctx, testutil.Owner, id, 100*day); !errors.Is(err, will.ErrAlreadyExecuted) {
			t.Errorf("UpdateEmergencyDelay() error = %v, want ErrAlreadyExecuted", err)
		}

		// Viewer management still works after execution.
		if err := env.Registry.AuthorizeViewer(ctx, testutil.Owner, id, testutil.Viewer); err != nil {
			t.Errorf("AuthorizeViewer() after execution error = %v", err)
		}
	})
}

func TestRegistry_Viewers(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	id := env.CreateWill(t)

	if _, err := env.Registry.Read(ctx, testutil.Viewer, id); !errors.Is(err, will.ErrNotAuthorized) {
		t.Fatalf("Read() by unauthorized viewer error = %v, want ErrNotAuthorized", err)
	}
	if env.Registry.IsAuthorizedViewer(ctx, id, testutil.Viewer) {
		t.Error("IsAuthorizedViewer() = true before grant")
	}

	if err := env.Registry.AuthorizeViewer(ctx, testutil.Executor, id, testutil.Viewer); !errors.Is(err, will.ErrNotOwner) {
		t.Errorf("AuthorizeViewer() by executor error = %v, want ErrNotOwner", err)
	}
	if err := env.Registry.AuthorizeViewer(ctx, testutil.Owner, id, will.ZeroAddress); !errors.Is(err, will.ErrInvalidInput) {
		t.Errorf("AuthorizeViewer(null) error = %v, want ErrInvalidInput", err)
	}
	if err := env.Registry.AuthorizeViewer(ctx, testutil.Owner, 42, testutil.Viewer); !errors.Is(err, will.ErrNotFound) {
		t.Errorf("AuthorizeViewer(unknown id) error = %v, want ErrNotFound", err)
	}

	if err := env.Registry.AuthorizeViewer(ctx, testutil.Owner, id, testutil.Viewer); err != nil {
		t.Fatalf("AuthorizeViewer() error = %v", err)
	}
	// Granting twice is harmless.
	if err := env.Registry.AuthorizeViewer(ctx, testutil.Owner, id, testutil.Viewer); err != nil {
		t.Fatalf("second AuthorizeViewer() error = %v", err)
	}

	rec, err := env.Registry.Read(ctx, testutil.Viewer, id)
	if err != nil {
		t.Fatalf("Read() by viewer error = %v", err)
	}
	if len(rec.AuthorizedViewers) != 1 || rec.AuthorizedViewers[0] != testutil.Viewer {
		t.Errorf("AuthorizedViewers = %v", rec.AuthorizedViewers)
	}
	if !env.Registry.IsAuthorizedViewer(ctx, id, testutil.Viewer) {
		t.Error("IsAuthorizedViewer() = false after grant")
	}

	if err := env.Registry.RevokeViewer(ctx, testutil.Owner, id, testutil.Viewer); err != nil {
		t.Fatalf("RevokeViewer() error = %v", err)
	}
	if _, err := env.Registry.Read(ctx, testutil.Viewer, id); !errors.Is(err, will.ErrNotAuthorized) {
		t.Errorf("Read() after revoke error = %v, want ErrNotAuthorized", err)
	}

	got := kinds(env.Events(t, id))
	want := []will.EventKind{will.EventWillCreated, will.EventViewerAuthorized, will.EventViewerAuthorized, will.EventViewerRevoked}
	if !equalKinds(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestRegistry_Read(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	id := env.CreateWill(t)

	tests := []struct {
		name   string
		caller will.Address
		id     uint64
		want   error
	}{
		{"owner", testutil.Owner, id, nil},
		{"executor", testutil.Executor, id, nil},
		{"stranger", testutil.Stranger, id, will.ErrNotAuthorized},
		{"null caller", will.ZeroAddress, id, will.ErrNotAuthorized},
		{"unknown id", testutil.Owner, id + 1, will.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := env.Registry.Read(ctx, tt.caller, tt.id)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("Read() error = %v", err)
				}
				if rec.ID != tt.id {
					t.Errorf("Read() id = %d, want %d", rec.ID, tt.id)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("Read() error = %v, want %v", err, tt.want)
			}
		})
	}

	if env.Registry.IsAuthorizedViewer(ctx, 1000, testutil.Owner) {
		t.Error("IsAuthorizedViewer() on unknown id = true")
	}
}

func TestRegistry_Listings(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)

	a := env.CreateWill(t)
	b, err := env.Registry.Create(ctx, testutil.Stranger, "sha256:s", testutil.Executor, 30*day)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	c := env.CreateWill(t)

	owned, err := env.Registry.OwnedWills(ctx, testutil.Owner)
	if err != nil {
		t.Fatalf("OwnedWills() error = %v", err)
	}
	if len(owned) != 2 || owned[0] != a || owned[1] != c {
		t.Errorf("OwnedWills() = %v, want [%d %d]", owned, a, c)
	}

	executing, err := env.Registry.ExecutorWills(ctx, testutil.Executor)
	if err != nil {
		t.Fatalf("ExecutorWills() error = %v", err)
	}
	if len(executing) != 3 || executing[1] != b {
		t.Errorf("ExecutorWills() = %v", executing)
	}

	none, err := env.Registry.OwnedWills(ctx, testutil.Viewer)
	if err != nil {
		t.Fatalf("OwnedWills() error = %v", err)
	}
	if len(none) != 0 {
		t.Errorf("OwnedWills(viewer) = %v, want empty", none)
	}
}

func TestRegistry_CanEmergencyExecute(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	id := env.CreateWill(t)
	created := env.Clock.Now()

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"at creation", created, false},
		{"one second early", created.Add(30*day - time.Second), false},
		{"exactly at delay", created.Add(30 * day), true},
		{"long after", created.Add(400 * day), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.Clock.Set(tt.at)
			got, err := env.Registry.CanEmergencyExecute(ctx, id)
			if err != nil {
				t.Fatalf("CanEmergencyExecute() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("CanEmergencyExecute() = %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("update restarts the countdown", func(t *testing.T) {
		env.Clock.Set(created.Add(29 * day))
		if err := env.Registry.UpdateDocument(ctx, testutil.Owner, id, "sha256:v2"); err != nil {
			t.Fatalf("UpdateDocument() error = %v", err)
		}
		env.Clock.Set(created.Add(31 * day))
		if ok, _ := env.Registry.CanEmergencyExecute(ctx, id); ok {
			t.Error("CanEmergencyExecute() = true two days after an update")
		}
		env.Clock.Set(created.Add(59 * day))
		if ok, _ := env.Registry.CanEmergencyExecute(ctx, id); !ok {
			t.Error("CanEmergencyExecute() = false 30 days after the update")
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		ok, err := env.Registry.CanEmergencyExecute(ctx, 77)
		if err != nil || ok {
			t.Errorf("CanEmergencyExecute(unknown) = %v, %v; want false, nil", ok, err)
		}
	})
}

func TestRegistry_EmergencyTimingProperty(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	base := env.Clock.Now()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("eligible iff now >= lastUpdate + delay", prop.ForAll(
		func(delayDays int64, offsetSecs int64) bool {
			env.Clock.Set(base)
			delay := time.Duration(delayDays) * day
			id, err := env.Registry.Create(ctx, testutil.Owner, "sha256:p", testutil.Executor, delay)
			if err != nil {
				return false
			}
			env.Clock.Set(base.Add(delay + time.Duration(offsetSecs)*time.Second))
			ok, err := env.Registry.CanEmergencyExecute(ctx, id)
			return err == nil && ok == (offsetSecs >= 0)
		},
		gen.Int64Range(30, 365),
		gen.Int64Range(-3*86400, 3*86400),
	))

	properties.Property("ids are dense and increasing", prop.ForAll(
		func(n int) bool {
			env.Clock.Set(base)
			before, err := env.Registry.Count(ctx)
			if err != nil {
				return false
			}
			for i := 0; i < n; i++ {
				id, err := env.Registry.Create(ctx, testutil.Owner, "sha256:p", testutil.Executor, 30*day)
				if err != nil || id != before+uint64(i) {
					return false
				}
			}
			after, err := env.Registry.Count(ctx)
			return err == nil && after == before+uint64(n)
		},
		gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}

func kinds(events []*will.Event) []will.EventKind {
	out := make([]will.EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func equalKinds(a, b []will.EventKind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
