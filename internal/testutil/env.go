package testutil

import (
	"context"
	"testing"

	"will-go/internal/will"
)

// Well-known test identities.
const (
	Owner        will.Address = "0x1000000000000000000000000000000000000001"
	Executor     will.Address = "0x2000000000000000000000000000000000000002"
	Viewer       will.Address = "0x3000000000000000000000000000000000000003"
	Stranger     will.Address = "0x4000000000000000000000000000000000000004"
	Beneficiary  will.Address = "0x5000000000000000000000000000000000000005"
	Beneficiary2 will.Address = "0x6000000000000000000000000000000000000006"
	EngineOwner  will.Address = "0x7000000000000000000000000000000000000007"
	FeeRecipient will.Address = "0x8000000000000000000000000000000000000008"
	EngineAddr   will.Address = "0x9000000000000000000000000000000000000009"
	Token        will.Address = "0xa00000000000000000000000000000000000000a"
	Collection   will.Address = "0xb00000000000000000000000000000000000000b"
)

// Env wires a registry, ledger and engine over one in-memory database.
type Env struct {
	DB       will.Database
	Clock    *StubClock
	IDs      *StubIDGenerator
	Registry *will.Registry
	Ledger   *will.Ledger
	Engine   *will.Engine
}

// NewEnv builds an Env whose engine is not yet initialized.
func NewEnv(t *testing.T) *Env {
	t.Helper()

	db := NewTestDatabase(t)
	clock := FixedClock()
	ids := NewStubIDGenerator()
	logger := will.NewNopLogger()

	reg := will.NewRegistry(db, clock, logger)
	return &Env{
		DB:       db,
		Clock:    clock,
		IDs:      ids,
		Registry: reg,
		Ledger:   will.NewLedger(db, logger),
		Engine:   will.NewEngine(db, reg, EngineAddr, clock, ids, logger),
	}
}

// NewInitializedEnv builds an Env with the engine owned by EngineOwner and
// charging feeBps to FeeRecipient.
func NewInitializedEnv(t *testing.T, feeBps uint16) *Env {
	t.Helper()

	env := NewEnv(t)
	if err := env.Engine.Initialize(context.Background(), EngineOwner, feeBps, FeeRecipient); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	return env
}

// CreateWill creates a will from Owner to Executor with the minimum delay.
func (e *Env) CreateWill(t *testing.T) uint64 {
	t.Helper()

	id, err := e.Registry.Create(context.Background(), Owner, "sha256:doc", Executor, will.MinEmergencyDelay)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return id
}

// Fund mints amount of asset (will.NativeAsset for native) to the engine.
func (e *Env) Fund(t *testing.T, asset will.Address, amount string) {
	t.Helper()

	if err := e.Ledger.Mint(context.Background(), EngineAddr, asset, will.MustParseAmount(amount)); err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
}

// Balance returns holder's balance of asset.
func (e *Env) Balance(t *testing.T, holder, asset will.Address) will.Amount {
	t.Helper()

	bal, err := e.Ledger.BalanceOf(context.Background(), holder, asset)
	if err != nil {
		t.Fatalf("BalanceOf() error = %v", err)
	}
	return bal
}

// Events returns every event recorded for id.
func (e *Env) Events(t *testing.T, id uint64) []*will.Event {
	t.Helper()

	events, err := e.Registry.Events(context.Background(), will.EventFilter{WillID: &id})
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	return events
}
