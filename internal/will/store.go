package will

import "context"

// Store is the transactional substrate under the registry, engine and
// ledger. Update runs fn in a single transaction that commits every write
// fn made when it returns nil and none of them otherwise. View runs fn in
// a transaction that is always rolled back.
type Store interface {
	Update(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
}

// Tx exposes the persistent state touched by one top-level operation.
// Lookups return (nil, nil) when the row does not exist.
type Tx interface {
	// Will records

	// NextWillID returns the id the next created will receives.
	NextWillID(ctx context.Context) (uint64, error)
	InsertWill(ctx context.Context, r *Record) error
	GetWill(ctx context.Context, id uint64) (*Record, error)
	UpdateWill(ctx context.Context, r *Record) error
	CountWills(ctx context.Context) (uint64, error)
	ListWillsByOwner(ctx context.Context, owner Address) ([]uint64, error)
	ListWillsByExecutor(ctx context.Context, executor Address) ([]uint64, error)

	// Viewer sets

	AddViewer(ctx context.Context, willID uint64, viewer Address) error
	RemoveViewer(ctx context.Context, willID uint64, viewer Address) error
	HasViewer(ctx context.Context, willID uint64, viewer Address) (bool, error)
	ListViewers(ctx context.Context, willID uint64) ([]Address, error)

	// Engine state

	GetExecutionStatus(ctx context.Context, willID uint64) (*ExecutionStatus, error)
	PutExecutionStatus(ctx context.Context, s *ExecutionStatus) error
	InsertAttempt(ctx context.Context, a *Attempt) error
	UpdateAttempt(ctx context.Context, a *Attempt) error
	ListAttempts(ctx context.Context, willID uint64) ([]*Attempt, error)
	GetSettings(ctx context.Context) (*Settings, error)
	PutSettings(ctx context.Context, s *Settings) error

	// Ledger

	GetBalance(ctx context.Context, holder Address, asset Address) (Amount, error)
	SetBalance(ctx context.Context, holder Address, asset Address, amount Amount) error
	// GetNFTOwner returns "" when the asset has never been minted.
	GetNFTOwner(ctx context.Context, contract Address, assetID string) (Address, error)
	SetNFTOwner(ctx context.Context, contract Address, assetID string, owner Address) error

	// Audit events

	AppendEvent(ctx context.Context, e *Event) error
	ListEvents(ctx context.Context, f EventFilter) ([]*Event, error)

	// Savepoints nest a unit of work that can be undone without aborting
	// the enclosing transaction.

	Savepoint(ctx context.Context, name string) error
	RollbackTo(ctx context.Context, name string) error
	Release(ctx context.Context, name string) error
}

// Database is the full persistence surface used by the application layer.
type Database interface {
	Store

	CreateOperation(ctx context.Context, operation, parameters string) (*Operation, error)
	FinishOperation(ctx context.Context, id int64, status string) error
	ListOperations(ctx context.Context, limit int) ([]*Operation, error)
	MaxOperationID(ctx context.Context) (int64, error)

	// CheckMigrations verifies the schema is at the binary's version.
	CheckMigrations() error

	// BackupTo writes a consistent copy of the database to destPath.
	BackupTo(destPath string) error

	Close() error
}
