package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"will-go/internal/config"
	"will-go/internal/database"
	"will-go/internal/encryption"
	"will-go/internal/vault"
	"will-go/internal/will"
)

// WillApp is the application layer between the CLI (or HTTP server) and the
// registry, ledger and engine. It constructs all dependencies from config,
// exposes high-level operations on behalf of one caller, and manages the DB
// lifecycle on Close.
type WillApp struct {
	cfg       *config.Config
	caller    will.Address
	db        will.Database
	vault     will.Vault
	encryptor will.Encryptor
	registry  *will.Registry
	ledger    *will.Ledger
	engine    *will.Engine
	documents *will.DocumentService
	logger    *slog.Logger
	op        *Operation
	logFile   *os.File
}

// NewWillApp creates a fully wired WillApp from the given config.
// operation identifies the command being run (e.g. "CreateWill", "ExecuteWill").
// The caller must call Close when done.
func NewWillApp(ctx context.Context, cfg *config.Config, operation string) (*WillApp, error) {
	if len(cfg.Vaults) == 0 {
		return nil, fmt.Errorf("no vaults configured")
	}
	caller, err := ResolveIdentity(cfg)
	if err != nil {
		return nil, err
	}

	v, err := vault.NewVaultFromConfig(ctx, cfg.Vaults[0])
	if err != nil {
		return nil, fmt.Errorf("creating vault: %w", err)
	}

	db, err := database.NewDatabaseFromConfig(cfg.Database, cfg.HostID)
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	if err := db.CheckMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}

	// Refuse to run against a registry older than the last uploaded snapshot.
	remoteVersion, err := v.GetMetadataVersion(ctx, cfg.HostID, "db")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("checking remote metadata version: %w", err)
	}
	localMax, err := db.MaxOperationID(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("checking local metadata version: %w", err)
	}
	if remoteVersion > localMax {
		db.Close()
		return nil, fmt.Errorf("local database is behind remote (local=%d, remote=%d): restore from vault or re-initialize", localMax, remoteVersion)
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	opID := time.Now().UTC().Format("20060102T150405Z")
	logger, logFile, err := newLogger(cfg.LogDir, opID)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	adapter := &slogAdapter{l: logger}
	clock := will.RealClock{}
	registry := will.NewRegistry(db, clock, adapter)
	engineAddr := will.Address(cfg.Engine.Address)
	if engineAddr.IsZero() {
		engineAddr = config.DefaultEngineAddr
	}

	return &WillApp{
		cfg:       cfg,
		caller:    caller,
		db:        db,
		vault:     v,
		encryptor: enc,
		registry:  registry,
		ledger:    will.NewLedger(db, adapter),
		engine:    will.NewEngine(db, registry, engineAddr, clock, will.UUIDGenerator{}, adapter),
		documents: will.NewDocumentService(v, enc, adapter),
		logger:    logger,
		op:        NewOperation(operation, ""),
		logFile:   logFile,
	}, nil
}

// Caller is the identity every operation runs as.
func (a *WillApp) Caller() will.Address { return a.caller }

func (a *WillApp) Config() *config.Config   { return a.cfg }
func (a *WillApp) Registry() *will.Registry { return a.registry }
func (a *WillApp) Ledger() *will.Ledger     { return a.ledger }
func (a *WillApp) Engine() *will.Engine     { return a.engine }
func (a *WillApp) Logger() *slog.Logger     { return a.logger }

// persistOperation saves the operation to the database, giving it an
// auto-increment ID. Only DB-mutating commands call it.
func (a *WillApp) persistOperation(ctx context.Context, params string) error {
	if a.op.Persisted() {
		return nil
	}
	a.op.Parameters = params
	dbOp, err := a.db.CreateOperation(ctx, a.op.Operation, a.op.Parameters)
	if err != nil {
		return fmt.Errorf("persisting operation: %w", err)
	}
	a.op.ID = dbOp.ID
	return nil
}

// mutate persists the operation and runs fn, marking the operation failed
// if fn returns an error.
func (a *WillApp) mutate(ctx context.Context, params string, fn func() error) error {
	if err := a.persistOperation(ctx, params); err != nil {
		return err
	}
	if err := fn(); err != nil {
		a.op.Status = StatusError
		return err
	}
	return nil
}

// MarkMutating records a long-running mutating operation such as the HTTP
// server, so the registry snapshot is uploaded on Close.
func (a *WillApp) MarkMutating(ctx context.Context, params string) error {
	return a.persistOperation(ctx, params)
}

// SetupKeys generates the document key pair and copies the key files to the
// vault. It returns the public key when the encryptor exposes one.
func (a *WillApp) SetupKeys(ctx context.Context, passphrase string) (string, error) {
	if err := a.encryptor.Setup(passphrase); err != nil {
		return "", fmt.Errorf("setting up keys: %w", err)
	}
	for name, path := range map[string]string{
		"public_key":  a.cfg.Encryption.PublicKeyPath,
		"private_key": a.cfg.Encryption.PrivateKeyPath,
	} {
		if err := a.uploadFile(ctx, path, name, 1); err != nil && !os.IsNotExist(err) {
			return "", err
		}
	}

	pk, ok := a.encryptor.(interface{ PublicKey() (string, error) })
	if !ok {
		return "", nil
	}
	return pk.PublicKey()
}

// SealDocument encrypts a will document and stores it in the vault,
// returning its pointer.
func (a *WillApp) SealDocument(ctx context.Context, r io.Reader) (string, error) {
	return a.documents.Seal(ctx, r)
}

// OpenDocument decrypts the document of will id into w. The caller must be
// allowed to read the will.
func (a *WillApp) OpenDocument(ctx context.Context, id uint64, passphrase string, w io.Writer) error {
	rec, err := a.registry.Read(ctx, a.caller, id)
	if err != nil {
		return err
	}
	dc, err := a.encryptor.Unlock(passphrase)
	if err != nil {
		return fmt.Errorf("unlocking private key: %w", err)
	}
	return a.documents.Open(ctx, rec.DocumentPointer, dc, w)
}

// CreateWill registers a will owned by the caller.
func (a *WillApp) CreateWill(ctx context.Context, pointer string, executor will.Address, delay time.Duration) (uint64, error) {
	var id uint64
	err := a.mutate(ctx, fmt.Sprintf("executor=%s delay=%s", executor, delay), func() error {
		var err error
		id, err = a.registry.Create(ctx, a.caller, pointer, executor, delay)
		return err
	})
	return id, err
}

func (a *WillApp) UpdateDocument(ctx context.Context, id uint64, pointer string) error {
	return a.mutate(ctx, fmt.Sprintf("id=%d pointer=%s", id, pointer), func() error {
		return a.registry.UpdateDocument(ctx, a.caller, id, pointer)
	})
}

func (a *WillApp) UpdateExecutor(ctx context.Context, id uint64, executor will.Address) error {
	return a.mutate(ctx, fmt.Sprintf("id=%d executor=%s", id, executor), func() error {
		return a.registry.UpdateExecutor(ctx, a.caller, id, executor)
	})
}

func (a *WillApp) UpdateEmergencyDelay(ctx context.Context, id uint64, delay time.Duration) error {
	return a.mutate(ctx, fmt.Sprintf("id=%d delay=%s", id, delay), func() error {
		return a.registry.UpdateEmergencyDelay(ctx, a.caller, id, delay)
	})
}

func (a *WillApp) AuthorizeViewer(ctx context.Context, id uint64, viewer will.Address) error {
	return a.mutate(ctx, fmt.Sprintf("id=%d viewer=%s", id, viewer), func() error {
		return a.registry.AuthorizeViewer(ctx, a.caller, id, viewer)
	})
}

func (a *WillApp) RevokeViewer(ctx context.Context, id uint64, viewer will.Address) error {
	return a.mutate(ctx, fmt.Sprintf("id=%d viewer=%s", id, viewer), func() error {
		return a.registry.RevokeViewer(ctx, a.caller, id, viewer)
	})
}

func (a *WillApp) IsAuthorizedViewer(ctx context.Context, id uint64, viewer will.Address) bool {
	return a.registry.IsAuthorizedViewer(ctx, id, viewer)
}

func (a *WillApp) ReadWill(ctx context.Context, id uint64) (*will.Record, error) {
	return a.registry.Read(ctx, a.caller, id)
}

// ListWills returns the wills the caller owns and those it executes.
func (a *WillApp) ListWills(ctx context.Context) (owned, executing []uint64, err error) {
	owned, err = a.registry.OwnedWills(ctx, a.caller)
	if err != nil {
		return nil, nil, err
	}
	executing, err = a.registry.ExecutorWills(ctx, a.caller)
	if err != nil {
		return nil, nil, err
	}
	return owned, executing, nil
}

// ExecuteWill runs the normal execution path. A failed attempt is still a
// mutation: its bookkeeping is committed.
func (a *WillApp) ExecuteWill(ctx context.Context, id uint64, in *will.Instruction) (*will.Receipt, error) {
	if in == nil {
		in = &will.Instruction{}
	}
	var receipt *will.Receipt
	err := a.mutate(ctx, fmt.Sprintf("id=%d hash=%s", id, in.Hash), func() error {
		var err error
		receipt, err = a.engine.ExecuteWill(ctx, a.caller, id, in)
		return err
	})
	return receipt, err
}

func (a *WillApp) EmergencyExecuteWill(ctx context.Context, id uint64, in *will.Instruction) (*will.Receipt, error) {
	if in == nil {
		in = &will.Instruction{}
	}
	var receipt *will.Receipt
	err := a.mutate(ctx, fmt.Sprintf("id=%d hash=%s emergency=true", id, in.Hash), func() error {
		var err error
		receipt, err = a.engine.EmergencyExecuteWill(ctx, a.caller, id, in)
		return err
	})
	return receipt, err
}

func (a *WillApp) ExecutionStatus(ctx context.Context, id uint64) (*will.ExecutionStatus, error) {
	return a.engine.ExecutionStatus(ctx, id)
}

// CanExecute reports both the engine's and the emergency predicate for id.
func (a *WillApp) CanExecute(ctx context.Context, id uint64) (normal, emergency bool, err error) {
	normal, err = a.engine.CanExecuteWill(ctx, id)
	if err != nil {
		return false, false, err
	}
	emergency, err = a.registry.CanEmergencyExecute(ctx, id)
	if err != nil {
		return false, false, err
	}
	return normal, emergency, nil
}

func (a *WillApp) Attempts(ctx context.Context, id uint64) ([]*will.Attempt, error) {
	return a.engine.Attempts(ctx, id)
}

func (a *WillApp) Events(ctx context.Context, f will.EventFilter) ([]*will.Event, error) {
	return a.registry.Events(ctx, f)
}

// InitEngine creates the engine settings with the caller as owner. A zero
// recipient means the caller collects fees.
func (a *WillApp) InitEngine(ctx context.Context, feeBps uint16, recipient will.Address) (*will.Settings, error) {
	if recipient.IsZero() {
		recipient = a.caller
	}
	err := a.mutate(ctx, fmt.Sprintf("fee_bps=%d fee_recipient=%s", feeBps, recipient), func() error {
		return a.engine.Initialize(ctx, a.caller, feeBps, recipient)
	})
	if err != nil {
		return nil, err
	}
	return a.engine.Settings(ctx)
}

func (a *WillApp) EngineSettings(ctx context.Context) (*will.Settings, error) {
	return a.engine.Settings(ctx)
}

func (a *WillApp) SetFeeRate(ctx context.Context, bps uint16) error {
	return a.mutate(ctx, fmt.Sprintf("fee_bps=%d", bps), func() error {
		return a.engine.SetFeeRate(ctx, a.caller, bps)
	})
}

func (a *WillApp) SetFeeRecipient(ctx context.Context, recipient will.Address) error {
	return a.mutate(ctx, fmt.Sprintf("fee_recipient=%s", recipient), func() error {
		return a.engine.SetFeeRecipient(ctx, a.caller, recipient)
	})
}

func (a *WillApp) WithdrawBalance(ctx context.Context) (will.Amount, error) {
	var amount will.Amount
	err := a.mutate(ctx, "", func() error {
		var err error
		amount, err = a.engine.WithdrawBalance(ctx, a.caller)
		return err
	})
	return amount, err
}

func (a *WillApp) RecoverToken(ctx context.Context, token will.Address, amount will.Amount) error {
	return a.mutate(ctx, fmt.Sprintf("token=%s amount=%s", token, amount), func() error {
		return a.engine.RecoverToken(ctx, a.caller, token, amount)
	})
}

func (a *WillApp) TransferOwnership(ctx context.Context, newOwner will.Address) error {
	return a.mutate(ctx, fmt.Sprintf("new_owner=%s", newOwner), func() error {
		return a.engine.TransferOwnership(ctx, a.caller, newOwner)
	})
}

// Mint credits holder with amount of asset. An empty holder funds the engine.
func (a *WillApp) Mint(ctx context.Context, holder, asset will.Address, amount will.Amount) error {
	if holder == "" {
		holder = a.engine.Address()
	}
	return a.mutate(ctx, fmt.Sprintf("holder=%s asset=%s amount=%s", holder, asset, amount), func() error {
		return a.ledger.Mint(ctx, holder, asset, amount)
	})
}

// MintNFT assigns a new asset. An empty owner gives it to the engine.
func (a *WillApp) MintNFT(ctx context.Context, contract will.Address, assetID string, owner will.Address) error {
	if owner == "" {
		owner = a.engine.Address()
	}
	return a.mutate(ctx, fmt.Sprintf("contract=%s asset_id=%s owner=%s", contract, assetID, owner), func() error {
		return a.ledger.MintNFT(ctx, contract, assetID, owner)
	})
}

// Balance returns holder's balance of asset. An empty holder means the engine.
func (a *WillApp) Balance(ctx context.Context, holder, asset will.Address) (will.Amount, error) {
	if holder == "" {
		holder = a.engine.Address()
	}
	return a.ledger.BalanceOf(ctx, holder, asset)
}

func (a *WillApp) OwnerOf(ctx context.Context, contract will.Address, assetID string) (will.Address, error) {
	return a.ledger.OwnerOf(ctx, contract, assetID)
}

// History returns the most recent operations.
func (a *WillApp) History(ctx context.Context, limit int) ([]*will.Operation, error) {
	return a.db.ListOperations(ctx, limit)
}

// Close finalizes the operation and closes all resources.
// For persisted operations: finishes the operation record, backs up the DB, and uploads to vault.
// For non-persisted operations: just closes the database.
func (a *WillApp) Close() error {
	ctx := context.Background()
	var firstErr error

	if a.op.Persisted() {
		if err := a.db.FinishOperation(ctx, a.op.ID, a.op.Status); err != nil {
			firstErr = fmt.Errorf("finishing operation: %w", err)
		}

		// VACUUM INTO refuses to overwrite, so reserve a name and remove it.
		var tmpPath string
		tmpFile, err := os.CreateTemp("", "will-db-backup-*.db")
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("creating temp file for db backup: %w", err)
			}
		} else {
			tmpPath = tmpFile.Name()
			tmpFile.Close()
			os.Remove(tmpPath)

			if err := a.db.BackupTo(tmpPath); err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("backing up database: %w", err)
				}
				tmpPath = ""
			}
		}

		if err := a.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing database: %w", err)
		}

		// Upload DB snapshot to vault with version = operation ID
		if tmpPath != "" {
			if err := a.uploadFile(ctx, tmpPath, "db", a.op.ID); err != nil && firstErr == nil {
				firstErr = err
			}
			os.Remove(tmpPath)
		}
	} else {
		if err := a.db.Close(); err != nil {
			firstErr = fmt.Errorf("closing database: %w", err)
		}
	}

	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

// uploadFile copies the file at path to the vault as host metadata.
func (a *WillApp) uploadFile(ctx context.Context, path, name string, version int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := a.vault.PutMetadata(ctx, a.cfg.HostID, name, f, info.Size(), version); err != nil {
		return fmt.Errorf("uploading %s to vault: %w", name, err)
	}
	return nil
}
