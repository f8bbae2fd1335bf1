package will

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const distributionSavepoint = "distribution"

// AttemptRejected is reported to observers when validation refused an
// attempt before any state changed.
const AttemptRejected = "rejected"

// Observer receives the outcome of every execution attempt.
type Observer interface {
	AttemptFinished(emergency bool, outcome string, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) AttemptFinished(bool, string, time.Duration) {}

// Receipt summarizes a successful execution.
type Receipt struct {
	AttemptID       string             `json:"attempt_id"`
	WillID          uint64             `json:"will_id"`
	Caller          Address            `json:"caller"`
	Emergency       bool               `json:"emergency"`
	InstructionHash string             `json:"instruction_hash,omitempty"`
	NativeCount     int                `json:"native_count"`
	TokenCount      int                `json:"token_count"`
	NFTCount        int                `json:"nft_count"`
	NativeFee       Amount             `json:"native_fee"`
	TokenFees       map[Address]Amount `json:"token_fees,omitempty"`
	ExecutedAt      time.Time          `json:"executed_at"`
}

// Engine drives execution attempts. It holds native currency, tokens and
// NFTs in the ledger under its own address and moves them to beneficiaries
// when a will is executed.
type Engine struct {
	store    Store
	registry *Registry
	address  Address
	clock    Clock
	ids      IDGenerator
	logger   Logger
	observer Observer

	mu       sync.Mutex
	inflight map[uint64]struct{}
}

// NewEngine creates an Engine holding assets under address.
func NewEngine(store Store, registry *Registry, address Address, clock Clock, ids IDGenerator, logger Logger) *Engine {
	return &Engine{
		store:    store,
		registry: registry,
		address:  address.Canonical(),
		clock:    clock,
		ids:      ids,
		logger:   logger,
		observer: nopObserver{},
		inflight: make(map[uint64]struct{}),
	}
}

// SetObserver installs o. Call before the engine is shared.
func (e *Engine) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	e.observer = o
}

// Address is the ledger identity holding the engine's assets.
func (e *Engine) Address() Address {
	return e.address
}

// Initialize creates the engine settings. It fails if they already exist.
func (e *Engine) Initialize(ctx context.Context, owner Address, feeBps uint16, feeRecipient Address) error {
	owner, feeRecipient = owner.Canonical(), feeRecipient.Canonical()
	if owner.IsZero() {
		return invalid("owner", "null identity")
	}
	if feeBps > MaxFeeBps {
		return invalid("fee_bps", fmt.Sprintf("%d exceeds %d", feeBps, MaxFeeBps))
	}
	if feeRecipient.IsZero() {
		return invalid("fee_recipient", "null identity")
	}
	err := e.store.Update(ctx, func(tx Tx) error {
		cur, err := tx.GetSettings(ctx)
		if err != nil {
			return fmt.Errorf("reading settings: %w", err)
		}
		if cur != nil {
			return invalid("engine", "already initialized")
		}
		return tx.PutSettings(ctx, &Settings{Owner: owner, FeeBps: feeBps, FeeRecipient: feeRecipient})
	})
	if err != nil {
		return err
	}
	e.logger.Info("engine initialized", "owner", owner.String(), "fee_bps", feeBps, "fee_recipient", feeRecipient.String())
	return nil
}

// ExecuteWill runs the normal execution path on behalf of the designated
// executor.
func (e *Engine) ExecuteWill(ctx context.Context, caller Address, id uint64, in *Instruction) (*Receipt, error) {
	return e.run(ctx, caller, id, in, false)
}

// EmergencyExecuteWill runs the fallback path. Any caller is accepted once
// the emergency delay has elapsed.
func (e *Engine) EmergencyExecuteWill(ctx context.Context, caller Address, id uint64, in *Instruction) (*Receipt, error) {
	return e.run(ctx, caller, id, in, true)
}

func (e *Engine) acquire(id uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[id]; busy {
		return false
	}
	e.inflight[id] = struct{}{}
	return true
}

func (e *Engine) release(id uint64) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}

func (e *Engine) busy(id uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[id]
	return ok
}

// run performs one attempt in a single transaction. Validation errors abort
// the transaction. Distribution errors roll back to the savepoint and the
// failure bookkeeping is committed before the error is returned.
func (e *Engine) run(ctx context.Context, caller Address, id uint64, in *Instruction, emergency bool) (*Receipt, error) {
	start := time.Now()
	caller = caller.Canonical()
	if in == nil {
		in = &Instruction{}
	}
	in = in.canonical()
	if !e.acquire(id) {
		e.observer.AttemptFinished(emergency, AttemptRejected, time.Since(start))
		return nil, fmt.Errorf("will %d: %w", id, ErrExecutionInProgress)
	}
	defer e.release(id)

	var (
		receipt *Receipt
		failure error
	)
	err := e.store.Update(ctx, func(tx Tx) error {
		settings, err := loadSettings(ctx, tx)
		if err != nil {
			return err
		}
		status, err := e.validate(ctx, tx, caller, id, emergency)
		if err != nil {
			return err
		}

		now := e.clock.Now().UTC()
		status.Initiated = true
		status.Executor = caller
		if err := tx.PutExecutionStatus(ctx, status); err != nil {
			return fmt.Errorf("marking will %d initiated: %w", id, err)
		}
		attempt := &Attempt{
			ID:              e.ids.New(),
			WillID:          id,
			Caller:          caller,
			Emergency:       emergency,
			InstructionHash: in.Hash,
			StartedAt:       now,
			Outcome:         AttemptPending,
		}
		if err := tx.InsertAttempt(ctx, attempt); err != nil {
			return fmt.Errorf("recording attempt: %w", err)
		}
		if err := emit(ctx, tx, now, EventExecutionStarted, idRef(id),
			"executor", caller.String(),
			"emergency", fmt.Sprint(emergency),
			"instruction_hash", in.Hash,
		); err != nil {
			return err
		}

		if err := tx.Savepoint(ctx, distributionSavepoint); err != nil {
			return fmt.Errorf("opening savepoint: %w", err)
		}
		receipt, failure = e.distribute(ctx, tx, settings, id, in)
		if failure == nil {
			if emergency {
				failure = e.registry.emergencyExecute(ctx, tx, id, caller)
			} else {
				failure = e.registry.execute(ctx, tx, id, caller)
			}
		}

		finished := e.clock.Now().UTC()
		if failure != nil {
			if err := tx.RollbackTo(ctx, distributionSavepoint); err != nil {
				return fmt.Errorf("rolling back distribution: %w", err)
			}
			if err := tx.Release(ctx, distributionSavepoint); err != nil {
				return fmt.Errorf("releasing savepoint: %w", err)
			}
			status.Initiated = false
			status.FailureReason = failure.Error()
			if err := tx.PutExecutionStatus(ctx, status); err != nil {
				return fmt.Errorf("recording failure of will %d: %w", id, err)
			}
			attempt.Outcome = AttemptFailed
			attempt.FailureReason = failure.Error()
			attempt.FinishedAt.Time, attempt.FinishedAt.Valid = finished, true
			if err := tx.UpdateAttempt(ctx, attempt); err != nil {
				return fmt.Errorf("recording attempt: %w", err)
			}
			return emit(ctx, tx, finished, EventExecutionFailed, idRef(id),
				"executor", caller.String(),
				"reason", failure.Error(),
			)
		}

		if err := tx.Release(ctx, distributionSavepoint); err != nil {
			return fmt.Errorf("releasing savepoint: %w", err)
		}
		status.Executed = true
		status.ExecutionTimestamp = &finished
		status.FailureReason = ""
		if err := tx.PutExecutionStatus(ctx, status); err != nil {
			return fmt.Errorf("marking will %d executed: %w", id, err)
		}
		attempt.Outcome = AttemptSucceeded
		attempt.FinishedAt.Time, attempt.FinishedAt.Valid = finished, true
		if err := tx.UpdateAttempt(ctx, attempt); err != nil {
			return fmt.Errorf("recording attempt: %w", err)
		}

		receipt.AttemptID = attempt.ID
		receipt.Caller = caller
		receipt.Emergency = emergency
		receipt.InstructionHash = in.Hash
		receipt.ExecutedAt = finished
		return emit(ctx, tx, finished, EventExecutionCompleted, idRef(id),
			"executor", caller.String(),
			"attempt_id", attempt.ID,
		)
	})
	if err != nil {
		e.observer.AttemptFinished(emergency, AttemptRejected, time.Since(start))
		e.logger.Debug("execution rejected", "will_id", id, "caller", caller.String(), "error", err)
		return nil, err
	}
	if failure != nil {
		e.observer.AttemptFinished(emergency, AttemptFailed, time.Since(start))
		e.logger.Warn("execution failed", "will_id", id, "caller", caller.String(), "error", failure)
		return nil, fmt.Errorf("executing will %d: %w", id, failure)
	}

	e.observer.AttemptFinished(emergency, AttemptSucceeded, time.Since(start))
	e.logger.Info("will executed", "will_id", id, "caller", caller.String(), "emergency", emergency)
	return receipt, nil
}

// validate checks the attempt may start and returns the current status.
func (e *Engine) validate(ctx context.Context, tx Tx, caller Address, id uint64, emergency bool) (*ExecutionStatus, error) {
	rec, err := loadRecord(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	status, err := tx.GetExecutionStatus(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading execution status of will %d: %w", id, err)
	}
	if status == nil {
		status = &ExecutionStatus{WillID: id}
	}

	if emergency {
		if rec.Executed || status.Executed {
			return nil, fmt.Errorf("will %d: %w", id, ErrAlreadyExecuted)
		}
		if !emergencyReady(rec, e.clock.Now()) {
			return nil, fmt.Errorf("will %d: %w (eligible at %s)", id, ErrEmergencyNotReady, rec.EmergencyAt().Format(time.RFC3339))
		}
	} else {
		if !caller.Equal(rec.Executor) {
			return nil, fmt.Errorf("will %d: %w", id, ErrNotAuthorized)
		}
		if rec.Executed || status.Executed {
			return nil, fmt.Errorf("will %d: %w", id, ErrAlreadyExecuted)
		}
	}
	if status.Initiated {
		return nil, fmt.Errorf("will %d: %w", id, ErrExecutionInProgress)
	}
	return status, nil
}

// distribute runs the native, fungible and non-fungible passes in order.
// A non-nil error means the attempt failed; the caller undoes the writes.
func (e *Engine) distribute(ctx context.Context, tx Tx, s *Settings, id uint64, in *Instruction) (*Receipt, error) {
	r := &Receipt{WillID: id, TokenFees: make(map[Address]Amount)}

	fee, err := e.distributeNative(ctx, tx, s, id, in.Native)
	if err != nil {
		return nil, fmt.Errorf("native pass: %w", err)
	}
	r.NativeFee = fee
	r.NativeCount = len(in.Native)

	for i, d := range in.Tokens {
		fee, err := e.distributeToken(ctx, tx, s, id, d)
		if err != nil {
			return nil, fmt.Errorf("token pass entry %d: %w", i, err)
		}
		r.TokenFees[d.TokenContract] = r.TokenFees[d.TokenContract].Add(fee)
	}
	r.TokenCount = len(in.Tokens)

	for i, d := range in.NFTs {
		if err := e.distributeNFT(ctx, tx, id, d); err != nil {
			return nil, fmt.Errorf("nft pass entry %d: %w", i, err)
		}
	}
	r.NFTCount = len(in.NFTs)
	return r, nil
}

func (e *Engine) distributeNative(ctx context.Context, tx Tx, s *Settings, id uint64, entries []NativeDistribution) (Amount, error) {
	if len(entries) == 0 {
		return Amount{}, nil
	}
	for i, d := range entries {
		if d.Beneficiary.IsZero() {
			return Amount{}, invalid(fmt.Sprintf("native[%d].beneficiary", i), "null identity")
		}
		if d.Amount.IsZero() {
			return Amount{}, invalid(fmt.Sprintf("native[%d].amount", i), "must be positive")
		}
	}

	total, fee := NativeRequirement(entries, s.FeeBps)
	need := total.Add(fee)
	bal, err := tx.GetBalance(ctx, e.address, NativeAsset)
	if err != nil {
		return Amount{}, fmt.Errorf("reading engine balance: %w", err)
	}
	if bal.Cmp(need) < 0 {
		return Amount{}, fmt.Errorf("engine holds %s, needs %s: %w", bal, need, ErrInsufficientBalance)
	}

	now := e.clock.Now().UTC()
	for _, d := range entries {
		if err := transfer(ctx, tx, e.address, d.Beneficiary, NativeAsset, d.Amount); err != nil {
			return Amount{}, err
		}
		if err := emit(ctx, tx, now, EventETHDistributed, idRef(id),
			"beneficiary", d.Beneficiary.String(),
			"amount", d.Amount.String(),
		); err != nil {
			return Amount{}, err
		}
	}
	if !fee.IsZero() {
		if err := transfer(ctx, tx, e.address, s.FeeRecipient, NativeAsset, fee); err != nil {
			return Amount{}, fmt.Errorf("paying fee: %w", err)
		}
	}
	return fee, nil
}

func (e *Engine) distributeToken(ctx context.Context, tx Tx, s *Settings, id uint64, d TokenDistribution) (Amount, error) {
	if d.Beneficiary.IsZero() {
		return Amount{}, invalid("beneficiary", "null identity")
	}
	if d.TokenContract.IsZero() {
		return Amount{}, invalid("token_contract", "null identity")
	}
	if d.Amount.IsZero() {
		return Amount{}, invalid("amount", "must be positive")
	}
	bal, err := tx.GetBalance(ctx, e.address, d.TokenContract)
	if err != nil {
		return Amount{}, fmt.Errorf("reading engine balance of %s: %w", d.TokenContract, err)
	}
	if bal.Cmp(d.Amount) < 0 {
		return Amount{}, fmt.Errorf("engine holds %s of %s, needs %s: %w", bal, d.TokenContract, d.Amount, ErrInsufficientBalance)
	}

	net, fee := TokenSplit(d.Amount, s.FeeBps)
	if err := transfer(ctx, tx, e.address, d.Beneficiary, d.TokenContract, net); err != nil {
		return Amount{}, err
	}
	if !fee.IsZero() {
		if err := transfer(ctx, tx, e.address, s.FeeRecipient, d.TokenContract, fee); err != nil {
			return Amount{}, fmt.Errorf("paying fee: %w", err)
		}
	}
	return fee, emit(ctx, tx, e.clock.Now().UTC(), EventTokenDistributed, idRef(id),
		"beneficiary", d.Beneficiary.String(),
		"token_contract", d.TokenContract.String(),
		"amount", net.String(),
		"fee", fee.String(),
	)
}

func (e *Engine) distributeNFT(ctx context.Context, tx Tx, id uint64, d NFTDistribution) error {
	if d.Beneficiary.IsZero() {
		return invalid("beneficiary", "null identity")
	}
	owner, err := tx.GetNFTOwner(ctx, d.TokenContract, d.AssetID)
	if err != nil {
		return fmt.Errorf("reading owner of %s#%s: %w", d.TokenContract, d.AssetID, err)
	}
	if owner != e.address {
		return fmt.Errorf("engine does not hold %s#%s: %w", d.TokenContract, d.AssetID, ErrTransferFailed)
	}
	if err := transferNFT(ctx, tx, e.address, d.Beneficiary, d.TokenContract, d.AssetID); err != nil {
		return err
	}
	return emit(ctx, tx, e.clock.Now().UTC(), EventNFTDistributed, idRef(id),
		"beneficiary", d.Beneficiary.String(),
		"token_contract", d.TokenContract.String(),
		"asset_id", d.AssetID,
	)
}

// SetFeeRate changes the fee in basis points.
func (e *Engine) SetFeeRate(ctx context.Context, caller Address, bps uint16) error {
	if bps > MaxFeeBps {
		return invalid("fee_bps", fmt.Sprintf("%d exceeds %d", bps, MaxFeeBps))
	}
	return e.admin(ctx, caller, func(tx Tx, s *Settings) error {
		old := s.FeeBps
		s.FeeBps = bps
		if err := tx.PutSettings(ctx, s); err != nil {
			return err
		}
		return emit(ctx, tx, e.clock.Now().UTC(), EventFeeRateUpdated, nil,
			"old_fee_bps", fmt.Sprint(old),
			"new_fee_bps", fmt.Sprint(bps),
		)
	})
}

// SetFeeRecipient changes where fees are paid.
func (e *Engine) SetFeeRecipient(ctx context.Context, caller Address, recipient Address) error {
	recipient = recipient.Canonical()
	if recipient.IsZero() {
		return invalid("fee_recipient", "null identity")
	}
	return e.admin(ctx, caller, func(tx Tx, s *Settings) error {
		old := s.FeeRecipient
		s.FeeRecipient = recipient
		if err := tx.PutSettings(ctx, s); err != nil {
			return err
		}
		return emit(ctx, tx, e.clock.Now().UTC(), EventFeeRecipientUpdated, nil,
			"old_recipient", old.String(),
			"new_recipient", recipient.String(),
		)
	})
}

// WithdrawBalance sends the engine's entire native balance to the owner.
func (e *Engine) WithdrawBalance(ctx context.Context, caller Address) (Amount, error) {
	var withdrawn Amount
	err := e.admin(ctx, caller, func(tx Tx, s *Settings) error {
		bal, err := tx.GetBalance(ctx, e.address, NativeAsset)
		if err != nil {
			return err
		}
		if bal.IsZero() {
			return fmt.Errorf("nothing to withdraw: %w", ErrInsufficientBalance)
		}
		if err := transfer(ctx, tx, e.address, s.Owner, NativeAsset, bal); err != nil {
			return err
		}
		withdrawn = bal
		return emit(ctx, tx, e.clock.Now().UTC(), EventBalanceWithdrawn, nil,
			"to", s.Owner.String(),
			"amount", bal.String(),
		)
	})
	return withdrawn, err
}

// RecoverToken sweeps amount of a fungible token from the engine to the
// owner.
func (e *Engine) RecoverToken(ctx context.Context, caller Address, token Address, amount Amount) error {
	token = token.Canonical()
	if token.IsZero() {
		return invalid("token_contract", "null identity")
	}
	if amount.IsZero() {
		return invalid("amount", "must be positive")
	}
	return e.admin(ctx, caller, func(tx Tx, s *Settings) error {
		if err := transfer(ctx, tx, e.address, s.Owner, token, amount); err != nil {
			return err
		}
		return emit(ctx, tx, e.clock.Now().UTC(), EventTokenRecovered, nil,
			"token_contract", token.String(),
			"to", s.Owner.String(),
			"amount", amount.String(),
		)
	})
}

// TransferOwnership hands the administrative role to newOwner.
func (e *Engine) TransferOwnership(ctx context.Context, caller Address, newOwner Address) error {
	newOwner = newOwner.Canonical()
	if newOwner.IsZero() {
		return invalid("owner", "null identity")
	}
	return e.admin(ctx, caller, func(tx Tx, s *Settings) error {
		old := s.Owner
		s.Owner = newOwner
		if err := tx.PutSettings(ctx, s); err != nil {
			return err
		}
		return emit(ctx, tx, e.clock.Now().UTC(), EventOwnershipTransferred, nil,
			"old_owner", old.String(),
			"new_owner", newOwner.String(),
		)
	})
}

func (e *Engine) admin(ctx context.Context, caller Address, fn func(tx Tx, s *Settings) error) error {
	err := e.store.Update(ctx, func(tx Tx) error {
		s, err := loadSettings(ctx, tx)
		if err != nil {
			return err
		}
		if !caller.Equal(s.Owner) {
			return fmt.Errorf("engine administration: %w", ErrNotOwner)
		}
		return fn(tx, s)
	})
	if err != nil {
		return err
	}
	e.logger.Info("engine settings changed", "caller", caller.String())
	return nil
}

// ExecutionStatus returns the engine's bookkeeping for id. A will that was
// never attempted has a zero status.
func (e *Engine) ExecutionStatus(ctx context.Context, id uint64) (*ExecutionStatus, error) {
	var status *ExecutionStatus
	err := e.store.View(ctx, func(tx Tx) error {
		if _, err := loadRecord(ctx, tx, id); err != nil {
			return err
		}
		var err error
		status, err = tx.GetExecutionStatus(ctx, id)
		if err != nil {
			return fmt.Errorf("loading execution status of will %d: %w", id, err)
		}
		if status == nil {
			status = &ExecutionStatus{WillID: id}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// CanExecuteWill is true iff the will exists, is not executed and no
// attempt is running or has succeeded.
func (e *Engine) CanExecuteWill(ctx context.Context, id uint64) (bool, error) {
	if e.busy(id) {
		return false, nil
	}
	ok := false
	err := e.store.View(ctx, func(tx Tx) error {
		rec, err := tx.GetWill(ctx, id)
		if err != nil {
			return fmt.Errorf("loading will %d: %w", id, err)
		}
		if rec == nil || rec.Executed {
			return nil
		}
		status, err := tx.GetExecutionStatus(ctx, id)
		if err != nil {
			return fmt.Errorf("loading execution status of will %d: %w", id, err)
		}
		ok = status == nil || (!status.Initiated && !status.Executed)
		return nil
	})
	return ok, err
}

// Settings returns the administrative settings.
func (e *Engine) Settings(ctx context.Context) (*Settings, error) {
	var s *Settings
	err := e.store.View(ctx, func(tx Tx) error {
		var err error
		s, err = loadSettings(ctx, tx)
		return err
	})
	return s, err
}

// Attempts lists the execution history of id, oldest first.
func (e *Engine) Attempts(ctx context.Context, id uint64) ([]*Attempt, error) {
	var out []*Attempt
	err := e.store.View(ctx, func(tx Tx) error {
		if _, err := loadRecord(ctx, tx, id); err != nil {
			return err
		}
		var err error
		out, err = tx.ListAttempts(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func loadSettings(ctx context.Context, tx Tx) (*Settings, error) {
	s, err := tx.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading settings: %w", err)
	}
	if s == nil {
		return nil, ErrNotInitialized
	}
	return s, nil
}
