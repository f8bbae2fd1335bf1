package will

import (
	"context"
	"fmt"
)

// Ledger holds balances per (holder, asset) and non-fungible ownership.
// Native currency uses the NativeAsset key; fungible tokens are keyed by
// their contract address.
type Ledger struct {
	store  Store
	logger Logger
}

func NewLedger(store Store, logger Logger) *Ledger {
	return &Ledger{store: store, logger: logger}
}

// Mint credits amount of asset to holder. It stands in for deposits made
// through the external ledger.
func (l *Ledger) Mint(ctx context.Context, holder Address, asset Address, amount Amount) error {
	holder, asset = holder.Canonical(), asset.Canonical()
	if holder.IsZero() {
		return invalid("holder", "null identity")
	}
	if amount.IsZero() {
		return invalid("amount", "must be positive")
	}
	err := l.store.Update(ctx, func(tx Tx) error {
		bal, err := tx.GetBalance(ctx, holder, asset)
		if err != nil {
			return fmt.Errorf("reading balance: %w", err)
		}
		return tx.SetBalance(ctx, holder, asset, bal.Add(amount))
	})
	if err != nil {
		return fmt.Errorf("minting %s to %s: %w", amount, holder, err)
	}
	l.logger.Info("minted", "holder", holder.String(), "asset", assetName(asset), "amount", amount.String())
	return nil
}

// MintNFT assigns a new asset to owner. Minting an existing asset fails.
func (l *Ledger) MintNFT(ctx context.Context, contract Address, assetID string, owner Address) error {
	contract, owner = contract.Canonical(), owner.Canonical()
	if contract.IsZero() {
		return invalid("token_contract", "null identity")
	}
	if assetID == "" {
		return invalid("asset_id", "must not be empty")
	}
	if owner.IsZero() {
		return invalid("owner", "null identity")
	}
	err := l.store.Update(ctx, func(tx Tx) error {
		cur, err := tx.GetNFTOwner(ctx, contract, assetID)
		if err != nil {
			return fmt.Errorf("reading owner: %w", err)
		}
		if cur != "" {
			return fmt.Errorf("asset already minted to %s: %w", cur, ErrTransferFailed)
		}
		return tx.SetNFTOwner(ctx, contract, assetID, owner)
	})
	if err != nil {
		return fmt.Errorf("minting %s#%s: %w", contract, assetID, err)
	}
	l.logger.Info("minted nft", "contract", contract.String(), "asset_id", assetID, "owner", owner.String())
	return nil
}

// BalanceOf returns holder's balance of asset.
func (l *Ledger) BalanceOf(ctx context.Context, holder Address, asset Address) (Amount, error) {
	holder, asset = holder.Canonical(), asset.Canonical()
	var bal Amount
	err := l.store.View(ctx, func(tx Tx) error {
		var err error
		bal, err = tx.GetBalance(ctx, holder, asset)
		return err
	})
	if err != nil {
		return Amount{}, fmt.Errorf("reading balance of %s: %w", holder, err)
	}
	return bal, nil
}

// OwnerOf returns the current owner of an asset, or "" if unminted.
func (l *Ledger) OwnerOf(ctx context.Context, contract Address, assetID string) (Address, error) {
	contract = contract.Canonical()
	var owner Address
	err := l.store.View(ctx, func(tx Tx) error {
		var err error
		owner, err = tx.GetNFTOwner(ctx, contract, assetID)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("reading owner of %s#%s: %w", contract, assetID, err)
	}
	return owner, nil
}

// transfer moves amount of asset inside tx. It fails loudly on an invalid
// recipient or an underfunded sender.
func transfer(ctx context.Context, tx Tx, from, to, asset Address, amount Amount) error {
	if to.IsZero() {
		return fmt.Errorf("transfer to null identity: %w", ErrTransferFailed)
	}
	if from == to {
		return nil
	}
	fromBal, err := tx.GetBalance(ctx, from, asset)
	if err != nil {
		return fmt.Errorf("reading balance of %s: %w", from, err)
	}
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%s holds %s of %s, needs %s: %w", from, fromBal, assetName(asset), amount, ErrInsufficientBalance)
	}
	toBal, err := tx.GetBalance(ctx, to, asset)
	if err != nil {
		return fmt.Errorf("reading balance of %s: %w", to, err)
	}
	if err := tx.SetBalance(ctx, from, asset, fromBal.Sub(amount)); err != nil {
		return fmt.Errorf("debiting %s: %w", from, err)
	}
	if err := tx.SetBalance(ctx, to, asset, toBal.Add(amount)); err != nil {
		return fmt.Errorf("crediting %s: %w", to, err)
	}
	return nil
}

func transferNFT(ctx context.Context, tx Tx, from, to, contract Address, assetID string) error {
	if to.IsZero() {
		return fmt.Errorf("nft transfer to null identity: %w", ErrTransferFailed)
	}
	owner, err := tx.GetNFTOwner(ctx, contract, assetID)
	if err != nil {
		return fmt.Errorf("reading owner of %s#%s: %w", contract, assetID, err)
	}
	if owner != from {
		return fmt.Errorf("%s#%s not held by %s: %w", contract, assetID, from, ErrTransferFailed)
	}
	if err := tx.SetNFTOwner(ctx, contract, assetID, to); err != nil {
		return fmt.Errorf("assigning %s#%s: %w", contract, assetID, err)
	}
	return nil
}

func assetName(asset Address) string {
	if asset == NativeAsset {
		return "native"
	}
	return asset.String()
}
