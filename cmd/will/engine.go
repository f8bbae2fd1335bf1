package main

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"

	"will-go/internal/api"
	"will-go/internal/app"
	"will-go/internal/config"
	"will-go/internal/will"

	"github.com/spf13/cobra"
)

func parseBps(s string) (uint16, error) {
	bps, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%q is not a fee rate in basis points", s)
	}
	return uint16(bps), nil
}

func printSettings(a *app.WillApp, s *will.Settings) {
	fmt.Printf("Engine:        %s\n", a.Engine().Address())
	fmt.Printf("Owner:         %s\n", s.Owner)
	fmt.Printf("Fee:           %d bps\n", s.FeeBps)
	fmt.Printf("Fee recipient: %s\n", s.FeeRecipient)
}

// engine command
var engineCmd = &cobra.Command{
	Use:   "engine",
	Short: "Administer the execution engine",
}

var engineInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the engine with the caller as owner",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "InitEngine", func(ctx context.Context, a *app.WillApp) error {
			feeBps := a.Config().Engine.FeeBps
			if cmd.Flags().Changed("fee-bps") {
				feeBps, _ = cmd.Flags().GetUint16("fee-bps")
			}
			recipientArg := a.Config().Engine.FeeRecipient
			if cmd.Flags().Changed("fee-recipient") {
				recipientArg, _ = cmd.Flags().GetString("fee-recipient")
			}
			recipient, err := optionalAddress(recipientArg)
			if err != nil {
				return fmt.Errorf("fee recipient: %w", err)
			}

			settings, err := a.InitEngine(ctx, feeBps, recipient)
			if err != nil {
				return err
			}
			printSettings(a, settings)
			return nil
		})
	},
}

var engineSettingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show engine settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "EngineSettings", func(ctx context.Context, a *app.WillApp) error {
			settings, err := a.EngineSettings(ctx)
			if err != nil {
				return err
			}
			printSettings(a, settings)
			return nil
		})
	},
}

var engineSetFeeCmd = &cobra.Command{
	Use:   "set-fee BPS",
	Short: "Set the execution fee in basis points",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bps, err := parseBps(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, "SetFeeRate", func(ctx context.Context, a *app.WillApp) error {
			if err := a.SetFeeRate(ctx, bps); err != nil {
				return err
			}
			fmt.Printf("Fee set to %d bps\n", bps)
			return nil
		})
	},
}

var engineSetRecipientCmd = &cobra.Command{
	Use:   "set-recipient ADDRESS",
	Short: "Set the fee recipient",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		recipient, err := will.ParseAddress(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, "SetFeeRecipient", func(ctx context.Context, a *app.WillApp) error {
			if err := a.SetFeeRecipient(ctx, recipient); err != nil {
				return err
			}
			fmt.Printf("Fee recipient set to %s\n", recipient)
			return nil
		})
	},
}

var engineWithdrawCmd = &cobra.Command{
	Use:   "withdraw",
	Short: "Send the engine's native balance to the fee recipient",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "WithdrawBalance", func(ctx context.Context, a *app.WillApp) error {
			amount, err := a.WithdrawBalance(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Withdrew %s\n", amount)
			return nil
		})
	},
}

var engineRecoverCmd = &cobra.Command{
	Use:   "recover TOKEN AMOUNT",
	Short: "Send tokens held by the engine to the owner",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := will.ParseAddress(args[0])
		if err != nil {
			return err
		}
		amount, err := will.ParseAmount(args[1])
		if err != nil {
			return err
		}
		return withApp(cmd, "RecoverToken", func(ctx context.Context, a *app.WillApp) error {
			if err := a.RecoverToken(ctx, token, amount); err != nil {
				return err
			}
			fmt.Printf("Recovered %s of %s\n", amount, token)
			return nil
		})
	},
}

var engineTransferCmd = &cobra.Command{
	Use:   "transfer-ownership ADDRESS",
	Short: "Hand engine ownership to another address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := will.ParseAddress(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, "TransferOwnership", func(ctx context.Context, a *app.WillApp) error {
			if err := a.TransferOwnership(ctx, owner); err != nil {
				return err
			}
			fmt.Printf("Engine owner is now %s\n", owner)
			return nil
		})
	},
}

// ledger command
var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and fund the local asset ledger",
}

var ledgerMintCmd = &cobra.Command{
	Use:   "mint ASSET AMOUNT",
	Short: "Credit native currency or a token (default holder: the engine)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		to, _ := cmd.Flags().GetString("to")
		asset, err := parseAsset(args[0])
		if err != nil {
			return err
		}
		amount, err := will.ParseAmount(args[1])
		if err != nil {
			return err
		}
		holder, err := optionalAddress(to)
		if err != nil {
			return fmt.Errorf("--to: %w", err)
		}
		return withApp(cmd, "Mint", func(ctx context.Context, a *app.WillApp) error {
			if err := a.Mint(ctx, holder, asset, amount); err != nil {
				return err
			}
			fmt.Printf("Minted %s %s\n", amount, args[0])
			return nil
		})
	},
}

var ledgerMintNFTCmd = &cobra.Command{
	Use:   "mint-nft CONTRACT ASSET_ID",
	Short: "Create an NFT (default owner: the engine)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		to, _ := cmd.Flags().GetString("to")
		contract, err := will.ParseAddress(args[0])
		if err != nil {
			return err
		}
		owner, err := optionalAddress(to)
		if err != nil {
			return fmt.Errorf("--to: %w", err)
		}
		return withApp(cmd, "MintNFT", func(ctx context.Context, a *app.WillApp) error {
			if err := a.MintNFT(ctx, contract, args[1], owner); err != nil {
				return err
			}
			fmt.Printf("Minted %s #%s\n", contract, args[1])
			return nil
		})
	},
}

var ledgerBalanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show a balance (default holder: the engine)",
	RunE: func(cmd *cobra.Command, args []string) error {
		holderArg, _ := cmd.Flags().GetString("holder")
		assetArg, _ := cmd.Flags().GetString("asset")
		holder, err := optionalAddress(holderArg)
		if err != nil {
			return fmt.Errorf("--holder: %w", err)
		}
		asset, err := parseAsset(assetArg)
		if err != nil {
			return fmt.Errorf("--asset: %w", err)
		}
		return withApp(cmd, "Balance", func(ctx context.Context, a *app.WillApp) error {
			amount, err := a.Balance(ctx, holder, asset)
			if err != nil {
				return err
			}
			fmt.Println(amount)
			return nil
		})
	},
}

var ledgerOwnerCmd = &cobra.Command{
	Use:   "owner CONTRACT ASSET_ID",
	Short: "Show the owner of an NFT",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		contract, err := will.ParseAddress(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, "OwnerOf", func(ctx context.Context, a *app.WillApp) error {
			owner, err := a.OwnerOf(ctx, contract, args[1])
			if err != nil {
				return err
			}
			fmt.Println(owner)
			return nil
		})
	},
}

// newAuthenticator loads (or creates) the signing secret named in cfg.
func newAuthenticator(cfg *config.Config) (*api.Authenticator, error) {
	secret, err := api.LoadOrCreateSecret(cfg.Server.JWTSecretPath)
	if err != nil {
		return nil, err
	}
	ttl := cfg.Server.TokenTTL.Duration
	if ttl <= 0 {
		ttl = config.DefaultTokenTTL
	}
	return api.NewAuthenticator(secret, ttl), nil
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API bearer token for the configured identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("ttl") {
			cfg.Server.TokenTTL.Duration, _ = cmd.Flags().GetDuration("ttl")
		}
		caller, err := app.ResolveIdentity(cfg)
		if err != nil {
			return err
		}
		auth, err := newAuthenticator(cfg)
		if err != nil {
			return err
		}
		token, err := auth.IssueToken(caller)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the registry and engine over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return withApp(cmd, "Serve", func(_ context.Context, a *app.WillApp) error {
			addr := a.Config().Server.ListenAddr
			if err := a.MarkMutating(ctx, "listen="+addr); err != nil {
				return err
			}
			auth, err := newAuthenticator(a.Config())
			if err != nil {
				return err
			}
			srv := api.NewServer(addr, a.Registry(), a.Engine(), a.Ledger(), auth, a.Logger())
			return srv.Run(ctx)
		})
	},
}

func init() {
	engineInitCmd.Flags().Uint16("fee-bps", 0, "Execution fee in basis points (default from config)")
	engineInitCmd.Flags().String("fee-recipient", "", "Fee recipient (default from config, then the caller)")
	engineCmd.AddCommand(engineInitCmd)
	engineCmd.AddCommand(engineSettingsCmd)
	engineCmd.AddCommand(engineSetFeeCmd)
	engineCmd.AddCommand(engineSetRecipientCmd)
	engineCmd.AddCommand(engineWithdrawCmd)
	engineCmd.AddCommand(engineRecoverCmd)
	engineCmd.AddCommand(engineTransferCmd)

	ledgerMintCmd.Flags().String("to", "", "Holder to credit")
	ledgerMintNFTCmd.Flags().String("to", "", "Owner of the new NFT")
	ledgerBalanceCmd.Flags().String("holder", "", "Holder address")
	ledgerBalanceCmd.Flags().String("asset", "native", `"native" or a token contract address`)
	ledgerCmd.AddCommand(ledgerMintCmd)
	ledgerCmd.AddCommand(ledgerMintNFTCmd)
	ledgerCmd.AddCommand(ledgerBalanceCmd)
	ledgerCmd.AddCommand(ledgerOwnerCmd)

	tokenCmd.Flags().Duration("ttl", 0, "Token lifetime (default from config)")

	rootCmd.AddCommand(engineCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(serveCmd)
}
