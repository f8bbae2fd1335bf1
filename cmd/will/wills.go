package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"will-go/internal/app"
	"will-go/internal/will"

	"github.com/spf13/cobra"
)

// documentPointer returns --pointer, or seals --file and returns its
// pointer.
func documentPointer(ctx context.Context, cmd *cobra.Command, a *app.WillApp) (string, error) {
	pointer, _ := cmd.Flags().GetString("pointer")
	file, _ := cmd.Flags().GetString("file")
	switch {
	case pointer != "" && file != "":
		return "", fmt.Errorf("use either --pointer or --file, not both")
	case pointer != "":
		return pointer, nil
	case file != "":
		f, err := os.Open(file)
		if err != nil {
			return "", fmt.Errorf("opening document: %w", err)
		}
		defer f.Close()
		sealed, err := a.SealDocument(ctx, f)
		if err != nil {
			return "", err
		}
		fmt.Printf("Sealed document: %s\n", sealed)
		return sealed, nil
	default:
		return "", fmt.Errorf("one of --pointer or --file is required")
	}
}

// readInstruction loads the instruction file at path, filling in or
// checking its hash. An empty path means no distributions.
func readInstruction(path string) (*will.Instruction, error) {
	in := &will.Instruction{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading instruction: %w", err)
		}
		if err := json.Unmarshal(data, in); err != nil {
			return nil, fmt.Errorf("parsing instruction %s: %w", path, err)
		}
	}
	if in.Hash == "" {
		hash, err := in.ComputeHash()
		if err != nil {
			return nil, err
		}
		in.Hash = hash
		return in, nil
	}
	ok, err := in.VerifyHash()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("instruction hash %s does not match its distributions", in.Hash)
	}
	return in, nil
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a will",
	RunE: func(cmd *cobra.Command, args []string) error {
		executorArg, _ := cmd.Flags().GetString("executor")
		delayArg, _ := cmd.Flags().GetString("delay")

		executor, err := will.ParseAddress(executorArg)
		if err != nil {
			return fmt.Errorf("--executor: %w", err)
		}
		delay, err := will.ParseDelay(delayArg)
		if err != nil {
			return fmt.Errorf("--delay: %w", err)
		}

		return withApp(cmd, "CreateWill", func(ctx context.Context, a *app.WillApp) error {
			pointer, err := documentPointer(ctx, cmd, a)
			if err != nil {
				return err
			}
			id, err := a.CreateWill(ctx, pointer, executor, delay)
			if err != nil {
				return fmt.Errorf("creating will: %w", err)
			}
			fmt.Printf("Created will #%d\n", id)
			return nil
		})
	},
}

// update command
var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Change a will you own",
}

var updateDocumentCmd = &cobra.Command{
	Use:   "document ID",
	Short: "Replace the document pointer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, "UpdateDocument", func(ctx context.Context, a *app.WillApp) error {
			pointer, err := documentPointer(ctx, cmd, a)
			if err != nil {
				return err
			}
			if err := a.UpdateDocument(ctx, id, pointer); err != nil {
				return err
			}
			fmt.Printf("Updated document of will #%d\n", id)
			return nil
		})
	},
}

var updateExecutorCmd = &cobra.Command{
	Use:   "executor ID ADDRESS",
	Short: "Designate a new executor",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		executor, err := will.ParseAddress(args[1])
		if err != nil {
			return err
		}
		return withApp(cmd, "UpdateExecutor", func(ctx context.Context, a *app.WillApp) error {
			if err := a.UpdateExecutor(ctx, id, executor); err != nil {
				return err
			}
			fmt.Printf("Executor of will #%d is now %s\n", id, executor)
			return nil
		})
	},
}

var updateDelayCmd = &cobra.Command{
	Use:   "delay ID DELAY",
	Short: "Change the emergency delay (e.g. 90d)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		delay, err := will.ParseDelay(args[1])
		if err != nil {
			return err
		}
		return withApp(cmd, "UpdateEmergencyDelay", func(ctx context.Context, a *app.WillApp) error {
			if err := a.UpdateEmergencyDelay(ctx, id, delay); err != nil {
				return err
			}
			fmt.Printf("Emergency delay of will #%d is now %s\n", id, formatDelay(delay))
			return nil
		})
	},
}

// viewer command
var viewerCmd = &cobra.Command{
	Use:   "viewer",
	Short: "Manage who may read a will",
}

// viewerArgs parses "ID ADDRESS".
func viewerArgs(args []string) (uint64, will.Address, error) {
	id, err := parseID(args[0])
	if err != nil {
		return 0, "", err
	}
	viewer, err := will.ParseAddress(args[1])
	if err != nil {
		return 0, "", err
	}
	return id, viewer, nil
}

var viewerAddCmd = &cobra.Command{
	Use:   "add ID ADDRESS",
	Short: "Authorize a viewer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, viewer, err := viewerArgs(args)
		if err != nil {
			return err
		}
		return withApp(cmd, "AuthorizeViewer", func(ctx context.Context, a *app.WillApp) error {
			if err := a.AuthorizeViewer(ctx, id, viewer); err != nil {
				return err
			}
			fmt.Printf("%s may now read will #%d\n", viewer, id)
			return nil
		})
	},
}

var viewerRemoveCmd = &cobra.Command{
	Use:   "remove ID ADDRESS",
	Short: "Revoke a viewer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, viewer, err := viewerArgs(args)
		if err != nil {
			return err
		}
		return withApp(cmd, "RevokeViewer", func(ctx context.Context, a *app.WillApp) error {
			if err := a.RevokeViewer(ctx, id, viewer); err != nil {
				return err
			}
			fmt.Printf("%s may no longer read will #%d\n", viewer, id)
			return nil
		})
	},
}

var viewerCheckCmd = &cobra.Command{
	Use:   "check ID ADDRESS",
	Short: "Report whether an address may read a will",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, viewer, err := viewerArgs(args)
		if err != nil {
			return err
		}
		return withApp(cmd, "IsAuthorizedViewer", func(ctx context.Context, a *app.WillApp) error {
			fmt.Println(a.IsAuthorizedViewer(ctx, id, viewer))
			return nil
		})
	},
}

var showCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show a will",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, "ReadWill", func(ctx context.Context, a *app.WillApp) error {
			rec, err := a.ReadWill(ctx, id)
			if err != nil {
				return err
			}
			fmt.Print(formatRecord(rec))
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List wills you own or execute",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "ListWills", func(ctx context.Context, a *app.WillApp) error {
			owned, executing, err := a.ListWills(ctx)
			if err != nil {
				return err
			}
			if len(owned) == 0 && len(executing) == 0 {
				fmt.Println("No wills.")
				return nil
			}
			for _, id := range owned {
				fmt.Printf("#%d  owner\n", id)
			}
			for _, id := range executing {
				fmt.Printf("#%d  executor\n", id)
			}
			return nil
		})
	},
}

// document command
var documentCmd = &cobra.Command{
	Use:   "document",
	Short: "Work with sealed will documents",
}

var documentGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Decrypt the document of a will",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		pass, err := readPassphrase("Passphrase: ")
		if err != nil {
			return err
		}

		var w io.Writer = os.Stdout
		if output != "" {
			f, err := os.OpenFile(output, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
			if err != nil {
				return fmt.Errorf("creating output: %w", err)
			}
			defer f.Close()
			w = f
		}
		return withApp(cmd, "OpenDocument", func(ctx context.Context, a *app.WillApp) error {
			return a.OpenDocument(ctx, id, pass, w)
		})
	},
}

// runExecution is shared by execute and emergency-execute.
func runExecution(cmd *cobra.Command, args []string, emergency bool) error {
	path, _ := cmd.Flags().GetString("instruction")
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	in, err := readInstruction(path)
	if err != nil {
		return err
	}

	operation := "ExecuteWill"
	if emergency {
		operation = "EmergencyExecuteWill"
	}
	return withApp(cmd, operation, func(ctx context.Context, a *app.WillApp) error {
		var receipt *will.Receipt
		if emergency {
			receipt, err = a.EmergencyExecuteWill(ctx, id, in)
		} else {
			receipt, err = a.ExecuteWill(ctx, id, in)
		}
		if err != nil {
			if will.IsRetryable(err) {
				return fmt.Errorf("%w (the will remains executable)", err)
			}
			return err
		}
		fmt.Print(formatReceipt(receipt))
		return nil
	})
}

var executeCmd = &cobra.Command{
	Use:   "execute ID",
	Short: "Execute a will as its executor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExecution(cmd, args, false)
	},
}

var emergencyExecuteCmd = &cobra.Command{
	Use:   "emergency-execute ID",
	Short: "Execute a will after its emergency delay",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExecution(cmd, args, true)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status ID",
	Short: "Show execution status and attempts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, "ExecutionStatus", func(ctx context.Context, a *app.WillApp) error {
			status, err := a.ExecutionStatus(ctx, id)
			if err != nil {
				return err
			}
			attempts, err := a.Attempts(ctx, id)
			if err != nil {
				return err
			}
			fmt.Print(formatStatus(status))
			for _, at := range attempts {
				fmt.Println(formatAttempt(at))
			}
			return nil
		})
	},
}

var canExecuteCmd = &cobra.Command{
	Use:   "can-execute ID",
	Short: "Report whether a will can be executed now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, "CanExecute", func(ctx context.Context, a *app.WillApp) error {
			normal, emergency, err := a.CanExecute(ctx, id)
			if err != nil {
				return err
			}
			fmt.Printf("execute:           %t\n", normal)
			fmt.Printf("emergency-execute: %t\n", emergency)
			return nil
		})
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List audit events",
	RunE: func(cmd *cobra.Command, args []string) error {
		willID, _ := cmd.Flags().GetInt64("will")
		kind, _ := cmd.Flags().GetString("kind")
		after, _ := cmd.Flags().GetInt64("after")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		f := will.EventFilter{Kind: will.EventKind(kind), AfterSeq: after, Limit: limit}
		if willID >= 0 {
			id := uint64(willID)
			f.WillID = &id
		}
		return withApp(cmd, "ListEvents", func(ctx context.Context, a *app.WillApp) error {
			events, err := a.Events(ctx, f)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(events)
			}
			for _, e := range events {
				fmt.Println(formatEvent(e))
			}
			return nil
		})
	},
}

func init() {
	createCmd.Flags().String("executor", "", "Executor address")
	createCmd.Flags().String("delay", "30d", "Emergency delay, in days (90d) or as a duration")
	createCmd.Flags().String("pointer", "", "Existing document pointer")
	createCmd.Flags().String("file", "", "Document to seal and store in the vault")

	updateDocumentCmd.Flags().String("pointer", "", "Existing document pointer")
	updateDocumentCmd.Flags().String("file", "", "Document to seal and store in the vault")
	updateCmd.AddCommand(updateDocumentCmd)
	updateCmd.AddCommand(updateExecutorCmd)
	updateCmd.AddCommand(updateDelayCmd)

	viewerCmd.AddCommand(viewerAddCmd)
	viewerCmd.AddCommand(viewerRemoveCmd)
	viewerCmd.AddCommand(viewerCheckCmd)

	documentGetCmd.Flags().StringP("output", "o", "", "Write the document to a new file instead of stdout")
	documentCmd.AddCommand(documentGetCmd)

	executeCmd.Flags().String("instruction", "", "JSON distribution instruction")
	emergencyExecuteCmd.Flags().String("instruction", "", "JSON distribution instruction")

	eventsCmd.Flags().Int64("will", -1, "Only events of this will")
	eventsCmd.Flags().String("kind", "", "Only events of this kind")
	eventsCmd.Flags().Int64("after", 0, "Only events after this sequence number")
	eventsCmd.Flags().IntP("limit", "n", 0, "Maximum number of events")
	eventsCmd.Flags().Bool("json", false, "Print events as JSON")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(viewerCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(documentCmd)
	rootCmd.AddCommand(executeCmd)
	rootCmd.AddCommand(emergencyExecuteCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(canExecuteCmd)
	rootCmd.AddCommand(eventsCmd)
}
