package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"tokenrelay/internal/application"
	"tokenrelay/internal/domain"

	"github.com/spf13/cobra"
)

const (
	rootUse            = "relayctl"
	rootShort          = "Inspect the token relayer journal"
	pendingUse         = "pending"
	pendingShort       = "List runs that stopped before a terminal phase"
	historyUse         = "history"
	historyShort       = "List finished runs, newest first"
	showUse            = "show <run-id>"
	showShort          = "Print every journal entry of one run"
	ackUse             = "ack <run-id>"
	ackShort           = "Close an interrupted run after reconciling it by hand"
	limitFlagName      = "limit"
	limitFlagUsage     = "Maximum number of runs to list"
	noteFlagName       = "note"
	noteFlagUsage      = "What was done to reconcile the run"
	ackInstance        = "relayctl"
	missingRunIDError  = "run id is required"
	noPendingMessage   = "no interrupted migrations"
	runNotFoundMessage = "run %s not found"
)

// JournalOpener opens the journal for a single command invocation.
type JournalOpener func() (application.JournalStore, func() error, error)

// CommandBuilder assembles the relayctl command tree.
type CommandBuilder struct {
	Open JournalOpener
	Now  func() time.Time
}

func (builder *CommandBuilder) Build() *cobra.Command {
	root := &cobra.Command{
		Use:           rootUse,
		Short:         rootShort,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pending := &cobra.Command{
		Use:   pendingUse,
		Short: pendingShort,
		Args:  cobra.NoArgs,
		RunE:  builder.runPending,
	}

	history := &cobra.Command{
		Use:   historyUse,
		Short: historyShort,
		Args:  cobra.NoArgs,
		RunE:  builder.runHistory,
	}
	history.Flags().Int(limitFlagName, 20, limitFlagUsage)

	show := &cobra.Command{
		Use:   showUse,
		Short: showShort,
		Args:  cobra.MaximumNArgs(1),
		RunE:  builder.runShow,
	}

	ack := &cobra.Command{
		Use:   ackUse,
		Short: ackShort,
		Args:  cobra.MaximumNArgs(1),
		RunE:  builder.runAck,
	}
	ack.Flags().String(noteFlagName, "", noteFlagUsage)

	root.AddCommand(pending, history, show, ack)
	return root
}

func (builder *CommandBuilder) runPending(command *cobra.Command, _ []string) error {
	return builder.withJournal(command, func(ctx context.Context, journal application.JournalStore) error {
		entries, err := journal.Incomplete(ctx)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintln(command.OutOrStdout(), noPendingMessage)
			return nil
		}
		return printEntries(command.OutOrStdout(), entries)
	})
}

func (builder *CommandBuilder) runHistory(command *cobra.Command, _ []string) error {
	limit, err := command.Flags().GetInt(limitFlagName)
	if err != nil {
		return err
	}
	return builder.withJournal(command, func(ctx context.Context, journal application.JournalStore) error {
		entries, err := journal.History(ctx, limit)
		if err != nil {
			return err
		}
		return printEntries(command.OutOrStdout(), entries)
	})
}

func (builder *CommandBuilder) runShow(command *cobra.Command, arguments []string) error {
	if len(arguments) == 0 || strings.TrimSpace(arguments[0]) == "" {
		_ = command.Help()
		return errors.New(missingRunIDError)
	}
	runID := strings.TrimSpace(arguments[0])
	return builder.withJournal(command, func(ctx context.Context, journal application.JournalStore) error {
		entries, err := journal.Run(ctx, runID)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return fmt.Errorf(runNotFoundMessage, runID)
		}
		return printEntries(command.OutOrStdout(), entries)
	})
}

func (builder *CommandBuilder) runAck(command *cobra.Command, arguments []string) error {
	if len(arguments) == 0 || strings.TrimSpace(arguments[0]) == "" {
		_ = command.Help()
		return errors.New(missingRunIDError)
	}
	runID := strings.TrimSpace(arguments[0])
	note, err := command.Flags().GetString(noteFlagName)
	if err != nil {
		return err
	}
	now := time.Now
	if builder.Now != nil {
		now = builder.Now
	}
	return builder.withJournal(command, func(ctx context.Context, journal application.JournalStore) error {
		entry, err := application.Acknowledge(ctx, journal, runID, ackInstance, strings.TrimSpace(note), now())
		if errors.Is(err, application.ErrRunNotFound) {
			return fmt.Errorf(runNotFoundMessage, runID)
		}
		if err != nil {
			return err
		}
		return printEntries(command.OutOrStdout(), []domain.JournalEntry{entry})
	})
}

func (builder *CommandBuilder) withJournal(command *cobra.Command, fn func(context.Context, application.JournalStore) error) error {
	journal, closeJournal, err := builder.Open()
	if err != nil {
		return err
	}
	defer func() { _ = closeJournal() }()

	ctx := command.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, journal)
}

func printEntries(out io.Writer, entries []domain.JournalEntry) error {
	writer := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(writer, "RECORDED\tRUN\tINSTANCE\tPHASE\tSTEP\tSTATUS\tAMOUNT\tDESTINATION\tTX\tERROR")
	for _, entry := range entries {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			entry.RecordedAt.UTC().Format(time.RFC3339),
			entry.RunID,
			orDash(entry.Instance),
			entry.Phase,
			orDash(string(entry.Step)),
			entry.Status,
			entry.Amount,
			entry.DestinationAccount,
			orDash(string(entry.TxRef)),
			orDash(describeError(entry)),
		)
	}
	return writer.Flush()
}

func describeError(entry domain.JournalEntry) string {
	if entry.Error == "" {
		return ""
	}
	if entry.ErrorKind == "" {
		return entry.Error
	}
	return string(entry.ErrorKind) + ": " + entry.Error
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}
