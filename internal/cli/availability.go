package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"rentsync/internal/conflict"
	apperrors "rentsync/pkg/errors"
	"rentsync/pkg/model"
	"rentsync/pkg/rentsync"

	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch <resource>",
	Short: "Stream availability changes of a resource",
	Long: `Watch subscribes to a resource and prints its state every time it
changes, until interrupted or until --for elapses.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

var checkCmd = &cobra.Command{
	Use:   "check <resource> <start> <end>",
	Short: "Check whether a date range can be rented",
	Args:  cobra.ExactArgs(3),
	RunE:  runCheck,
}

var selectCmd = &cobra.Command{
	Use:   "select <resource> <date> <date>",
	Short: "Run the two-tap range selector",
	Long: `Select feeds both dates to the range selector, as two taps on a
calendar would, and prints the resulting selection or the reason it was
refused.`,
	Args: cobra.ExactArgs(3),
	RunE: runSelect,
}

var watchFor time.Duration

func init() {
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(selectCmd)
	watchCmd.Flags().DurationVar(&watchFor, "for", 0, "stop after this long (0 = until interrupted)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	if watchFor > 0 {
		var stopTimer context.CancelFunc
		ctx, stopTimer = context.WithTimeout(ctx, watchFor)
		defer stopTimer()
	}

	c, stop, err := startClient(ctx, true)
	if err != nil {
		return err
	}
	defer stop()

	out := cmd.OutOrStdout()
	resourceID := args[0]

	changes := make(chan model.AvailabilityState, 16)
	sub := c.OnAvailabilityChanged(resourceID, func(s model.AvailabilityState) {
		select {
		case changes <- s:
		default:
		}
	})
	defer sub.Unsubscribe()

	states := c.OnConnectionStateChange(func(change rentsync.StateChange) {
		fmt.Fprintf(out, "channel %s -> %s\n", change.From, change.To)
	})
	defer states.Unsubscribe()

	state, err := c.Subscribe(ctx, resourceID)
	if err != nil {
		return err
	}
	defer c.Unsubscribe(resourceID)
	printState(out, state)

	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-changes:
			printState(out, s)
		}
	}
}

func runCheck(cmd *cobra.Command, args []string) error {
	r, err := parseRange(args[1], args[2])
	if err != nil {
		return err
	}

	c, stop, err := startClient(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer stop()

	result, err := c.CheckRange(cmd.Context(), args[0], r)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if result.Available {
		fmt.Fprintf(out, "%s %s: available (%d days)\n", args[0], r, r.Days())
		return nil
	}
	fmt.Fprintf(out, "%s %s: unavailable: %s\n", args[0], r, formatConflicts(result.Conflicts))
	return conflict.AsError(args[0], result)
}

func runSelect(cmd *cobra.Command, args []string) error {
	first, err := model.ParseDate(args[1])
	if err != nil {
		return fmt.Errorf("invalid date %q: %w", args[1], err)
	}
	second, err := model.ParseDate(args[2])
	if err != nil {
		return fmt.Errorf("invalid date %q: %w", args[2], err)
	}

	c, stop, err := startClient(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer stop()

	out := cmd.OutOrStdout()
	sel := c.NewRangeSelector(args[0])

	for _, d := range []model.Date{first, second} {
		outcome, err := sel.Pick(cmd.Context(), d)
		if err != nil {
			if apperrors.IsConflict(err) {
				fmt.Fprintf(out, "conflict: %s\n", formatConflicts(sel.Conflicts()))
				fmt.Fprintf(out, "marked: %s\n", formatDates(c.MarkedDates(sel)))
			}
			return err
		}
		switch {
		case outcome.Complete():
			fmt.Fprintf(out, "selected %s (%d days)\n", outcome.Range, outcome.Days)
		case outcome.Restarted:
			fmt.Fprintf(out, "restarted at %s\n", outcome.Start)
		default:
			fmt.Fprintf(out, "start %s\n", outcome.Start)
		}
	}
	return nil
}

func printState(out io.Writer, s model.AvailabilityState) {
	next := "-"
	if s.NextAvailableDate != nil {
		next = s.NextAvailableDate.String()
	}
	stale := ""
	if s.Stale {
		stale = " (stale)"
	}
	fmt.Fprintf(out, "%s v%d %s available=%t next=%s unavailable=%s%s\n",
		s.ResourceID, s.Version, s.Status, s.IsAvailable, next, formatDates(s.UnavailableDates), stale)
}
