package cli

import (
	"fmt"
	"time"

	"rentsync/pkg/model"

	"github.com/spf13/cobra"
)

var holdCmd = &cobra.Command{
	Use:   "hold <resource> <start> <end>",
	Short: "Place a short exclusive hold on a date range",
	Long: `Hold acquires a range lock and keeps it until --release-after elapses,
the hold expires, or the command is interrupted. The hold is released on
exit.`,
	Args: cobra.ExactArgs(3),
	RunE: runHold,
}

var releaseCmd = &cobra.Command{
	Use:   "release <lock-id>",
	Short: "Release a hold by id",
	Long:  `Release frees a hold by its server id. Unknown ids are not an error.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runRelease,
}

var holdReleaseAfter time.Duration

func init() {
	rootCmd.AddCommand(holdCmd)
	rootCmd.AddCommand(releaseCmd)
	holdCmd.Flags().DurationVar(&holdReleaseAfter, "release-after", 0, "release the hold after this long (0 = hold until expiry or interrupt)")
}

func runHold(cmd *cobra.Command, args []string) error {
	r, err := parseRange(args[1], args[2])
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	c, stop, err := startClient(ctx, false)
	if err != nil {
		return err
	}
	defer stop()

	expired := make(chan model.LockHandle, 1)
	sub := c.OnLockExpired(func(h model.LockHandle) {
		select {
		case expired <- h:
		default:
		}
	})
	defer sub.Unsubscribe()

	handle, err := c.AcquireLock(ctx, args[0], r)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "held %s %s lock_id=%s expires_at=%s\n",
		handle.ResourceID, handle.Range, handle.LockID, handle.ExpiresAt.Format(time.RFC3339))

	var after <-chan time.Time
	if holdReleaseAfter > 0 {
		timer := time.NewTimer(holdReleaseAfter)
		defer timer.Stop()
		after = timer.C
	}

	select {
	case <-ctx.Done():
	case <-after:
	case h := <-expired:
		fmt.Fprintf(out, "expired %s\n", h.LockID)
		return nil
	}

	if err := c.ReleaseLock(cmd.Context(), &handle); err != nil {
		return err
	}
	fmt.Fprintf(out, "released %s\n", handle.LockID)
	return nil
}

func runRelease(cmd *cobra.Command, args []string) error {
	c, stop, err := startClient(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer stop()

	if err := c.ReleaseLockByID(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", args[0])
	return nil
}
