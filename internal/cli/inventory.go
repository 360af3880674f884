package cli

import (
	"fmt"

	"rentsync/pkg/client"
	"rentsync/pkg/model"

	"github.com/spf13/cobra"
)

var setCmd = &cobra.Command{
	Use:   "set <resource>",
	Short: "Seed a resource on the reference backend",
	Long: `Set changes a resource's status or booked days on the reference
backend. When ADMIN_SIGNING_SECRET is set the request is signed with it.`,
	Args: cobra.ExactArgs(1),
	RunE: runSet,
}

var (
	setStatus  string
	setBooked  []string
	setAdd     []string
	setRemove  []string
	setReplace bool
)

func init() {
	rootCmd.AddCommand(setCmd)
	setCmd.Flags().StringVar(&setStatus, "status", "", "resource status (active, maintenance, retired)")
	setCmd.Flags().StringSliceVar(&setBooked, "booked", nil, "replace the booked days (YYYY-MM-DD, comma separated)")
	setCmd.Flags().BoolVar(&setReplace, "clear", false, "replace the booked days with --booked even when it is empty")
	setCmd.Flags().StringSliceVar(&setAdd, "add", nil, "days to mark booked")
	setCmd.Flags().StringSliceVar(&setRemove, "remove", nil, "days to unbook")
}

func runSet(cmd *cobra.Command, args []string) error {
	update, err := buildUpdate()
	if err != nil {
		return err
	}

	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	api := client.NewAvailabilityClient(cfg.BackendURL, cfg.RequestTimeout).WithSession(cfg.SessionID)
	if cfg.AdminSigningSecret != "" {
		api = api.WithSigningSecret(cfg.AdminSigningSecret)
	}

	state, err := api.SetAvailability(cmd.Context(), args[0], update)
	if err != nil {
		return err
	}
	printState(cmd.OutOrStdout(), state)
	return nil
}

func buildUpdate() (model.ResourceUpdate, error) {
	var update model.ResourceUpdate
	if setStatus != "" {
		status := setStatus
		update.Status = &status
	}
	if len(setBooked) > 0 || setReplace {
		booked, err := model.ParseDates(setBooked)
		if err != nil {
			return update, fmt.Errorf("invalid --booked: %w", err)
		}
		update.BookedDates = &booked
	}
	add, err := model.ParseDates(setAdd)
	if err != nil {
		return update, fmt.Errorf("invalid --add: %w", err)
	}
	remove, err := model.ParseDates(setRemove)
	if err != nil {
		return update, fmt.Errorf("invalid --remove: %w", err)
	}
	if len(add) > 0 {
		update.AddBooked = add
	}
	if len(remove) > 0 {
		update.RemoveBooked = remove
	}
	if update.Status == nil && update.BookedDates == nil && update.AddBooked == nil && update.RemoveBooked == nil {
		return update, fmt.Errorf("nothing to change: pass --status, --booked, --add or --remove")
	}
	return update, nil
}
