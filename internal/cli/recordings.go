package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dj-oyu/lecture-recorder/internal/recording"
	"github.com/dj-oyu/lecture-recorder/internal/storage"
)

func NewListCmd(deps *Dependencies) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List local recordings",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := storage.New(deps.Config.Storage.Root, storage.WithQuota(deps.Config.Storage.QuotaBytes))
			if err != nil {
				return err
			}
			state, err := store.State(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if marker, err := recording.ReadMarker(store.Root()); err == nil && marker != nil {
				fmt.Fprintf(out, "Interrupted: %s (started %s)\n\n", marker.Name, marker.StartedAt.Local().Format("2006-01-02 15:04"))
			}
			if len(state.Recordings) == 0 {
				fmt.Fprintln(out, "No recordings found")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RECORDING\tFILE\tSIZE")
			for _, rec := range state.Recordings {
				for _, f := range rec.Files {
					size := "-"
					if f.Size != nil {
						size = humanBytes(*f.Size)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\n", rec.Name, f.Name, size)
				}
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			fmt.Fprintf(out, "\nUsage: %s", humanBytes(state.Usage))
			if state.Quota > 0 {
				fmt.Fprintf(out, " of %s", humanBytes(state.Quota))
			}
			fmt.Fprintln(out)
			return nil
		},
	}

	return cmd
}

func NewDeleteCmd(deps *Dependencies) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <recording>...",
		Short: "Delete local recordings",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := storage.New(deps.Config.Storage.Root)
			if err != nil {
				return err
			}
			for _, name := range args {
				if err := store.DeleteRecording(cmd.Context(), name); err != nil {
					return fmt.Errorf("deleting %s: %w", name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", name)
			}
			return nil
		},
	}

	return cmd
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
