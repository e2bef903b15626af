package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/relaydesk/internal/config"
	"github.com/nextlevelbuilder/relaydesk/internal/queue"
)

func deadLetterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect and replay dead-lettered queue entries",
	}
	cmd.AddCommand(deadLetterListCmd())
	cmd.AddCommand(deadLetterReplayCmd())
	return cmd
}

func streamArg(args []string) (string, error) {
	if !slices.Contains(queue.Streams(), args[0]) {
		return "", fmt.Errorf("unknown stream %q (known: %v)", args[0], queue.Streams())
	}
	return args[0], nil
}

func deadLetterListCmd() *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list <stream>",
		Short: "List dead letters, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stream, err := streamArg(args)
			if err != nil {
				return err
			}
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			q, _, err := openQueue(cfg, true)
			if err != nil {
				return err
			}
			defer q.Close()

			dead, err := q.DeadLetters(cmd.Context(), stream, limit)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(dead)
			}
			if len(dead) == 0 {
				fmt.Println("no dead letters")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tMESSAGE\tTENANT\tATTEMPTS\tREASON\tFAILED")
			for _, d := range dead {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					d.ID, d.Entry.MessageID, d.Entry.TenantID, d.Entry.Attempts, d.Reason, d.FailedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum entries to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func deadLetterReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <stream> <id>...",
		Short: "Move dead letters back onto their stream",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stream, err := streamArg(args)
			if err != nil {
				return err
			}
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			q, _, err := openQueue(cfg, true)
			if err != nil {
				return err
			}
			defer q.Close()

			for _, id := range args[1:] {
				entryID, err := q.Requeue(cmd.Context(), stream, id)
				if err != nil {
					return fmt.Errorf("replay %s: %w", id, err)
				}
				fmt.Printf("%s -> %s\n", id, entryID)
			}
			return nil
		},
	}
}
