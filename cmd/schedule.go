package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/relaydesk/internal/config"
	"github.com/nextlevelbuilder/relaydesk/internal/deployment"
	"github.com/nextlevelbuilder/relaydesk/internal/schedule"
	"github.com/nextlevelbuilder/relaydesk/internal/store"
)

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Business-hour schedule tools",
	}
	cmd.AddCommand(scheduleCheckCmd())
	return cmd
}

func scheduleCheckCmd() *cobra.Command {
	var (
		sc              schedule.Config
		days, at        string
		tenant, channel string
		refKind, refID  string
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Report whether a schedule is on duty at a given instant",
		Long: "Evaluates either the window given by --start/--end/--days/--timezone, " +
			"or, with --tenant and --channel, the schedule of the deployment that serves that resource.",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at must be RFC3339: %w", err)
				}
				now = t
			}

			if tenant != "" {
				cfg, err := config.Load(resolveConfigPath())
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				sb, err := openStores(cfg)
				if err != nil {
					return err
				}
				defer sb.close()
				if sb.seed != nil {
					sb.seed(cfg.SeedSnapshot())
				}
				reg := deployment.NewRegistry(sb.stores.Deployments, sb.stores.Access)
				d, err := reg.Resolve(cmd.Context(), tenant, store.Channel(channel), store.ResourceRef{Kind: store.RefKind(refKind), ID: refID})
				if err != nil {
					return err
				}
				fmt.Printf("deployment %s (%s)\n", d.ID, d.Resource)
				sc = d.Schedule
			} else {
				sc.Enabled = true
				if days != "" {
					sc.Days = schedule.NormalizeDays(strings.Split(days, ","))
				}
				if err := schedule.Validate(sc); err != nil {
					return err
				}
			}

			on, err := schedule.IsOnDuty(sc, now)
			if err != nil {
				return err
			}
			state := "off duty"
			if on {
				state = "on duty"
			}
			fmt.Printf("%s at %s\n", state, now.Format(time.RFC3339))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&sc.Start, "start", "09:00", "window start (HH:MM)")
	f.StringVar(&sc.End, "end", "17:00", "window end (HH:MM)")
	f.StringVar(&days, "days", "monday,tuesday,wednesday,thursday,friday", "comma-separated weekdays")
	f.StringVar(&sc.Timezone, "timezone", "UTC", "IANA timezone")
	f.StringVar(&at, "at", "", "instant to evaluate, RFC3339 (default now)")
	f.StringVar(&tenant, "tenant", "", "evaluate a stored deployment of this tenant")
	f.StringVar(&channel, "channel", "", "deployment channel (with --tenant)")
	f.StringVar(&refKind, "kind", "", "resource kind (with --tenant; empty = channel default)")
	f.StringVar(&refID, "ref", "", "resource ID (with --tenant)")
	return cmd
}
