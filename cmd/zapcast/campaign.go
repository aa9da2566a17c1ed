package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/zapcast/internal/db"
	"github.com/foxzi/zapcast/internal/models"
	"github.com/foxzi/zapcast/internal/repository"
	"github.com/foxzi/zapcast/internal/stats"
)

func (c *cli) campaignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "campaign",
		Short: "Campaign inspection commands",
	}
	cmd.AddCommand(c.campaignListCmd(), c.campaignStatsCmd())
	return cmd
}

func (c *cli) withRepositories(fn func(*repository.Repositories) error) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	database, err := db.Open(cfg.Database.Driver, cfg.Database.DSN, cfg.Database.MaxOpenConns)
	if err != nil {
		return err
	}
	defer database.Close()
	return fn(repository.New(database.DB))
}

func (c *cli) campaignListCmd() *cobra.Command {
	var filter models.CampaignListFilter
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List campaigns of a tenant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.Status = models.CampaignStatus(status)
			return c.withRepositories(func(repos *repository.Repositories) error {
				campaigns, total, err := repos.Campaigns.List(cmd.Context(), filter)
				if err != nil {
					return fmt.Errorf("failed to list campaigns: %w", err)
				}
				out := cmd.OutOrStdout()
				if len(campaigns) == 0 {
					fmt.Fprintln(out, "No campaigns")
					return nil
				}

				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tSTATUS\tKIND\tDELAY\tCREATED")
				for _, cp := range campaigns {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%ds\t%s\n",
						cp.ID, cp.Name, cp.Status, cp.Kind, cp.DelaySeconds, cp.CreatedAt.Format("2006-01-02 15:04"))
				}
				w.Flush()
				fmt.Fprintf(out, "\nTotal: %d campaigns\n", total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filter.TenantID, "tenant", "", "tenant ID (required)")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum number of campaigns to show")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func (c *cli) campaignStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <campaign_id>",
		Short: "Show delivery statistics of a campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRepositories(func(repos *repository.Repositories) error {
				st, err := stats.New(repos.Campaigns, repos.Messages).Stats(cmd.Context(), args[0])
				if errors.Is(err, stats.ErrNotFound) {
					return fmt.Errorf("campaign not found: %s", args[0])
				}
				if err != nil {
					return fmt.Errorf("failed to compute stats: %w", err)
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 1, ' ', 0)
				fmt.Fprintf(w, "Campaign:\t%s\n", st.CampaignID)
				fmt.Fprintf(w, "Status:\t%s\n", st.Status)
				fmt.Fprintf(w, "Total:\t%d\n", st.Total)
				fmt.Fprintf(w, "Pending:\t%d\n", st.Pending)
				fmt.Fprintf(w, "Sent:\t%d\n", st.Sent)
				fmt.Fprintf(w, "Delivered:\t%d (%.1f%%)\n", st.Delivered, st.DeliveryRate*100)
				fmt.Fprintf(w, "Read:\t%d (%.1f%%)\n", st.Read, st.ReadRate*100)
				fmt.Fprintf(w, "Failed:\t%d (%.1f%%)\n", st.Failed, st.FailureRate*100)
				if st.EstimatedTimeRemaining != nil {
					fmt.Fprintf(w, "ETA:\t%s\n", time.Duration(*st.EstimatedTimeRemaining)*time.Second)
				}
				return w.Flush()
			})
		},
	}
}
