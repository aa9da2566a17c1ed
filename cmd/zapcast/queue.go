package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/zapcast/internal/dispatcher"
	"github.com/foxzi/zapcast/internal/queue"
)

func (c *cli) queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair dispatch jobs",
	}
	cmd.AddCommand(c.queueListCmd(), c.queueStatsCmd(), c.queueDLQCmd(), c.queueRetryCmd(), c.queueDeleteCmd())
	return cmd
}

// withQueue opens the job store for the duration of fn. The server holds an
// exclusive lock on the file, so these commands only work while it is stopped.
func (c *cli) withQueue(fn func(*queue.BoltStorage) error) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	storage, err := queue.NewBoltStorage(cfg.Queue.Path)
	if err != nil {
		return fmt.Errorf("failed to open queue storage: %w", err)
	}
	defer storage.Close()
	return fn(storage)
}

func (c *cli) queueListCmd() *cobra.Command {
	var filter queue.ListFilter
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dispatch jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.Status = queue.JobStatus(status)
			return c.withQueue(func(s *queue.BoltStorage) error {
				jobs, err := s.List(cmd.Context(), filter)
				if err != nil {
					return fmt.Errorf("failed to list jobs: %w", err)
				}
				out := cmd.OutOrStdout()
				if len(jobs) == 0 {
					fmt.Fprintln(out, "Queue is empty")
					return nil
				}
				printJobs(out, jobs)
				fmt.Fprintf(out, "\nTotal: %d jobs\n", len(jobs))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending, running, deferred, done or dead")
	cmd.Flags().StringVar(&filter.Type, "type", "", "job type")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum number of jobs to show")
	return cmd
}

func (c *cli) queueStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count jobs by state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withQueue(func(s *queue.BoltStorage) error {
				st, err := s.Stats(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to get queue stats: %w", err)
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				for _, row := range []struct {
					label string
					n     int64
				}{
					{"Total", st.Total},
					{"Pending", st.Pending},
					{"Running", st.Running},
					{"Deferred", st.Deferred},
					{"Done", st.Done},
					{"Dead", st.Dead},
				} {
					fmt.Fprintf(w, "%s:\t%d\n", row.label, row.n)
				}

				if dlq, err := s.DLQStats(cmd.Context()); err == nil && dlq.Total > 0 {
					fmt.Fprintf(w, "\nDLQ entries:\t%d\n", dlq.Total)
					fmt.Fprintf(w, "DLQ bytes:\t%d\n", dlq.TotalSize)
					if !dlq.OldestAt.IsZero() {
						fmt.Fprintf(w, "DLQ oldest:\t%s\n", dlq.OldestAt.Format(time.RFC3339))
					}
				}
				return w.Flush()
			})
		},
	}
}

func (c *cli) queueDLQCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "List dead-lettered dispatch jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withQueue(func(s *queue.BoltStorage) error {
				jobs, err := s.ListDLQ(cmd.Context(), limit, 0)
				if err != nil {
					return fmt.Errorf("failed to list dead letter queue: %w", err)
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Dead letter queue is empty")
					return nil
				}
				printJobs(cmd.OutOrStdout(), jobs)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of jobs to show")
	return cmd
}

func (c *cli) queueRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job_id>",
		Short: "Requeue a dead dispatch job so its campaign resumes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return c.withQueue(func(s *queue.BoltStorage) error {
				job, err := s.GetFromDLQ(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("failed to get job from DLQ: %w", err)
				}
				if job == nil {
					return fmt.Errorf("job not found in dead letter queue: %s", id)
				}
				if err := s.RetryFromDLQ(cmd.Context(), id); err != nil {
					return fmt.Errorf("failed to retry job: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s requeued\n", id)
				return nil
			})
		},
	}
}

func (c *cli) queueDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job_id>",
		Short: "Delete a job that is not running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return c.withQueue(func(s *queue.BoltStorage) error {
				job, err := s.Get(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("failed to get job: %w", err)
				}
				if job == nil {
					return fmt.Errorf("job not found: %s", id)
				}
				if job.Status == queue.StatusRunning {
					return fmt.Errorf("job %s is running; stop the server first", id)
				}
				if err := s.Delete(cmd.Context(), id); err != nil {
					return fmt.Errorf("failed to delete job: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s deleted\n", id)
				return nil
			})
		},
	}
}

func printJobs(out io.Writer, jobs []*queue.Job) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCAMPAIGN\tSTATUS\tATTEMPTS\tUPDATED\tLAST ERROR")

	for _, job := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			shorten(job.ID, 12),
			jobCampaign(job),
			job.Status,
			job.Attempts,
			job.UpdatedAt.Format("2006-01-02 15:04"),
			shorten(job.LastError, 47),
		)
	}
	w.Flush()
}

// jobCampaign names the campaign a dispatch job drives, or the job type for
// anything else
func jobCampaign(job *queue.Job) string {
	if job.Type != dispatcher.JobType {
		return job.Type
	}
	var p dispatcher.Payload
	if err := json.Unmarshal(job.Payload, &p); err != nil || p.CampaignID == "" {
		return "?"
	}
	return p.CampaignID
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
