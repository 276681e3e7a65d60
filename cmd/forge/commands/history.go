package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/deployforge/deployforge/pkg/history"
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect deployment history",
	}

	cmd.AddCommand(newHistoryListCommand())
	cmd.AddCommand(newHistoryShowCommand())

	return cmd
}

func newHistoryListCommand() *cobra.Command {
	var (
		status string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded deployments, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			records, err := rt.history.ListDeployments(ctx, status, limit, offset)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(records)
			}

			if len(records) == 0 {
				fmt.Println("No deployments recorded")
				return nil
			}
			fmt.Printf("%-38s %-24s %-20s %-10s %s\n", "ID", "STATUS", "STARTED", "DURATION", "REPOSITORY")
			for _, r := range records {
				duration := "-"
				if r.DurationMS != nil {
					duration = (time.Duration(*r.DurationMS) * time.Millisecond).String()
				}
				fmt.Printf("%-38s %-24s %-20s %-10s %s\n",
					r.ID, r.Status, r.StartedAt.Local().Format("2006-01-02 15:04:05"), duration, r.Repository)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by terminal status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum records to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "records to skip")

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <deployment-id>",
		Short: "Show one deployment with its stages and events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			record, err := rt.history.GetDeployment(ctx, args[0])
			if err != nil {
				return err
			}
			stages, err := rt.history.ListStageResults(ctx, args[0])
			if err != nil {
				return err
			}
			events, err := rt.history.ListEvents(ctx, args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(struct {
					Deployment *history.DeploymentRecord `json:"deployment"`
					Stages     []*history.StageRecord    `json:"stages"`
					Events     []*history.EventRecord    `json:"events"`
				}{record, stages, events})
			}

			fmt.Printf("Deployment %s\n", record.ID)
			fmt.Printf("  status:     %s\n", record.Status)
			fmt.Printf("  descriptor: %s\n", record.ConfigurationPath)
			fmt.Printf("  repository: %s\n", record.Repository)
			fmt.Printf("  started:    %s\n", record.StartedAt.Local().Format(time.RFC3339))
			if record.CompletedAt != nil {
				fmt.Printf("  completed:  %s\n", record.CompletedAt.Local().Format(time.RFC3339))
			}
			if record.DurationMS != nil {
				fmt.Printf("  duration:   %s\n", time.Duration(*record.DurationMS)*time.Millisecond)
			}
			fmt.Printf("  errors: %d, warnings: %d\n", record.ErrorCount, record.WarningCount)

			if len(stages) > 0 {
				fmt.Println("Stages:")
				for _, s := range stages {
					mark := "ok"
					switch {
					case s.Skipped:
						mark = "skipped"
					case !s.Success:
						mark = "FAILED"
					}
					line := fmt.Sprintf("  %-10s %-8s attempts=%d duration=%s",
						s.Stage, mark, s.Attempts, time.Duration(s.DurationMS)*time.Millisecond)
					if s.Error != "" {
						line += " error=" + s.Error
					}
					fmt.Println(line)
				}
			}

			if len(events) > 0 {
				fmt.Println("Events:")
				for _, e := range events {
					fmt.Printf("  %s [%s] %s\n", e.CreatedAt.Local().Format("15:04:05"), e.EventType, e.Message)
				}
			}
			return nil
		},
	}

	return cmd
}
