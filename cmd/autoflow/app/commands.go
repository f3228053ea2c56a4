package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blingmoon/autoflow/workflow"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func NewRunCmd(options *Options) *cobra.Command {
	return &cobra.Command{
		Use:          "run",
		Short:        "run scheduler and worker until interrupted",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			engine, err := NewEngine(ctx, options)
			if err != nil {
				return err
			}
			defer engine.Close()
			engine.ServeMetrics(ctx)
			err = engine.Service.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func NewPlanCmd(options *Options) *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:          "plan",
		Short:        "print the scheduled tasks of enabled triggers in [now, now+window)",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			engine, err := NewEngine(ctx, options)
			if err != nil {
				return err
			}
			defer engine.Close()
			tasks, err := engine.Service.GenerateTasks(ctx, time.Now().Add(window))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, task := range tasks {
				fmt.Fprintf(out, "%s\t%s\t%s\n", task.RunAt.Format(time.RFC3339), task.WorkflowID, task.ID)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&window, "window", time.Minute, "lookahead window")
	return cmd
}

func NewStartCmd(options *Options) *cobra.Command {
	var (
		workflowID  string
		contextJSON string
		timeout     time.Duration
	)
	cmd := &cobra.Command{
		Use:          "start",
		Short:        "start one workflow instance and wait for it to finish",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			engine, err := NewEngine(ctx, options)
			if err != nil {
				return err
			}
			defer engine.Close()

			var workflowContext map[string]any
			if contextJSON != "" {
				if err := json.Unmarshal([]byte(contextJSON), &workflowContext); err != nil {
					return errors.Wrap(err, "parse --context")
				}
			}

			runCtx, stopRun := context.WithCancel(ctx)
			defer stopRun()
			runErr := make(chan error, 1)
			go func() { runErr <- engine.Service.Run(runCtx) }()

			instance, err := engine.Service.StartWorkflow(ctx, &workflow.StartWorkflowReq{
				WorkflowID: workflowID,
				Context:    workflowContext,
			})
			if err != nil {
				return err
			}
			waitCtx, cancelWait := context.WithTimeout(ctx, timeout)
			defer cancelWait()
			waitErr := instance.Wait(waitCtx)
			fmt.Fprintf(cmd.OutOrStdout(), "instance %s %s, nodes: %v\n",
				instance.ID(), workflow.GetWorkflowInstanceStatusText(instance.Status()), instance.CompletedNodes())

			stopRun()
			<-runErr
			return waitErr
		},
	}
	cmd.Flags().StringVarP(&workflowID, "workflow", "w", "", "workflow id")
	cmd.Flags().StringVar(&contextJSON, "context", "", "workflow context as json object")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "max time to wait")
	_ = cmd.MarkFlagRequired("workflow")
	return cmd
}

func NewTriggerCmd(options *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "manage cron triggers",
	}
	cmd.AddCommand(newTriggerAddCmd(options), newTriggerListCmd(options), newTriggerDisableCmd(options))
	return cmd
}

func newTriggerAddCmd(options *Options) *cobra.Command {
	trigger := &workflow.Trigger{}
	cmd := &cobra.Command{
		Use:          "add",
		Short:        "add an enabled trigger",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := trigger.Validate(); err != nil {
				return err
			}
			engine, err := NewEngine(cmd.Context(), options)
			if err != nil {
				return err
			}
			defer engine.Close()
			return engine.Service.CreateTrigger(cmd.Context(), trigger)
		},
	}
	cmd.Flags().StringVar(&trigger.ID, "id", "", "trigger id")
	cmd.Flags().StringVar(&trigger.CronExpression, "cron", "", "cron expression, seconds field optional")
	cmd.Flags().StringVarP(&trigger.WorkflowID, "workflow", "w", "", "workflow id")
	return cmd
}

func newTriggerListCmd(options *Options) *cobra.Command {
	return &cobra.Command{
		Use:          "list",
		Short:        "list triggers",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine, err := NewEngine(cmd.Context(), options)
			if err != nil {
				return err
			}
			defer engine.Close()
			triggers, err := engine.Repo.QueryTrigger(cmd.Context(), &workflow.QueryTriggerParams{
				OrderbyIDAsc: workflow.Bool(true),
				Page:         &workflow.Pager{IsNoLimit: workflow.Bool(true)},
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, trigger := range triggers {
				fmt.Fprintf(out, "%s\t%s\t%s\tenabled=%t\n", trigger.ID, trigger.CronExpression, trigger.WorkflowID, trigger.Enabled)
			}
			return nil
		},
	}
}

func newTriggerDisableCmd(options *Options) *cobra.Command {
	return &cobra.Command{
		Use:          "disable <trigger-id>",
		Short:        "disable a trigger",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := NewEngine(cmd.Context(), options)
			if err != nil {
				return err
			}
			defer engine.Close()
			return engine.Repo.UpdateTrigger(cmd.Context(), &workflow.UpdateTriggerParams{
				TriggerID: args[0],
				Enabled:   workflow.Bool(false),
			})
		},
	}
}
