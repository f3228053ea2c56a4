package main

import (
	"fmt"
	"os"

	"github.com/blingmoon/autoflow/cmd/autoflow/app"
	"github.com/spf13/cobra"
)

const ErrExitCode = 1

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Println(err.Error())
		os.Exit(ErrExitCode)
	}
}

func NewRootCmd() *cobra.Command {
	options := &app.Options{}
	cmd := &cobra.Command{
		Use:   "autoflow",
		Short: "workflow orchestration engine",
	}
	cmd.PersistentFlags().StringVarP(&options.ConfigPath, "config", "c", "", "config file path (yaml)")
	cmd.PersistentFlags().BoolVar(&options.Demo, "demo", false, "register the built-in approval workflow")
	cmd.AddCommand(
		app.NewRunCmd(options),
		app.NewPlanCmd(options),
		app.NewStartCmd(options),
		app.NewTriggerCmd(options),
	)
	return cmd
}
