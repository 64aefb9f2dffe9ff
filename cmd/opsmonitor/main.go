package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func rootCommand() *cobra.Command {
	c := &cobra.Command{
		Use:          "opsmonitor",
		Short:        "Job execution monitor",
		Long:         "Supervises background jobs, checks service health and dispatches alerts",
		SilenceUsage: true,
	}
	c.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "path to config file")

	c.AddCommand(serveCommand())
	c.AddCommand(migrateCommand())
	return c
}

func main() {
	if err := rootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
