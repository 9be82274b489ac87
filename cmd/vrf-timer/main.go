package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/vrf-timer/cmd/vrf-timer/cmds"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := cmds.NewRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	stop()
	cobra.CheckErr(err)
}
