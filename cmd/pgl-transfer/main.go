package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/paulschiretz/pgl-transfer/cmd"
	"github.com/paulschiretz/pgl-transfer/pkg/buildinfo"
	"github.com/paulschiretz/pgl-transfer/pkg/flagparse"
	"github.com/paulschiretz/pgl-transfer/pkg/plog"
)

// run encapsulates the main application logic and returns an error if something
// goes wrong, allowing the main function to handle exit codes.
func run(ctx context.Context, args []string) error {
	command, flagMap, err := flagparse.Parse(args)
	if err != nil {
		return err
	}

	switch {
	case command == flagparse.None:
		// Help was printed.
		return nil
	case command == flagparse.Version:
		return cmd.RunVersion(buildinfo.Name, buildinfo.Version)
	case command == flagparse.Init:
		return cmd.RunInit(ctx, flagMap)
	case command == flagparse.Batch:
		return cmd.RunBatch(ctx, flagMap)
	case command.IsJob():
		return cmd.RunJob(ctx, command, flagMap)
	default:
		return fmt.Errorf("internal error: unknown command %s", command)
	}
}

func main() {
	// Set up a context that is canceled when an interrupt signal is received.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Listen for interrupt signals (like Ctrl+C) in a separate goroutine.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		<-sigChan
		plog.Warn("Interrupt received, canceling running jobs")
		cancel()
	}()

	if err := run(ctx, os.Args[1:]); err != nil {
		plog.Error(buildinfo.Name+" exited with error", "error", err)
		os.Exit(1)
	}
}
