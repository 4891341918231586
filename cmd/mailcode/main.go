// Command mailcode reads one-time verification codes from a test mailbox so
// end-to-end login flows can complete without a human.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kuitang/mailcode/internal/errs"
	"github.com/kuitang/mailcode/internal/obs"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs.Init()
	err := newRootCmd(os.Stdin, os.Stdout, os.Stderr).ExecuteContext(ctx)
	stop()
	os.Exit(report(os.Stderr, err))
}

// report prints err and returns the process exit status.
func report(w io.Writer, err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(w, "error: interrupted")
		return 130
	}
	var coded *errs.Error
	if errors.As(err, &coded) {
		fmt.Fprintf(w, "error: %s\n", errs.MessageOf(err))
		return errs.ExitCode(coded.Code)
	}
	fmt.Fprintf(w, "error: %v\n", err)
	return 1
}

type rootOptions struct {
	envFile  string
	logLevel string
	sender   string
}

func newRootCmd(in io.Reader, out, errOut io.Writer) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "mailcode",
		Short:         "Retrieve one-time verification codes from a test mailbox",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return errs.Wrap(errs.InvalidArgument, err.Error(), err)
	})

	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Load environment variables from this file if it exists")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	root.PersistentFlags().StringVar(&opts.sender, "sender", "", "Sender address or domain to read codes from (overrides GMAIL_SENDER_EMAIL)")

	root.AddCommand(
		newSetupCmd(opts),
		newFindCmd(opts),
		newWaitCmd(opts),
		newPurgeCmd(opts),
		newSelftestCmd(opts),
		newMCPCmd(opts),
		newConfigCmd(opts),
	)
	return root
}
