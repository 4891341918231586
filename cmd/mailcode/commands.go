package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kuitang/mailcode/internal/config"
	"github.com/kuitang/mailcode/internal/errs"
	"github.com/kuitang/mailcode/internal/gmail"
	mcpserver "github.com/kuitang/mailcode/internal/mcp"
	"github.com/kuitang/mailcode/internal/probe"
)

func newSetupCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Authorize Gmail API access and save the token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			defer a.close()
			if a.cfg.Provider != config.ProviderGmail {
				return errs.New(errs.FailedPrecondition, "setup only applies to MAILBOX_PROVIDER=gmail")
			}
			_, err = gmail.Setup(cmd.Context(), gmail.SetupOptions{
				CredentialsFile: a.cfg.GmailCredentialsFile,
				Store:           a.tokenStore(),
				In:              cmd.InOrStdin(),
				Out:             cmd.OutOrStdout(),
			})
			return err
		},
	}
}

func newFindCmd(opts *rootOptions) *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "find",
		Short: "Look once for a recent code and print it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			defer a.close()
			sender, err := a.sender(opts)
			if err != nil {
				return err
			}
			r, err := a.retriever(cmd.Context())
			if err != nil {
				return err
			}
			defer r.Close()

			found, err := r.FindCode(cmd.Context(), sender, durationOr(window, a.cfg.RecencyWindow))
			if err != nil {
				return err
			}
			if found == nil {
				return errs.New(errs.NotFound, "no verification code found")
			}
			fmt.Fprintln(cmd.OutOrStdout(), found.Code)
			return nil
		},
	}
	cmd.Flags().DurationVar(&window, "window", 0, "How far back to look (default CODE_RECENCY_MINUTES)")
	return cmd
}

func newWaitCmd(opts *rootOptions) *cobra.Command {
	var (
		maxWait time.Duration
		consume bool
	)
	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Poll until a code arrives, then print it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			defer a.close()
			sender, err := a.sender(opts)
			if err != nil {
				return err
			}
			r, err := a.retriever(cmd.Context())
			if err != nil {
				return err
			}
			defer r.Close()

			budget := durationOr(maxWait, a.cfg.MaxWait())
			var code string
			if consume {
				code, err = r.WaitForCodeAndConsume(cmd.Context(), sender, budget)
			} else {
				code, err = r.WaitForCode(cmd.Context(), sender, budget)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), code)
			return nil
		},
	}
	cmd.Flags().DurationVar(&maxWait, "max-wait", 0, "Wait budget (default CODE_WAIT_MINUTES)")
	cmd.Flags().BoolVar(&consume, "consume", false, "Delete the message the code came from")
	return cmd
}

func newPurgeCmd(opts *rootOptions) *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete recent messages from the sender so old codes cannot be read",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			defer a.close()
			sender, err := a.sender(opts)
			if err != nil {
				return err
			}
			r, err := a.retriever(cmd.Context())
			if err != nil {
				return err
			}
			defer r.Close()

			n, err := r.PurgeRecent(cmd.Context(), sender, durationOr(window, a.cfg.RecencyWindow))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&window, "window", 0, "How far back to purge (default CODE_RECENCY_MINUTES)")
	return cmd
}

func newSelftestCmd(opts *rootOptions) *cobra.Command {
	var purgeFirst bool
	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Send a code to TEST_EMAIL and read it back",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			defer a.close()
			if a.cfg.TestEmail == "" {
				return errs.New(errs.InvalidArgument, "TEST_EMAIL is required for selftest")
			}
			sender, err := a.emailSender()
			if err != nil {
				return err
			}
			r, err := a.retriever(cmd.Context())
			if err != nil {
				return err
			}
			defer r.Close()

			res, err := probe.Run(cmd.Context(), sender, r, probe.Options{
				To:         a.cfg.TestEmail,
				Sender:     a.cfg.SelfTestFrom(),
				MaxWait:    a.cfg.MaxWait(),
				PurgeFirst: purgeFirst,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: read %s back in %s\n", res.Code, res.Elapsed.Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().BoolVar(&purgeFirst, "purge", true, "Purge earlier self-test mail before sending")
	return cmd
}

func newMCPCmd(opts *rootOptions) *cobra.Command {
	var httpAddr string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the retrieval operations as MCP tools (stdio by default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			defer a.close()
			r, err := a.retriever(cmd.Context())
			if err != nil {
				return err
			}
			defer r.Close()

			sender := strings.TrimSpace(opts.sender)
			if sender == "" {
				sender = a.cfg.SenderEmail
			}
			server := mcpserver.NewServer(r, mcpserver.Defaults{
				Sender:  sender,
				Window:  a.cfg.RecencyWindow,
				MaxWait: a.cfg.MaxWait(),
			}, version)
			if httpAddr != "" {
				return server.ListenAndServe(cmd.Context(), httpAddr)
			}
			return server.RunStdio(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http", "", "Serve Streamable HTTP on this address (e.g. 127.0.0.1:8765) instead of stdio")
	return cmd
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Validate and print the configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			defer a.close()
			a.cfg.PrintSummary(cmd.OutOrStdout())
			return nil
		},
	}
}
