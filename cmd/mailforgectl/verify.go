package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/service"
)

func newVerifyCommand() *cobra.Command {
	var timeout time.Duration
	command := &cobra.Command{
		Use:   "verify address",
		Short: "Poll the configured backend for a verification code",
		Long: `
Polls the configured verification backend until a code addressed to the
given mailbox arrives or the timeout expires. The code is printed alone on
stdout, the attempt record goes to stderr.

    mailforgectl verify alice.smith@example.com --timeout 90s
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			env, err := setup(ctx, true)
			if err != nil {
				return err
			}
			defer env.Close()

			identities := service.NewIdentityService(nil, env.store, env.verifier.Backend, service.IdentityOptions{
				DefaultStrategy: env.cfg.Identity.DefaultStrategy,
				PollTimeout:     env.cfg.Verify.PollTimeout,
			}, env.log)

			res, err := identities.VerifyAddress(ctx, args[0], timeout)
			if res != nil && res.Request != nil {
				printAttempts(cmd, res.Request)
			}
			if err != nil {
				if smtpErr := env.smtpFailure(); smtpErr != nil {
					return smtpErr
				}
				return err
			}
			env.log.Debug("verification code found", zap.String("message_id", res.MessageID))
			fmt.Fprintln(cmd.OutOrStdout(), res.Code)
			return nil
		},
	}
	command.Flags().DurationVarP(&timeout, "timeout", "t", 0, "poll timeout (default from config, capped at 10m)")
	return command
}

func printAttempts(cmd *cobra.Command, req *domain.VerificationRequest) {
	stderr := cmd.ErrOrStderr()
	for i, a := range req.Attempts {
		line := fmt.Sprintf("attempt %d: %s", i+1, a.Outcome)
		if a.Reason != "" {
			line += " (" + a.Reason + ")"
		}
		fmt.Fprintln(stderr, line)
	}
	fmt.Fprintf(stderr, "state: %s\n", req.State)
}
