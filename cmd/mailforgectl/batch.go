package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mailforge/backend/internal/batch"
	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/generator"
)

type batchOptions struct {
	count       int
	strategy    string
	prefix      string
	domain      string
	tags        []string
	notes       string
	concurrency int
	verify      bool
	pollTimeout time.Duration
}

func newBatchCommand() *cobra.Command {
	var opts batchOptions
	command := &cobra.Command{
		Use:   "batch",
		Short: "Generate identities in bulk and optionally verify each one",
		Long: `
Generates --count identities with bounded concurrency, printing a progress
line per unit to stderr and the final job as JSON to stdout.

    mailforgectl batch --count 50 --strategy random_name --verify

Interrupting the command cancels undispatched units. Identities already
saved are kept.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBatch(cmd, opts)
		},
	}

	flags := command.Flags()
	flags.IntVarP(&opts.count, "count", "n", 1, "number of identities to generate")
	flags.StringVarP(&opts.strategy, "strategy", "s", "", "random_name, random_string or custom (default from config)")
	flags.StringVar(&opts.prefix, "prefix", "", "local part for the custom strategy")
	flags.StringVar(&opts.domain, "domain", "", "domain override")
	flags.StringSliceVar(&opts.tags, "tag", nil, "tag to attach (repeatable, must exist)")
	flags.StringVar(&opts.notes, "notes", "", "free-form notes")
	flags.IntVarP(&opts.concurrency, "concurrency", "c", 0, "concurrent units (default from config)")
	flags.BoolVar(&opts.verify, "verify", false, "poll the verification backend for each identity")
	flags.DurationVar(&opts.pollTimeout, "poll-timeout", 0, "per-identity poll timeout (default from config)")
	return command
}

func runBatch(cmd *cobra.Command, opts batchOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env, err := setup(ctx, opts.verify)
	if err != nil {
		return err
	}
	defer env.Close()

	gen, err := generator.New(env.cfg.GeneratorConfig(), env.store, generator.WithLogger(env.log))
	if err != nil {
		return err
	}
	orchestratorOpts := []batch.Option{
		batch.WithMaxConcurrency(env.cfg.Batch.MaxConcurrency),
		batch.WithPollTimeout(env.cfg.Verify.PollTimeout),
		batch.WithLogger(env.log),
	}
	if env.verifier != nil {
		orchestratorOpts = append(orchestratorOpts, batch.WithBackend(env.verifier.Backend))
	}
	orchestrator := batch.New(gen, env.store, orchestratorOpts...)

	strategy := domain.Strategy(opts.strategy)
	if strategy == "" {
		strategy = env.cfg.Identity.DefaultStrategy
	}
	req := batch.Request{
		Count:        opts.count,
		Strategy:     strategy,
		CustomPrefix: opts.prefix,
		Domain:       opts.domain,
		Tags:         opts.tags,
		Notes:        opts.notes,
		Concurrency:  opts.concurrency,
		Verify:       opts.verify,
		PollTimeout:  opts.pollTimeout,
	}

	stderr := cmd.ErrOrStderr()
	job, err := orchestrator.Run(ctx, req, func(p domain.BatchProgress) {
		fmt.Fprintf(stderr, "[%d/%d] %s\n", p.Completed, p.Total, p.Message)
	})
	if err != nil {
		return err
	}
	if err := env.smtpFailure(); err != nil {
		return err
	}

	if err := writeJSON(cmd.OutOrStdout(), job); err != nil {
		return err
	}
	fmt.Fprintf(stderr, "completed=%d failed=%d cancelled=%t\n", len(job.Completed), len(job.Failed), job.Cancelled)
	return nil
}
