package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/nhle/mailtriage/internal/fault"
	"github.com/nhle/mailtriage/internal/ingest"
	"github.com/nhle/mailtriage/internal/metrics"
	"github.com/nhle/mailtriage/internal/model"
	appsync "github.com/nhle/mailtriage/internal/sync"
	"github.com/nhle/mailtriage/internal/theme"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Poll every linked account on a schedule",
		Long: `Runs ingestion over all accounts every poll.interval_sec seconds until
interrupted. Edits to the config file change the interval and log level
without a restart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup()
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sched := appsync.New(rt.store, rt.pipeline, appsync.Options{
				Interval:    rt.cfg.Poll.Interval(),
				Concurrency: rt.cfg.Poll.Concurrency,
				RunOnStart:  rt.cfg.Poll.RunOnStart,
				OnCycle: func(r appsync.CycleReport) {
					if jsonOutput {
						printJSON(r.Result)
					}
				},
			}, rt.logger)

			rt.v.OnConfigChange(func(e fsnotify.Event) {
				cfg, err := model.Decode(rt.v)
				if err != nil {
					rt.logger.Warnw("ignoring invalid config change", "file", e.Name, "error", err)
					return
				}
				sched.SetInterval(cfg.Poll.Interval())
				if lvl, err := zapcore.ParseLevel(cfg.Log.Level); err == nil {
					rt.level.SetLevel(lvl)
				}
				rt.logger.Infow("config reloaded", "file", e.Name, "interval", cfg.Poll.Interval())
			})
			if _, err := os.Stat(configPath); err == nil {
				rt.v.WatchConfig()
			}

			if addr := rt.cfg.Metrics.Listen; addr != "" {
				go func() {
					if err := metrics.Serve(ctx, addr); err != nil {
						rt.logger.Errorw("metrics server stopped", "addr", addr, "error", err)
					}
				}()
				rt.logger.Infow("serving metrics", "addr", addr)
			}

			if !jsonOutput {
				fmt.Println(theme.HeaderStyle.Render("mailtriage") + " " +
					theme.HelpStyle.Render(fmt.Sprintf("polling every %s, Ctrl+C to stop", rt.cfg.Poll.Interval())))
			}

			sched.Start(ctx)
			<-ctx.Done()
			sched.Stop()
			return nil
		},
	}
}

func newIngestCmd() *cobra.Command {
	var (
		accountID string
		all       bool
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run ingestion once",
		Long: `Ingests unread mail once. By default every account of --user is
processed; --account limits the run to one account and --all runs a
full cycle over every user's accounts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup()
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var res ingest.Result
			switch {
			case all:
				sched := appsync.New(rt.store, rt.pipeline, appsync.Options{
					Concurrency: rt.cfg.Poll.Concurrency,
				}, rt.logger)
				report, err := sched.RunOnce(ctx)
				if err != nil {
					return err
				}
				res = report.Result
			case accountID != "":
				acct, err := rt.store.GetAccount(ctx, accountID)
				if err != nil {
					return err
				}
				if acct.UserID != userID {
					return fault.Newf(fault.KindOwnership, "ingest", "account %s belongs to another user", accountID)
				}
				res, err = rt.app.RunIngestion(ctx, accountID)
				if err != nil {
					return err
				}
			default:
				res, err = rt.app.RunUser(ctx, userID)
				if err != nil {
					return err
				}
			}

			printIngestResult(res)
			return nil
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "Only ingest this account ID")
	cmd.Flags().BoolVar(&all, "all", false, "Ingest every account of every user")
	return cmd
}

func printIngestResult(res ingest.Result) {
	if jsonOutput {
		printJSON(res)
		return
	}

	fmt.Println(theme.BorderStyle.Render(fmt.Sprintf("%s %d   %s %d   %s %d",
		theme.LabelStyle.Render("processed"), res.Processed,
		theme.LabelStyle.Render("skipped"), res.Skipped,
		theme.LabelStyle.Render("errors"), len(res.Errors))))

	for _, e := range res.Errors {
		where := e.AccountID
		if e.ProviderMessageID != "" {
			where += "/" + e.ProviderMessageID
		}
		fmt.Printf("  %s %s %s\n",
			theme.ErrorStyle.Render(string(e.Kind)), where, theme.HelpStyle.Render(e.Message))
	}
}

