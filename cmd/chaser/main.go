// Command chaser runs the task-chaser service: the due-task loop, the
// database maintenance job, and the acknowledgement endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chip-edw/taskchaser/pkg/ackhttp"
	"github.com/chip-edw/taskchaser/pkg/acklink"
	"github.com/chip-edw/taskchaser/pkg/auth"
	"github.com/chip-edw/taskchaser/pkg/bizclock"
	"github.com/chip-edw/taskchaser/pkg/chaser"
	"github.com/chip-edw/taskchaser/pkg/config"
	"github.com/chip-edw/taskchaser/pkg/maintenance"
	"github.com/chip-edw/taskchaser/pkg/notify"
	"github.com/chip-edw/taskchaser/pkg/secrets"
	"github.com/chip-edw/taskchaser/pkg/signing"
	"github.com/chip-edw/taskchaser/pkg/sor"
	"github.com/chip-edw/taskchaser/pkg/sqlite"
	"github.com/chip-edw/taskchaser/pkg/store"
	"github.com/chip-edw/taskchaser/pkg/workflow"
)

const version = "1.2.0"

func main() {
	root := &cobra.Command{
		Use:   "chaser",
		Short: "Chases overdue customer tasks to acknowledgement",
	}

	var configPath string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the chaser loop and the acknowledgement endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	runCmd.Flags().StringVar(&configPath, "config", os.Getenv("CHASER_CONFIG"), "path to the YAML config file")

	root.AddCommand(runCmd, &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("chaser v%s\n", version)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer log.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error("configuration invalid", zap.Error(err))
		return err
	}

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		log.Error("database open failed", zap.Error(err))
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := store.New(db)
	if err := st.Migrate(ctx); err != nil {
		log.Error("database migration failed", zap.Error(err))
		return err
	}

	var order map[workflow.CategoryAnchor]int
	if cfg.ChaserJob.WorkflowTemplatePath != "" {
		tpl, err := workflow.LoadTemplate(cfg.ChaserJob.WorkflowTemplatePath)
		if err != nil {
			log.Error("workflow template invalid", zap.Error(err))
			return err
		}
		order = tpl.OrderByCategoryAnchor()
		log.Info("workflow template loaded",
			zap.String("workflowId", tpl.WorkflowID), zap.Int("categories", len(order)))
	}

	tokens := auth.NewClientCredentials(cfg.Auth.TokenUrl, cfg.Auth.ClientId, cfg.Auth.ClientSecret, cfg.Auth.Scope)
	signer := signing.New(secrets.NewDB(db))
	clock := bizclock.New(log)

	sorClient := sor.New(cfg.SharePoint.SiteUrl, cfg.SharePoint.DefaultListId,
		cfg.SharePointFieldMappings.Map, tokens, log)
	notifier := notify.New(cfg.Chat.BaseUrl, cfg.ChaserJob.ThreadFallback, tokens, log)
	links := acklink.NewBuilder(cfg.AckLink.BaseUrl, signer)

	loop := chaser.New(chaser.Options{
		CadenceMinutes:         cfg.ChaserJob.CadenceMinutes,
		BatchSize:              cfg.ChaserJob.BatchSize,
		SendHourLocal:          cfg.ChaserJob.SendHourLocal,
		WindowStartHourLocal:   cfg.ChaserJob.BusinessWindow.StartHourLocal,
		WindowEndHourLocal:     cfg.ChaserJob.BusinessWindow.EndHourLocal,
		WindowCushionHours:     cfg.ChaserJob.BusinessWindow.CushionHours,
		ChaserTtlHours:         cfg.AckLink.Policy.ChaserTtlHours,
		MaxConsecutiveFailures: cfg.ChaserJob.Safety.MaxConsecutiveFailures,
		CoolOffMinutes:         cfg.ChaserJob.Safety.CoolOffMinutes,
	}, st, sorClient, notifier, links, clock, order, log)

	handler := ackhttp.NewHandler(
		acklink.NewVerifier(signer), st, sorClient,
		ackhttp.NewIdentityResolver(ackhttp.HeaderNames{
			Email: cfg.Identity.EmailHeader,
			Name:  cfg.Identity.NameHeader,
			Upn:   cfg.Identity.UpnHeader,
		}), log)

	mux := http.NewServeMux()
	handler.Register(mux)
	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.ChaserJob.Enabled {
		g.Go(func() error {
			log.Info("chaser loop starting",
				zap.Int("cadenceMinutes", cfg.ChaserJob.CadenceMinutes),
				zap.Int("batchSize", cfg.ChaserJob.BatchSize))
			err := loop.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	} else {
		log.Info("chaser loop disabled by configuration")
	}

	if cfg.DatabaseMaintenance.CheckpointEnabled {
		job := maintenance.NewJob(st, cfg.DatabaseMaintenance.CheckpointIntervalHours,
			cfg.DatabaseMaintenance.CheckpointMode, log)
		if err := job.Start(gctx); err != nil {
			return err
		}
		defer job.Stop()
	}

	g.Go(func() error {
		log.Info("ack endpoint listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("service stopped with error", zap.Error(err))
		return err
	}
	log.Info("service stopped")
	return nil
}
