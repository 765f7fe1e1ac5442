package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/leadsync/internal/activity"
	"github.com/MarcoPoloResearchLab/leadsync/internal/config"
	"github.com/MarcoPoloResearchLab/leadsync/internal/gateway"
	"github.com/MarcoPoloResearchLab/leadsync/internal/leadsync"
	"github.com/MarcoPoloResearchLab/leadsync/internal/logging"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <lead-id>",
		Short: "Follow a lead and log its activity feed as it changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), args[0])
		},
	}
}

func runWatch(ctx context.Context, leadID string) error {
	runtime, err := newClientRuntime()
	if err != nil {
		return err
	}
	defer runtime.logger.Sync() //nolint:errcheck

	changes := make(chan struct{}, 1)
	engine, err := runtime.openEngine(leadID, func() {
		select {
		case changes <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if viper.ConfigFileUsed() != "" {
		viper.OnConfigChange(func(event fsnotify.Event) {
			reloadClientConfig(runtime, engine, event)
		})
		viper.WatchConfig()
	}

	listener, err := gateway.NewPushListener(gateway.PushConfig{
		URL:         gateway.RealtimeURL(runtime.config.APIBaseURL),
		Token:       runtime.config.APIToken,
		LeadIDs:     []string{leadID},
		OnConnected: engine.SetConnected,
		OnEvent: func(event gateway.PushEvent) {
			if event.Type == gateway.EventLeadChanged {
				engine.HandlePush(event.EntityID)
			}
		},
		Logger: runtime.logger,
	})
	if err != nil {
		return err
	}
	pushDone := make(chan error, 1)
	go func() {
		pushDone <- listener.Run(signalCtx)
	}()

	runtime.logger.Info("watching lead", zap.String("lead_id", leadID), zap.Bool("polling_enabled", runtime.config.PollingEnabled))
	for {
		select {
		case <-signalCtx.Done():
			<-pushDone
			return nil
		case err := <-pushDone:
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		case <-changes:
			logLeadState(runtime.logger, engine)
		}
	}
}

func reloadClientConfig(runtime *clientRuntime, engine *leadsync.Engine, event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	reloaded, err := config.LoadClient(viper.GetViper())
	if err != nil {
		runtime.logger.Warn("config reload rejected", zap.String("file", event.Name), zap.Error(err))
		return
	}
	runtime.level.SetLevel(logging.ParseLevel(reloaded.LogLevel))
	engine.SetPollingEnabled(reloaded.PollingEnabled)
	runtime.logger.Info("config reloaded",
		zap.String("file", event.Name),
		zap.Bool("polling_enabled", reloaded.PollingEnabled),
		zap.Stringer("mode", engine.Mode()))
}

func logLeadState(logger *zap.Logger, engine *leadsync.Engine) {
	stats := engine.Stats()
	logger.Info("lead updated",
		zap.Any("fields", engine.Draft()),
		zap.Strings("dirty", engine.DirtyFields()),
		zap.Stringer("save_state", engine.SaveState()),
		zap.Stringer("mode", engine.Mode()),
		zap.Uint64("refreshes", stats.Refreshes),
		zap.Uint64("malformed_records", stats.MalformedRecords))
	for _, day := range engine.Days() {
		for _, record := range day.Records {
			logRecord(logger, day.Label, record)
		}
	}
}

func logRecord(logger *zap.Logger, day string, record activity.Record) {
	logger.Info("activity",
		zap.String("day", day),
		zap.String("id", record.ID.String()),
		zap.String("kind", string(record.Kind())),
		zap.Time("occurred_at", record.OccurredAt),
		zap.String("body", record.Body),
		zap.Bool("pending", record.ID.IsTemporary()))
}
