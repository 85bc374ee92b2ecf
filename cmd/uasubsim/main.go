// Copyright 2021 Converter Systems LLC. All rights reserved.

// Command uasubsim runs an in-memory OPC UA server with simulated variables and
// subscribes to them with the client, logging every notification.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/convertersystems/opcua-subscriptions/client"
	"github.com/convertersystems/opcua-subscriptions/server"
	"github.com/convertersystems/opcua-subscriptions/ua"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "", "path of the YAML configuration")
	flag.Parse()

	cfg, err := Load(*configPath)
	if err != nil {
		fmt.Printf("Error loading configuration. %s\n", err.Error())
		os.Exit(1)
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Printf("Error creating logger. %s\n", err.Error())
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("simulation failed", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func run(cfg *Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if cfg.Duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	go func() {
		logger.Info("Press Ctrl-C to exit...")
		waitForSignal(ctx)
		cancel()
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if cfg.MetricsAddress != "" {
		metricsServer := serveMetrics(cfg.MetricsAddress, reg, logger)
		defer metricsServer.Close()
	}

	srv, err := server.New(serverOptions(cfg, logger)...)
	if err != nil {
		return errors.Wrap(err, "create server")
	}
	defer srv.Close()

	sim, err := newSimulator(srv, cfg, logger.Named("simulator"))
	if err != nil {
		return errors.Wrap(err, "create simulator")
	}
	sim.run()
	defer sim.close()

	cli, err := client.New(srv, clientOptions(cfg, logger, reg)...)
	if err != nil {
		return errors.Wrap(err, "create client")
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		if err := cli.Close(closeCtx); err != nil {
			logger.Warn("error closing client", zap.Error(err))
		}
	}()

	subs := make([]*client.Subscription, 0, len(cfg.Subscriptions))
	for _, sc := range cfg.Subscriptions {
		sub, err := subscribe(ctx, cli, sc, logger)
		if err != nil {
			return errors.Wrapf(err, "subscribe %s", sc.Name)
		}
		subs = append(subs, sub)
	}

	<-ctx.Done()
	logger.Info("stopping simulation")

	deleteCtx, deleteCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer deleteCancel()
	for _, sub := range subs {
		if sub.State() == client.SyncStateInitial {
			continue
		}
		if err := sub.Delete(deleteCtx); err != nil {
			logger.Warn("error deleting subscription", zap.Error(err))
		}
	}
	return nil
}

func serverOptions(cfg *Config, logger *zap.Logger) []server.Option {
	opts := []server.Option{
		server.WithLogger(logger.Named("server")),
		server.WithMaxSubscriptionCount(cfg.Server.MaxSubscriptionCount),
		server.WithMaxMonitoredItemsPerCall(cfg.Server.MaxMonitoredItemsPerCall),
	}
	if cfg.Server.MaxPublishRequests > 0 {
		opts = append(opts, server.WithMaxPublishRequests(cfg.Server.MaxPublishRequests))
	}
	if cfg.Server.MinSamplingInterval > 0 {
		opts = append(opts, server.WithMinSamplingInterval(cfg.Server.MinSamplingInterval))
	}
	if cfg.Server.MinPublishingInterval > 0 {
		opts = append(opts, server.WithMinPublishingInterval(cfg.Server.MinPublishingInterval))
	}
	return opts
}

func clientOptions(cfg *Config, logger *zap.Logger, reg prometheus.Registerer) []client.Option {
	opts := []client.Option{
		client.WithLogger(logger.Named("client")),
		client.WithMetricsRegisterer(reg),
		client.WithMaxPendingPublishRequests(cfg.Client.MaxPendingPublishRequests),
		client.WithMaxMonitoredItemsPerCall(cfg.Client.MaxMonitoredItemsPerCall),
		client.WithWatchdogMultiplier(cfg.Client.WatchdogMultiplier),
		client.WithDeliveryWorkers(cfg.Client.DeliveryWorkers),
	}
	if cfg.Client.Trace {
		opts = append(opts, client.WithTrace())
	}
	return opts
}

// subscribe creates the subscription and its items.
func subscribe(ctx context.Context, cli *client.Client, sc SubscriptionConfig, logger *zap.Logger) (*client.Subscription, error) {
	l := &logListener{logger: logger.With(zap.String("subscription", sc.Name))}
	opts := []client.SubscriptionOption{
		client.WithPublishingInterval(sc.PublishingInterval),
		client.WithMaxNotificationsPerPublish(sc.MaxNotificationsPerPub),
		client.WithPriority(sc.Priority),
		client.WithListener(l),
	}
	if sc.TargetKeepAliveInterval > 0 {
		opts = append(opts, client.WithTargetKeepAliveInterval(sc.TargetKeepAliveInterval))
	}
	sub := cli.NewSubscription(opts...)
	if err := sub.Create(ctx); err != nil {
		return nil, err
	}
	for _, ic := range sc.Items {
		itemOpts := []client.MonitoredItemOption{
			client.WithSamplingInterval(ic.SamplingInterval),
		}
		if ic.QueueSize > 0 {
			itemOpts = append(itemOpts, client.WithQueueSize(ic.QueueSize))
		}
		if ic.Deadband > 0 {
			itemOpts = append(itemOpts, client.WithFilter(ua.DataChangeFilter{
				Trigger:       ua.DataChangeTriggerStatusValue,
				DeadbandType:  ua.DeadbandTypeAbsolute,
				DeadbandValue: ic.Deadband,
			}))
		}
		if err := sub.AddMonitoredItem(client.NewDataItem(ua.ParseNodeID(ic.NodeID), itemOpts...)); err != nil {
			return nil, err
		}
	}
	if sc.Events {
		item := client.NewEventItem(ua.ObjectIDServer, ua.EventFilter{SelectClauses: ua.BaseEventSelectClauses})
		if err := sub.AddMonitoredItem(item); err != nil {
			return nil, err
		}
	}
	if err := sub.SynchronizeMonitoredItems(ctx); err != nil {
		var se *client.SynchronizationError
		if !errors.As(err, &se) {
			return nil, err
		}
		// items that were not created are logged and left for a later synchronize.
		logger.Warn("monitored items not synchronized", zap.String("subscription", sc.Name), zap.Error(err))
	}
	return sub, nil
}

// logListener logs the notifications of a subscription.
type logListener struct {
	client.BaseSubscriptionListener
	logger *zap.Logger
}

func (l *logListener) OnDataReceived(s *client.Subscription, items []*client.MonitoredItem, values []ua.DataValue) {
	for i, item := range items {
		l.logger.Info("data change",
			zap.Stringer("nodeID", item.ItemToMonitor().NodeID),
			zap.Any("value", values[i].Value),
			zap.Time("sourceTimestamp", values[i].SourceTimestamp),
			zap.Uint32("sequenceNumber", s.LastSequenceNumber()))
	}
}

func (l *logListener) OnEventReceived(s *client.Subscription, items []*client.MonitoredItem, fields [][]ua.Variant) {
	for _, f := range fields {
		var evt ua.BaseEvent
		if err := evt.UnmarshalFields(f); err != nil {
			l.logger.Warn("unexpected event fields", zap.Int("count", len(f)))
			continue
		}
		l.logger.Info("event",
			zap.String("sourceName", evt.SourceName),
			zap.String("message", evt.Message.Text),
			zap.Uint16("severity", evt.Severity),
			zap.Time("time", evt.Time))
	}
}

func (l *logListener) OnKeepAlive(s *client.Subscription, publishTime time.Time) {
	l.logger.Debug("keep alive", zap.Uint32("subscriptionID", s.SubscriptionID()), zap.Time("publishTime", publishTime))
}

func (l *logListener) OnStatusChanged(s *client.Subscription, status ua.StatusCode) {
	l.logger.Warn("status changed", zap.Uint32("subscriptionID", s.SubscriptionID()), zap.Error(status))
}

func (l *logListener) OnNotificationDataLost(s *client.Subscription) {
	l.logger.Warn("notification data lost", zap.Uint32("subscriptionID", s.SubscriptionID()))
}

func (l *logListener) OnWatchdogTimerElapsed(s *client.Subscription) {
	l.logger.Warn("watchdog elapsed", zap.Uint32("subscriptionID", s.SubscriptionID()))
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	hs := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("serving metrics", zap.String("address", addr))
		if err := hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("error serving metrics", zap.Error(err))
		}
	}()
	return hs
}

func waitForSignal(ctx context.Context) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	select {
	case <-sigs:
	case <-ctx.Done():
	}
}
