package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/skalibog/atrbot/internal/config"
	"github.com/skalibog/atrbot/internal/control"
	"github.com/skalibog/atrbot/internal/engine"
	"github.com/skalibog/atrbot/internal/exchange"
	"github.com/skalibog/atrbot/internal/metrics"
	"github.com/skalibog/atrbot/internal/risk"
	"github.com/skalibog/atrbot/internal/storage"
	"github.com/skalibog/atrbot/pkg/logger"
)

func main() {
	// Обработка флагов командной строки
	configPath := flag.String("config", "config.yaml", "путь к файлу конфигурации")
	flag.Parse()

	// Логгер настраивается из конфигурации, поэтому ошибку загрузки печатаем напрямую
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(2)
	}

	if err := logger.Init(logger.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		JSONFile:   cfg.Log.JSONFile,
		Console:    cfg.Log.Console,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка инициализации логгера: %v\n", err)
		os.Exit(2)
	}

	// Завершение по SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg)
	stop()

	if err != nil {
		logger.Error("Работа завершена с ошибкой", zap.Error(err))
	} else {
		logger.Info("Работа завершена")
	}
	_ = logger.GetLogger().Sync()
	if err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) (err error) {
	logger.Info("Запуск",
		zap.String("symbol", cfg.Strategy.Symbol),
		zap.String("mode", cfg.Engine.Mode),
		zap.String("interval", cfg.Strategy.ATRTimeframe),
		zap.Int("atr_period", cfg.Strategy.ATRPeriod))

	gateway, err := newGateway(ctx, cfg)
	if err != nil {
		return err
	}

	// Приемники записей: лента статуса и хранилище истории
	var sinks []storage.Sink
	var hub *control.Hub
	if cfg.Control.Enabled {
		hub = control.NewHub()
		sinks = append(sinks, hub)
	}
	history, store, err := newStorage(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	if store != nil {
		sinks = append(sinks, store)
	}
	recorder := storage.NewAsync(cfg.Storage.BufferSize, sinks...)
	defer func() {
		err = multierr.Append(err, recorder.Close())
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.RegisterRecorder(reg, recorder)

	core, err := engine.New(cfg, engine.Deps{
		Gateway:   gateway,
		Recorder:  recorder,
		Snapshots: risk.NewSnapshotStore(cfg.Risk.StatePath),
		Metrics:   metrics.New(reg),
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return core.Run(gctx)
	})
	if cfg.Control.Enabled {
		srv := control.NewServer(cfg, core, control.Options{
			Trades:  history,
			Hub:     hub,
			Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		})
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}
	return g.Wait()
}

// newGateway в бумажном режиме данные берутся с биржи, а заявки исполняются локально
func newGateway(ctx context.Context, cfg *config.Config) (exchange.Gateway, error) {
	client := exchange.NewBinanceClient(cfg.Binance)
	if cfg.Engine.Mode == "paper" {
		logger.Info("Бумажный режим: заявки не отправляются на биржу",
			zap.Float64("slippage_bps", cfg.Engine.PaperSlipBps))
		return exchange.NewPaper(client, cfg.Engine.PaperSlipBps), nil
	}
	if err := client.Prepare(ctx, cfg.Strategy.Symbol, cfg.Strategy.Leverage); err != nil {
		return nil, fmt.Errorf("ошибка подготовки биржи: %w", err)
	}
	return client, nil
}

type historyStore interface {
	storage.Sink
	storage.TradeHistory
}

func newStorage(ctx context.Context, cfg config.StorageConfig) (storage.TradeHistory, storage.Sink, error) {
	var store historyStore
	switch cfg.Type {
	case "file":
		rec, err := storage.NewJSONFileRecorder(cfg.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("ошибка инициализации журнала: %w", err)
		}
		store = rec
	case "influxdb":
		db, err := storage.NewInfluxDBStorage(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("ошибка инициализации хранилища: %w", err)
		}
		store = db
	default:
		logger.Warn("Хранилище отключено, решения и сделки не сохраняются")
		return nil, nil, nil
	}
	logger.Info("Хранилище инициализировано", zap.String("type", cfg.Type))
	return store, store, nil
}
