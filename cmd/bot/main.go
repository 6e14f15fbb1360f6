package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/vitos/pivot_trade_bot/internal/infrastructure/exchange"
	"github.com/vitos/pivot_trade_bot/internal/infrastructure/logger"
	"github.com/vitos/pivot_trade_bot/internal/infrastructure/storage"
	"github.com/vitos/pivot_trade_bot/internal/infrastructure/stream"
	"github.com/vitos/pivot_trade_bot/internal/usecase"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Exchange struct {
		RESTEndpoint string `yaml:"rest_endpoint"`
		WSEndpoint   string `yaml:"ws_endpoint"`
		APIKey       string `yaml:"api_key"`
		APISecret    string `yaml:"api_secret"`
	} `yaml:"exchange"`
	Strategy struct {
		Symbols           map[string]float64 `yaml:"symbols"`
		TakeProfitPct     float64            `yaml:"take_profit_pct"`
		StopLossPct       float64            `yaml:"stop_loss_pct"`
		SlippagePct       float64            `yaml:"slippage_pct"`
		RefreshIntervalMs int                `yaml:"refresh_interval_ms"`
		CandleInterval    string             `yaml:"candle_interval"`
		LookbackBars      int                `yaml:"lookback_bars"`
		ResistanceLevels  int                `yaml:"resistance_levels"`
		SupportLevels     int                `yaml:"support_levels"`
		TimeInForce       string             `yaml:"time_in_force"`
	} `yaml:"strategy"`
	Stream struct {
		PingIntervalMs       int `yaml:"ping_interval_ms"`
		ReconnectBaseMs      int `yaml:"reconnect_base_ms"`
		ReconnectCapMs       int `yaml:"reconnect_cap_ms"`
		MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
	} `yaml:"stream"`
	Journal struct {
		Path string `yaml:"path"`
	} `yaml:"journal"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

func loadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}

	// Credentials may come from the environment instead of the file.
	if v := os.Getenv("EXCHANGE_API_KEY"); v != "" {
		cfg.Exchange.APIKey = v
	}
	if v := os.Getenv("EXCHANGE_API_SECRET"); v != "" {
		cfg.Exchange.APISecret = v
	}
	return &cfg, nil
}

func validateConfig(cfg *Config) error {
	switch {
	case len(cfg.Strategy.Symbols) == 0:
		return fmt.Errorf("strategy.symbols is empty")
	case cfg.Strategy.TakeProfitPct <= 0 || cfg.Strategy.StopLossPct <= 0:
		return fmt.Errorf("take_profit_pct and stop_loss_pct must be positive")
	case cfg.Strategy.RefreshIntervalMs <= 0:
		return fmt.Errorf("strategy.refresh_interval_ms must be positive")
	case cfg.Strategy.LookbackBars <= 0:
		return fmt.Errorf("strategy.lookback_bars must be positive")
	case cfg.Exchange.RESTEndpoint == "" || cfg.Exchange.WSEndpoint == "":
		return fmt.Errorf("exchange endpoints are required")
	case cfg.Exchange.APIKey == "" || cfg.Exchange.APISecret == "":
		return fmt.Errorf("exchange credentials are required")
	}
	return nil
}

func main() {
	_ = godotenv.Load()

	configPath := "config/config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		configPath = v
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := validateConfig(cfg); err != nil {
		fmt.Printf("Invalid config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	journalPath := cfg.Journal.Path
	if journalPath == "" {
		journalPath = "bot.db"
	}
	journal, err := storage.NewSQLiteStore(journalPath)
	if err != nil {
		log.Fatal("Failed to init journal", zap.Error(err))
	}
	defer journal.Close()

	venue := exchange.NewBybitClient(cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Exchange.RESTEndpoint)
	gateway := exchange.NewOrderGateway(venue, cfg.Strategy.TimeInForce, log.Named("gateway"))

	engine := usecase.NewStrategyEngine(usecase.StrategyConfig{
		Symbols:          cfg.Strategy.Symbols,
		TakeProfitPct:    cfg.Strategy.TakeProfitPct,
		StopLossPct:      cfg.Strategy.StopLossPct,
		SlippagePct:      cfg.Strategy.SlippagePct,
		RefreshInterval:  time.Duration(cfg.Strategy.RefreshIntervalMs) * time.Millisecond,
		CandleInterval:   cfg.Strategy.CandleInterval,
		LookbackBars:     cfg.Strategy.LookbackBars,
		ResistanceLevels: cfg.Strategy.ResistanceLevels,
		SupportLevels:    cfg.Strategy.SupportLevels,
	}, gateway, venue, journal, log.Named("engine"))

	conn := stream.NewConn(stream.Config{
		URL:           cfg.Exchange.WSEndpoint,
		PingInterval:  time.Duration(cfg.Stream.PingIntervalMs) * time.Millisecond,
		ReconnectBase: time.Duration(cfg.Stream.ReconnectBaseMs) * time.Millisecond,
		ReconnectCap:  time.Duration(cfg.Stream.ReconnectCapMs) * time.Millisecond,
		MaxAttempts:   cfg.Stream.MaxReconnectAttempts,
	}, log.Named("stream"))

	conn.OnEvent(engine.Enqueue)
	conn.OnConnect(func() {
		topics := []string{"execution", "order", "position"}
		for symbol := range cfg.Strategy.Symbols {
			topics = append(topics, "tickers."+symbol)
		}
		conn.Subscribe(topics)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := engine.Run(ctx); err != nil {
			log.Error("engine stopped with error", zap.Error(err))
		}
	}()

	conn.Start()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-stop:
		log.Info("Shutting down...")
	case <-conn.Fatal():
		log.Error("Stream connection lost permanently, shutting down")
		exitCode = 1
	}

	cancel()
	<-engineDone
	conn.Close()
	os.Exit(exitCode)
}
