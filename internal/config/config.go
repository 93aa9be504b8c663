package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"
)

// Config представляет полную конфигурацию приложения
type Config struct {
	Binance  BinanceConfig  `yaml:"binance"`
	Strategy StrategyConfig `yaml:"strategy"`
	Risk     RiskConfig     `yaml:"risk"`
	Engine   EngineConfig   `yaml:"engine"`
	Storage  StorageConfig  `yaml:"storage"`
	Control  ControlConfig  `yaml:"control"`
	Log      LogConfig      `yaml:"log"`
}

// BinanceConfig содержит настройки подключения к Binance
type BinanceConfig struct {
	APIKey         string `yaml:"api_key"`
	APISecret      string `yaml:"api_secret"`
	Testnet        bool   `yaml:"testnet"`
	RequestsPerSec int    `yaml:"requests_per_second" validate:"gte=0"`
	FetchRetries   int    `yaml:"fetch_retries" validate:"gte=0"`
	HedgeMode      bool   `yaml:"hedge_mode"`
}

// ThresholdType режим расчета порога
type ThresholdType string

const (
	ThresholdATR   ThresholdType = "atr"
	ThresholdFixed ThresholdType = "fixed"
)

// StrategyConfig параметры стратегии, неизменяемые в течение запуска
type StrategyConfig struct {
	Symbol        string  `yaml:"symbol" validate:"required"`
	Investment    float64 `yaml:"investment" validate:"gt=0"`
	PositionRatio float64 `yaml:"position_ratio" validate:"gt=0,lte=1"`
	Leverage      int     `yaml:"leverage" validate:"gte=1,lte=125"`

	UpThresholdType   ThresholdType `yaml:"up_threshold_type"`
	UpThreshold       float64       `yaml:"up_threshold" validate:"gte=0"`
	UpATRMultiplier   float64       `yaml:"up_atr_multiplier" validate:"gte=0"`
	DownThresholdType ThresholdType `yaml:"down_threshold_type"`
	DownThreshold     float64       `yaml:"down_threshold" validate:"gte=0,lt=1"`
	DownATRMultiplier float64       `yaml:"down_atr_multiplier" validate:"gte=0"`
	StopLossType      ThresholdType `yaml:"stop_loss_type"`
	StopLossRatio     float64       `yaml:"stop_loss_ratio" validate:"gte=0,lt=1"`
	StopLossATRMult   float64       `yaml:"stop_loss_atr_multiplier" validate:"gte=0"`

	ATRPeriod    int    `yaml:"atr_period" validate:"gte=1"`
	ATRTimeframe string `yaml:"atr_timeframe"`

	TakeProfit *bool    `yaml:"take_profit"`
	FeeRate    *float64 `yaml:"fee_rate" validate:"omitempty,gte=0,lt=0.1"`
	AllowHedge *bool    `yaml:"allow_hedge"`
}

// TakeProfitEnabled тейк-профит включен по умолчанию
func (s StrategyConfig) TakeProfitEnabled() bool {
	return s.TakeProfit == nil || *s.TakeProfit
}

// Fee комиссия тейкера за сторону, по умолчанию 0.04%
func (s StrategyConfig) Fee() float64 {
	if s.FeeRate == nil {
		return 0.0004
	}
	return *s.FeeRate
}

// HedgeAllowed одновременные лонг и шорт разрешены по умолчанию
func (s StrategyConfig) HedgeAllowed() bool {
	return s.AllowHedge == nil || *s.AllowHedge
}

// HaltRelease политика снятия остановки по дневному убытку
type HaltRelease string

const (
	HaltReleaseRollover HaltRelease = "rollover"
	HaltReleaseManual   HaltRelease = "manual"
)

// RiskConfig жесткие лимиты риска
type RiskConfig struct {
	MaxDailyLoss   float64     `yaml:"max_daily_loss" validate:"gt=0"`
	MaxDailyTrades int         `yaml:"max_daily_trades" validate:"gte=1"`
	MaxPositions   int         `yaml:"max_positions"`
	Timezone       string      `yaml:"timezone"`
	HaltRelease    HaltRelease `yaml:"halt_release" validate:"oneof=rollover manual"`
	StatePath      string      `yaml:"state_path"`
}

// EngineConfig настройки цикла управления
type EngineConfig struct {
	Mode         string        `yaml:"mode" validate:"oneof=live paper"`
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`
	OrderTimeout time.Duration `yaml:"order_timeout" validate:"gt=0"`
	QueueSize    int           `yaml:"queue_size" validate:"gte=1"`
	CloseOnStop  bool          `yaml:"close_on_stop"`
	PaperSlipBps float64       `yaml:"paper_slippage_bps" validate:"gte=0"`
}

// StorageConfig настройки хранения данных
type StorageConfig struct {
	Type         string `yaml:"type" validate:"oneof=none file influxdb"`
	URL          string `yaml:"url"`
	Token        string `yaml:"token"`
	Organization string `yaml:"organization"`
	Bucket       string `yaml:"bucket"`
	Dir          string `yaml:"dir"`
	BufferSize   int    `yaml:"buffer_size" validate:"gte=1"`
}

// ControlConfig настройки HTTP канала управления
type ControlConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Token   string `yaml:"token"`
}

// LogConfig настройки логирования
type LogConfig struct {
	Level      string `yaml:"level" validate:"oneof=debug info warn error"`
	File       string `yaml:"file"`
	JSONFile   string `yaml:"json_file"`
	Console    bool   `yaml:"console"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// ConfigError ошибка конфигурации, фатальная при запуске
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("некорректная конфигурация %s: %s", e.Field, e.Reason)
}

const day = 24 * time.Hour

var klineIntervals = map[string]time.Duration{
	"1m": time.Minute, "3m": 3 * time.Minute, "5m": 5 * time.Minute, "15m": 15 * time.Minute, "30m": 30 * time.Minute,
	"1h": time.Hour, "2h": 2 * time.Hour, "4h": 4 * time.Hour, "6h": 6 * time.Hour, "8h": 8 * time.Hour, "12h": 12 * time.Hour,
	"1d": day, "3d": 3 * day, "1w": 7 * day,
}

// IntervalDuration длительность бара Binance
func IntervalDuration(interval string) (time.Duration, bool) {
	d, ok := klineIntervals[interval]
	return d, ok
}

// Load загружает конфигурацию из файла
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла конфигурации: %w", err)
	}
	return Parse(data)
}

// Parse разбирает YAML, подставляет значения по умолчанию и проверяет результат
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, &ConfigError{Field: "yaml", Reason: err.Error()}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	s := &c.Strategy
	s.Symbol = strings.ToUpper(strings.TrimSpace(s.Symbol))
	if s.ATRPeriod == 0 {
		s.ATRPeriod = 14
	}
	if s.ATRTimeframe == "" {
		s.ATRTimeframe = "1h"
	}
	if s.Leverage == 0 {
		s.Leverage = 5
	}
	s.UpThresholdType = normalizeType(s.UpThresholdType)
	s.DownThresholdType = normalizeType(s.DownThresholdType)
	s.StopLossType = normalizeType(s.StopLossType)

	if c.Risk.Timezone == "" {
		c.Risk.Timezone = "UTC"
	}
	if c.Risk.HaltRelease == "" {
		c.Risk.HaltRelease = HaltReleaseRollover
	}

	e := &c.Engine
	if e.Mode == "" {
		e.Mode = "paper"
	}
	if e.PollInterval == 0 {
		e.PollInterval = 5 * time.Second
	}
	if e.OrderTimeout == 0 {
		e.OrderTimeout = 10 * time.Second
	}
	if e.QueueSize == 0 {
		e.QueueSize = 64
	}

	if c.Binance.RequestsPerSec == 0 {
		c.Binance.RequestsPerSec = 10
	}
	if c.Binance.FetchRetries == 0 {
		c.Binance.FetchRetries = 3
	}

	if c.Storage.Type == "" {
		c.Storage.Type = "file"
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = "data"
	}
	if c.Storage.BufferSize == 0 {
		c.Storage.BufferSize = 1024
	}
	if c.Control.Listen == "" {
		c.Control.Listen = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.File == "" && c.Log.JSONFile == "" {
		c.Log.Console = true
	}
	if c.Risk.StatePath == "" {
		c.Risk.StatePath = filepath.Join(c.Storage.Dir, "day_state.json")
	}
}

// percent - старое имя фиксированного режима
func normalizeType(t ThresholdType) ThresholdType {
	v := ThresholdType(strings.ToLower(strings.TrimSpace(string(t))))
	switch v {
	case "percent", "":
		return ThresholdFixed
	}
	return v
}

// Validate проверяет конфигурацию и возвращает *ConfigError
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ConfigError{Field: fe.Namespace(), Reason: fmt.Sprintf("не выполнено правило %s=%s", fe.Tag(), fe.Param())}
		}
		return &ConfigError{Field: "config", Reason: err.Error()}
	}

	s := c.Strategy
	types := []struct {
		field string
		value ThresholdType
	}{
		{"strategy.up_threshold_type", s.UpThresholdType},
		{"strategy.down_threshold_type", s.DownThresholdType},
		{"strategy.stop_loss_type", s.StopLossType},
	}
	for _, t := range types {
		if t.value != ThresholdATR && t.value != ThresholdFixed {
			return &ConfigError{Field: t.field, Reason: fmt.Sprintf("допустимо atr или fixed, получено %q", t.value)}
		}
	}
	if c.Risk.MaxPositions < 1 {
		return &ConfigError{Field: "risk.max_positions", Reason: "должно быть не меньше 1"}
	}
	if s.PositionRatio*float64(c.Risk.MaxPositions) > 1+1e-9 {
		return &ConfigError{
			Field:  "strategy.position_ratio",
			Reason: fmt.Sprintf("position_ratio × max_positions = %.4f превышает объем инвестиций", s.PositionRatio*float64(c.Risk.MaxPositions)),
		}
	}
	if _, ok := klineIntervals[s.ATRTimeframe]; !ok {
		return &ConfigError{Field: "strategy.atr_timeframe", Reason: fmt.Sprintf("неизвестный интервал %q", s.ATRTimeframe)}
	}
	if s.UpThresholdType == ThresholdFixed && s.UpThreshold <= 0 {
		return &ConfigError{Field: "strategy.up_threshold", Reason: "должно быть больше 0 в режиме fixed"}
	}
	if s.DownThresholdType == ThresholdFixed && s.DownThreshold <= 0 {
		return &ConfigError{Field: "strategy.down_threshold", Reason: "должно быть больше 0 в режиме fixed"}
	}
	if s.StopLossType == ThresholdFixed && s.StopLossRatio <= 0 {
		return &ConfigError{Field: "strategy.stop_loss_ratio", Reason: "должно быть больше 0 в режиме fixed"}
	}
	if s.UpThresholdType == ThresholdATR && s.UpATRMultiplier <= 0 {
		return &ConfigError{Field: "strategy.up_atr_multiplier", Reason: "должно быть больше 0 в режиме atr"}
	}
	if s.DownThresholdType == ThresholdATR && s.DownATRMultiplier <= 0 {
		return &ConfigError{Field: "strategy.down_atr_multiplier", Reason: "должно быть больше 0 в режиме atr"}
	}
	if s.StopLossType == ThresholdATR && s.StopLossATRMult <= 0 {
		return &ConfigError{Field: "strategy.stop_loss_atr_multiplier", Reason: "должно быть больше 0 в режиме atr"}
	}
	if _, err := time.LoadLocation(c.Risk.Timezone); err != nil {
		return &ConfigError{Field: "risk.timezone", Reason: err.Error()}
	}
	if c.Engine.Mode == "live" && (c.Binance.APIKey == "" || c.Binance.APISecret == "") {
		return &ConfigError{Field: "binance.api_key", Reason: "ключи обязательны в режиме live"}
	}
	// в одностороннем режиме встречная заявка гасит открытую позицию
	if c.Engine.Mode == "live" && !c.Binance.HedgeMode && s.HedgeAllowed() {
		return &ConfigError{Field: "strategy.allow_hedge", Reason: "требует binance.hedge_mode: true в режиме live"}
	}
	if c.Storage.Type == "influxdb" && (c.Storage.URL == "" || c.Storage.Bucket == "") {
		return &ConfigError{Field: "storage.url", Reason: "url и bucket обязательны для influxdb"}
	}
	return nil
}
