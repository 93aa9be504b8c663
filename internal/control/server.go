package control

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skalibog/atrbot/internal/analysis/threshold"
	"github.com/skalibog/atrbot/internal/config"
	"github.com/skalibog/atrbot/internal/engine"
	"github.com/skalibog/atrbot/internal/storage"
	"github.com/skalibog/atrbot/pkg/logger"
	"github.com/skalibog/atrbot/pkg/models"
)

const (
	defaultTradesLimit = 50
	maxTradesLimit     = 1000
	shutdownTimeout    = 5 * time.Second
)

// Core сторона ядра, видимая каналу управления
type Core interface {
	Submit(cmd models.Command) error
	Status() engine.Status
}

// Server HTTP канал управления: чтение состояния и ручные команды
type Server struct {
	listen  string
	token   string
	core    Core
	trades  storage.TradeHistory
	hub     *Hub
	metrics http.Handler
	view    ConfigView
	router  *gin.Engine
}

// Options необязательные части сервера
type Options struct {
	// Trades nil отключает /api/trades
	Trades storage.TradeHistory
	// Hub nil отключает /ws
	Hub *Hub
	// Metrics nil отключает /metrics
	Metrics http.Handler
}

func NewServer(cfg *config.Config, core Core, opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		listen:  cfg.Control.Listen,
		token:   cfg.Control.Token,
		core:    core,
		trades:  opts.Trades,
		hub:     opts.Hub,
		metrics: opts.Metrics,
		view:    newConfigView(cfg),
	}
	s.router = s.routes()
	return s
}

// Handler обработчик для http.Server и тестов
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery(), requestID(), requestLogger())

	g.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	if s.metrics != nil {
		g.GET("/metrics", gin.WrapH(s.metrics))
	}

	api := g.Group("/api", s.auth())
	{
		api.GET("/status", s.status)
		api.GET("/positions", s.positions)
		api.GET("/trades", s.recentTrades)
		api.GET("/config", s.showConfig)

		api.POST("/open_long", s.command(models.CommandOpenLong))
		api.POST("/open_short", s.command(models.CommandOpenShort))
		api.POST("/close_all", s.command(models.CommandCloseAll))
		api.POST("/pause", s.command(models.CommandPause))
		api.POST("/resume", s.command(models.CommandResume))
	}
	if s.hub != nil {
		g.GET("/ws", s.auth(), s.hub.ServeWS)
	}
	return g
}

// Run обслуживает запросы до отмены ctx
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Канал управления запущен", zap.String("listen", s.listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("ошибка HTTP сервера: %w", err)
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("ошибка остановки HTTP сервера: %w", err)
	}
	logger.Info("Канал управления остановлен")
	return nil
}

func (s *Server) status(c *gin.Context) {
	respond(c, http.StatusOK, s.core.Status())
}

func (s *Server) positions(c *gin.Context) {
	respond(c, http.StatusOK, s.core.Status().Positions)
}

func (s *Server) recentTrades(c *gin.Context) {
	if s.trades == nil {
		fail(c, http.StatusNotFound, errors.New("история сделок не ведется"))
		return
	}
	limit := defaultTradesLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			fail(c, http.StatusBadRequest, fmt.Errorf("некорректный limit %q", v))
			return
		}
		limit = min(n, maxTradesLimit)
	}

	trades, err := s.trades.RecentTrades(c.Request.Context(), s.view.Symbol, limit)
	if err != nil {
		logger.Error("Ошибка чтения истории сделок", zap.Error(err))
		fail(c, http.StatusInternalServerError, err)
		return
	}
	if trades == nil {
		trades = []models.TradeRecord{}
	}
	respond(c, http.StatusOK, trades)
}

func (s *Server) showConfig(c *gin.Context) {
	respond(c, http.StatusOK, s.view)
}

// command ставит команду в очередь ядра. Ответ 202: применение асинхронное.
func (s *Server) command(kind models.CommandKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		cmd := models.Command{Kind: kind, IssuedAt: time.Now(), Source: models.SourceManual}
		err := s.core.Submit(cmd)
		switch {
		case err == nil:
			logger.Info("Принята ручная команда", zap.String("command", string(kind)), zap.String("ip", c.ClientIP()))
			respond(c, http.StatusAccepted, cmd)
		case errors.Is(err, engine.ErrStopped):
			fail(c, http.StatusServiceUnavailable, err)
		case errors.Is(err, engine.ErrQueueFull):
			fail(c, http.StatusTooManyRequests, err)
		default:
			fail(c, http.StatusBadRequest, err)
		}
	}
}

// auth проверяет токен, если он задан в конфигурации
func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.token == "" {
			c.Next()
			return
		}
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if got == "" {
			got = c.Query("token")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			unauthorized(c)
			return
		}
		c.Next()
	}
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Header("X-Request-Id", id)
		c.Set(requestIDKey, id)
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP запрос",
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("cost", time.Since(start)))
	}
}

// ConfigView параметры запуска без ключей API
type ConfigView struct {
	Symbol         string  `json:"symbol"`
	Interval       string  `json:"atr_timeframe"`
	ATRPeriod      int     `json:"atr_period"`
	Investment     float64 `json:"investment"`
	PositionRatio  float64 `json:"position_ratio"`
	Leverage       int     `json:"leverage"`
	UpThreshold    string  `json:"up_threshold"`
	DownThreshold  string  `json:"down_threshold"`
	StopLoss       string  `json:"stop_loss"`
	TakeProfit     bool    `json:"take_profit"`
	FeeRate        float64 `json:"fee_rate"`
	AllowHedge     bool    `json:"allow_hedge"`
	MaxDailyLoss   float64 `json:"max_daily_loss"`
	MaxDailyTrades int     `json:"max_daily_trades"`
	MaxPositions   int     `json:"max_positions"`
	Timezone       string  `json:"timezone"`
	HaltRelease    string  `json:"halt_release"`
	Mode           string  `json:"mode"`
	PollInterval   string  `json:"poll_interval"`
	OrderTimeout   string  `json:"order_timeout"`
	CloseOnStop    bool    `json:"close_on_stop"`
}

func newConfigView(cfg *config.Config) ConfigView {
	s := cfg.Strategy
	return ConfigView{
		Symbol:         s.Symbol,
		Interval:       s.ATRTimeframe,
		ATRPeriod:      s.ATRPeriod,
		Investment:     s.Investment,
		PositionRatio:  s.PositionRatio,
		Leverage:       s.Leverage,
		UpThreshold:    describeRule(s.UpThresholdType, s.UpThreshold, s.UpATRMultiplier),
		DownThreshold:  describeRule(s.DownThresholdType, s.DownThreshold, s.DownATRMultiplier),
		StopLoss:       describeRule(s.StopLossType, s.StopLossRatio, s.StopLossATRMult),
		TakeProfit:     s.TakeProfitEnabled(),
		FeeRate:        s.Fee(),
		AllowHedge:     s.HedgeAllowed(),
		MaxDailyLoss:   cfg.Risk.MaxDailyLoss,
		MaxDailyTrades: cfg.Risk.MaxDailyTrades,
		MaxPositions:   cfg.Risk.MaxPositions,
		Timezone:       cfg.Risk.Timezone,
		HaltRelease:    string(cfg.Risk.HaltRelease),
		Mode:           cfg.Engine.Mode,
		PollInterval:   cfg.Engine.PollInterval.String(),
		OrderTimeout:   cfg.Engine.OrderTimeout.String(),
		CloseOnStop:    cfg.Engine.CloseOnStop,
	}
}

func describeRule(kind config.ThresholdType, ratio, multiplier float64) string {
	r, err := threshold.NewRule(string(kind), ratio, multiplier)
	if err != nil {
		return string(kind)
	}
	return r.String()
}
