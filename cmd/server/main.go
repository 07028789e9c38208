package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/tradesim/tradesim-api/internal/auth"
	"github.com/tradesim/tradesim-api/internal/broker"
	"github.com/tradesim/tradesim-api/internal/database"
	"github.com/tradesim/tradesim-api/internal/orders"
	"github.com/tradesim/tradesim-api/internal/simulator"
	"github.com/tradesim/tradesim-api/internal/ticker"
	"github.com/tradesim/tradesim-api/pkg/middleware"
)

// Demo credentials registered at startup so the API is usable out of the
// box. Real deployments register accounts through the internal route.
var (
	demoAccountID = "demo-account"
	demoToken     = "demo-token"
)

// init configures logging: pretty console output outside production,
// debug level when DEBUG is set.
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func main() {
	dbPath := envOr("DB_PATH", "tradesim.db")
	db, err := database.NewDatabase(dbPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	jwtSecret := envOr("JWT_SECRET", "tradesim-secret-key")
	seed := envInt64("SIM_SEED", time.Now().UnixNano())
	tickInterval := time.Duration(envInt64("TICK_INTERVAL_MS", 1000)) * time.Millisecond

	// Engine assembly, dependency order: simulator -> processor ->
	// ticker -> facade.
	sim := simulator.New(seed)
	proc := orders.NewProcessor(sim)
	tick := ticker.New(sim, proc, tickInterval)

	authService := auth.NewService(jwtSecret)
	authHandlers := auth.NewGinHandlers(authService)

	brokerService := broker.NewService(sim, proc, tick, db, authService)
	brokerHandlers := broker.NewGinHandlers(brokerService)

	if err := brokerService.RegisterAccount(demoAccountID, demoToken, 1_000_000); err != nil {
		zlog.Warn().Err(err).Msg("demo account not registered")
	}
	seedInstruments(brokerService)

	brokerService.StartSimulation()
	defer brokerService.StopSimulation()

	router := gin.Default()
	router.Use(middleware.RateLimit())
	setupRoutes(router, jwtSecret, authHandlers, brokerHandlers)

	port := envOr("PORT", "8080")
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal, then stop the simulation and drain the
	// server.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	brokerService.StopSimulation()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// seedInstruments registers a default instrument set so quotes flow
// immediately after startup.
func seedInstruments(b *broker.Service) {
	defaults := []struct {
		figi      string
		basePrice float64
	}{
		{"BBG004730N88", 280.0},  // SBER
		{"BBG004730RP0", 160.0},  // GAZP
		{"BBG004731032", 7200.0}, // LKOH
	}
	for _, d := range defaults {
		if err := b.InitInstrumentScenario(d.figi, simulator.Realistic(d.basePrice)); err != nil {
			zlog.Warn().Err(err).Str("figi", d.figi).Msg("instrument not registered")
		}
	}
}

// setupRoutes configures the API surface:
// - /auth: public token issuance
// - /orders, /quotes, /portfolio: JWT-protected account routes
// - /internal: admin routes for accounts, instruments and simulation
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	brokerHandlers *broker.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		ordersGroup := v1.Group("/orders")
		ordersGroup.Use(middleware.JWTAuth(jwtSecret))
		{
			ordersGroup.POST("", brokerHandlers.PlaceOrderHandler())
			ordersGroup.GET("", brokerHandlers.GetOrdersHandler())
			ordersGroup.GET("/:order_id", brokerHandlers.GetOrderStatusHandler())
			ordersGroup.DELETE("/:order_id", brokerHandlers.CancelOrderHandler())
		}

		market := v1.Group("")
		market.Use(middleware.JWTAuth(jwtSecret))
		{
			market.GET("/quotes/:figi", brokerHandlers.GetQuoteHandler())
			market.GET("/portfolio", brokerHandlers.GetPortfolioHandler())
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(jwtSecret))
		{
			internal.POST("/accounts", brokerHandlers.RegisterAccountHandler())
			internal.POST("/instruments", brokerHandlers.RegisterInstrumentHandler())
			internal.POST("/simulation/start", brokerHandlers.StartSimulationHandler())
			internal.POST("/simulation/stop", brokerHandlers.StopSimulationHandler())
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}
