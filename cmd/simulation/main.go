package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tradesim/tradesim-api/internal/auth"
	"github.com/tradesim/tradesim-api/internal/broker"
	"github.com/tradesim/tradesim-api/internal/database"
	"github.com/tradesim/tradesim-api/internal/orders"
	"github.com/tradesim/tradesim-api/internal/simulator"
	"github.com/tradesim/tradesim-api/internal/ticker"
	"github.com/tradesim/tradesim-api/internal/types"
	"github.com/tradesim/tradesim-api/pkg/middleware"
)

const (
	minOrders     = 15
	maxOrders     = 150
	numWorkers    = 5
	serverAddress = "http://localhost:8080"

	simAccountID = "sim-account"
	simToken     = "sim-token"
	jwtSecret    = "tradesim-secret-key"
)

// instruments the driver trades, registered at startup.
var instruments = []struct {
	figi      string
	basePrice float64
}{
	{"BBG004730N88", 280.0},
	{"BBG004730RP0", 160.0},
	{"BBG004731032", 7200.0},
}

var directions = []types.OrderDirection{types.DirectionBuy, types.DirectionSell}

// init configures the logger for the simulation with pretty printing.
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint.
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes min, max, mean, median, p95 and p99 durations.
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient drives the trading API over HTTP.
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

func newSimulationClient() (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: serverAddress,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":      {name: "Authentication"},
			"place":     {name: "Place Order"},
			"get":       {name: "Get Order"},
			"cancel":    {name: "Cancel Order"},
			"quote":     {name: "Get Quote"},
			"portfolio": {name: "Get Portfolio"},
		},
	}

	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token
	return sc, nil
}

// authenticate exchanges the account credentials for a JWT.
func (sc *simulationClient) authenticate() (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["auth"].addDuration(time.Since(start))
	}()

	body, err := json.Marshal(auth.Credentials{
		AccountID: simAccountID,
		Token:     simToken,
	})
	if err != nil {
		return "", err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/token", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Success bool `json:"success"`
		Data    struct {
			Token string `json:"jwt_token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.Data.Token, nil
}

// do sends an authenticated request and decodes the envelope data into out.
func (sc *simulationClient) do(method, path string, payload, out interface{}, statKey string) error {
	start := time.Now()
	defer func() {
		sc.stats[statKey].addDuration(time.Since(start))
	}()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+sc.authToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		sc.stats[statKey].failures++
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("API response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		sc.stats[statKey].failures++
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	envelope := struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}{}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	return json.Unmarshal(envelope.Data, out)
}

func (sc *simulationClient) placeOrder(req types.OrderRequest) (*types.OrderResult, error) {
	var result types.OrderResult
	if err := sc.do("POST", "/api/v1/orders", req, &result, "place"); err != nil {
		return nil, err
	}
	return &result, nil
}

func (sc *simulationClient) getOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := sc.do("GET", "/api/v1/orders/"+orderID, nil, &order, "get"); err != nil {
		return nil, err
	}
	return &order, nil
}

func (sc *simulationClient) cancelOrder(orderID string) error {
	return sc.do("DELETE", "/api/v1/orders/"+orderID, nil, nil, "cancel")
}

func (sc *simulationClient) getQuote(figi string) (*types.Quote, error) {
	var quote types.Quote
	if err := sc.do("GET", "/api/v1/quotes/"+figi, nil, &quote, "quote"); err != nil {
		return nil, err
	}
	return &quote, nil
}

func (sc *simulationClient) getPortfolio() (*types.Portfolio, error) {
	var p types.Portfolio
	if err := sc.do("GET", "/api/v1/portfolio", nil, &p, "portfolio"); err != nil {
		return nil, err
	}
	return &p, nil
}

// printPerformanceStats outputs per-endpoint latency statistics.
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range sc.stats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// main runs the trading simulation: it starts a local API server with the
// engine ticking in the background, then drives it with random order flow
// from several workers.
func main() {
	go func() {
		if err := startServer(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start.
	time.Sleep(2 * time.Second)

	simClient, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	log.Info().Int("target_orders", targetOrders).Msg("Starting simulation")

	resultsChan := make(chan types.OrderResult, targetOrders)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			placeOrdersHTTP(workerID, targetOrders/numWorkers, simClient, resultsChan)
		}(i)
	}

	wg.Wait()
	close(resultsChan)

	stats := struct {
		TotalOrders     int
		Filled          int
		Pending         int
		Rejected        int
		Cancelled       int
		TotalValue      float64
		StartTime       time.Time
		Figis           map[string]int
		Directions      map[string]int
		pendingOrderIDs []string
	}{
		StartTime:  time.Now(),
		Figis:      make(map[string]int),
		Directions: make(map[string]int),
	}

	for result := range resultsChan {
		stats.TotalOrders++
		stats.Figis[result.Order.FIGI]++
		stats.Directions[string(result.Order.Direction)]++

		switch result.Status {
		case types.StatusFilled:
			stats.Filled++
			stats.TotalValue += result.ExecutedPrice * float64(result.ExecutedQuantity)
		case types.StatusPending:
			stats.Pending++
			stats.pendingOrderIDs = append(stats.pendingOrderIDs, result.Order.OrderID)
		case types.StatusRejected:
			stats.Rejected++
		}
	}

	// Let the background ticker chew on the pending book, then poll the
	// leftovers and cancel whatever still has not crossed.
	log.Info().Int("pending", stats.Pending).Msg("Waiting for ticker to reprocess pending orders")
	time.Sleep(3 * time.Second)

	for _, orderID := range stats.pendingOrderIDs {
		order, err := simClient.getOrder(orderID)
		if err != nil {
			log.Error().Err(err).Str("order_id", orderID).Msg("Failed to fetch pending order")
			continue
		}
		switch order.Status {
		case types.StatusFilled:
			stats.Filled++
			stats.Pending--
			stats.TotalValue += order.ExecutedPrice * float64(order.ExecutedQuantity)
		case types.StatusPending:
			if err := simClient.cancelOrder(orderID); err == nil {
				stats.Cancelled++
				stats.Pending--
			}
		}
	}

	for _, inst := range instruments {
		if quote, err := simClient.getQuote(inst.figi); err == nil {
			log.Info().
				Str("figi", quote.FIGI).
				Float64("bid", quote.Bid).
				Float64("ask", quote.Ask).
				Float64("last_price", quote.LastPrice).
				Msg("Final quote")
		}
	}

	portfolio, err := simClient.getPortfolio()
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch portfolio")
	}

	duration := time.Since(stats.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("TRADING SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
Order Statistics
----------------
Total Orders:     %d
Filled:           %d
Still Pending:    %d
Rejected:         %d
Cancelled:        %d
Total Value:      %.2f
Duration:         %v

Instrument Distribution
-----------------------
`, stats.TotalOrders, stats.Filled, stats.Pending, stats.Rejected, stats.Cancelled,
		stats.TotalValue, duration.Round(time.Millisecond))

	maxFigiCount := 0
	for _, count := range stats.Figis {
		if count > maxFigiCount {
			maxFigiCount = count
		}
	}
	for figi, count := range stats.Figis {
		barLength := int(float64(count) / float64(maxFigiCount) * 20)
		fmt.Printf("%-14s: %s (%d)\n", figi, strings.Repeat("#", barLength), count)
	}

	fmt.Println("\nDirection Distribution")
	fmt.Println("----------------------")
	for direction, count := range stats.Directions {
		barLength := int(float64(count) / float64(stats.TotalOrders) * 20)
		fmt.Printf("%-4s: %s (%d)\n", direction, strings.Repeat("#", barLength), count)
	}

	if portfolio != nil {
		fmt.Println("\nFinal Portfolio")
		fmt.Println("---------------")
		fmt.Printf("Cash: %.2f %s\n", portfolio.Cash, portfolio.Currency)
		for _, pos := range portfolio.Positions {
			fmt.Printf("%-14s: %d\n", pos.FIGI, pos.Quantity)
		}
	}

	fmt.Println("\n" + strings.Repeat("=", 80))

	fillRate := float64(stats.Filled) / float64(stats.TotalOrders) * 100
	log.Info().
		Float64("fill_rate", fillRate).
		Int("total_orders", stats.TotalOrders).
		Float64("total_value", stats.TotalValue).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}

// placeOrdersHTTP generates and submits random orders, sending results to
// resultsChan. Limit orders are priced around the last quote so a mix of
// marketable and resting orders shows up.
func placeOrdersHTTP(workerID, numOrders int, simClient *simulationClient, resultsChan chan<- types.OrderResult) {
	for i := 0; i < numOrders; i++ {
		inst := instruments[rand.Intn(len(instruments))]

		req := types.OrderRequest{
			FIGI:      inst.figi,
			Direction: directions[rand.Intn(len(directions))],
			OrderType: types.OrderTypeMarket,
			Quantity:  int64(rand.Intn(10) + 1),
		}
		// Roughly a third limit orders, priced within ±5% of base.
		if rand.Intn(3) == 0 {
			req.OrderType = types.OrderTypeLimit
			req.LimitPrice = inst.basePrice * (1 + (rand.Float64()*0.1 - 0.05))
		}

		result, err := simClient.placeOrder(req)
		if err != nil {
			log.Error().Err(err).
				Int("worker_id", workerID).
				Str("figi", req.FIGI).
				Msg("Failed to place order")
			continue
		}

		resultsChan <- *result
		log.Info().
			Int("worker_id", workerID).
			Str("order_id", result.Order.OrderID).
			Str("figi", req.FIGI).
			Str("direction", string(req.Direction)).
			Str("status", string(result.Status)).
			Float64("executed_price", result.ExecutedPrice).
			Msg("Order placed")

		time.Sleep(time.Duration(rand.Intn(500)) * time.Millisecond)
	}
}

// startServer assembles the engine and the API server in-process.
func startServer() error {
	db, err := database.NewDatabase("tradesim-simulation.db")
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	sim := simulator.New(time.Now().UnixNano())
	proc := orders.NewProcessor(sim)
	tick := ticker.New(sim, proc, 250*time.Millisecond)

	authService := auth.NewService(jwtSecret)
	brokerService := broker.NewService(sim, proc, tick, db, authService)

	if err := brokerService.RegisterAccount(simAccountID, simToken, 10_000_000); err != nil {
		return err
	}
	for _, inst := range instruments {
		if err := brokerService.InitInstrumentScenario(inst.figi, simulator.Realistic(inst.basePrice)); err != nil {
			return err
		}
	}
	brokerService.StartSimulation()

	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()

	authHandlers := auth.NewGinHandlers(authService)
	brokerHandlers := broker.NewGinHandlers(brokerService)

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
	}

	return router.Run(":8080")
}
