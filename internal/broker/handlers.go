package broker

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/tradesim/tradesim-api/internal/auth"
	"github.com/tradesim/tradesim-api/internal/simulator"
	"github.com/tradesim/tradesim-api/internal/types"
	"github.com/tradesim/tradesim-api/pkg/response"
)

// GinHandlers contains the HTTP handlers for the broker endpoints.
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates the broker HTTP handlers.
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// accountFromClaims resolves the authenticated account id or writes a 401.
func accountFromClaims(c *gin.Context) (string, bool) {
	claims, exists := c.Get("claims")
	if !exists {
		response.Unauthorized(c, "Missing authentication claims")
		return "", false
	}
	accountID := auth.GetAccountID(claims)
	if accountID == "" {
		response.Unauthorized(c, "Invalid account ID in token")
		return "", false
	}
	return accountID, true
}

// PlaceOrderHandler handles POST /orders. The account id always comes
// from the JWT claims, never from the request body.
func (h *GinHandlers) PlaceOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, ok := accountFromClaims(c)
		if !ok {
			return
		}

		var req types.OrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		req.AccountID = accountID

		result, err := h.service.PlaceOrder(req)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, result)
	}
}

// GetOrdersHandler handles GET /orders.
func (h *GinHandlers) GetOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, ok := accountFromClaims(c)
		if !ok {
			return
		}
		response.Success(c, h.service.GetOrders(accountID))
	}
}

// GetOrderStatusHandler handles GET /orders/:order_id.
func (h *GinHandlers) GetOrderStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, ok := accountFromClaims(c)
		if !ok {
			return
		}

		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		order, found := h.service.GetOrder(accountID, orderID)
		if !found {
			response.NotFound(c, "Order not found")
			return
		}
		response.Success(c, order)
	}
}

// CancelOrderHandler handles DELETE /orders/:order_id. Cancelling an
// already-terminal or unknown order is a 404, not an error.
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, ok := accountFromClaims(c)
		if !ok {
			return
		}

		orderID := c.Param("order_id")
		if !h.service.CancelOrder(accountID, orderID) {
			response.NotFound(c, "Order not found or not cancellable")
			return
		}
		response.Success(c, gin.H{"order_id": orderID, "status": types.StatusCancelled})
	}
}

// GetQuoteHandler handles GET /quotes/:figi.
func (h *GinHandlers) GetQuoteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		figi := c.Param("figi")
		quote, found := h.service.GetQuote(figi)
		if !found {
			response.NotFound(c, "Instrument not found")
			return
		}
		response.Success(c, quote)
	}
}

// GetPortfolioHandler handles GET /portfolio.
func (h *GinHandlers) GetPortfolioHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, ok := accountFromClaims(c)
		if !ok {
			return
		}

		portfolio, err := h.service.GetPortfolio(accountID)
		if err != nil {
			response.NotFound(c, "Account not found")
			return
		}
		response.Success(c, portfolio)
	}
}

type registerAccountRequest struct {
	AccountID   string  `json:"account_id" binding:"required"`
	Token       string  `json:"token" binding:"required"`
	InitialCash float64 `json:"initial_cash"`
}

// RegisterAccountHandler handles POST /internal/accounts.
func (h *GinHandlers) RegisterAccountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerAccountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		err := h.service.RegisterAccount(req.AccountID, req.Token, req.InitialCash)
		switch {
		case errors.Is(err, ErrAccountExists):
			response.Conflict(c, err.Error())
		case errors.Is(err, simulator.ErrInvalidArgument):
			response.BadRequest(c, err.Error())
		default:
			response.Handle(c, gin.H{"account_id": req.AccountID}, err)
		}
	}
}

type registerInstrumentRequest struct {
	FIGI          string  `json:"figi" binding:"required"`
	BasePrice     float64 `json:"base_price" binding:"required"`
	Volatility    float64 `json:"volatility"`
	SpreadPercent float64 `json:"spread_percent"`
}

// RegisterInstrumentHandler handles POST /internal/instruments.
func (h *GinHandlers) RegisterInstrumentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerInstrumentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		err := h.service.InitInstrument(req.FIGI, req.BasePrice, req.Volatility, req.SpreadPercent)
		if errors.Is(err, simulator.ErrInvalidArgument) {
			response.BadRequest(c, err.Error())
			return
		}
		response.Handle(c, gin.H{"figi": req.FIGI}, err)
	}
}

// StartSimulationHandler handles POST /internal/simulation/start.
func (h *GinHandlers) StartSimulationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.service.StartSimulation()
		response.Success(c, gin.H{"running": true})
	}
}

// StopSimulationHandler handles POST /internal/simulation/stop.
func (h *GinHandlers) StopSimulationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.service.StopSimulation()
		response.Success(c, gin.H{"running": false})
	}
}
