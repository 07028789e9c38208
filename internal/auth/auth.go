package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/tradesim/tradesim-api/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
)

// Credentials is an account id plus its API token, exchanged for a JWT.
type Credentials struct {
	AccountID string `json:"account_id"`
	Token     string `json:"token"`
}

// TokenResponse is the issued JWT and its expiry.
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
}

// Claims is the JWT claims structure carried by every authenticated call.
type Claims struct {
	jwt.RegisteredClaims
	AccountID   string   `json:"account_id"`
	Permissions []string `json:"permissions"`
}

// Service issues and validates JWTs for registered account credentials.
type Service struct {
	jwtSecret []byte

	mu          sync.RWMutex
	credentials map[string]string // accountID -> API token
}

// NewService creates an authentication service signing with jwtSecret.
func NewService(jwtSecret string) *Service {
	return &Service{
		jwtSecret:   []byte(jwtSecret),
		credentials: make(map[string]string),
	}
}

// RegisterAPICredentials stores the token accepted for an account. The
// broker facade calls this when an account is registered.
func (s *Service) RegisterAPICredentials(accountID, token string) {
	s.mu.Lock()
	s.credentials[accountID] = token
	s.mu.Unlock()
}

// GenerateToken exchanges valid credentials for a JWT with a 24-hour
// expiry and the account id baked into the claims.
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	if !s.validateCredentials(creds) {
		return nil, ErrInvalidCredentials
	}

	expiration := time.Now().Add(24 * time.Hour)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
		AccountID:   creds.AccountID,
		Permissions: []string{"trade"},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
	}, nil
}

// ValidateToken verifies the signature and expiry and returns the claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

func (s *Service) validateCredentials(creds Credentials) bool {
	s.mu.RLock()
	token, exists := s.credentials[creds.AccountID]
	s.mu.RUnlock()
	return exists && token != "" && token == creds.Token
}

// GinHandlers contains the HTTP handlers for authentication endpoints.
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates the auth HTTP handlers.
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// GenerateTokenHandler handles POST /auth/token.
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}

// GetAccountID extracts the account id from JWT claims placed in the gin
// context by the auth middleware. Returns "" when absent.
func GetAccountID(claims interface{}) string {
	if jwtClaims, ok := claims.(jwt.MapClaims); ok {
		if accountID, ok := jwtClaims["account_id"].(string); ok {
			return accountID
		}
	}
	return ""
}
