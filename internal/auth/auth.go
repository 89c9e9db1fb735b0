package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/Alexchained/bitcoinexchange/internal/db"
	"github.com/Alexchained/bitcoinexchange/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
)

// AuthService handles user authentication and account provisioning
type AuthService struct {
	DB           *db.DB
	jwtSecret    []byte
	startDollar  decimal.Decimal
	startBitcoin decimal.Decimal
}

// NewAuthService creates a new auth service. startDollar and startBitcoin
// are the balances credited to every newly provisioned wallet.
func NewAuthService(db *db.DB, jwtSecret string, startDollar, startBitcoin decimal.Decimal) *AuthService {
	return &AuthService{
		DB:           db,
		jwtSecret:    []byte(jwtSecret),
		startDollar:  startDollar,
		startBitcoin: startBitcoin,
	}
}

// Register creates a new user with a hashed password and provisions their
// wallet in the same database transaction. Provisioning is an explicit call
// here so that no order can ever be placed for a user without a wallet.
func (s *AuthService) Register(ctx context.Context, username, password string) (*models.User, *models.Wallet, error) {
	// Validate input
	if username == "" {
		return nil, nil, fmt.Errorf("username cannot be empty")
	}
	if password == "" {
		return nil, nil, fmt.Errorf("password cannot be empty")
	}
	if len(username) > 50 {
		return nil, nil, fmt.Errorf("username too long (max 50 characters)")
	}
	if len(password) > 100 {
		return nil, nil, fmt.Errorf("password too long (max 100 characters)")
	}

	// Hash the password
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, nil, err
	}

	user, wallet, err := s.DB.CreateUserWithWallet(ctx, username, string(hashedPassword), s.startDollar, s.startBitcoin)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, wallet, nil
}

// Login verifies credentials and generates a JWT
func (s *AuthService) Login(ctx context.Context, username, password string) (string, error) {
	// Get user from database
	user, err := s.DB.GetUserByUsername(ctx, username)
	if err != nil {
		return "", err
	}

	// Verify password
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", err
	}

	// Generate JWT
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":  user.ID,
		"username": user.Username,
		"exp":      time.Now().Add(24 * time.Hour).Unix(),
	})

	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", err
	}
	return tokenString, nil
}

// GetUserFromToken extracts user ID from JWT
func (s *AuthService) GetUserFromToken(tokenString string) (int, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	})
	if err != nil {
		return 0, err
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		userID, ok := claims["user_id"].(float64)
		if !ok {
			return 0, fmt.Errorf("user_id claim missing")
		}
		return int(userID), nil
	}
	return 0, fmt.Errorf("invalid token")
}
