// Package rewards implements the token incentive layer on top of the
// store: one token per recycled can, credited to the logged-in user.
package rewards

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jo-hoe/waste-sorter/internal/backend/database"
)

// ErrNoUser is returned by operations that require a logged-in user.
var ErrNoUser = errors.New("no user logged in")

// BalanceUpdate is published on the updates channel after every
// successful token transaction. A UI reacts to these instead of the
// service calling back into UI code.
type BalanceUpdate struct {
	UserID   string
	Username string
	Balance  float64
}

type TokenService struct {
	databaseService database.DatabaseService
	tokenValueUSD   float64

	mu          sync.Mutex
	currentUser *database.User

	updates chan BalanceUpdate
}

func NewTokenService(databaseService database.DatabaseService, tokenValueUSD float64) *TokenService {
	return &TokenService{
		databaseService: databaseService,
		tokenValueUSD:   tokenValueUSD,
		updates:         make(chan BalanceUpdate, 16),
	}
}

// Updates returns the balance notification channel. Sends never block;
// a slow consumer misses intermediate updates, not the final balance
// (every update carries the absolute balance).
func (t *TokenService) Updates() <-chan BalanceUpdate {
	return t.updates
}

func (t *TokenService) CreateUser(username, email string, settings database.Metadata) (string, error) {
	return t.databaseService.CreateUser(username, email, settings)
}

// Login fetches the user, stamps last_login and makes the user current.
func (t *TokenService) Login(username string) (*database.User, error) {
	user, err := t.databaseService.GetUserByName(username)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if err := t.databaseService.UpdateUserLogin(username); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	t.mu.Lock()
	t.currentUser = user
	t.mu.Unlock()

	slog.Info("user logged in", "username", username, "balance", user.TokenBalance)
	return user, nil
}

func (t *TokenService) Logout() {
	t.mu.Lock()
	t.currentUser = nil
	t.mu.Unlock()
}

// CurrentUser returns a fresh copy of the logged-in user, or nil.
func (t *TokenService) CurrentUser() *database.User {
	t.mu.Lock()
	user := t.currentUser
	t.mu.Unlock()
	if user == nil {
		return nil
	}

	fresh, err := t.databaseService.GetUserByID(user.ID)
	if err != nil {
		slog.Warn("failed to refresh current user", "user_id", user.ID, "error", err)
		return user
	}
	return fresh
}

// AwardTokens credits one token per recycled can to the current user.
// The referenceID links the transaction to the sort event that earned it.
func (t *TokenService) AwardTokens(canCount int, referenceID string, metadata database.Metadata) (float64, error) {
	t.mu.Lock()
	user := t.currentUser
	t.mu.Unlock()
	if user == nil {
		return 0, ErrNoUser
	}
	if canCount <= 0 {
		return 0, fmt.Errorf("award tokens: can count must be positive, got %d", canCount)
	}

	amount := float64(canCount)
	// Annotate a copy so the caller's map stays untouched.
	annotated := make(database.Metadata, len(metadata)+2)
	for key, value := range metadata {
		annotated[key] = value
	}
	annotated["source"] = "can_recycling"
	annotated["can_count"] = canCount

	_, err := t.databaseService.RecordTokenTransaction(user.ID, amount, database.TransactionAward, referenceID, annotated)
	if err != nil {
		return 0, fmt.Errorf("award tokens: %w", err)
	}

	t.publishBalance(user)
	return amount, nil
}

// RedeemTokens debits tokens from the current user's balance.
func (t *TokenService) RedeemTokens(amount float64, metadata database.Metadata) error {
	t.mu.Lock()
	user := t.currentUser
	t.mu.Unlock()
	if user == nil {
		return ErrNoUser
	}
	if amount <= 0 {
		return fmt.Errorf("redeem tokens: amount must be positive, got %v", amount)
	}

	balance, err := t.databaseService.GetUserBalance(user.ID)
	if err != nil {
		return fmt.Errorf("redeem tokens: %w", err)
	}
	if balance < amount {
		return fmt.Errorf("redeem tokens: balance %v below requested %v", balance, amount)
	}

	_, err = t.databaseService.RecordTokenTransaction(user.ID, -amount, database.TransactionRedeem, "", metadata)
	if err != nil {
		return fmt.Errorf("redeem tokens: %w", err)
	}

	t.publishBalance(user)
	return nil
}

func (t *TokenService) publishBalance(user *database.User) {
	balance, err := t.databaseService.GetUserBalance(user.ID)
	if err != nil {
		slog.Warn("failed to read balance for notification", "user_id", user.ID, "error", err)
		return
	}
	update := BalanceUpdate{UserID: user.ID, Username: user.Username, Balance: balance}
	select {
	case t.updates <- update:
	default:
		// Consumer is behind; the next update carries the current balance.
	}
}

// Balance reads the current user's token balance.
func (t *TokenService) Balance() (float64, error) {
	t.mu.Lock()
	user := t.currentUser
	t.mu.Unlock()
	if user == nil {
		return 0, ErrNoUser
	}
	return t.databaseService.GetUserBalance(user.ID)
}

// BalanceUSD converts the current balance at the configured token value.
func (t *TokenService) BalanceUSD() (float64, error) {
	balance, err := t.Balance()
	if err != nil {
		return 0, err
	}
	return balance * t.tokenValueUSD, nil
}

// Transactions lists the current user's ledger, most recent first.
func (t *TokenService) Transactions(limit int) ([]*database.TokenTransaction, error) {
	t.mu.Lock()
	user := t.currentUser
	t.mu.Unlock()
	if user == nil {
		return nil, ErrNoUser
	}
	return t.databaseService.GetUserTransactions(user.ID, limit)
}
