package database

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/tradesim/tradesim/internal/domain"
)

// UserStore manages user identity records
type UserStore interface {
	CreateUser(user domain.User) error
	GetUser(userID string) (*domain.User, error)
	GetUserByUsername(username string) (*domain.User, error)
}

// AuthStore manages refresh tokens
type AuthStore interface {
	SaveRefreshToken(token domain.RefreshToken) error
	GetRefreshToken(tokenID string) (*domain.RefreshToken, error)
	RevokeRefreshToken(tokenID string) error
	PurgeExpiredRefreshTokens(now time.Time) (int64, error)
}

// VerificationStore manages email verification tokens
type VerificationStore interface {
	SaveVerificationToken(token domain.ActionToken) error
	ConsumeVerificationToken(tokenID string, now time.Time) (*domain.ActionToken, error)
}

// PasswordResetStore manages password reset tokens
type PasswordResetStore interface {
	SavePasswordResetToken(token domain.ActionToken) error
	ConsumePasswordResetToken(tokenID string, now time.Time) (*domain.ActionToken, error)
}

// FeedbackStore persists user feedback submissions
type FeedbackStore interface {
	SaveFeedback(feedback domain.Feedback) error
	ListFeedback(userID string, limit int) ([]domain.Feedback, error)
}

// SessionStore manages session bindings and their metadata
type SessionStore interface {
	CreateSession(session domain.Session) error
	GetSession(sessionID string) (*domain.Session, error)
	GetActiveSessionByUser(userID string) (*domain.Session, error)
	UpdateSessionStatus(sessionID string, status domain.SessionStatus, at time.Time) error
	UpdateSessionDevice(sessionID, deviceID string, at time.Time) error
	TouchSession(sessionID string, at time.Time) error
	DeleteSession(sessionID string) error
	ListSessionsByStatus(status domain.SessionStatus) ([]domain.Session, error)
	ExpireSessionsBefore(cutoff time.Time, at time.Time) (int64, error)
	SaveSessionMetadata(sessionID string, meta domain.SessionMetadata) error
	GetSessionMetadata(sessionID string) (*domain.SessionMetadata, error)
}

// SimulatorStore manages simulator instance records
type SimulatorStore interface {
	CreateSimulator(sim domain.Simulator) error
	GetSimulator(simulatorID string) (*domain.Simulator, error)
	GetSimulatorBySession(sessionID string) (*domain.Simulator, error)
	UpdateSimulatorStatus(simulatorID string, status domain.SimulatorStatus, reason string, at time.Time) error
	UpdateSimulatorEndpoint(simulatorID, endpoint string, at time.Time) error
	TouchSimulator(simulatorID string, at time.Time) error
	ListSimulatorsByStatus(status domain.SimulatorStatus) ([]domain.Simulator, error)
	ReapStaleSimulators(cutoff time.Time, reason string, at time.Time) (int64, error)
}

// OrderStore persists the order trail
type OrderStore interface {
	SaveOrder(order domain.Order) error
	UpdateOrder(order domain.Order) error
	GetOrder(orderID string) (*domain.Order, error)
	GetOrderByRequestID(userID, requestID string) (*domain.Order, error)
	ListOpenOrders(userID string) ([]domain.Order, error)
	ListOrdersBySession(sessionID string, limit int) ([]domain.Order, error)
}

// IdempotencyScope separates replay caches that must not observe each other
type IdempotencyScope string

const (
	ScopeOrder      IdempotencyScope = "order"
	ScopeConviction IdempotencyScope = "conviction"
)

// IdempotencyStore caches responses keyed by (user_id, request_id, scope)
type IdempotencyStore interface {
	GetCachedResponse(userID, requestID string, scope IdempotencyScope, now time.Time) ([]byte, bool, error)
	PutCachedResponse(userID, requestID string, scope IdempotencyScope, response []byte, now time.Time, ttl time.Duration) error
	PurgeExpiredResponses(now time.Time) (int64, error)
}

// MarketStore persists minute bars and FX quotes
type MarketStore interface {
	SaveBar(bar domain.MinuteBar) error
	SaveBars(bars []domain.MinuteBar) error
	GetBars(symbol string, from, to time.Time) ([]domain.MinuteBar, error)
	GetRecentBars(symbol string, limit int) ([]domain.MinuteBar, error)
	GetLatestBar(symbol string) (*domain.MinuteBar, error)
	SaveFXRate(rate domain.FXRate) error
	GetFXRate(from, to domain.Currency) (*domain.FXRate, error)
}

// CashFlowStore persists the immutable cash-flow trail
type CashFlowStore interface {
	SaveCashFlow(userID string, flow domain.CashFlow) error
	ListCashFlows(userID string, limit int) ([]domain.CashFlow, error)
}

// LockStore is the leased-lock coordination surface. Acquire succeeds when
// the key is free or its lease has lapsed; release validates the owner token.
type LockStore interface {
	TryAcquireLock(key, ownerToken string, ttl time.Duration, now time.Time) (bool, error)
	ReleaseLock(key, ownerToken string) (bool, error)
	PurgeExpiredLocks(now time.Time) (int64, error)
}

// FundStore manages funds and strategy books
type FundStore interface {
	CreateFund(fund domain.Fund) error
	UpdateFund(fund domain.Fund) error
	GetFund(fundID string) (*domain.Fund, error)
	ListFunds(userID string) ([]domain.Fund, error)
	CreateBook(book domain.Book) error
	UpdateBook(book domain.Book) error
	GetBook(bookID string) (*domain.Book, error)
	ListBooks(userID string) ([]domain.Book, error)
}

// Gateway is the single database surface passed by reference to every
// component. Method groups keep call sites narrow; nothing else reaches
// the databases directly.
type Gateway interface {
	UserStore
	AuthStore
	VerificationStore
	PasswordResetStore
	FeedbackStore
	SessionStore
	SimulatorStore
	OrderStore
	IdempotencyStore
	MarketStore
	CashFlowStore
	LockStore
	FundStore
}

// Store implements Gateway over the sqlite databases
type Store struct {
	*UserRepository
	*SessionRepository
	*SimulatorRepository
	*OrderRepository
	*IdempotencyRepository
	*MarketRepository
	*CashFlowRepository
	*LockRepository
	*FundRepository
}

// NewStore assembles the full gateway over the opened databases
func NewStore(stores *Stores, log zerolog.Logger) *Store {
	return &Store{
		UserRepository:        NewUserRepository(stores.AuthDB.Conn(), log),
		SessionRepository:     NewSessionRepository(stores.SessionsDB.Conn(), log),
		SimulatorRepository:   NewSimulatorRepository(stores.SessionsDB.Conn(), log),
		OrderRepository:       NewOrderRepository(stores.TradingDB.Conn(), log),
		IdempotencyRepository: NewIdempotencyRepository(stores.TradingDB.Conn(), log),
		MarketRepository:      NewMarketRepository(stores.MarketDB.Conn(), log),
		CashFlowRepository:    NewCashFlowRepository(stores.MarketDB.Conn(), log),
		LockRepository:        NewLockRepository(stores.CoordinationDB.Conn(), log),
		FundRepository:        NewFundRepository(stores.TradingDB.Conn(), log),
	}
}

// Interface guard
var _ Gateway = (*Store)(nil)
