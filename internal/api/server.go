// Package api exposes the payment service over HTTP: payment verification,
// withdrawals, payment registration, the transfer journal and read-only
// chain diagnostics.
package api

import (
	"context"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"token-payment-reconciler/internal/auth"
	"token-payment-reconciler/internal/domain"
	"token-payment-reconciler/internal/storage"
	"token-payment-reconciler/internal/verification"
	"token-payment-reconciler/internal/withdrawal"
)

// DefaultBodyLimit caps request bodies at 10 KiB.
const DefaultBodyLimit = 10 << 10

// PaymentVerifier checks a payment on the ledger.
type PaymentVerifier interface {
	Verify(ctx context.Context, txHash, toAddress, amount string) (*verification.Result, error)
}

// WithdrawalExecutor performs outbound transfers.
type WithdrawalExecutor interface {
	Withdraw(ctx context.Context, toAddress, amount string) *withdrawal.Result
}

// ChainReader serves the diagnostics endpoints.
type ChainReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	TokenBalance(ctx context.Context, token, owner string) (*big.Int, error)
}

// Options contains configuration for creating a Server.
type Options struct {
	Guard     *auth.Guard
	Verifier  PaymentVerifier
	Executor  WithdrawalExecutor // nil disables /api/withdraw
	Payments  storage.PaymentStore
	Journal   storage.TransferJournalStore // nil disables /api/transfers
	Chain     domain.ChainConfig
	Reader    ChainReader
	Limiter   *RateLimiter // optional
	Logger    *zap.SugaredLogger
	Clock     func() time.Time
	NewID     func() string // payment id generator
	BodyLimit int64

	SystemAddress   string        // reported by health/status
	StatusCacheTTL  time.Duration // 0 disables caching
	WithdrawTimeout time.Duration // 0 means no extra deadline
}

// Server holds the HTTP handlers.
type Server struct {
	guard     *auth.Guard
	verifier  PaymentVerifier
	executor  WithdrawalExecutor
	payments  storage.PaymentStore
	journal   storage.TransferJournalStore
	chain     domain.ChainConfig
	reader    ChainReader
	limiter   *RateLimiter
	logger    *zap.SugaredLogger
	now       func() time.Time
	newID     func() string
	bodyLimit int64

	systemAddress   string
	withdrawTimeout time.Duration
	snapshots       *ttlcache.Cache[string, *chainSnapshot]
	snapshotMu      sync.Mutex
}

// NewServer creates a new Server.
func NewServer(opts Options) *Server {
	s := &Server{
		guard:           opts.Guard,
		verifier:        opts.Verifier,
		executor:        opts.Executor,
		payments:        opts.Payments,
		journal:         opts.Journal,
		chain:           opts.Chain,
		reader:          opts.Reader,
		limiter:         opts.Limiter,
		logger:          opts.Logger,
		now:             opts.Clock,
		newID:           opts.NewID,
		bodyLimit:       opts.BodyLimit,
		systemAddress:   opts.SystemAddress,
		withdrawTimeout: opts.WithdrawTimeout,
	}
	if s.logger == nil {
		s.logger = zap.NewNop().Sugar()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = newPaymentID
	}
	if s.bodyLimit <= 0 {
		s.bodyLimit = DefaultBodyLimit
	}
	if opts.StatusCacheTTL > 0 {
		s.snapshots = ttlcache.New[string, *chainSnapshot](
			ttlcache.WithTTL[string, *chainSnapshot](opts.StatusCacheTTL),
			ttlcache.WithDisableTouchOnHit[string, *chainSnapshot](),
		)
	}
	return s
}

// Handler returns the routed handler, rate limited when a limiter is set.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /api/confirm-payment", s.requireAuth(s.handleConfirmPayment))
	mux.Handle("POST /api/withdraw", s.requireAuth(s.handleWithdraw))
	mux.Handle("POST /api/payments", s.requireAuth(s.handleCreatePayment))
	mux.Handle("GET /api/payments/{id}", s.requireAuth(s.handleGetPayment))
	mux.Handle("GET /api/transfers", s.requireAuth(s.handleTransfersByRange))
	mux.Handle("GET /api/transfers/{txHash}", s.requireAuth(s.handleTransfersByTx))

	mux.HandleFunc("GET /api/status/ping", s.handlePing)
	mux.HandleFunc("GET /api/status/health", s.handleHealth)
	mux.HandleFunc("GET /api/status/status", s.handleStatus)

	if s.limiter == nil {
		return mux
	}
	return s.limiter.Wrap(mux)
}
