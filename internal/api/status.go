package api

import (
	"context"
	"math/big"
	"net/http"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"

	"token-payment-reconciler/internal/amount"
)

const (
	serviceName    = "token-payment-reconciler"
	serviceVersion = "1.0.0"
	snapshotKey    = "chain"
)

// chainSnapshot is the ledger view shared by health and status.
type chainSnapshot struct {
	ChainID       *big.Int
	BlockNumber   uint64
	GasPrice      *big.Int
	SystemBalance *big.Int // nil without a system wallet
}

func (s *Server) snapshot(ctx context.Context) (*chainSnapshot, error) {
	if s.snapshots == nil {
		return s.loadSnapshot(ctx)
	}

	// one loader at a time so concurrent misses do not fan out to the node
	s.snapshotMu.Lock()
	defer s.snapshotMu.Unlock()

	if item := s.snapshots.Get(snapshotKey); item != nil {
		return item.Value(), nil
	}
	snap, err := s.loadSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	s.snapshots.Set(snapshotKey, snap, ttlcache.DefaultTTL)
	return snap, nil
}

func (s *Server) loadSnapshot(ctx context.Context) (*chainSnapshot, error) {
	chainID, err := s.reader.ChainID(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "getting chain id")
	}
	height, err := s.reader.BlockNumber(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "getting block number")
	}
	gasPrice, err := s.reader.GasPrice(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "getting gas price")
	}

	snap := &chainSnapshot{ChainID: chainID, BlockNumber: height, GasPrice: gasPrice}
	if s.systemAddress != "" {
		snap.SystemBalance, err = s.reader.TokenBalance(ctx, s.chain.TokenContractAddress, s.systemAddress)
		if err != nil {
			return nil, errors.Wrap(err, "getting system balance")
		}
	}
	return snap, nil
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, "success", "pong", fields{
		"service": serviceName,
		"version": serviceVersion,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot(r.Context())
	if err != nil {
		s.logger.Errorw("health check failed", "error", err)
		s.respond(w, http.StatusInternalServerError, "error", "Service is unhealthy", fields{
			"error":         err.Error(),
			"serviceStatus": "unhealthy",
		})
		return
	}

	if !snap.ChainID.IsInt64() || snap.ChainID.Int64() != s.chain.ChainID {
		s.respond(w, http.StatusInternalServerError, "network_mismatch", "Connected to wrong network", fields{
			"expected": s.chain.ChainID,
			"actual":   snap.ChainID.String(),
		})
		return
	}

	extra := fields{
		"network":       s.chain.Network,
		"chainId":       s.chain.ChainID,
		"serviceStatus": "operational",
	}
	s.addWallet(extra, snap)
	s.respond(w, http.StatusOK, "success", "Service is healthy", extra)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot(r.Context())
	if err != nil {
		s.logger.Errorw("status check failed", "error", err)
		s.respond(w, http.StatusInternalServerError, "error", "Failed to get service status", fields{
			"error":         err.Error(),
			"serviceStatus": "degraded",
		})
		return
	}

	extra := fields{
		"service":         serviceName,
		"version":         serviceVersion,
		"network":         s.chain.Network,
		"chainId":         snap.ChainID.String(),
		"expectedChainId": s.chain.ChainID,
		"blockNumber":     snap.BlockNumber,
		"gasPriceGwei":    amount.FromRaw(snap.GasPrice, 9),
		"serviceStatus":   "operational",
	}
	s.addWallet(extra, snap)
	s.respond(w, http.StatusOK, "success", "Service status retrieved", extra)
}

func (s *Server) addWallet(extra fields, snap *chainSnapshot) {
	if snap.SystemBalance == nil {
		return
	}
	extra["systemWallet"] = s.systemAddress
	extra["systemBalance"] = amount.FromRaw(snap.SystemBalance, s.chain.TokenDecimals)
}
