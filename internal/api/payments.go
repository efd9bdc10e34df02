package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"token-payment-reconciler/internal/amount"
	"token-payment-reconciler/internal/domain"
	"token-payment-reconciler/internal/storage"
	"token-payment-reconciler/internal/verification"
	"token-payment-reconciler/internal/withdrawal"
)

func newPaymentID() string {
	return uuid.NewString()
}

type confirmPaymentRequest struct {
	TxHash    string `json:"txHash"`
	ToAddress string `json:"toAddress"`
	Amount    string `json:"amount"`
}

func (s *Server) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req confirmPaymentRequest
	if err := json.Unmarshal(rawBody(r), &req); err != nil || req.TxHash == "" || req.ToAddress == "" || req.Amount == "" {
		s.respond(w, http.StatusBadRequest, "invalid_input", "txHash, toAddress and amount are required", nil)
		return
	}

	res, err := s.verifier.Verify(r.Context(), req.TxHash, req.ToAddress, req.Amount)
	if err != nil {
		s.logger.Errorw("payment verification failed", "tx", req.TxHash, "error", err)
		s.respond(w, http.StatusInternalServerError, "error", "Blockchain query failed", fields{"error": err.Error()})
		return
	}

	extra := fields{"txHash": res.TxHash}
	if res.Outcome == verification.OutcomeSuccess {
		extra["toAddress"] = res.ToAddress
		extra["amount"] = res.Amount
		extra["network"] = res.Network
		extra["blockNumber"] = res.BlockNumber
	}
	s.respond(w, http.StatusOK, string(res.Outcome), res.Outcome.Message(), extra)
}

type withdrawRequest struct {
	ToAddress string `json:"toAddress"`
	Amount    string `json:"amount"`
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	if s.executor == nil {
		s.respond(w, http.StatusServiceUnavailable, "error", "Withdrawals are not configured", nil)
		return
	}

	var req withdrawRequest
	if err := json.Unmarshal(rawBody(r), &req); err != nil {
		s.respond(w, http.StatusBadRequest, "invalid_input", "Malformed request body", nil)
		return
	}

	ctx := r.Context()
	if s.withdrawTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.withdrawTimeout)
		defer cancel()
	}

	res := s.executor.Withdraw(ctx, req.ToAddress, req.Amount)

	extra := fields{}
	switch res.Outcome {
	case withdrawal.OutcomeInsufficientFunds:
		extra["available"] = res.Available
		extra["required"] = res.Required
	case withdrawal.OutcomeFailed:
		extra["txHash"] = res.TxHash
	case withdrawal.OutcomeSuccess:
		extra["txHash"] = res.TxHash
		extra["toAddress"] = res.ToAddress
		extra["amount"] = res.Amount
		extra["network"] = res.Network
		extra["chainId"] = res.ChainID
	case withdrawal.OutcomeError:
		if res.Err != nil {
			extra["error"] = res.Err.Error()
		}
		if res.TxHash != "" {
			extra["txHash"] = res.TxHash
		}
		s.respond(w, http.StatusInternalServerError, string(res.Outcome), res.Message, extra)
		return
	}
	s.respond(w, http.StatusOK, string(res.Outcome), res.Message, extra)
}

type createPaymentRequest struct {
	ID     string `json:"id"` // optional; generated when empty
	Amount string `json:"amount"`
}

// paymentView is the JSON form of a PaymentRecord.
type paymentView struct {
	ID        string  `json:"id"`
	Amount    string  `json:"amount"`
	AmountRaw string  `json:"amountRaw"`
	Status    string  `json:"paymentStatus"`
	TxHash    *string `json:"txHash"`
	LogIndex  *uint   `json:"logIndex,omitempty"`
	CreatedAt int64   `json:"createdAt"`
	UpdatedAt int64   `json:"updatedAt"`
}

func (s *Server) view(p *domain.PaymentRecord) paymentView {
	return paymentView{
		ID:        p.ID,
		Amount:    amount.FromRaw(p.ExpectedAmountRaw, s.chain.TokenDecimals),
		AmountRaw: p.ExpectedAmountRaw.String(),
		Status:    string(p.Status),
		TxHash:    p.TxHash,
		LogIndex:  p.LogIndex,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := json.Unmarshal(rawBody(r), &req); err != nil {
		s.respond(w, http.StatusBadRequest, "invalid_input", "Malformed request body", nil)
		return
	}

	raw, err := amount.ToRaw(req.Amount, s.chain.TokenDecimals)
	if err != nil {
		s.respond(w, http.StatusBadRequest, "invalid_input", "Invalid payment amount", fields{"error": err.Error()})
		return
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = s.newID()
	}

	now := s.now().UnixMilli()
	p := &domain.PaymentRecord{
		ID:                id,
		ExpectedAmountRaw: raw,
		Status:            domain.PaymentPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	switch err := s.payments.Create(r.Context(), p); {
	case errors.Is(err, storage.ErrDuplicateKey):
		s.respond(w, http.StatusConflict, "duplicate", "Payment already exists", fields{"id": id})
		return
	case err != nil:
		s.logger.Errorw("failed to create payment", "payment", id, "error", err)
		s.respond(w, http.StatusInternalServerError, "error", "Failed to create payment", nil)
		return
	}

	s.logger.Infow("payment registered", "payment", id, "amountRaw", raw.String())
	s.respond(w, http.StatusCreated, "success", "Payment registered", fields{"payment": s.view(p)})
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	p, err := s.payments.GetByID(r.Context(), id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.respond(w, http.StatusNotFound, "not_found", "Payment not found", fields{"id": id})
		return
	case err != nil:
		s.logger.Errorw("failed to load payment", "payment", id, "error", err)
		s.respond(w, http.StatusInternalServerError, "error", "Failed to load payment", nil)
		return
	}

	s.respond(w, http.StatusOK, "success", "Payment retrieved", fields{"payment": s.view(p)})
}
