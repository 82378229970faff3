package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/plaenen/walletd/pkg/command"
	"github.com/plaenen/walletd/pkg/eventsourcing"
	"github.com/plaenen/walletd/pkg/projection"
	"github.com/plaenen/walletd/pkg/saga"
	"github.com/plaenen/walletd/pkg/wallet"
)

// commandTimeout bounds command execution, including saga runs.
const commandTimeout = 5 * time.Second

const transactionsLimit = 100

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()

	resp := pingResponse{CommandService: "ok", QueryService: "ok"}
	if err := s.writePing.Ping(ctx); err != nil {
		resp.CommandService = "unavailable"
	}
	if err := s.reads.Ping(ctx); err != nil {
		resp.QueryService = "unavailable"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	res, err := s.commands.Dispatch(ctx, command.DepositCommand{
		WalletID: req.WalletID,
		Amount:   req.Amount,
	})
	if err != nil {
		s.writeCommandError(w, err)
		return
	}

	dr := res.(*command.DepositResult)
	writeJSON(w, http.StatusCreated, operationResponse{
		Success: true,
		Message: "deposit completed",
		Balance: &dr.NewBalance,
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	res, err := s.commands.Dispatch(ctx, command.WithdrawCommand{
		WalletID: req.WalletID,
		Amount:   req.Amount,
	})
	if err != nil {
		s.writeCommandError(w, err)
		return
	}

	wr := res.(*command.WithdrawResult)
	writeJSON(w, http.StatusCreated, operationResponse{
		Success: true,
		Message: "withdrawal completed",
		Balance: &wr.NewBalance,
	})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	res, err := s.commands.Dispatch(ctx, command.TransferCommand{
		FromWalletID: req.FromWalletID,
		ToWalletID:   req.ToWalletID,
		Amount:       req.Amount,
	})
	tr, _ := res.(*command.TransferResult)

	if err != nil {
		if errors.Is(err, command.ErrTransferFailed) && tr != nil {
			writeJSON(w, http.StatusCreated, s.transferFailure(tr))
			return
		}
		s.writeCommandError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, transferResponse{
		Success:     true,
		Message:     "transfer completed",
		SagaID:      tr.SagaID,
		FromBalance: &tr.FromBalance,
		ToBalance:   &tr.ToBalance,
	})
}

// transferFailure maps a failed saga run to the domain-failure response.
// The saga is the source of truth for the wording: a compensated
// transfer reports the refund, a stuck compensation is flagged CRITICAL.
func (s *Server) transferFailure(tr *command.TransferResult) transferResponse {
	resp := transferResponse{
		Success: false,
		SagaID:  tr.SagaID,
		Error:   tr.ErrorMessage,
	}
	if tr.CompensationTxID != "" {
		resp.Message = "transfer failed, source wallet refunded"
	} else if tr.Status == saga.StatusCompensating {
		resp.Message = "CRITICAL: transfer failed and compensation is pending; manual intervention required"
	} else {
		resp.Message = "transfer failed"
	}
	return resp
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	walletID := chi.URLParam(r, "walletId")

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	view, err := s.reads.WalletView(ctx, walletID)
	if errors.Is(err, projection.ErrWalletNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "wallet not found"})
		return
	}
	if err != nil {
		s.logger.Error("failed to load wallet view", "wallet_id", walletID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, balanceResponse{
		ID:        view.WalletID,
		Balance:   view.Balance,
		CreatedAt: view.CreatedAt,
		UpdatedAt: view.UpdatedAt,
	})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	walletID := chi.URLParam(r, "walletId")

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	txs, err := s.reads.TransactionsByWallet(ctx, walletID, transactionsLimit)
	if err != nil {
		s.logger.Error("failed to load transactions", "wallet_id", walletID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	if txs == nil {
		txs = []*projection.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// writeCommandError maps command errors to the HTTP error taxonomy.
func (s *Server) writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, command.ErrInvalidCommand), errors.Is(err, wallet.ErrInvalidAmount):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})

	case errors.Is(err, wallet.ErrInsufficientFunds):
		// Domain failure, not a protocol error.
		writeJSON(w, http.StatusCreated, operationResponse{
			Success: false,
			Error:   err.Error(),
		})

	case errors.Is(err, eventsourcing.ErrConcurrencyConflict):
		// Transient: the middleware releases the idempotency lock on 5xx
		// so the client can retry with the same key.
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "concurrent update, retry"})

	default:
		s.logger.Error("command failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
