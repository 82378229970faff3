package api

import (
	"time"

	"github.com/shopspring/decimal"
)

type depositRequest struct {
	WalletID string          `json:"walletId"`
	Amount   decimal.Decimal `json:"amount"`
}

type withdrawRequest struct {
	WalletID string          `json:"walletId"`
	Amount   decimal.Decimal `json:"amount"`
}

type transferRequest struct {
	FromWalletID string          `json:"fromWalletId"`
	ToWalletID   string          `json:"toWalletId"`
	Amount       decimal.Decimal `json:"amount"`
}

type operationResponse struct {
	Success bool             `json:"success"`
	Message string           `json:"message,omitempty"`
	Balance *decimal.Decimal `json:"balance,omitempty"`
	Error   string           `json:"error,omitempty"`
}

type transferResponse struct {
	Success     bool             `json:"success"`
	Message     string           `json:"message,omitempty"`
	SagaID      string           `json:"sagaId,omitempty"`
	FromBalance *decimal.Decimal `json:"fromBalance,omitempty"`
	ToBalance   *decimal.Decimal `json:"toBalance,omitempty"`
	Error       string           `json:"error,omitempty"`
}

type balanceResponse struct {
	ID        string          `json:"id"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type pingResponse struct {
	CommandService string `json:"commandService"`
	QueryService   string `json:"queryService"`
}

type errorResponse struct {
	Error string `json:"error"`
}
