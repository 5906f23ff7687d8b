package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Wire types of the spend-authority HTTP protocol. Responses decoded by the
// client are kept loose (json.RawMessage, pointers) so missing fields can be
// reported precisely.

// OpenSessionRequest is the body of POST /sessions.
type OpenSessionRequest struct {
	Principal     string          `json:"principal"`
	MaxTotal      decimal.Decimal `json:"maxTotal"`
	MaxPerRequest decimal.Decimal `json:"maxPerRequest"`
	ExpiresAt     *time.Time      `json:"expiresAt,omitempty"`
	Authorization *Authorization  `json:"authorization,omitempty"`
}

// OpenSessionResponse is the 201 body of POST /sessions.
type OpenSessionResponse struct {
	SessionID     string          `json:"sessionId"`
	Token         string          `json:"token"`
	MaxTotal      decimal.Decimal `json:"maxTotal"`
	MaxPerRequest decimal.Decimal `json:"maxPerRequest"`
}

// ProxyRequest is the body of POST /proxy.
type ProxyRequest struct {
	SessionID     string           `json:"sessionId"`
	ServiceType   string           `json:"serviceType"`
	Payload       json.RawMessage  `json:"payload,omitempty"`
	MaxPrice      *decimal.Decimal `json:"maxPrice,omitempty"`
	Authorization *Authorization   `json:"authorization,omitempty"`
}

// ProxyResult is the "result" object of a successful proxy call.
type ProxyResult struct {
	AmountPaid *decimal.Decimal `json:"amountPaid"`
	OfferingID string           `json:"offeringId,omitempty"`
	Seller     string           `json:"seller,omitempty"`
	Delivered  bool             `json:"delivered"`
	Quality    float64          `json:"quality"`
}

// ProxyResponse is the 200 body of POST /proxy.
type ProxyResponse struct {
	Result       json.RawMessage  `json:"result"`
	TotalSpent   *decimal.Decimal `json:"totalSpent"`
	Remaining    *decimal.Decimal `json:"remaining,omitempty"`
	RequestCount int64            `json:"requestCount"`
}

// CloseSessionResponse is the 200 body of DELETE /sessions/{id}.
type CloseSessionResponse struct {
	SessionID    string           `json:"sessionId"`
	TotalSpent   *decimal.Decimal `json:"totalSpent"`
	RequestCount int64            `json:"requestCount"`
}

// ErrorBody is the envelope of every non-2xx response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a machine-readable code and optional contact.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Contact string `json:"contact,omitempty"`
}

// Server error codes.
const (
	CodePolicyDenied   = "policy_denied"
	CodeBudgetExceeded = "budget_exceeded"
	CodeUnauthorized   = "unauthorized"
	CodeInvalidRequest = "invalid_request"
	CodeNotFound       = "not_found"
	CodeRateLimited    = "rate_limited"
	CodeSessionClosed  = "session_closed"
	CodeNoOffering     = "no_offering"
	CodeInternal       = "internal_error"
)

// Authorization is a signed canonical message. Message holds the exact
// canonical bytes that were signed, Signature is hex-encoded.
type Authorization struct {
	KeyID     string `json:"keyId"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
	Nonce     uint64 `json:"nonce"`
}
