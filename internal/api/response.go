package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Error codes carried in the envelope.
const (
	CodeValidation     = "VALIDATION_ERROR"
	CodeNotFound       = "NOT_FOUND"
	CodeInternal       = "INTERNAL_ERROR"
	CodeSyncInProgress = "SYNC_IN_PROGRESS"
	CodeRateLimited    = "RATE_LIMITED"
	CodeUnavailable    = "SERVICE_UNAVAILABLE"
)

// Envelope wraps every JSON response.
type Envelope struct {
	Status    string      `json:"status"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

func timestamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeSuccess(w http.ResponseWriter, status int, data interface{}, message string) {
	writeJSON(w, status, Envelope{
		Status:    "success",
		Data:      data,
		Message:   message,
		Timestamp: timestamp(),
	})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Envelope{
		Status:    "error",
		Error:     code,
		Message:   message,
		Timestamp: timestamp(),
	})
}

// number renders a decimal as a bare JSON number.
type number decimal.Decimal

func (n number) MarshalJSON() ([]byte, error) {
	return []byte(decimal.Decimal(n).String()), nil
}

func num(d decimal.Decimal) number {
	return number(d)
}

func nullNum(d decimal.NullDecimal) *number {
	if !d.Valid {
		return nil
	}
	n := number(d.Decimal)
	return &n
}
