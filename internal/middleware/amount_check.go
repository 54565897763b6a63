package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/shopspring/decimal"
)

const ctxAmountKey contextKey = "parsed_amount"

const maxBodyBytes = 64 << 10

// AmountFromCtx returns the amount parsed by AmountCheck.
func AmountFromCtx(ctx context.Context) (decimal.Decimal, bool) {
	d, ok := ctx.Value(ctxAmountKey).(decimal.Decimal)
	return d, ok
}

// AmountCheck rejects bodies whose "amount" is missing, not a positive
// decimal, above max, or has more than 8 decimal places. The body is
// restored so handlers can decode it again.
func AmountCheck(max decimal.Decimal) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			r.Body.Close()
			if err != nil {
				http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
				return
			}
			// Restore body for the handler.
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			var peek struct {
				Amount json.RawMessage `json:"amount"`
			}
			if err := json.Unmarshal(bodyBytes, &peek); err != nil {
				http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
				return
			}
			amount, err := parseAmount(peek.Amount)
			if err != nil || !amount.IsPositive() {
				http.Error(w, `{"error":"amount must be a positive decimal"}`, http.StatusBadRequest)
				return
			}
			if amount.Exponent() < -8 {
				http.Error(w, `{"error":"amount supports at most 8 decimal places"}`, http.StatusBadRequest)
				return
			}
			if max.IsPositive() && amount.GreaterThan(max) {
				http.Error(w, fmt.Sprintf(`{"error":"amount exceeds limit %s"}`, max), http.StatusBadRequest)
				return
			}

			ctx := context.WithValue(r.Context(), ctxAmountKey, amount)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// parseAmount accepts both "12.5" and 12.5.
func parseAmount(raw json.RawMessage) (decimal.Decimal, error) {
	if len(raw) == 0 {
		return decimal.Zero, fmt.Errorf("missing amount")
	}
	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return decimal.Zero, err
		}
	} else {
		s = string(raw)
	}
	return decimal.NewFromString(s)
}
