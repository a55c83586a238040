// Package trace provides exchange ID generation and context propagation so
// that every log line emitted while a request/response exchange is in flight
// can be correlated back to that exchange.
package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// exchangeKey is the unexported context key used to store the exchange ID.
type exchangeKey struct{}

// NewExchangeID generates a unique exchange ID.
func NewExchangeID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID if random fails (should never happen)
		return fmt.Sprintf("x_%d", time.Now().UnixNano())
	}
	return "x_" + hex.EncodeToString(bytes)
}

// WithExchangeID returns a child context carrying the given exchange ID.
func WithExchangeID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, exchangeKey{}, id)
}

// FromContext extracts the exchange ID from ctx, returning "" if absent.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(exchangeKey{}).(string); ok {
		return v
	}
	return ""
}
