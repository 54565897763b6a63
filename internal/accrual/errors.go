package accrual

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Error kinds reported per position.
const (
	ErrorKindDataIntegrity  = "data_integrity"
	ErrorKindTransientStore = "transient_store"
	ErrorKindInternal       = "internal"
)

// IsTransient reports whether err is a store failure worth retrying:
// connection loss, serialization failures, deadlocks and lock timeouts.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "57P01":
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08")
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

func classify(err error) string {
	switch {
	case errors.Is(err, ErrDataIntegrity):
		return ErrorKindDataIntegrity
	case IsTransient(err):
		return ErrorKindTransientStore
	default:
		return ErrorKindInternal
	}
}
