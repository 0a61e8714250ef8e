package store

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// isTransient classifies failures worth a pool recreation and retry:
// anything that points at the connection or the server's availability
// rather than at the query itself.
func isTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if pgconn.Timeout(err) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if len(pgErr.Code) < 2 {
			return false
		}
		switch pgErr.Code[:2] {
		case "08": // connection exception
			return true
		case "53": // insufficient resources (53300 too_many_connections)
			return true
		case "57": // operator intervention (57P01 admin_shutdown etc.)
			return true
		}
		return false
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// pgx reports dead connections and closed pools through sentinel
	// strings rather than exported errors.
	msg := err.Error()
	for _, marker := range []string{"conn closed", "closed pool", "connection reset", "broken pipe", "unexpected EOF"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
