// Package dblock serializes integration tests from different packages that share one
// external database.
package dblock

import (
	"context"
	"net"
	"time"
)

const lockAddr = "127.0.0.1:45432"

// Acquire blocks until the process-wide lock is held or ctx is done. The returned
// function releases it.
func Acquire(ctx context.Context) (func(), error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		ln, err := net.Listen("tcp", lockAddr)
		if err == nil {
			return func() { ln.Close() }, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
