// Package dblock serialises integration tests from different packages that
// share one Postgres database. go test runs packages in parallel processes,
// so the lock is a loopback listener rather than a mutex.
package dblock

import (
	"net"
	"os"
	"time"
)

const defaultLockAddr = "127.0.0.1:45432"

// Acquire blocks until this process holds the lock and returns its release.
// DB_TEST_LOCK_ADDR overrides the port when 45432 is taken on the host.
func Acquire() func() {
	addr := os.Getenv("DB_TEST_LOCK_ADDR")
	if addr == "" {
		addr = defaultLockAddr
	}
	for {
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return func() { _ = ln.Close() }
		}
		time.Sleep(50 * time.Millisecond)
	}
}
