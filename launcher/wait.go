package launcher

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// WaitListening polls until something accepts TCP connections on addr. It
// only observes; the launched process is never touched.
func WaitListening(ctx context.Context, addr string, maxWait time.Duration) error {
	dialer := net.Dialer{Timeout: time.Second}
	retry := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxInterval(2*time.Second),
		backoff.WithMaxElapsedTime(maxWait),
	)
	err := backoff.Retry(func() error {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}, backoff.WithContext(retry, ctx))
	if err != nil {
		return fmt.Errorf("waiting for %s: %w", addr, err)
	}
	return nil
}

// DialAddress is where a client reaches a process listening on address and
// port; wildcard addresses are reached on loopback.
func DialAddress(address string, port int) string {
	ip := net.ParseIP(address)
	if ip == nil || ip.IsUnspecified() {
		address = "127.0.0.1"
	}
	return net.JoinHostPort(address, strconv.Itoa(port))
}
