package agent

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// IPTablesBlocker drops traffic to and from one address. The rules are
// scoped to that address only; the operator's own session and every other
// connection stay untouched.
type IPTablesBlocker struct {
	// run is swapped out in tests.
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewIPTablesBlocker builds the production blocker.
func NewIPTablesBlocker() *IPTablesBlocker {
	return &IPTablesBlocker{
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
	}
}

var _ Blocker = (*IPTablesBlocker)(nil)

// Block appends DROP rules for both directions. A failure on the first rule
// still attempts the second; the caller logs either error without dying.
func (b *IPTablesBlocker) Block(ctx context.Context, ip string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var firstErr error
	for _, args := range [][]string{
		{"-A", "INPUT", "-s", ip, "-j", "DROP"},
		{"-A", "OUTPUT", "-d", ip, "-j", "DROP"},
	} {
		if out, err := b.run(ctx, "iptables", args...); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("iptables %v: %w (%s)", args, err, out)
		}
	}
	return firstErr
}
