package knock

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"
)

// IPSetWhitelist shells out to ipset. The set must exist with timeout
// support:
//
//	ipset create sentinyl_whitelist hash:ip timeout 60
//	iptables -I INPUT -m set --match-set sentinyl_whitelist src -j ACCEPT
type IPSetWhitelist struct {
	SetName string

	// run is swapped out in tests.
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewIPSetWhitelist targets a named ipset.
func NewIPSetWhitelist(setName string) *IPSetWhitelist {
	return &IPSetWhitelist{
		SetName: setName,
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
	}
}

// Add inserts an address with a timeout. -exist makes a refresh of an
// already-whitelisted address succeed instead of erroring.
func (w *IPSetWhitelist) Add(ip string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	out, err := w.run(ctx, "ipset", "add", w.SetName, ip,
		"timeout", strconv.Itoa(int(ttl/time.Second)), "-exist")
	if err != nil {
		return fmt.Errorf("ipset add %s: %w (%s)", ip, err, out)
	}
	return nil
}
