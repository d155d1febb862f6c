package fuzzer

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	queryTimeout   = 3 * time.Second
	maxRetries     = 2
	initialBackoff = time.Second

	// maxInFlight bounds concurrent resolutions; resolutionsPerSec paces
	// the outer loop to be polite to public resolvers.
	maxInFlight       = 24
	resolutionsPerSec = 10
)

// Resolution is a positive DNS answer for a candidate domain.
type Resolution struct {
	Domain      string
	IPAddresses []string
	Nameservers []string
}

// lookuper is the slice of net.Resolver the scanner uses, split out so
// tests can substitute a fake.
type lookuper interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
	LookupNS(ctx context.Context, name string) ([]*net.NS, error)
}

// Resolver fans candidate domains out to DNS with bounded concurrency.
type Resolver struct {
	lookup  lookuper
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	logger  *slog.Logger

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(time.Duration)
}

// NewResolver builds a production resolver on the host's DNS config.
func NewResolver(logger *slog.Logger) *Resolver {
	return newResolver(&net.Resolver{}, logger)
}

func newResolver(lookup lookuper, logger *slog.Logger) *Resolver {
	return &Resolver{
		lookup:  lookup,
		sem:     semaphore.NewWeighted(maxInFlight),
		limiter: rate.NewLimiter(rate.Limit(resolutionsPerSec), 1),
		logger:  logger,
		sleep:   time.Sleep,
	}
}

// ResolveAll resolves every candidate and invokes onHit for each positive
// answer. Negative outcomes (NXDOMAIN, no answer, exhausted retries) are
// discarded. onHit may be called from multiple goroutines.
func (r *Resolver) ResolveAll(ctx context.Context, candidates []string, onHit func(Resolution)) error {
	var wg sync.WaitGroup
	for _, candidate := range candidates {
		if err := r.limiter.Wait(ctx); err != nil {
			break
		}
		if err := r.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(domain string) {
			defer wg.Done()
			defer r.sem.Release(1)
			if res := r.resolve(ctx, domain); res != nil {
				onHit(*res)
			}
		}(candidate)
	}
	wg.Wait()
	return ctx.Err()
}

// resolve queries A with retries, then NS on a best-effort basis.
func (r *Resolver) resolve(ctx context.Context, domain string) *Resolution {
	backoff := initialBackoff
	for attempt := 0; ; attempt++ {
		queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
		addrs, err := r.lookup.LookupHost(queryCtx, domain)
		cancel()

		if err == nil && len(addrs) > 0 {
			return &Resolution{
				Domain:      domain,
				IPAddresses: addrs,
				Nameservers: r.lookupNS(ctx, domain),
			}
		}
		if isNotFound(err) || err == nil {
			return nil
		}
		if attempt >= maxRetries || ctx.Err() != nil {
			r.logger.Debug("resolution gave up", "domain", domain, "error", err)
			return nil
		}
		r.sleep(backoff)
		backoff *= 2
	}
}

func (r *Resolver) lookupNS(ctx context.Context, domain string) []string {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	records, err := r.lookup.LookupNS(queryCtx, domain)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(records))
	for _, ns := range records {
		out = append(out, ns.Host)
	}
	return out
}

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}
