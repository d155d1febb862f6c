// Package leakhunter scans public code search for credential material that
// mentions a customer domain. The external search API is heavily rate
// limited, so the scan is strictly sequential and budget-aware.
package leakhunter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"
	"golang.org/x/oauth2"
)

// sensitiveKeywords is the fixed search vocabulary paired with the domain.
var sensitiveKeywords = []string{
	"password",
	"api_key",
	"apikey",
	"secret",
	"token",
	"credentials",
	"private_key",
	"access_key",
	"secret_key",
	"auth",
	"authentication",
}

const (
	// maxResultsPerKeyword bounds how much of each result page is kept.
	maxResultsPerKeyword = 50

	// minRemainingBudget is the floor under which the scan sleeps until
	// the primary rate window resets.
	minRemainingBudget = 5

	// secondaryLimitBackoff is the empirical pause after a 403 secondary
	// limit, which the published budget counter does not reflect.
	secondaryLimitBackoff = 60 * time.Second

	// interKeywordPause spaces consecutive searches.
	interKeywordPause = 2 * time.Second

	maxSnippetBytes = 500
)

// Leak is one code-search hit before persistence.
type Leak struct {
	RepoURL  string
	RepoName string
	FilePath string
	Snippet  string
	Kind     string
	Severity string
	Public   bool
}

// codeSearcher and budgetReader carve the two API surfaces the hunter
// uses out of the full client, so tests can fake them.
type codeSearcher interface {
	Code(ctx context.Context, query string, opts *github.SearchOptions) (*github.CodeSearchResult, *github.Response, error)
}

type budgetReader interface {
	Get(ctx context.Context) (*github.RateLimits, *github.Response, error)
}

// Hunter runs domain leak scans against GitHub code search.
type Hunter struct {
	search codeSearcher
	budget budgetReader
	logger *slog.Logger

	sleep func(time.Duration)
	now   func() time.Time
}

// New builds a hunter. An empty token falls back to unauthenticated
// access, which the upstream service limits severely.
func New(token string, logger *slog.Logger) *Hunter {
	var httpClient *http.Client
	if token != "" {
		httpClient = oauth2.NewClient(context.Background(),
			oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	} else {
		logger.Warn("no code search token configured, rate limits will be severe")
	}
	client := github.NewClient(httpClient)
	return newHunter(client.Search, client.RateLimit, logger)
}

func newHunter(search codeSearcher, budget budgetReader, logger *slog.Logger) *Hunter {
	return &Hunter{
		search: search,
		budget: budget,
		logger: logger,
		sleep:  time.Sleep,
		now:    time.Now,
	}
}

// Scan searches the quoted domain against every sensitive keyword and
// invokes onLeak for each hit. Per-keyword errors are absorbed: one bad
// query never aborts the rest of the scan.
func (h *Hunter) Scan(ctx context.Context, domain string, onLeak func(Leak)) error {
	for i, keyword := range sensitiveKeywords {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i > 0 {
			h.sleep(interKeywordPause)
		}

		h.waitForBudget(ctx)

		query := fmt.Sprintf("%q %s", domain, keyword)
		h.logger.Info("searching code", "query", query)

		result, resp, err := h.search.Code(ctx, query, &github.SearchOptions{
			TextMatch:   true,
			ListOptions: github.ListOptions{PerPage: maxResultsPerKeyword},
		})
		if err != nil {
			if isSecondaryLimit(err, resp) {
				h.logger.Warn("secondary rate limit hit, backing off", "keyword", keyword)
				h.sleep(secondaryLimitBackoff)
				continue
			}
			h.logger.Warn("code search failed", "keyword", keyword, "error", err)
			continue
		}

		count := 0
		for _, item := range result.CodeResults {
			if count >= maxResultsPerKeyword {
				break
			}
			leak := h.leakFromResult(item, keyword)
			onLeak(leak)
			count++
		}
	}
	return nil
}

// waitForBudget sleeps through the primary rate window when the published
// remaining budget runs low. A failed budget read is ignored; the search
// itself will surface the limit.
func (h *Hunter) waitForBudget(ctx context.Context) {
	limits, _, err := h.budget.Get(ctx)
	if err != nil || limits.Core == nil {
		return
	}
	if limits.Core.Remaining >= minRemainingBudget {
		return
	}
	wait := limits.Core.Reset.Time.Sub(h.now()) + time.Minute
	if wait < 0 {
		return
	}
	h.logger.Warn("search budget low, waiting for reset",
		"remaining", limits.Core.Remaining, "wait", wait)
	h.sleep(wait)
}

func (h *Hunter) leakFromResult(item *github.CodeResult, keyword string) Leak {
	leak := Leak{
		FilePath: item.GetPath(),
		Kind:     keyword,
		Snippet:  snippetFrom(item),
	}
	if repo := item.GetRepository(); repo != nil {
		leak.RepoURL = repo.GetHTMLURL()
		leak.RepoName = repo.GetFullName()
		leak.Public = !repo.GetPrivate()
	}
	leak.Severity = ClassifySeverity(keyword, leak.Snippet)
	return leak
}

// snippetFrom joins the search text matches into one excerpt, capped at
// the storage limit. Results without matches get a placeholder.
func snippetFrom(item *github.CodeResult) string {
	var parts []string
	for _, m := range item.TextMatches {
		if f := m.GetFragment(); f != "" {
			parts = append(parts, f)
		}
	}
	if len(parts) == 0 {
		return "[Binary or unreadable content]"
	}
	snippet := strings.Join(parts, "\n")
	if len(snippet) > maxSnippetBytes {
		snippet = snippet[:maxSnippetBytes]
	}
	return snippet
}

// ClassifySeverity grades a hit by keyword class, upgraded to critical
// when the snippet looks like an actual assignment rather than a bare
// variable name.
func ClassifySeverity(keyword, snippet string) string {
	switch keyword {
	case "private_key", "secret_key", "api_key", "password":
		if strings.ContainsAny(snippet, `=:"'`) {
			return "critical"
		}
		return "high"
	case "token", "credentials", "access_key":
		return "high"
	default:
		return "medium"
	}
}

func isSecondaryLimit(err error, resp *github.Response) bool {
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return true
	}
	var errResp *github.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		return errResp.Response.StatusCode == http.StatusForbidden
	}
	return resp != nil && resp.StatusCode == http.StatusForbidden
}
