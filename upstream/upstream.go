// Package upstream builds and executes requests against the reputation
// service, interpreting HTTP status codes and rate-limit headers into the
// outcomes the scheduler acts on.
//
// Grounded on other_examples/7b30de0f_aurel42-phileasgo__pkg-request-client.go.go
// for request construction and header-driven control flow, and on the
// keypool example's UpdateFromHeaders for the shape of rate-limit header
// parsing (adapted to a single remaining/resetAt pair instead of the
// three-window RPM/ITPM/OTPM scheme, since this domain has one quota axis).
package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/threatguard/reputation-orchestrator/cache"
	"github.com/threatguard/reputation-orchestrator/indicator"
)

// HeaderNames configures which response headers carry rate-limit signals.
// Defaults match the conventional names used by most reputation services;
// implementations against a different upstream override them per Design
// Notes: header names should never be hardcoded.
type HeaderNames struct {
	Remaining  string
	Reset      string
	RetryAfter string
}

// DefaultHeaderNames are the conventional header names.
func DefaultHeaderNames() HeaderNames {
	return HeaderNames{
		Remaining:  "X-RateLimit-Remaining",
		Reset:      "X-RateLimit-Reset",
		RetryAfter: "Retry-After",
	}
}

// Config configures a Client.
type Config struct {
	BaseURL     string
	HeaderName  string // request header carrying the credential, e.g. "x-apikey"
	HeaderNames HeaderNames
	Timeout     time.Duration
}

// Client issues lookups against the reputation service.
type Client struct {
	httpClient *http.Client
	cfg        Config
}

// New builds a Client. cfg.Timeout defaults to 30 seconds if zero.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HeaderNames == (HeaderNames{}) {
		cfg.HeaderNames = DefaultHeaderNames()
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
	}
}

// Outcome classifies how the scheduler should react to a call.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeNotFound
	OutcomeInvalidKey
	OutcomeRateLimited
	OutcomeTransient
	OutcomeNonRetryable
)

// RateLimitInfo carries the rate-limit signals observed on a response.
type RateLimitInfo struct {
	Remaining  *int
	ResetAt    *time.Time
	RetryAfter *time.Duration
}

// Result is the outcome of a single upstream call attempt.
type Result struct {
	Outcome      Outcome
	Summary      cache.Summary
	RateLimit    RateLimitInfo
	ExternalLink string
	Err          error
}

type lastAnalysisStats struct {
	Malicious  int `json:"malicious"`
	Suspicious int `json:"suspicious"`
	Harmless   int `json:"harmless"`
	Undetected int `json:"undetected"`
}

type lookupResponse struct {
	Data struct {
		Attributes struct {
			LastAnalysisStats lastAnalysisStats `json:"last_analysis_stats"`
		} `json:"attributes"`
		Links struct {
			Self string `json:"self"`
		} `json:"links"`
	} `json:"data"`
}

// endpoint builds the path for ind per spec: /files/{hex}, /ip_addresses/{ip},
// /domains/{name}, /urls/{base64url-of-canonical}.
func endpoint(ind indicator.Indicator) (string, error) {
	switch ind.Kind {
	case indicator.KindHash:
		return "/files/" + ind.Canonical, nil
	case indicator.KindIp:
		return "/ip_addresses/" + ind.Canonical, nil
	case indicator.KindDomain:
		return "/domains/" + ind.Canonical, nil
	case indicator.KindUrl:
		return "/urls/" + base64.RawURLEncoding.EncodeToString([]byte(ind.Canonical)), nil
	default:
		return "", fmt.Errorf("upstream: unsupported kind %s", ind.Kind)
	}
}

// Lookup issues a single GET for ind using credential secret, passed via the
// configured header, and interprets the response.
func (c *Client) Lookup(ctx context.Context, ind indicator.Indicator, secret string) Result {
	path, err := endpoint(ind)
	if err != nil {
		return Result{Outcome: OutcomeNonRetryable, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return Result{Outcome: OutcomeTransient, Err: fmt.Errorf("upstream: build request: %w", err)}
	}
	req.Header.Set(c.cfg.HeaderName, secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{Outcome: OutcomeTransient, Err: fmt.Errorf("upstream: request failed: %w", err)}
	}
	defer resp.Body.Close()

	rl := c.parseRateLimitHeaders(resp)

	switch {
	case resp.StatusCode == http.StatusOK:
		var parsed lookupResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return Result{Outcome: OutcomeTransient, RateLimit: rl, Err: fmt.Errorf("upstream: decode response: %w", err)}
		}
		stats := parsed.Data.Attributes.LastAnalysisStats
		return Result{
			Outcome:      OutcomeSuccess,
			Summary:      cache.NewSummary(stats.Malicious, stats.Suspicious, stats.Harmless, stats.Undetected),
			RateLimit:    rl,
			ExternalLink: parsed.Data.Links.Self,
		}

	case resp.StatusCode == http.StatusNotFound:
		return Result{Outcome: OutcomeNotFound, RateLimit: rl}

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Result{
			Outcome:   OutcomeInvalidKey,
			RateLimit: rl,
			Err:       fmt.Errorf("upstream: credential rejected (status %d)", resp.StatusCode),
		}

	case resp.StatusCode == http.StatusTooManyRequests:
		return Result{Outcome: OutcomeRateLimited, RateLimit: rl}

	case resp.StatusCode >= 500:
		return Result{
			Outcome:   OutcomeTransient,
			RateLimit: rl,
			Err:       fmt.Errorf("upstream: server error (status %d)", resp.StatusCode),
		}

	default:
		return Result{
			Outcome:   OutcomeNonRetryable,
			RateLimit: rl,
			Err:       fmt.Errorf("upstream: unexpected status %d", resp.StatusCode),
		}
	}
}

func (c *Client) parseRateLimitHeaders(resp *http.Response) RateLimitInfo {
	var info RateLimitInfo

	if v := resp.Header.Get(c.cfg.HeaderNames.Remaining); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			info.Remaining = &n
		}
	}

	if v := resp.Header.Get(c.cfg.HeaderNames.Reset); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			t := time.Unix(epoch, 0)
			info.ResetAt = &t
		}
	}

	if v := resp.Header.Get(c.cfg.HeaderNames.RetryAfter); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			d := time.Duration(secs) * time.Second
			info.RetryAfter = &d
		}
	}

	return info
}
