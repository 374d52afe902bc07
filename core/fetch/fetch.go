// Package fetch retrieves raw bytes from http(s) and file URLs with a bounded
// timeout and an allow-listed header subset. Failures surface as typed
// *Error values with a stable reason string so callers can record them into
// deterministic metadata instead of propagating transport exceptions.
package fetch

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	coreerrors "github.com/mhaldre/driftseal/core/errors"
)

// Only these response headers are carried into evidence. Anything else (dates,
// cookies, server banners) would make metadata non-deterministic.
var allowedHeaders = []string{"content-type", "etag", "last-modified"}

const (
	ReasonEmptyBody         = "empty_body"
	ReasonWAFChallenge      = "waf_challenge"
	ReasonURLError          = "url_error"
	ReasonUnsupportedScheme = "unsupported_scheme"
	ReasonFileNotFound      = "file_not_found"

	wafActionHeader = "x-amzn-waf-action"
)

// HTTPReason renders the reason string for a non-2xx transport status.
func HTTPReason(status int) string {
	return fmt.Sprintf("http_%d", status)
}

type Result struct {
	Body []byte
	// Status is the observed transport status code; zero for file fetches.
	Status int
	// Headers holds the allow-listed subset, lowercase keys, trimmed values.
	Headers map[string]string
}

// Error is a typed fetch outcome. It keeps the observed status and headers so
// drift detection can still use cache validators from failed fetches.
type Error struct {
	Reason  string
	Status  int
	Headers map[string]string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.cause)
	}
	return e.Reason
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Classify maps the typed fetch outcome onto the pipeline's error taxonomy.
// WAF challenges, rate limits, server errors, and connection-level failures
// are transient: the upstream may serve the artifact on a later attempt, so a
// same-date re-run can replace the failed evidence. Everything else is a
// permanent condition that a retry will not fix.
func (e *Error) Classify() error {
	if e == nil {
		return nil
	}
	switch {
	case e.Reason == ReasonWAFChallenge,
		e.Reason == ReasonURLError,
		e.Reason == ReasonEmptyBody,
		e.Status == http.StatusTooManyRequests,
		e.Status >= 500:
		return coreerrors.Wrap(e, coreerrors.CategoryNetworkTransient, e.Reason,
			"transient upstream condition: re-run the same date to replace the failed run", true)
	default:
		return coreerrors.Wrap(e, coreerrors.CategoryNetworkPermanent, e.Reason,
			"upstream refused or cannot serve this URL: check the registry entry", false)
	}
}

type Client struct {
	httpClient *http.Client
	userAgent  string
}

const DefaultTimeout = 30 * time.Second

func NewClient(timeout time.Duration, userAgent string) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		userAgent:  userAgent,
	}
}

// Fetch retrieves rawURL. The second return value is non-nil exactly when the
// fetch did not yield a usable body, and is always a *Error. Fetch never
// writes to disk.
func (client *Client) Fetch(rawURL string) (Result, *Error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Result{}, &Error{Reason: ReasonURLError, cause: err}
	}
	switch parsed.Scheme {
	case "file":
		return fetchFile(parsed.Path)
	case "http", "https":
		return client.fetchHTTP(rawURL)
	default:
		return Result{}, &Error{
			Reason: ReasonUnsupportedScheme,
			cause:  fmt.Errorf("unsupported URL scheme: %q", parsed.Scheme),
		}
	}
}

func fetchFile(path string) (Result, *Error) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return Result{}, &Error{
			Reason: ReasonFileNotFound,
			cause:  fmt.Errorf("file URL does not exist: %s", path),
		}
	}
	// #nosec G304 -- file URLs are explicit operator or test input.
	body, err := os.ReadFile(path)
	if err != nil {
		return Result{}, &Error{Reason: ReasonFileNotFound, cause: err}
	}
	if len(body) == 0 {
		return Result{}, &Error{Reason: ReasonEmptyBody}
	}
	return Result{Body: body, Headers: map[string]string{}}, nil
}

func (client *Client) fetchHTTP(rawURL string) (Result, *Error) {
	request, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return Result{}, &Error{Reason: ReasonURLError, cause: err}
	}
	if client.userAgent != "" {
		request.Header.Set("User-Agent", client.userAgent)
	}
	response, err := client.httpClient.Do(request)
	if err != nil {
		return Result{}, &Error{Reason: ReasonURLError, cause: err}
	}
	defer func() {
		_ = response.Body.Close()
	}()

	headers := allowListedHeaders(response.Header)
	status := response.StatusCode

	// EUR-Lex style WAF challenge: accepted but not served. This is an
	// expected, recoverable condition and must stay distinguishable from a
	// generic non-2xx so drift detection can treat it as uncertain.
	if status == http.StatusAccepted &&
		strings.EqualFold(strings.TrimSpace(response.Header.Get(wafActionHeader)), "challenge") {
		return Result{}, &Error{Reason: ReasonWAFChallenge, Status: status, Headers: headers}
	}
	if status/100 != 2 {
		return Result{}, &Error{Reason: HTTPReason(status), Status: status, Headers: headers}
	}

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return Result{}, &Error{Reason: ReasonURLError, Status: status, Headers: headers, cause: err}
	}
	if len(body) == 0 {
		return Result{}, &Error{Reason: ReasonEmptyBody, Status: status, Headers: headers}
	}
	return Result{Body: body, Status: status, Headers: headers}, nil
}

func allowListedHeaders(header http.Header) map[string]string {
	subset := make(map[string]string, len(allowedHeaders))
	for _, name := range allowedHeaders {
		value := strings.TrimSpace(header.Get(name))
		if value != "" {
			subset[name] = value
		}
	}
	return subset
}
