// Package pacsclient implements the PACS/Orthanc HTTP contract this
// agent speaks: OAuth2 client-credentials token acquisition, instance
// existence checks, throttled instance upload, and study labeling, per
// spec.md §4.7.
//
// Grounded on original_source/services/pacs_uploader.py's
// PacsUploader (token cache, 401-retry-once, progress-reporting
// upload) and folder_monitor.py's _instance_exists_by_uid /
// _add_case_label usage, rewritten over
// golang.org/x/oauth2/clientcredentials for token lifecycle and
// golang.org/x/time/rate for throttling, the same rate-limited-request
// shape perkeep.org/pkg/importer/gphotos/download.go uses for its
// downloader.
package pacsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

const (
	shortTimeout = 15 * time.Second
	longTimeout  = 30 * time.Minute

	confirmAttempts = 3
	confirmDelay    = 500 * time.Millisecond
)

// Client talks to one PACS/Orthanc endpoint. Construct with New; the
// zero value is not usable.
type Client struct {
	baseURL string
	ccCfg   clientcredentials.Config

	httpClient *http.Client

	tokenMu     sync.Mutex
	accessToken string
	expiresAt   time.Time

	limiter *rate.Limiter
}

// Config holds the PACS endpoint and OAuth2 client-credentials needed
// to construct a Client.
type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// New builds a Client. Token fetches go through
// golang.org/x/oauth2/clientcredentials.Config.Token, which performs
// the grant_type=client_credentials POST and JSON decode; the
// resulting token is cached by this Client per spec.md §3's
// TokenState (accessToken, expiresAt = now + max(0, expires_in−30)),
// since the spec's 401-triggers-one-retry invalidation policy needs
// explicit control over when a cached token is discarded.
func New(cfg Config) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		ccCfg: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		},
		httpClient: &http.Client{Timeout: shortTimeout},
	}
}

// SetRateLimiter installs limiter for subsequent Upload calls. A nil
// limiter means unthrottled.
func (c *Client) SetRateLimiter(limiter *rate.Limiter) {
	c.limiter = limiter
}

// getToken returns the cached access token if still valid, or fetches
// and caches a fresh one (spec.md §4.7 token cache).
func (c *Client) getToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.expiresAt) {
		return c.accessToken, nil
	}
	return c.fetchTokenLocked(ctx)
}

// invalidateToken discards the cached token, fetches and caches a
// fresh one, and returns it; used after a 401 response.
func (c *Client) invalidateToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	return c.fetchTokenLocked(ctx)
}

func (c *Client) fetchTokenLocked(ctx context.Context) (string, error) {
	tok, err := c.ccCfg.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("pacsclient: token acquisition: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("pacsclient: token response missing access_token")
	}
	margin := 30 * time.Second
	expiresIn := time.Until(tok.Expiry)
	if tok.Expiry.IsZero() {
		expiresIn = margin // no expiry given: treat as immediately stale after margin
	}
	if expiresIn < margin {
		expiresIn = 0
	} else {
		expiresIn -= margin
	}
	c.accessToken = tok.AccessToken
	c.expiresAt = time.Now().Add(expiresIn)
	return c.accessToken, nil
}

// doWithRetry executes build(token) and, on a 401 response, discards
// the cached token and retries exactly once with a fresh one (spec.md
// §4.7).
func (c *Client) doWithRetry(ctx context.Context, timeout time.Duration, build func(token string) (*http.Request, error)) (*http.Response, error) {
	token, err := c.getToken(ctx)
	if err != nil {
		return nil, err
	}

	doOnce := func(tok string) (*http.Response, error) {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		req, err := build(tok)
		if err != nil {
			return nil, err
		}
		req = req.WithContext(reqCtx)
		return c.httpClient.Do(req)
	}

	resp, err := doOnce(token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		token, err = c.invalidateToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("pacsclient: token refresh after 401: %w", err)
		}
		resp, err = doOnce(token)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// Exists reports whether an instance with sopInstanceUID AND a series
// with seriesInstanceUID are both already known to the PACS — spec.md
// §4.7 requires the AND to guard against stale per-instance hits.
func (c *Client) Exists(ctx context.Context, sopInstanceUID, seriesInstanceUID string) (bool, error) {
	if sopInstanceUID == "" {
		return false, nil
	}
	sopFound, err := c.find(ctx, "Instance", "SOPInstanceUID", sopInstanceUID)
	if err != nil {
		return false, err
	}
	if !sopFound {
		return false, nil
	}
	if seriesInstanceUID == "" {
		return true, nil
	}
	seriesFound, err := c.find(ctx, "Instance", "SeriesInstanceUID", seriesInstanceUID)
	if err != nil {
		return false, err
	}
	return sopFound && seriesFound, nil
}

func (c *Client) find(ctx context.Context, level, field, value string) (bool, error) {
	payload := map[string]any{
		"Level": level,
		"Query": map[string]string{field: value},
		"Limit": 1,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}

	resp, err := c.doWithRetry(ctx, shortTimeout, func(token string) (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, c.baseURL+"/tools/find", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode >= 300 {
		return false, fmt.Errorf("pacsclient: /tools/find returned %d", resp.StatusCode)
	}

	var results []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return false, fmt.Errorf("pacsclient: decoding /tools/find response: %w", err)
	}
	return len(results) > 0, nil
}

// ProgressFunc is invoked at every chunk boundary during Upload with
// the cumulative bytes sent and the total file size.
type ProgressFunc func(sent, total int64)

// Upload streams path's bytes to POST /instances, reporting progress
// through progressFn and throttling through the Client's installed
// rate limiter, if any. Uses the long upload timeout (spec.md §4.7).
func (c *Client) Upload(ctx context.Context, path string, progressFn ProgressFunc) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("pacsclient: opening %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	body := &throttledReader{
		r:       f,
		total:   info.Size(),
		limiter: c.limiter,
		onProgress: func(sent, total int64) {
			if progressFn != nil {
				progressFn(sent, total)
			}
		},
	}

	resp, err := c.doWithRetry(ctx, longTimeout, func(token string) (*http.Request, error) {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		body.sent = 0
		req, err := http.NewRequest(http.MethodPost, c.baseURL+"/instances", body)
		if err != nil {
			return nil, err
		}
		req.ContentLength = info.Size()
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/dicom")
		return req, nil
	})
	if err != nil {
		return fmt.Errorf("pacsclient: uploading %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2000))
		return fmt.Errorf("pacsclient: upload of %s failed: %d %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// Confirm polls Exists up to confirmAttempts times, confirmDelay
// apart, until it reports true (spec.md §4.8's post-upload
// confirmation step).
func (c *Client) Confirm(ctx context.Context, sopInstanceUID, seriesInstanceUID string) bool {
	for i := 0; i < confirmAttempts; i++ {
		ok, err := c.Exists(ctx, sopInstanceUID, seriesInstanceUID)
		if err == nil && ok {
			return true
		}
		if i < confirmAttempts-1 {
			time.Sleep(confirmDelay)
		}
	}
	return false
}

// AddLabel locates the Orthanc study ID for studyUID via /tools/find
// at study level, then PUTs the label onto it. Failures are returned,
// never panicked; callers are expected to log and move on (spec.md
// §4.7: "never raised to the scan driver").
func (c *Client) AddLabel(ctx context.Context, studyInstanceUID, label string) error {
	orthancID, err := c.findStudyID(ctx, studyInstanceUID)
	if err != nil {
		return err
	}
	if orthancID == "" {
		return fmt.Errorf("pacsclient: no study found for StudyInstanceUID %s", studyInstanceUID)
	}

	resp, err := c.doWithRetry(ctx, shortTimeout, func(token string) (*http.Request, error) {
		url := fmt.Sprintf("%s/studies/%s/labels/%s", c.baseURL, orthancID, label)
		req, err := http.NewRequest(http.MethodPut, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return req, nil
	})
	if err != nil {
		return fmt.Errorf("pacsclient: adding label %s to study %s: %w", label, studyInstanceUID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("pacsclient: label PUT for study %s returned %d", studyInstanceUID, resp.StatusCode)
	}
	return nil
}

func (c *Client) findStudyID(ctx context.Context, studyInstanceUID string) (string, error) {
	payload := map[string]any{
		"Level": "Study",
		"Query": map[string]string{"StudyInstanceUID": studyInstanceUID},
		"Limit": 1,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	resp, err := c.doWithRetry(ctx, shortTimeout, func(token string) (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, c.baseURL+"/tools/find", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("pacsclient: study /tools/find returned %d", resp.StatusCode)
	}

	var ids []string
	if err := json.NewDecoder(resp.Body).Decode(&ids); err != nil {
		return "", fmt.Errorf("pacsclient: decoding study /tools/find response: %w", err)
	}
	if len(ids) == 0 {
		return "", nil
	}
	return ids[0], nil
}

// throttledReader wraps an *os.File so every Read both reports
// cumulative progress and, if a limiter is installed, blocks long
// enough to keep the average rate under the configured cap. The
// limiter is the one installed on the Client when Upload starts and is
// used unchanged for every chunk of that upload; a cap change does not
// take effect mid-upload.
type throttledReader struct {
	r          io.Reader
	total      int64
	sent       int64
	limiter    *rate.Limiter
	onProgress func(sent, total int64)
}

func (t *throttledReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.sent += int64(n)
		if t.limiter != nil {
			_ = t.limiter.WaitN(context.Background(), n)
		}
		if t.onProgress != nil {
			t.onProgress(t.sent, t.total)
		}
	}
	return n, err
}

// NewLimiter builds a token-bucket limiter that admits kbps kilobytes
// per second of Read traffic, with a burst of one second's worth of
// bytes (kbps*1024). kbps<=0
// returns nil, meaning unthrottled (spec.md §3 pacsMaxUploadKBps).
func NewLimiter(kbps int) *rate.Limiter {
	if kbps <= 0 {
		return nil
	}
	bytesPerSec := rate.Limit(kbps * 1024)
	return rate.NewLimiter(bytesPerSec, kbps*1024)
}
