package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/hitchhikinghq/collector/pkg/types"
)

const (
	defaultAPIURL    = "https://search.censys.io"
	hostsSearchPath  = "/api/v2/hosts/search"
	certificatesPath = "/api/v2/certificates/"
	userAgent        = "hitchhiking-collector/0.1.0"
	maxResponseBytes = 32 << 20
)

// ErrUnauthorized is returned when the search service rejects the API
// credentials. It is never retried.
var ErrUnauthorized = errors.New("censys credentials rejected")

// CensysConfig holds the static configuration of a CensysSource.
type CensysConfig struct {
	APIURL         string
	APIID          string
	APISecret      string
	PerPage        int
	RequestsPerSec float64
	MaxRetries     int
	// ClassifyMatch enables certificate classification: a service is flagged
	// when its leaf certificate subject DN contains this keyword.
	ClassifyMatch string
	CertCacheSize int
}

// Dependencies allow test overrides for HTTP client, clock, and logging.
type Dependencies struct {
	HTTPClient    *http.Client
	Now           func() time.Time
	Logger        *log.Logger
	RetryInterval time.Duration
}

// CensysSource discovers hosts through the Censys Search v2 hosts API.
type CensysSource struct {
	api        *apiClient
	perPage    int
	classifier *Classifier
	now        func() time.Time
	logger     *log.Logger
}

// NewCensysSource builds a Censys backed Source from configuration and dependencies.
func NewCensysSource(cfg CensysConfig, deps Dependencies) (*CensysSource, error) {
	if cfg.APIID == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("censys API id and secret are required")
	}
	baseURL := cfg.APIURL
	if baseURL == "" {
		baseURL = defaultAPIURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse censys API URL: %w", err)
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: time.Minute}
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	retryInterval := deps.RetryInterval
	if retryInterval <= 0 {
		retryInterval = time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	perPage := cfg.PerPage
	if perPage <= 0 {
		perPage = 100
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	api := &apiClient{
		httpClient:    httpClient,
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiID:         cfg.APIID,
		apiSecret:     cfg.APISecret,
		limiter:       rate.NewLimiter(limit, 1),
		maxRetries:    maxRetries,
		retryInterval: retryInterval,
		logger:        logger,
	}
	src := &CensysSource{
		api:     api,
		perPage: perPage,
		now:     now,
		logger:  logger,
	}
	if cfg.ClassifyMatch != "" {
		classifier, err := newClassifier(api, cfg.ClassifyMatch, cfg.CertCacheSize)
		if err != nil {
			return nil, err
		}
		src.classifier = classifier
	}
	return src, nil
}

// Classifier returns the certificate classifier, or nil when classification
// is disabled.
func (s *CensysSource) Classifier() *Classifier {
	return s.classifier
}

// Discover pages through every host of q.ASN. Each service of a host yields
// one record; Dedupe folds them per host afterwards.
func (s *CensysSource) Discover(ctx context.Context, q Query) Result {
	records, skipped, err := s.search(ctx, q)
	if err != nil {
		s.logger.Printf("censys discovery asn=%d failed: %v", q.ASN, err)
		return failed(err)
	}
	s.logger.Printf("censys discovery asn=%d records=%d skipped=%d", q.ASN, len(records), skipped)
	return found(records)
}

type hostsSearchResponse struct {
	Code   int    `json:"code"`
	Status string `json:"status"`
	Result struct {
		Total int               `json:"total"`
		Hits  []json.RawMessage `json:"hits"`
		Links struct {
			Next string `json:"next"`
		} `json:"links"`
	} `json:"result"`
}

type hostHit struct {
	IP       string `json:"ip"`
	Services []struct {
		Port        *int   `json:"port"`
		Certificate string `json:"certificate"`
	} `json:"services"`
	DNS struct {
		ReverseDNS struct {
			Names []string `json:"names"`
		} `json:"reverse_dns"`
	} `json:"dns"`
}

func (s *CensysSource) search(ctx context.Context, q Query) ([]types.EndpointRecord, int, error) {
	date := s.now().UTC().Format("2006-01-02")
	params := url.Values{}
	params.Set("q", "autonomous_system.asn:"+strconv.FormatInt(q.ASN, 10))
	params.Set("per_page", strconv.Itoa(s.perPage))

	var (
		records []types.EndpointRecord
		skipped int
		cursor  string
		page    int
	)
	for {
		page++
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		var resp hostsSearchResponse
		if err := s.api.getJSON(ctx, hostsSearchPath, params, &resp); err != nil {
			return nil, skipped, fmt.Errorf("hosts search page %d: %w", page, err)
		}
		for _, raw := range resp.Result.Hits {
			recs, ok := s.hostRecords(ctx, raw, q, date)
			if !ok {
				skipped++
				continue
			}
			records = append(records, recs...)
		}
		next := resp.Result.Links.Next
		if next == "" || next == cursor {
			break
		}
		cursor = next
	}
	return records, skipped, nil
}

func (s *CensysSource) hostRecords(ctx context.Context, raw json.RawMessage, q Query, date string) ([]types.EndpointRecord, bool) {
	var hit hostHit
	if err := json.Unmarshal(raw, &hit); err != nil {
		s.logger.Printf("censys: skipping malformed host entry: %v", err)
		return nil, false
	}
	addr, err := netip.ParseAddr(hit.IP)
	if err != nil {
		s.logger.Printf("censys: skipping host with invalid ip %q", hit.IP)
		return nil, false
	}
	if (q.IPVersion == 4 && !addr.Is4()) || (q.IPVersion == 6 && !addr.Is6()) {
		return nil, true
	}

	var records []types.EndpointRecord
	for _, svc := range hit.Services {
		if svc.Port == nil {
			s.logger.Printf("censys: skipping service without port on %s", hit.IP)
			continue
		}
		rec := types.EndpointRecord{
			IP:       hit.IP,
			Date:     date,
			ASN:      q.ASN,
			DNSNames: hit.DNS.ReverseDNS.Names,
			Ports:    []int{*svc.Port},
		}
		if s.classifier != nil {
			match, err := s.classifier.Classify(ctx, svc.Certificate)
			if err != nil {
				s.logger.Printf("censys: classify certificate %s: %v", svc.Certificate, err)
			}
			rec.Flags = []bool{match}
		}
		records = append(records, rec)
	}
	return records, true
}

// Classifier flags certificates whose subject DN contains a keyword. Lookups
// are memoized per fingerprint in a bounded cache.
type Classifier struct {
	api     *apiClient
	keyword string
	cache   *lru.Cache[string, bool]
}

func newClassifier(api *apiClient, keyword string, size int) (*Classifier, error) {
	if size <= 0 {
		size = 4096
	}
	cache, err := lru.New[string, bool](size)
	if err != nil {
		return nil, fmt.Errorf("create certificate cache: %w", err)
	}
	return &Classifier{api: api, keyword: strings.ToLower(keyword), cache: cache}, nil
}

type certificateResponse struct {
	Result struct {
		Parsed struct {
			SubjectDN string `json:"subject_dn"`
		} `json:"parsed"`
	} `json:"result"`
}

// Classify reports whether the certificate with the given SHA-256
// fingerprint matches. Unknown certificates do not match.
func (c *Classifier) Classify(ctx context.Context, fingerprint string) (bool, error) {
	if fingerprint == "" {
		return false, nil
	}
	if match, ok := c.cache.Get(fingerprint); ok {
		return match, nil
	}
	var resp certificateResponse
	err := c.api.getJSON(ctx, certificatesPath+url.PathEscape(fingerprint), nil, &resp)
	var se *statusError
	if errors.As(err, &se) && se.code == http.StatusNotFound {
		c.cache.Add(fingerprint, false)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	match := strings.Contains(strings.ToLower(resp.Result.Parsed.SubjectDN), c.keyword)
	c.cache.Add(fingerprint, match)
	return match, nil
}

type apiClient struct {
	httpClient    *http.Client
	baseURL       string
	apiID         string
	apiSecret     string
	limiter       *rate.Limiter
	maxRetries    int
	retryInterval time.Duration
	logger        *log.Logger
}

type statusError struct {
	code   int
	status string
	detail string
}

func (e *statusError) Error() string {
	if e.detail == "" {
		return "censys request failed: status " + e.status
	}
	return fmt.Sprintf("censys request failed: status %s: %s", e.status, e.detail)
}

func retryable(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// getJSON issues a rate limited GET and decodes the body into out. Throttling,
// server errors and transport failures are retried with exponential backoff.
func (c *apiClient) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		req.SetBasicAuth(c.apiID, c.apiSecret)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", userAgent)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("GET %s: %w", path, err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			se := &statusError{code: resp.StatusCode, status: resp.Status, detail: errorDetail(body)}
			if retryable(resp.StatusCode) {
				return se
			}
			return backoff.Permanent(se)
		}
		if err := json.Unmarshal(body, out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode %s: %w", path, err))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInterval
	b.MaxInterval = 30 * c.retryInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxRetries)), ctx)
	return backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		c.logger.Printf("censys %s: %v; retrying in %s", path, err, wait.Round(time.Millisecond))
	})
}

func errorDetail(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		return payload.Error
	}
	return ""
}
