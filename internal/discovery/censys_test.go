package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/hitchhikinghq/collector/pkg/types"
)

const (
	page1 = `{"code":200,"status":"OK","result":{"total":4,"hits":[
 {"ip":"198.51.100.7","services":[{"port":443,"service_name":"HTTP","certificate":"aa"},{"port":80,"service_name":"HTTP"}],"dns":{"reverse_dns":{"names":["customer.example"]}}},
 {"ip":"2001:db8::1","services":[{"port":22}]}
],"links":{"prev":"","next":"cursor-2"}}}`
	page2 = `{"code":200,"status":"OK","result":{"total":4,"hits":[
 {"ip":"not-an-ip","services":[{"port":22}]},
 {"ip":"198.51.100.9","services":[{"port":8443,"certificate":"bb"},{"service_name":"UNKNOWN"},{"port":9443,"certificate":"aa"}]},
 "garbage"
],"links":{"prev":"cursor-1","next":""}}}`
)

type censysFixture struct {
	mu         sync.Mutex
	searches   []string
	certHits   map[string]int
	throttle   int
	authFailed bool
}

func (f *censysFixture) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/hosts/search", func(w http.ResponseWriter, r *http.Request) {
		id, secret, ok := r.BasicAuth()
		if !ok || id != "id" || secret != "secret" {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.throttle > 0 {
			f.throttle--
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":"rate limit exceeded"}`)
			return
		}
		if got := r.URL.Query().Get("q"); got != "autonomous_system.asn:14593" {
			t.Errorf("unexpected query %q", got)
		}
		cursor := r.URL.Query().Get("cursor")
		f.searches = append(f.searches, cursor)
		switch cursor {
		case "":
			fmt.Fprint(w, page1)
		case "cursor-2":
			fmt.Fprint(w, page2)
		default:
			t.Errorf("unexpected cursor %q", cursor)
			w.WriteHeader(http.StatusBadRequest)
		}
	})
	mux.HandleFunc("/api/v2/certificates/", func(w http.ResponseWriter, r *http.Request) {
		fp := r.URL.Path[len("/api/v2/certificates/"):]
		f.mu.Lock()
		f.certHits[fp]++
		f.mu.Unlock()
		if fp != "aa" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"code":200,"result":{"parsed":{"subject_dn":"C=US, O=Peplink International, CN=router.local"}}}`)
	})
	return mux
}

func newFixture() *censysFixture {
	return &censysFixture{certHits: make(map[string]int)}
}

func testSource(t *testing.T, url string, cfg CensysConfig) *CensysSource {
	t.Helper()
	cfg.APIURL = url
	if cfg.APIID == "" {
		cfg.APIID = "id"
	}
	if cfg.APISecret == "" {
		cfg.APISecret = "secret"
	}
	src, err := NewCensysSource(cfg, Dependencies{
		Now:           func() time.Time { return time.Date(2024, 2, 1, 23, 0, 0, 0, time.UTC) },
		RetryInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewCensysSource: %v", err)
	}
	return src
}

func TestCensysDiscoverPagesAndSkipsMalformed(t *testing.T) {
	fixture := newFixture()
	server := httptest.NewServer(fixture.handler(t))
	defer server.Close()

	src := testSource(t, server.URL, CensysConfig{MaxRetries: 2})
	res := src.Discover(context.Background(), Query{ASN: 14593, IPVersion: 4})
	if res.Status != types.StatusOK {
		t.Fatalf("expected ok result, got %+v", res)
	}
	want := []types.EndpointRecord{
		{IP: "198.51.100.7", Date: "2024-02-01", ASN: 14593, DNSNames: []string{"customer.example"}, Ports: []int{443}},
		{IP: "198.51.100.7", Date: "2024-02-01", ASN: 14593, DNSNames: []string{"customer.example"}, Ports: []int{80}},
		{IP: "198.51.100.9", Date: "2024-02-01", ASN: 14593, Ports: []int{8443}},
		{IP: "198.51.100.9", Date: "2024-02-01", ASN: 14593, Ports: []int{9443}},
	}
	if diff := cmp.Diff(want, res.Records); diff != "" {
		t.Fatalf("unexpected records (-want +got):\n%s", diff)
	}
	fixture.mu.Lock()
	defer fixture.mu.Unlock()
	if !cmp.Equal(fixture.searches, []string{"", "cursor-2"}) {
		t.Fatalf("unexpected cursors %v", fixture.searches)
	}
	if len(fixture.certHits) != 0 {
		t.Fatalf("expected no certificate lookups without classification")
	}
}

func TestCensysDiscoverIPv6Filter(t *testing.T) {
	fixture := newFixture()
	server := httptest.NewServer(fixture.handler(t))
	defer server.Close()

	res := testSource(t, server.URL, CensysConfig{}).Discover(context.Background(), Query{ASN: 14593, IPVersion: 6})
	if len(res.Records) != 1 || res.Records[0].IP != "2001:db8::1" {
		t.Fatalf("expected only the v6 host, got %+v", res.Records)
	}
}

func TestCensysRetriesThrottledRequests(t *testing.T) {
	fixture := newFixture()
	fixture.throttle = 2
	server := httptest.NewServer(fixture.handler(t))
	defer server.Close()

	res := testSource(t, server.URL, CensysConfig{MaxRetries: 3}).Discover(context.Background(), Query{ASN: 14593})
	if res.Status != types.StatusOK || len(res.Records) != 5 {
		t.Fatalf("expected retries to succeed, got %+v", res)
	}
}

func TestCensysGivesUpAfterMaxRetries(t *testing.T) {
	fixture := newFixture()
	fixture.throttle = 10
	server := httptest.NewServer(fixture.handler(t))
	defer server.Close()

	res := testSource(t, server.URL, CensysConfig{MaxRetries: 1}).Discover(context.Background(), Query{ASN: 14593})
	if res.Status != types.StatusFatal || len(res.Records) != 0 {
		t.Fatalf("expected fatal empty result, got %+v", res)
	}
	fixture.mu.Lock()
	defer fixture.mu.Unlock()
	if fixture.throttle != 8 {
		t.Fatalf("expected 2 attempts, server saw %d", 10-fixture.throttle)
	}
}

func TestCensysUnauthorizedIsNotRetried(t *testing.T) {
	fixture := newFixture()
	server := httptest.NewServer(fixture.handler(t))
	defer server.Close()

	src := testSource(t, server.URL, CensysConfig{APIID: "id", APISecret: "wrong", MaxRetries: 5})
	_, _, err := src.search(context.Background(), Query{ASN: 14593})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	res := src.Discover(context.Background(), Query{ASN: 14593})
	if res.Status != types.StatusFatal || res.Reason == "" {
		t.Fatalf("expected fatal result with reason, got %+v", res)
	}
}

func TestCensysClassifiesCertificates(t *testing.T) {
	fixture := newFixture()
	server := httptest.NewServer(fixture.handler(t))
	defer server.Close()

	src := testSource(t, server.URL, CensysConfig{ClassifyMatch: "PepLink", CertCacheSize: 8})
	if src.Classifier() == nil {
		t.Fatalf("expected classifier to be enabled")
	}
	res := src.Discover(context.Background(), Query{ASN: 14593, IPVersion: 4})

	var flags []bool
	for _, rec := range res.Records {
		flags = append(flags, rec.Flags...)
	}
	if !cmp.Equal(flags, []bool{true, false, false, true}) {
		t.Fatalf("unexpected flags %v", flags)
	}
	fixture.mu.Lock()
	defer fixture.mu.Unlock()
	if fixture.certHits["aa"] != 1 || fixture.certHits["bb"] != 1 {
		t.Fatalf("expected one lookup per certificate, got %v", fixture.certHits)
	}
}

func TestNewCensysSourceRequiresCredentials(t *testing.T) {
	if _, err := NewCensysSource(CensysConfig{}, Dependencies{}); err == nil {
		t.Fatalf("expected error without credentials")
	}
}
