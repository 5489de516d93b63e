package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const (
	// AddressPlaceholder is substituted with the queried address in the online URL.
	AddressPlaceholder = "{ip}"

	onlineCacheSize = 1024
	onlineRetryMax  = 2
	onlineWaitMin   = 200 * time.Millisecond
	onlineWaitMax   = 2 * time.Second
	onlineTimeout   = 5 * time.Second
)

// onlineResponse follows the ip-api.com JSON field names.
type onlineResponse struct {
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	CountryCode string  `json:"countryCode"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	AS          string  `json:"as"`
}

type cached struct {
	location Location
	found    bool
}

// Online looks addresses up against an HTTP JSON service under a request budget.
// Answers, including misses, are kept in an LRU.
type Online struct {
	urlTemplate string
	client      *retryablehttp.Client
	limiter     *rate.Limiter
	cache       *lru.Cache[netip.Addr, cached]
}

// NewOnline creates an online resolver allowing perMinute requests. urlTemplate must
// contain AddressPlaceholder.
func NewOnline(urlTemplate string, perMinute float64) (*Online, error) {
	if !strings.Contains(urlTemplate, AddressPlaceholder) {
		return nil, fmt.Errorf("%w: url %q lacks %s", ErrLookupFailed, urlTemplate, AddressPlaceholder)
	}
	cache, err := lru.New[netip.Addr, cached](onlineCacheSize)
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(perMinute / 60)
	}

	client := retryablehttp.NewClient()
	client.RetryMax = onlineRetryMax
	client.RetryWaitMin = onlineWaitMin
	client.RetryWaitMax = onlineWaitMax
	client.HTTPClient.Timeout = onlineTimeout
	client.Logger = nil

	return &Online{
		urlTemplate: urlTemplate,
		client:      client,
		limiter:     rate.NewLimiter(limit, 1),
		cache:       cache,
	}, nil
}

// Lookup resolves addr. It does not wait for budget: an exhausted budget returns
// ErrRateLimited.
func (o *Online) Lookup(ctx context.Context, addr netip.Addr) (Location, error) {
	addr = addr.Unmap()
	if hit, ok := o.cache.Get(addr); ok {
		if !hit.found {
			return Location{}, ErrNotFound
		}
		return hit.location, nil
	}
	if !o.limiter.Allow() {
		return Location{}, ErrRateLimited
	}

	url := strings.ReplaceAll(o.urlTemplate, AddressPlaceholder, addr.String())
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Location{}, fmt.Errorf("%w: %w", ErrLookupFailed, err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return Location{}, fmt.Errorf("%w: %w", ErrLookupFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Location{}, fmt.Errorf("%w: status %d", ErrLookupFailed, resp.StatusCode)
	}

	var body onlineResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Location{}, fmt.Errorf("%w: %w", ErrLookupFailed, err)
	}
	if body.Status != "" && body.Status != "success" {
		o.cache.Add(addr, cached{})
		return Location{}, ErrNotFound
	}

	loc := Location{
		Latitude:    body.Lat,
		Longitude:   body.Lon,
		CountryCode: body.CountryCode,
		ASN:         asnOf(body.AS),
	}
	o.cache.Add(addr, cached{location: loc, found: true})
	return loc, nil
}

// asnOf keeps the leading "AS123" token of an "AS123 Org Name" string.
func asnOf(as string) string {
	fields := strings.Fields(as)
	if len(fields) == 0 || !strings.HasPrefix(strings.ToUpper(fields[0]), "AS") {
		return ""
	}
	return strings.ToUpper(fields[0])
}
