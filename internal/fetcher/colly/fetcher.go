// Package collyfetcher implements crawler.PageFetcher using gocolly.
package collyfetcher

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/follower-crawler/internal/crawler"
	"github.com/JakeFAU/follower-crawler/internal/metrics"
)

// DefaultBaseURL is the follower API host used when none is configured.
const DefaultBaseURL = "http://www.twitter.com"

// maxIDDigits bounds the decimal width of an id that can fit an int32.
const maxIDDigits = 10

// ErrMalformedPage is returned when a 200 response body is not a JSON array of ids.
var ErrMalformedPage = errors.New("malformed follower page")

// Config controls collector behavior.
type Config struct {
	BaseURL   string
	Username  string
	Password  string
	UserAgent string
	Timeout   time.Duration
}

// Fetcher implements crawler.PageFetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseURL       *url.URL
	authorization string
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher authenticating every request with the account credentials.
func New(cfg Config) (*Fetcher, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", cfg.BaseURL)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)

	credentials := cfg.Username + ":" + cfg.Password
	return &Fetcher{
		cfg:           cfg,
		baseURL:       base,
		authorization: "Basic " + base64.StdEncoding.EncodeToString([]byte(credentials)),
		baseCollector: c,
	}, nil
}

// PageURL returns the follower-ids endpoint for one page of an account.
func (f *Fetcher) PageURL(id crawler.ID, page int) string {
	u := *f.baseURL
	u.Path += "/followers/ids.json"
	u.RawQuery = "page=" + strconv.Itoa(page) + "&user_id=" + strconv.FormatInt(int64(id), 10)
	return u.String()
}

// FetchFollowers requests one page of followers. Every HTTP status is
// returned as a classified page; only transport failures and undecodable
// 200 bodies produce an error.
func (f *Fetcher) FetchFollowers(ctx context.Context, id crawler.ID, page int) (crawler.FollowerPage, error) {
	var (
		result   crawler.FollowerPage
		body     []byte
		fetchErr error
	)
	collector := f.buildCollector()
	f.configureCollectorHooks(collector, &result, &body, &fetchErr)

	if err := f.runCollector(ctx, collector, f.PageURL(id, page), &fetchErr); err != nil {
		metrics.ObservePageRequest(0)
		return crawler.FollowerPage{}, err
	}
	metrics.ObservePageRequest(result.StatusCode)

	if result.Status != crawler.PageOK {
		return result, nil
	}
	ids, err := DecodeIDs(body)
	if err != nil {
		return crawler.FollowerPage{}, err
	}
	result.IDs = ids
	return result, nil
}

func (f *Fetcher) buildCollector() *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = true
	// Retries request the same URL, and error statuses carry the classification.
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	result *crawler.FollowerPage,
	body *[]byte,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Authorization", f.authorization)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = crawler.FollowerPage{
			Status:     crawler.ClassifyStatus(r.StatusCode),
			StatusCode: r.StatusCode,
		}
		*body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			// A status-bearing error still carries a classification.
			*result = crawler.FollowerPage{
				Status:     crawler.ClassifyStatus(r.StatusCode),
				StatusCode: r.StatusCode,
			}
			if result.Status != crawler.PageOK {
				return
			}
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

// DecodeIDs parses a JSON array of follower ids. Values whose decimal form
// does not fit an int32 are skipped; a null body is an empty page.
func DecodeIDs(body []byte) ([]crawler.ID, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw []json.Number
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPage, err)
	}
	ids := make([]crawler.ID, 0, len(raw))
	for _, n := range raw {
		s := n.String()
		if len(s) > maxIDDigits {
			continue
		}
		v, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, crawler.ID(v))
	}
	return ids, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   64,
		IdleConnTimeout:       90 * time.Second,
	}
}
