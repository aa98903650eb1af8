// Package collyfetcher probes URLs with gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/linkguard/internal/linkcheck"
)

// Defaults applied when Config leaves a field unset.
const (
	DefaultTimeout    = 12 * time.Second
	DefaultSampleSize = 2048
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	// Timeout is the wall-clock budget for the whole probe, fallback included.
	Timeout    time.Duration
	SampleSize int
}

// Prober implements linkcheck.Prober using the Colly collector.
type Prober struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// step is a state of the probe machine.
type step int

const (
	stepHead step = iota
	stepRangedGet
	stepSample
	stepDone
)

// exchange is what a single request observed.
type exchange struct {
	status   int
	location string
	server   string
	body     []byte
}

// New builds a Prober. Redirects are never followed.
func New(cfg Config) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = DefaultSampleSize
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.MaxBodySize(cfg.SampleSize),
	)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	c.SetRedirectHandler(func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	})

	return &Prober{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Probe walks HEAD, ranged GET fallback and body sampling within the configured budget.
func (p *Prober) Probe(ctx context.Context, url string) linkcheck.ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	result := linkcheck.ProbeResult{URL: url}
	state := stepHead
	for state != stepDone {
		switch state {
		case stepHead:
			state = p.head(ctx, &result)
		case stepRangedGet:
			state = p.rangedGet(ctx, &result)
		case stepSample:
			state = p.sample(ctx, &result)
		default:
			state = stepDone
		}
	}
	return result
}

func (p *Prober) head(ctx context.Context, result *linkcheck.ProbeResult) step {
	ex, err := p.do(ctx, http.MethodHead, result.URL)
	if err != nil {
		return stepRangedGet
	}
	if ex.status == http.StatusMethodNotAllowed || ex.status == http.StatusNotImplemented {
		return stepRangedGet
	}
	record(result, ex)
	if result.StatusCode == http.StatusOK {
		return stepSample
	}
	return stepDone
}

func (p *Prober) rangedGet(ctx context.Context, result *linkcheck.ProbeResult) step {
	ex, err := p.do(ctx, http.MethodGet, result.URL)
	if err != nil {
		result.Err = transportError(err)
		return stepDone
	}
	record(result, ex)
	if result.StatusCode == http.StatusOK {
		result.BodySample = p.lowerSample(ex.body)
	}
	return stepDone
}

// sample fetches the body after a successful HEAD. A failed sample keeps the HEAD facts.
func (p *Prober) sample(ctx context.Context, result *linkcheck.ProbeResult) step {
	ex, err := p.do(ctx, http.MethodGet, result.URL)
	if err != nil {
		return stepDone
	}
	if normalizeStatus(ex.status) == http.StatusOK {
		result.BodySample = p.lowerSample(ex.body)
	}
	return stepDone
}

func (p *Prober) do(ctx context.Context, method, url string) (exchange, error) {
	var (
		out      exchange
		fetchErr error
	)
	collector := p.baseCollector.Clone()
	collector.Context = ctx
	p.configureCollectorHooks(collector, method, &out, &fetchErr)

	done := make(chan error, 1)
	go func() {
		if method == http.MethodHead {
			done <- collector.Head(url)
			return
		}
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return exchange{}, fmt.Errorf("colly %s canceled: %w", strings.ToLower(method), ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return exchange{}, fmt.Errorf("colly response failed: %w", fetchErr)
		}
		if err != nil {
			return exchange{}, fmt.Errorf("colly visit failed: %w", err)
		}
		return out, nil
	}
}

func (p *Prober) configureCollectorHooks(hooks collectorHooks, method string, out *exchange, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		if method == http.MethodGet {
			r.Headers.Set("Range", fmt.Sprintf("bytes=0-%d", p.cfg.SampleSize-1))
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		ex := exchange{
			status: r.StatusCode,
			body:   append([]byte(nil), r.Body...),
		}
		if r.Headers != nil {
			ex.location = r.Headers.Get("Location")
			ex.server = strings.ToLower(r.Headers.Get("Server"))
		}
		*out = ex
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (p *Prober) lowerSample(body []byte) string {
	if len(body) > p.cfg.SampleSize {
		body = body[:p.cfg.SampleSize]
	}
	return strings.ToLower(string(body))
}

func record(result *linkcheck.ProbeResult, ex exchange) {
	result.StatusCode = normalizeStatus(ex.status)
	result.Location = ex.location
	result.ServerHeader = ex.server
}

// normalizeStatus reports a partial answer to a ranged GET as a plain 200.
func normalizeStatus(code int) int {
	if code == http.StatusPartialContent {
		return http.StatusOK
	}
	return code
}

func transportError(err error) *linkcheck.TransportError {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &linkcheck.TransportError{Kind: linkcheck.ErrorKindTimeout, Message: err.Error()}
	}
	return &linkcheck.TransportError{Kind: linkcheck.ErrorKindOther, Message: err.Error()}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
