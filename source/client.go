package source

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"io/ioutil"
	"mime"
	"net/http"
	"net/url"

	"github.com/cenkalti/backoff/v3"
	"github.com/gorilla/schema"
	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
	"github.com/sirupsen/logrus"
	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/time/rate"

	"github.com/JiscSD/qda-harvester/version"
)

var queryEncoder = schema.NewEncoder()

// Client performs the HTTP requests of one source. It paces requests with a
// rate limiter and retries transient failures with exponential backoff.
type Client struct {
	source     string
	logger     logrus.FieldLogger
	api        *http.Client
	downloads  *http.Client
	headers    http.Header
	limiter    *rate.Limiter
	retries    int
	newBackOff func() backoff.BackOff
}

// NewClient returns a client for the source. httpClient is optional and, when
// given, is used for both API calls and downloads.
func NewClient(cfg Config, logger logrus.FieldLogger, httpClient *http.Client) *Client {
	cfg = cfg.WithDefaults()
	c := &Client{
		source:  cfg.Name,
		logger:  logger,
		headers: http.Header{},
		limiter: rate.NewLimiter(rate.Inf, 1),
		retries: cfg.Retries,
	}
	if cfg.Delay > 0 {
		c.limiter = rate.NewLimiter(rate.Every(cfg.Delay), 1)
	}
	c.headers.Set("User-Agent", version.UserAgent())
	for k, v := range cfg.Headers {
		c.headers.Set(k, v)
	}
	if httpClient != nil {
		c.api, c.downloads = httpClient, httpClient
	} else {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = cfg.DownloadTimeout
		c.api = &http.Client{Timeout: cfg.Timeout}
		c.downloads = &http.Client{Transport: transport}
	}
	initial := cfg.Backoff
	c.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.Multiplier = 2
		b.RandomizationFactor = 0
		b.MaxElapsedTime = 0
		return b
	}
	return c
}

func (c *Client) sourceError(kind ErrorKind, u string, status int, err error) *SourceError {
	return &SourceError{Kind: kind, Source: c.source, URL: u, Status: status, Err: err}
}

// do sends the request until it succeeds, fails permanently or runs out of
// attempts. The caller closes the body of the returned response.
func (c *Client) do(ctx context.Context, httpClient *http.Client, method, u string, body []byte, header http.Header) (*http.Response, error) {
	retry := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.retries-1)), ctx)

	var (
		resp    *http.Response
		attempt int
	)
	op := func() error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequest(method, u, reader)
		if err != nil {
			return backoff.Permanent(c.sourceError(MalformedResponse, u, 0, err))
		}
		req = req.WithContext(ctx)
		for k, v := range c.headers {
			req.Header[k] = v
		}
		for k, v := range header {
			req.Header[k] = v
		}
		resp, err = httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			c.logger.WithFields(logrus.Fields{"url": u, "attempt": attempt}).Warnf("Request failed: %v", err)
			return c.sourceError(Transient, u, 0, err)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		status := resp.StatusCode
		drain(resp.Body)
		resp = nil
		err = fmt.Errorf("unexpected status code: %d (%s)", status, http.StatusText(status))
		switch {
		case status == http.StatusNotFound || status == http.StatusGone:
			return backoff.Permanent(c.sourceError(NotFound, u, status, err))
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return backoff.Permanent(c.sourceError(AccessDenied, u, status, err))
		case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
			c.logger.WithFields(logrus.Fields{"url": u, "attempt": attempt, "status": status}).Warn("Transient HTTP error")
			return c.sourceError(Transient, u, status, err)
		}
		return backoff.Permanent(c.sourceError(MalformedResponse, u, status, err))
	}

	if err := backoff.Retry(op, retry); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return resp, nil
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(ioutil.Discard, io.LimitReader(body, 64<<10))
	body.Close()
}

// query encodes a struct tagged with `schema` into URL values.
func query(params interface{}) url.Values {
	values := url.Values{}
	if err := queryEncoder.Encode(params, values); err != nil {
		panic(err) // Parameter structs are static.
	}
	return values
}

func withQuery(u string, q url.Values) string {
	if len(q) == 0 {
		return u
	}
	return u + "?" + q.Encode()
}

func (c *Client) getJSON(ctx context.Context, u string, q url.Values, v interface{}) error {
	u = withQuery(u, q)
	resp, err := c.do(ctx, c.api, http.MethodGet, u, nil, http.Header{"Accept": {"application/json"}})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.decodeJSON(u, resp.Body, v)
}

func (c *Client) postJSON(ctx context.Context, u string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errors.Wrap(err, "encoding request")
	}
	header := http.Header{"Accept": {"application/json"}, "Content-Type": {"application/json"}}
	resp, err := c.do(ctx, c.api, http.MethodPost, u, body, header)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.decodeJSON(u, resp.Body, out)
}

func (c *Client) decodeJSON(u string, r io.Reader, v interface{}) error {
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return c.sourceError(MalformedResponse, u, 0, err)
	}
	return nil
}

func (c *Client) getXML(ctx context.Context, u string, q url.Values, v interface{}) error {
	u = withQuery(u, q)
	resp, err := c.do(ctx, c.api, http.MethodGet, u, nil, http.Header{"Accept": {"application/xml, text/xml"}})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := xml.NewDecoder(resp.Body).Decode(v); err != nil {
		return c.sourceError(MalformedResponse, u, 0, err)
	}
	return nil
}

// open starts a download.
func (c *Client) open(ctx context.Context, u string) (*Stream, error) {
	if u == "" {
		return nil, c.sourceError(AccessDenied, u, 0, errors.New("no public download location"))
	}
	resp, err := c.do(ctx, c.downloads, http.MethodGet, u, nil, nil)
	if err != nil {
		return nil, err
	}
	return &Stream{
		Body:        resp.Body,
		Length:      resp.ContentLength,
		Filename:    dispositionFilename(resp.Header.Get("Content-Disposition")),
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

func dispositionFilename(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return params["filename"]
}

// validate checks a decoded payload against a JSON schema.
func (c *Client) validate(u string, schemaDoc string, payload interface{}) error {
	result, err := gojsonschema.Validate(gojsonschema.NewStringLoader(schemaDoc), gojsonschema.NewGoLoader(payload))
	if err != nil {
		return c.sourceError(MalformedResponse, u, 0, err)
	}
	if !result.Valid() {
		var msg string
		for i, desc := range result.Errors() {
			if i > 0 {
				msg += "; "
			}
			msg += desc.String()
		}
		return c.sourceError(MalformedResponse, u, 0, errors.New(msg))
	}
	return nil
}
