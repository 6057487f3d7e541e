// Package api is the HTTP client for the broadcast metadata API and the file
// store segments are uploaded to.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"broadcast-uploader/internal/models"
)

const defaultTimeout = 30 * time.Second

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.Code, e.Body)
	}
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Code)
}

// Temporary reports whether retrying the same request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout || e.Code >= 500
}

// ErrNotRegistered is returned by uploads before the app has storage credentials.
var ErrNotRegistered = errors.New("api: application not registered with the file store")

// Page is one page of a paginated listing.
type Page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

// Config configures a Client.
type Config struct {
	BaseURL        string
	HTTPClient     *http.Client
	Token          string
	StorageBaseURL string
	StorageToken   string
	Logger         *slog.Logger
}

// Client talks to the metadata API and the file store. It is safe for
// concurrent use.
type Client struct {
	base *url.URL
	http *http.Client
	log  *slog.Logger

	mu           sync.RWMutex
	token        string
	storageBase  string
	storageToken string
	playbackBase string
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("api: invalid base url %q", cfg.BaseURL)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		base:         base,
		http:         hc,
		log:          log,
		token:        cfg.Token,
		storageBase:  strings.TrimRight(cfg.StorageBaseURL, "/"),
		storageToken: cfg.StorageToken,
	}, nil
}

// RegisterApp exchanges the application id and secret for API and file store
// credentials, which the client keeps for later calls.
func (c *Client) RegisterApp(ctx context.Context, appID, secret string) (models.Application, error) {
	var resp struct {
		Application models.Application `json:"application"`
		Token       string             `json:"token"`
	}
	body := map[string]string{"app_id": appID, "secret": secret}
	if err := c.do(ctx, "register app", http.MethodPost, "/apps/register", nil, body, &resp); err != nil {
		return models.Application{}, err
	}

	c.mu.Lock()
	if resp.Token != "" {
		c.token = resp.Token
	}
	c.storageBase = strings.TrimRight(resp.Application.StorageBaseURL, "/")
	c.storageToken = resp.Application.StorageToken
	c.playbackBase = strings.TrimRight(resp.Application.PlaybackURL, "/")
	c.mu.Unlock()

	c.log.Info("application registered", slog.String("app_id", resp.Application.ID))
	return resp.Application, nil
}

// CreateStream registers a new live stream and returns it with its id.
func (c *Client) CreateStream(ctx context.Context, meta models.StreamMetadata) (models.Stream, error) {
	var stream models.Stream
	if err := c.do(ctx, "create stream", http.MethodPost, "/streams", nil, meta, &stream); err != nil {
		return models.Stream{}, err
	}
	if stream.ID == "" {
		return models.Stream{}, errors.New("create stream: response has no stream id")
	}
	return stream, nil
}

// UpdateStream patches stream fields such as location or the ended flag.
func (c *Client) UpdateStream(ctx context.Context, streamID string, upd models.StreamUpdate) error {
	return c.do(ctx, "update stream", http.MethodPatch, "/streams/"+url.PathEscape(streamID), nil, upd, nil)
}

// StopStream tells the server the broadcast has ended.
func (c *Client) StopStream(ctx context.Context, streamID string) error {
	return c.do(ctx, "stop stream", http.MethodPost, "/streams/"+url.PathEscape(streamID)+"/stop", nil, nil, nil)
}

// DeleteStream removes a stream.
func (c *Client) DeleteStream(ctx context.Context, streamID string) error {
	return c.do(ctx, "delete stream", http.MethodDelete, "/streams/"+url.PathEscape(streamID), nil, nil, nil)
}

// StreamQuery filters ListStreams. Zero fields are omitted.
type StreamQuery struct {
	Until    *time.Time
	AuthorID string
	Near     *models.Coordinate
	Radius   float64 // metres; 0 means unbounded
	Limit    int
}

func (q StreamQuery) values() url.Values {
	v := url.Values{}
	if q.Until != nil {
		v.Set("until", q.Until.UTC().Format(time.RFC3339Nano))
	}
	if q.AuthorID != "" {
		v.Set("author_id", q.AuthorID)
	}
	if q.Near != nil {
		v.Set("lat", strconv.FormatFloat(q.Near.Latitude, 'f', -1, 64))
		v.Set("lng", strconv.FormatFloat(q.Near.Longitude, 'f', -1, 64))
		if q.Radius > 0 {
			v.Set("radius", strconv.FormatFloat(q.Radius, 'f', -1, 64))
		}
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

// ListStreams returns one page of streams matching q.
func (c *Client) ListStreams(ctx context.Context, q StreamQuery) (Page[models.Stream], error) {
	var page Page[models.Stream]
	err := c.do(ctx, "list streams", http.MethodGet, "/streams", q.values(), nil, &page)
	return page, err
}

// ListViewers returns one page of viewers of streamID, before until when set.
func (c *Client) ListViewers(ctx context.Context, streamID string, until *time.Time, limit int) (Page[models.Viewer], error) {
	v := url.Values{}
	if until != nil {
		v.Set("until", until.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	var page Page[models.Viewer]
	err := c.do(ctx, "list viewers", http.MethodGet, "/streams/"+url.PathEscape(streamID)+"/viewers", v, nil, &page)
	return page, err
}

// ObjectURL returns the public URL of key in the file store.
func (c *Client) ObjectURL(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.storageBase + "/" + key
}

// PlaybackBase returns the playback base URL granted at registration, if any.
func (c *Client) PlaybackBase() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.playbackBase
}

// UploadObject PUTs body to key in the file store, calling progress with the
// number of bytes written since the previous call.
func (c *Client) UploadObject(ctx context.Context, key, contentType string, body []byte, progress func(int64)) (string, error) {
	c.mu.RLock()
	base, token := c.storageBase, c.storageToken
	c.mu.RUnlock()
	if base == "" {
		return "", ErrNotRegistered
	}

	target := base + "/" + key
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, &progressReader{r: bytes.NewReader(body), progress: progress})
	if err != nil {
		return "", err
	}
	req.ContentLength = int64(len(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", contentType)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", statusError("upload "+key, resp)
	}
	io.Copy(io.Discard, resp.Body)
	return target, nil
}

type progressReader struct {
	r        io.Reader
	progress func(int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 && p.progress != nil {
		p.progress(int64(n))
	}
	return n, err
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, in, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.RUnlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return statusError(op, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func statusError(op string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}
