// Package feed implements the change-feed client: a durable, resumable
// subscription to the server's shape log, surfaced to the sync core as a
// blocking sequence of event batches.
package feed

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/shapesync/shapesync"
	"github.com/shapesync/shapesync/utils"
)

const (
	// MinRetryPeriod and MaxRetryPeriod bound the reconnect backoff.
	MinRetryPeriod = time.Second / 2
	MaxRetryPeriod = time.Minute

	queueLimit = 1 << 14
	batchSize  = 256
)

// Shape headers carrying the resumption cursor on every log response.
const (
	HeaderOffset = "Shape-Offset"
	HeaderHandle = "Shape-Handle"
	HeaderCursor = "Shape-Cursor"
)

// Client maintains one shape subscription. Run long-polls the shape endpoint
// in a loop, resuming from the last acknowledged cursor with exponential
// backoff after transport failures; Feed hands the decoded events to the
// consumer. Duplicate delivery around resume boundaries is expected and left
// to the reconciler's idempotence.
type Client struct {
	endpoint *url.URL
	table    string
	params   url.Values
	client   *http.Client
	log      utils.Logger
	queue    *utils.FDQueue[shapesync.Event]

	lock   sync.Mutex
	cursor shapesync.Cursor
	live   bool
}

type ClientOptions struct {
	// URL of the shape endpoint (the proxy route, e.g. http://host/api/todos).
	URL   string
	Table string
	// Params are extra filter parameters forwarded on every poll
	// (e.g. user_id).
	Params url.Values
	// Cursor resumes an earlier subscription; zero value starts from the
	// beginning of the log.
	Cursor shapesync.Cursor

	HTTPClient *http.Client
	Log        utils.Logger
}

func (o *ClientOptions) SetDefaults() {
	if o.HTTPClient == nil {
		// no overall timeout: live mode holds the request open
		o.HTTPClient = &http.Client{}
	}
	if o.Log == nil {
		o.Log = utils.NewDefaultLogger(slog.LevelInfo)
	}
}

func NewClient(opts ClientOptions) (*Client, error) {
	opts.SetDefaults()
	endpoint, err := url.Parse(opts.URL)
	if err != nil {
		return nil, errors.Wrap(err, "feed: bad shape endpoint")
	}
	return &Client{
		endpoint: endpoint,
		table:    opts.Table,
		params:   opts.Params,
		client:   opts.HTTPClient,
		log:      opts.Log,
		queue:    utils.NewFDQueue[shapesync.Event](queueLimit, batchSize),
		cursor:   opts.Cursor,
	}, nil
}

// Feed blocks until the next batch of events arrives.
func (c *Client) Feed(ctx context.Context) ([]shapesync.Event, error) {
	return c.queue.Feed(ctx)
}

// Cursor returns the last acknowledged position, for persisting across
// process restarts.
func (c *Client) Cursor() shapesync.Cursor {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.cursor
}

func (c *Client) Close() error {
	return c.queue.Close()
}

// Run drives the subscription until ctx ends. Transport failures are retried
// with exponential backoff and never surfaced to the consumer; at worst the
// local view goes momentarily stale.
func (c *Client) Run(ctx context.Context) error {
	backoff := MinRetryPeriod
	for ctx.Err() == nil {
		err := c.poll(ctx)
		if err == nil {
			backoff = MinRetryPeriod
			continue
		}
		if ctx.Err() != nil {
			break
		}
		c.log.WarnCtx(ctx, "feed: poll failed, will retry",
			"table", c.table, "backoff", backoff, "err", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
		}
		backoff = min(MaxRetryPeriod, backoff*2)
	}
	return ctx.Err()
}

func (c *Client) poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.pollURL(), nil)
	if err != nil {
		return errors.Wrap(err, "feed: build request")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "feed: shape request")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return nil // long-poll expired with nothing new
	case http.StatusConflict:
		// shape incarnation changed: drop the cursor and refetch from scratch
		c.lock.Lock()
		c.cursor = shapesync.Cursor{}
		c.live = false
		c.lock.Unlock()
		c.log.Warn("feed: shape handle rotated, refetching", "table", c.table)
		return nil
	default:
		return errors.Errorf("feed: unexpected shape status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "feed: read shape body")
	}
	var events []shapesync.Event
	if err := json.Unmarshal(body, &events); err != nil {
		return errors.Wrap(err, "feed: decode shape body")
	}

	upToDate := false
	for _, ev := range events {
		if ev.Op == shapesync.OpControl && ev.Control == shapesync.ControlUpToDate {
			upToDate = true
		}
	}
	if err := c.queue.Drain(ctx, events); err != nil {
		return errors.Wrap(err, "feed: enqueue events")
	}

	// acknowledge the cursor only after the batch is safely queued
	c.lock.Lock()
	if off := resp.Header.Get(HeaderOffset); off != "" {
		c.cursor.Offset = off
	}
	if h := resp.Header.Get(HeaderHandle); h != "" {
		c.cursor.Handle = h
	}
	if upToDate {
		c.live = true
	}
	c.lock.Unlock()
	return nil
}

func (c *Client) pollURL() string {
	u := *c.endpoint
	q := url.Values{}
	for k, vs := range c.params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	q.Set("table", c.table)
	c.lock.Lock()
	if c.cursor.Offset != "" {
		q.Set("offset", c.cursor.Offset)
	}
	if c.cursor.Handle != "" {
		q.Set("handle", c.cursor.Handle)
	}
	if c.live {
		q.Set("live", "true")
	}
	c.lock.Unlock()
	u.RawQuery = q.Encode()
	return u.String()
}
