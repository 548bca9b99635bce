package remote

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/maruel/odb/internal/driver"
	"github.com/maruel/odb/internal/errors"
)

// Name is the registered driver name.
const Name = "remote"

const defaultTimeout = 30 * time.Second

func init() {
	driver.Register(Name, func(ctx context.Context, cfg driver.Config) (driver.Driver, error) {
		return Dial(ctx, cfg)
	})
}

var errClosed = stderrors.New("connection closed")

// Client is a driver instance connected to a Server.
type Client struct {
	conn    *websocket.Conn
	log     *slog.Logger
	timeout time.Duration
	hub     *driver.Hub
	pending *xsync.MapOf[string, chan *message]
	closed  atomic.Bool
	done    chan struct{}

	writeMu sync.Mutex

	// subMu serializes subscription changes. refs counts local
	// subscriptions per collection; the server side subscription exists
	// while the count is positive.
	subMu sync.Mutex
	refs  map[string]int
}

var _ driver.Driver = (*Client)(nil)

// Dial connects to the server at the "url" property, presenting the "token"
// property as bearer token when set.
func Dial(ctx context.Context, cfg driver.Config) (*Client, error) {
	url := cfg.Prop("url", "")
	if url == "" {
		return nil, errors.Invalid("remote: property url is required")
	}
	hdr := http.Header{}
	if tok := cfg.Prop("token", ""); tok != "" {
		hdr.Set("Authorization", "Bearer "+tok)
	}
	conn, res, err := websocket.DefaultDialer.DialContext(ctx, url, hdr)
	if res != nil && res.Body != nil {
		defer res.Body.Close()
	}
	if err != nil {
		if res != nil && res.StatusCode == http.StatusUnauthorized {
			return nil, errors.Unauthorized()
		}
		return nil, errors.Unavailable(fmt.Errorf("remote: failed to dial %s: %w", url, err))
	}
	timeout := defaultTimeout
	if v := cfg.Prop("timeout", ""); v != "" {
		if timeout, err = time.ParseDuration(v); err != nil {
			_ = conn.Close()
			return nil, errors.Invalid(fmt.Sprintf("remote: invalid timeout %q", v))
		}
	}
	c := &Client{
		conn:    conn,
		log:     slog.Default().With("driver", Name, "url", url),
		timeout: timeout,
		hub:     driver.NewHub(),
		pending: xsync.NewMapOf[string, chan *message](),
		done:    make(chan struct{}),
		refs:    map[string]int{},
	}
	go c.readLoop()
	return c, nil
}

// Name implements driver.Driver.
func (c *Client) Name() string {
	return Name
}

func (c *Client) readLoop() {
	defer c.shutdown()
	for {
		var m message
		if err := c.conn.ReadJSON(&m); err != nil {
			if !c.closed.Load() {
				c.log.Warn("connection lost", "err", err)
			}
			return
		}
		if m.Event != nil {
			c.hub.Publish(*m.Event)
			continue
		}
		if ch, ok := c.pending.LoadAndDelete(m.ID); ok {
			ch <- &m
		}
	}
}

// shutdown fails every pending request.
func (c *Client) shutdown() {
	c.closed.Store(true)
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.pending.Range(func(id string, _ chan *message) bool {
		c.pending.Delete(id)
		return true
	})
	c.hub.Close()
}

// call sends a request and decodes its result into out when not nil.
func (c *Client) call(ctx context.Context, req *request, out any) error {
	if c.closed.Load() {
		return errors.Closed(Name)
	}
	req.ID = uuid.NewString()
	ch := make(chan *message, 1)
	c.pending.Store(req.ID, ch)
	defer c.pending.Delete(req.ID)

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		return errors.Unavailable(fmt.Errorf("remote: %s failed: %w", req.Method, err))
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case m := <-ch:
		if m.Error != nil {
			return toError(m.Error)
		}
		if out != nil && len(m.Result) != 0 {
			if err := json.Unmarshal(m.Result, out); err != nil {
				return errors.Unavailable(fmt.Errorf("remote: failed to decode %s result: %w", req.Method, err))
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.Unavailable(fmt.Errorf("remote: %s timed out after %s", req.Method, c.timeout))
	case <-c.done:
		return errors.Unavailable(errClosed)
	}
}

// Get implements driver.Driver.
func (c *Client) Get(ctx context.Context, collection, key string) (driver.Record, error) {
	var rec driver.Record
	err := c.call(ctx, &request{Method: methodGet, Collection: collection, Key: key}, &rec)
	return rec, err
}

// Find implements driver.Driver.
func (c *Client) Find(ctx context.Context, collection string, q driver.Query) (driver.Record, error) {
	var rec driver.Record
	err := c.call(ctx, &request{Method: methodFind, Collection: collection, Query: q}, &rec)
	return rec, err
}

// FindAll implements driver.Driver. The request is sent when iteration
// starts.
func (c *Client) FindAll(ctx context.Context, collection string, q driver.Query) iter.Seq2[driver.Record, error] {
	return func(yield func(driver.Record, error) bool) {
		var recs []driver.Record
		if err := c.call(ctx, &request{Method: methodFindAll, Collection: collection, Query: q}, &recs); err != nil {
			yield(nil, err)
			return
		}
		for _, rec := range recs {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// Insert implements driver.Driver.
func (c *Client) Insert(ctx context.Context, collection string, rec driver.Record) (string, error) {
	var key string
	err := c.call(ctx, &request{Method: methodInsert, Collection: collection, Record: rec}, &key)
	return key, err
}

// Update implements driver.Driver.
func (c *Client) Update(ctx context.Context, collection, key string, patch driver.Record) error {
	return c.call(ctx, &request{Method: methodUpdate, Collection: collection, Key: key, Record: patch}, nil)
}

// Remove implements driver.Driver.
func (c *Client) Remove(ctx context.Context, collection, key string) error {
	return c.call(ctx, &request{Method: methodRemove, Collection: collection, Key: key}, nil)
}

// Subscribe implements driver.Driver. Local subscriptions to one collection
// share a single server side subscription.
func (c *Client) Subscribe(collection string, h driver.Handler) (func(), error) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	// Events may arrive before the subscribe response.
	unsub := c.hub.Subscribe(collection, h)
	if c.refs[collection] == 0 {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		if err := c.call(ctx, &request{Method: methodSubscribe, Collection: collection}, nil); err != nil {
			unsub()
			return nil, err
		}
	}
	c.refs[collection]++
	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			c.subMu.Lock()
			defer c.subMu.Unlock()
			c.refs[collection]--
			if c.refs[collection] > 0 {
				return
			}
			delete(c.refs, collection)
			ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
			defer cancel()
			if err := c.call(ctx, &request{Method: methodUnsubscribe, Collection: collection}, nil); err != nil && !errors.IsRetryable(err) {
				c.log.Warn("unsubscribe failed", "collection", collection, "err", err)
			}
		})
	}, nil
}

// Close implements driver.Driver.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}
