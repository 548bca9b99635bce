package remote

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/maruel/odb/internal/driver"
	"github.com/maruel/odb/internal/driver/drivertest"
	"github.com/maruel/odb/internal/drivers/memdb"
	odberrors "github.com/maruel/odb/internal/errors"
)

// serve starts a Server over a fresh in-memory driver and returns its
// websocket URL.
func serve(t *testing.T, opts ...ServerOption) (*Server, string) {
	t.Helper()
	backing := memdb.New(memdb.NewBackend(), driver.Config{Name: memdb.Name})
	srv := NewServer(backing, opts...)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		_ = srv.Close()
		ts.Close()
		_ = backing.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string, props map[string]string) (*Client, error) {
	t.Helper()
	p := map[string]string{"url": url}
	for k, v := range props {
		p[k] = v
	}
	return Dial(t.Context(), driver.Config{Name: Name, Props: p, CrossInstanceLive: true})
}

func TestConformance(t *testing.T) {
	urls := map[*testing.T]string{}
	drivertest.Run(t, drivertest.Harness{
		Config: driver.Config{Name: Name, CrossInstanceLive: true},
		Open: func(t *testing.T) driver.Driver {
			url, ok := urls[t]
			if !ok {
				_, url = serve(t)
				urls[t] = url
			}
			c, err := dial(t, url, nil)
			if err != nil {
				t.Fatalf("Dial() failed: %v", err)
			}
			return c
		},
	})
}

func TestAuth(t *testing.T) {
	secret := []byte("s3cr3t")
	srv, url := serve(t, WithSecret(secret))

	t.Run("missing token", func(t *testing.T) {
		if _, err := dial(t, url, nil); !errors.Is(err, odberrors.ErrUnauthorized) {
			t.Errorf("Dial() = %v, want UNAUTHORIZED", err)
		}
	})
	t.Run("wrong secret", func(t *testing.T) {
		tok, err := Token([]byte("other"), "ann", time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := dial(t, url, map[string]string{"token": tok}); !errors.Is(err, odberrors.ErrUnauthorized) {
			t.Errorf("Dial() = %v, want UNAUTHORIZED", err)
		}
	})
	t.Run("expired token", func(t *testing.T) {
		tok, err := Token(secret, "ann", -time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := dial(t, url, map[string]string{"token": tok}); !errors.Is(err, odberrors.ErrUnauthorized) {
			t.Errorf("Dial() = %v, want UNAUTHORIZED", err)
		}
	})
	t.Run("valid token", func(t *testing.T) {
		tok, err := Token(secret, "ann", time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		c, err := dial(t, url, map[string]string{"token": tok})
		if err != nil {
			t.Fatalf("Dial() failed: %v", err)
		}
		defer c.Close()
		if _, err := c.Insert(t.Context(), "users", driver.Record{"id": "u1"}); err != nil {
			t.Fatal(err)
		}
		if got := srv.Sessions(); got != 1 {
			t.Errorf("Sessions() = %d, want 1", got)
		}
	})
}

func TestUnauthorizedBody(t *testing.T) {
	srv := NewServer(memdb.New(memdb.NewBackend(), driver.Config{}), WithSecret([]byte("x")))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	var body odberrors.Body
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Code != odberrors.CodeUnauthorized {
		t.Errorf("code = %q, want %q", body.Code, odberrors.CodeUnauthorized)
	}
}

func TestErrorsCrossTheWire(t *testing.T) {
	_, url := serve(t)
	c, err := dial(t, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	err = c.Update(t.Context(), "users", "absent", driver.Record{"a": 1})
	if !errors.Is(err, odberrors.ErrNotFound) {
		t.Errorf("Update() = %v, want NOT_FOUND", err)
	}
	if got := odberrors.CodeOf(err); got != odberrors.CodeNotFound {
		t.Errorf("CodeOf() = %q", got)
	}
}

func TestSharedSubscription(t *testing.T) {
	_, url := serve(t)
	c, err := dial(t, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	got := make(chan driver.Event, 4)
	u1, err := c.Subscribe("users", func(ev driver.Event) { got <- ev })
	if err != nil {
		t.Fatal(err)
	}
	u2, err := c.Subscribe("users", func(ev driver.Event) { got <- ev })
	if err != nil {
		t.Fatal(err)
	}
	u1()
	if _, err := c.Insert(t.Context(), "users", driver.Record{"id": "u1"}); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-got:
		if ev.Key != "u1" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("remaining subscriber got no event after the first left")
	}
	u2()
	c.subMu.Lock()
	n := len(c.refs)
	c.subMu.Unlock()
	if n != 0 {
		t.Errorf("refs = %d after every subscriber left", n)
	}
}

func TestDialInvalid(t *testing.T) {
	if _, err := Dial(t.Context(), driver.Config{Name: Name}); !errors.Is(err, odberrors.ErrInvalidArgument) {
		t.Errorf("Dial() without url = %v, want INVALID_ARGUMENT", err)
	}
}
