package validator

import (
	"bytes"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"testing"

	"github.com/maruel/odb/internal/driver"
	odberrors "github.com/maruel/odb/internal/errors"
	"github.com/maruel/odb/internal/observer"
)

type candidate struct {
	coll string
	key  string
	data *observer.Observer[driver.Record]
}

func (c *candidate) Collection() string                      { return c.coll }
func (c *candidate) Key() string                             { return c.key }
func (c *candidate) Data() *observer.Observer[driver.Record] { return c.data }

func newCandidate(coll string, rec driver.Record) *candidate {
	return &candidate{coll: coll, key: rec.Key(), data: observer.New(rec)}
}

func TestRun(t *testing.T) {
	t.Run("order and reverse cleanup", func(t *testing.T) {
		var calls []string
		reg := func(name string) Registration {
			return Registration{Table: "users", Register: func(Candidate) (Cleanup, error) {
				calls = append(calls, "register "+name)
				return func() { calls = append(calls, "cleanup "+name) }, nil
			}}
		}
		r := NewRegistry(reg("v1"), reg("v2"), Registration{Table: "other", Register: func(Candidate) (Cleanup, error) {
			t.Error("registration of another table ran")
			return nil, nil
		}})
		cleanup, err := r.Run(newCandidate("users", driver.Record{"id": "u1"}))
		if err != nil {
			t.Fatal(err)
		}
		cleanup()
		cleanup()
		want := []string{"register v1", "register v2", "cleanup v2", "cleanup v1"}
		if !slices.Equal(calls, want) {
			t.Errorf("calls = %v, want %v", calls, want)
		}
	})
	t.Run("rejection unwinds", func(t *testing.T) {
		var calls []string
		r := NewRegistry(
			Registration{Table: "users", Register: func(Candidate) (Cleanup, error) {
				return func() { calls = append(calls, "cleanup v1") }, nil
			}},
			Registration{Table: "users", Register: func(Candidate) (Cleanup, error) {
				return nil, errors.New("bad")
			}},
			Registration{Table: "users", Register: func(Candidate) (Cleanup, error) {
				calls = append(calls, "register v3")
				return nil, nil
			}},
		)
		cleanup, err := r.Run(newCandidate("users", driver.Record{}))
		if !errors.Is(err, odberrors.ErrValidationRejected) {
			t.Fatalf("Run() = %v, want VALIDATION_REJECTED", err)
		}
		if cleanup != nil {
			t.Error("Run() returned a cleanup with an error")
		}
		if want := []string{"cleanup v1"}; !slices.Equal(calls, want) {
			t.Errorf("calls = %v, want %v", calls, want)
		}
	})
	t.Run("nil registry", func(t *testing.T) {
		var r *Registry
		cleanup, err := r.Run(newCandidate("users", driver.Record{}))
		if err != nil {
			t.Fatal(err)
		}
		cleanup()
	})
}

func TestNormalizer(t *testing.T) {
	lower := Normalizer("users", func(rec driver.Record) (driver.Record, error) {
		if s, ok := rec["email"].(string); ok {
			rec["email"] = strings.ToLower(s)
		}
		return rec, nil
	})
	r := NewRegistry(lower)
	c := newCandidate("users", driver.Record{"email": "Ann@Example.COM"})
	cleanup, err := r.Run(c)
	if err != nil {
		t.Fatal(err)
	}
	if got := c.data.Get()["email"]; got != "ann@example.com" {
		t.Errorf("email = %v after Run", got)
	}
	email := observer.Path[string](c.data, "email")
	if err := email.Set("BOB@Example.com"); err != nil {
		t.Fatal(err)
	}
	if got := email.Get(); got != "bob@example.com" {
		t.Errorf("email = %q after Set", got)
	}
	cleanup()
	if err := email.Set("CID@X"); err != nil {
		t.Fatal(err)
	}
	if got := email.Get(); got != "CID@X" {
		t.Errorf("email = %q after cleanup, want unnormalized", got)
	}
	if n := c.data.Listeners(); n != 0 {
		t.Errorf("Listeners() = %d after cleanup", n)
	}
}

func TestNormalizerLogger(t *testing.T) {
	var buf bytes.Buffer
	strict := Normalizer("users", func(rec driver.Record) (driver.Record, error) {
		if rec["email"] == "" {
			return nil, errors.New("empty email")
		}
		return rec, nil
	})
	r := NewRegistry(strict)
	r.SetLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	c := newCandidate("users", driver.Record{"id": "u1", "email": "a@b"})
	cleanup, err := r.Run(c)
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()
	if err := observer.Path[string](c.data, "email").Set(""); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); !strings.Contains(got, "normalizer failed") || !strings.Contains(got, "empty email") {
		t.Errorf("log = %q, want the normalizer failure", got)
	}
}

func TestSchema(t *testing.T) {
	type user struct {
		ID    string `json:"id,omitempty"`
		Email string `json:"email"`
		Age   int    `json:"age,omitempty"`
		Admin bool   `json:"admin,omitempty"`
	}
	r := NewRegistry(Schema[user]("users"))
	tests := []struct {
		name string
		rec  driver.Record
		ok   bool
	}{
		{"valid", driver.Record{"email": "a@b", "age": 3.0}, true},
		{"extra fields", driver.Record{"email": "a@b", "note": []any{1.0}}, true},
		{"missing required", driver.Record{"age": 3.0}, false},
		{"wrong type", driver.Record{"email": 1.0}, false},
		{"fractional integer", driver.Record{"email": "a@b", "age": 1.5}, false},
		{"wrong bool", driver.Record{"email": "a@b", "admin": "yes"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Run(newCandidate("users", tt.rec))
			if (err == nil) != tt.ok {
				t.Errorf("Run() = %v, want ok=%t", err, tt.ok)
			}
			err = r.Check("users", tt.rec)
			if (err == nil) != tt.ok {
				t.Errorf("Check() = %v, want ok=%t", err, tt.ok)
			}
			if err != nil && !errors.Is(err, odberrors.ErrValidationRejected) {
				t.Errorf("Check() = %v, want VALIDATION_REJECTED", err)
			}
		})
	}
	if got := r.Tables(); !slices.Equal(got, []string{"users"}) {
		t.Errorf("Tables() = %v", got)
	}
}
