package users

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/maruel/odb/internal/driver"
	"github.com/maruel/odb/internal/drivers/memdb"
	odberrors "github.com/maruel/odb/internal/errors"
	"github.com/maruel/odb/internal/jobs"
	"github.com/maruel/odb/internal/odb"
	"github.com/maruel/odb/internal/validator"
)

func init() {
	hashCost = bcrypt.MinCost
}

type env struct {
	drv driver.Driver
	db  *odb.DB
	mux *jobs.Mux
}

func setup(t *testing.T) *env {
	t.Helper()
	return setupWith(t, memdb.New(memdb.NewBackend(), driver.Config{Name: memdb.Name}))
}

func setupWith(t *testing.T, drv driver.Driver) *env {
	t.Helper()
	db, err := odb.New(drv, odb.WithValidators(validator.NewRegistry(Validators()...)))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = db.Close()
		_ = drv.Close()
	})
	mux := jobs.NewMux()
	Register(mux)
	return &env{drv: drv, db: db, mux: mux}
}

// call invokes a job and decodes its result into out.
func (e *env) call(t *testing.T, user, job string, payload, out any) error {
	t.Helper()
	raw, err := jobs.Encode(payload)
	if err != nil {
		t.Fatal(err)
	}
	resp := e.mux.Invoke(t.Context(), job, raw, jobs.Env{User: user, DB: e.db})
	if resp.Error != nil {
		return odberrors.New(resp.Error.Code, resp.Error.Error)
	}
	if out != nil {
		if err := resp.Decode(out); err != nil {
			t.Fatal(err)
		}
	}
	return nil
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   driver.Record
		want driver.Record
	}{
		{
			"email and name",
			driver.Record{"email": "  Ann@Example.COM ", "name": " Cafe\u0301 ", "created": "t0"},
			driver.Record{"email": "ann@example.com", "name": "Caf\u00e9", "created": "t0"},
		},
		{
			"idempotent",
			driver.Record{"email": "ann@example.com", "name": "Caf\u00e9", "created": "t0"},
			driver.Record{"email": "ann@example.com", "name": "Caf\u00e9", "created": "t0"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalize(tt.in)
			if err != nil {
				t.Fatal(err)
			}
			if !driver.Equal(got, tt.want) {
				t.Errorf("normalize() = %v, want %v", got, tt.want)
			}
		})
	}

	got, err := normalize(driver.Record{"email": "a@b", "password": "secret"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got["password"]; ok {
		t.Error("clear text password kept")
	}
	hash, _ := got["password_hash"].(string)
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret")); err != nil {
		t.Errorf("password_hash does not match: %v", err)
	}
	if got["created"] == nil {
		t.Error("created not defaulted")
	}

	for _, email := range []string{"", "nope", "@x", "x@"} {
		if _, err := normalize(driver.Record{"email": email}); err == nil {
			t.Errorf("normalize(email=%q) succeeded", email)
		}
	}
}

func TestJobs(t *testing.T) {
	e := setup(t)

	var ann View
	if err := e.call(t, "", JobCreate, CreateRequest{Email: " Ann@Example.com", Name: "Ann", Password: "pw"}, &ann); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if ann.ID == "" || ann.Email != "ann@example.com" || ann.Created == "" {
		t.Errorf("create = %+v", ann)
	}
	stored, err := e.drv.Get(context.Background(), Collection, ann.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := stored["password"]; ok || stored["password_hash"] == nil {
		t.Errorf("stored = %v", stored)
	}

	t.Run("duplicate email", func(t *testing.T) {
		err := e.call(t, "", JobCreate, CreateRequest{Email: "ANN@example.com"}, nil)
		if !errors.Is(err, odberrors.ErrConflict) {
			t.Errorf("create = %v, want CONFLICT", err)
		}
	})
	t.Run("invalid email", func(t *testing.T) {
		err := e.call(t, "", JobCreate, CreateRequest{Email: "nope"}, nil)
		if got := odberrors.CodeOf(err); got != odberrors.CodeInvalidArgument {
			t.Errorf("create = %v, want INVALID_ARGUMENT", err)
		}
	})
	t.Run("authenticate", func(t *testing.T) {
		var v View
		if err := e.call(t, "", JobAuthenticate, AuthenticateRequest{Email: "ann@EXAMPLE.com", Password: "pw"}, &v); err != nil {
			t.Fatal(err)
		}
		if v.ID != ann.ID {
			t.Errorf("authenticate = %+v", v)
		}
		err := e.call(t, "", JobAuthenticate, AuthenticateRequest{Email: "ann@example.com", Password: "bad"}, nil)
		if !errors.Is(err, odberrors.ErrUnauthorized) {
			t.Errorf("authenticate with a bad password = %v", err)
		}
	})
	t.Run("rename", func(t *testing.T) {
		var v View
		if err := e.call(t, ann.ID, JobRename, RenameRequest{ID: ann.ID, Name: " Annie "}, &v); err != nil {
			t.Fatal(err)
		}
		if v.Name != "Annie" {
			t.Errorf("rename = %+v, want normalized name", v)
		}
		rec, err := e.drv.Get(context.Background(), Collection, ann.ID)
		if err != nil || rec["name"] != "Annie" {
			t.Errorf("stored = %v, %v", rec, err)
		}
		err = e.call(t, "someone-else", JobRename, RenameRequest{ID: ann.ID, Name: "X"}, nil)
		if !errors.Is(err, odberrors.ErrUnauthorized) {
			t.Errorf("rename by another user = %v, want UNAUTHORIZED", err)
		}
	})
	t.Run("soft delete", func(t *testing.T) {
		if err := e.call(t, ann.ID, JobSoftDelete, IDRequest{ID: ann.ID}, nil); err != nil {
			t.Fatal(err)
		}
		rec, err := e.drv.Get(context.Background(), Collection, ann.ID)
		if err != nil || rec == nil || rec["deleteAt"] == nil {
			t.Errorf("stored = %v, %v, want kept with deleteAt", rec, err)
		}
		if err := e.call(t, "", JobGet, IDRequest{ID: ann.ID}, nil); !errors.Is(err, odberrors.ErrNotFound) {
			t.Errorf("get after soft delete = %v, want NOT_FOUND", err)
		}
		err = e.call(t, "", JobAuthenticate, AuthenticateRequest{Email: "ann@example.com", Password: "pw"}, nil)
		if !errors.Is(err, odberrors.ErrUnauthorized) {
			t.Errorf("authenticate after soft delete = %v", err)
		}
	})
	t.Run("get unknown", func(t *testing.T) {
		if err := e.call(t, "", JobGet, IDRequest{ID: "nobody"}, nil); !errors.Is(err, odberrors.ErrNotFound) {
			t.Errorf("get = %v, want NOT_FOUND", err)
		}
	})
}

func TestLiveNormalization(t *testing.T) {
	e := setup(t)
	ctx := t.Context()
	d, err := e.db.Create(ctx, Collection, driver.Record{"email": "a@b.c"})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Set("email", "  MIXED@Case.ORG"); err != nil {
		t.Fatal(err)
	}
	if got, _ := d.Get("email"); got != "mixed@case.org" {
		t.Errorf("email = %v, want normalized on write", got)
	}
	if err := d.Set("email", "broken"); err != nil {
		t.Fatal(err)
	}
	if err := d.Flush(ctx); !errors.Is(err, odberrors.ErrValidationRejected) {
		t.Errorf("Flush() = %v, want VALIDATION_REJECTED", err)
	}
	if err := d.Set("email", "ok@x.y"); err != nil {
		t.Fatal(err)
	}
	if err := d.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if d.Dirty() {
		t.Errorf("Dirty() = true after Flush")
	}
}

// flaky wraps a driver whose Update fails while down is set.
type flaky struct {
	driver.Driver
	down atomic.Bool
}

func (f *flaky) Update(ctx context.Context, collection, key string, patch driver.Record) error {
	if f.down.Load() {
		return odberrors.Unavailable(errors.New("backend down"))
	}
	return f.Driver.Update(ctx, collection, key, patch)
}

func TestFailedFlushReverts(t *testing.T) {
	f := &flaky{Driver: memdb.New(memdb.NewBackend(), driver.Config{Name: memdb.Name})}
	e := setupWith(t, f)
	var ann View
	if err := e.call(t, "", JobCreate, CreateRequest{Email: "ann@example.com", Name: "Ann"}, &ann); err != nil {
		t.Fatal(err)
	}

	f.down.Store(true)
	if err := e.call(t, "", JobSoftDelete, IDRequest{ID: ann.ID}, nil); !errors.Is(err, odberrors.ErrUnavailable) {
		t.Fatalf("softDelete = %v, want UNAVAILABLE", err)
	}
	if err := e.call(t, "", JobRename, RenameRequest{ID: ann.ID, Name: "Annie"}, nil); !errors.Is(err, odberrors.ErrUnavailable) {
		t.Fatalf("rename = %v, want UNAVAILABLE", err)
	}
	var v View
	if err := e.call(t, "", JobGet, IDRequest{ID: ann.ID}, &v); err != nil {
		t.Fatalf("get after failed softDelete = %v", err)
	}
	if v.Name != "Ann" || v.DeleteAt != "" {
		t.Errorf("get = %+v, want the stored user", v)
	}

	f.down.Store(false)
	if err := e.call(t, "", JobRename, RenameRequest{ID: ann.ID, Name: "Bea"}, nil); err != nil {
		t.Fatal(err)
	}
	rec, err := f.Get(context.Background(), Collection, ann.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec["deleteAt"] != nil || rec["name"] != "Bea" {
		t.Errorf("stored = %v, want only the rename persisted", rec)
	}
}
