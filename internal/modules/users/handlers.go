package users

import (
	"context"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/maruel/odb/internal/driver"
	"github.com/maruel/odb/internal/errors"
	"github.com/maruel/odb/internal/jobs"
	"github.com/maruel/odb/internal/odb"
)

// Job names.
const (
	JobCreate       = "users.create"
	JobGet          = "users.get"
	JobRename       = "users.rename"
	JobSoftDelete   = "users.softDelete"
	JobAuthenticate = "users.authenticate"
)

// CreateRequest is the payload of users.create.
type CreateRequest struct {
	Email    string `cbor:"email"`
	Name     string `cbor:"name,omitempty"`
	Password string `cbor:"password,omitempty"`
}

// IDRequest is the payload of users.get and users.softDelete.
type IDRequest struct {
	ID string `cbor:"id"`
}

// RenameRequest is the payload of users.rename.
type RenameRequest struct {
	ID   string `cbor:"id"`
	Name string `cbor:"name"`
}

// AuthenticateRequest is the payload of users.authenticate.
type AuthenticateRequest struct {
	Email    string `cbor:"email"`
	Password string `cbor:"password"`
}

// Register adds the users jobs to mux.
func Register(mux *jobs.Mux) {
	mux.Handle(JobCreate, jobs.Typed(create))
	mux.Handle(JobGet, jobs.Typed(get))
	mux.Handle(JobRename, jobs.Typed(rename))
	mux.Handle(JobSoftDelete, jobs.Typed(softDelete))
	mux.Handle(JobAuthenticate, jobs.Typed(authenticate))
}

func create(ctx context.Context, req CreateRequest, env jobs.Env) (any, error) {
	rec := driver.Record{fieldEmail: req.Email}
	if req.Name != "" {
		rec[fieldName] = req.Name
	}
	if req.Password != "" {
		rec[fieldPassword] = req.Password
	}
	// The stored email is normalized; look it up the same way.
	probe, err := normalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}
	existing, err := env.DB.FindOne(ctx, Collection, driver.Query{fieldEmail: probe})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errors.Conflict("user " + probe)
	}
	d, err := env.DB.Create(ctx, Collection, rec)
	if err != nil {
		return nil, err
	}
	snap, err := d.Snapshot()
	if err != nil {
		return nil, err
	}
	return viewOf(snap), nil
}

func get(ctx context.Context, req IDRequest, env jobs.Env) (any, error) {
	d, err := live(ctx, env, req.ID)
	if err != nil {
		return nil, err
	}
	snap, err := d.Snapshot()
	if err != nil {
		return nil, err
	}
	return viewOf(snap), nil
}

func rename(ctx context.Context, req RenameRequest, env jobs.Env) (any, error) {
	if err := authorize(env, req.ID); err != nil {
		return nil, err
	}
	d, err := live(ctx, env, req.ID)
	if err != nil {
		return nil, err
	}
	if err := update(ctx, d, fieldName, req.Name); err != nil {
		return nil, err
	}
	snap, err := d.Snapshot()
	if err != nil {
		return nil, err
	}
	return viewOf(snap), nil
}

func softDelete(ctx context.Context, req IDRequest, env jobs.Env) (any, error) {
	if err := authorize(env, req.ID); err != nil {
		return nil, err
	}
	d, err := live(ctx, env, req.ID)
	if err != nil {
		return nil, err
	}
	return nil, update(ctx, d, fieldDeleteAt, time.Now().UTC().Format(time.RFC3339))
}

// update sets one field and flushes it. On failure the document is reverted
// so other holders never see a value the backend did not store.
func update(ctx context.Context, d *odb.Document, field string, v any) error {
	err := d.Set(field, v)
	if err == nil {
		err = d.Flush(ctx)
	}
	if err != nil {
		_ = d.Revert()
	}
	return err
}

func authenticate(ctx context.Context, req AuthenticateRequest, env jobs.Env) (any, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return nil, errors.Unauthorized()
	}
	d, err := env.DB.FindOne(ctx, Collection, driver.Query{fieldEmail: email})
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, errors.Unauthorized().Wrap(errInvalidCreds)
	}
	snap, err := d.Snapshot()
	if err != nil {
		return nil, err
	}
	hash, _ := snap[fieldPasswordHash].(string)
	if _, gone := snap[fieldDeleteAt]; gone || hash == "" {
		return nil, errors.Unauthorized().Wrap(errInvalidCreds)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)); err != nil {
		return nil, errors.Unauthorized().Wrap(errInvalidCreds)
	}
	return viewOf(snap), nil
}

// live returns the document of a user that is not soft deleted.
func live(ctx context.Context, env jobs.Env, id string) (*odb.Document, error) {
	if id == "" {
		return nil, errors.Invalid("id is required")
	}
	d, err := env.DB.Get(ctx, Collection, id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, errors.NotFound("user " + id)
	}
	if v, _ := d.Get(fieldDeleteAt); v != nil {
		return nil, errors.NotFound("user " + id)
	}
	return d, nil
}

// authorize allows system jobs and users acting on themselves.
func authorize(env jobs.Env, id string) error {
	if env.User != "" && env.User != id {
		return errors.Unauthorized().WithDetail("user", env.User)
	}
	return nil
}

func normalizeEmail(email string) (string, error) {
	email = cleanEmail(email)
	if err := checkEmail(driver.Record{fieldEmail: email}); err != nil {
		return "", errors.Invalid(err.Error())
	}
	return email, nil
}
