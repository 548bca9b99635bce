// Package users is the user account module: validators of the users
// collection and the jobs operating on it.
package users

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/unicode/norm"

	"github.com/maruel/odb/internal/driver"
	"github.com/maruel/odb/internal/validator"
)

// Collection is the collection holding user records.
const Collection = "users"

// Record fields.
const (
	fieldEmail        = "email"
	fieldName         = "name"
	fieldPassword     = "password"
	fieldPasswordHash = "password_hash"
	fieldCreated      = "created"
	fieldDeleteAt     = "deleteAt"
)

var (
	errEmailRequired = errors.New("email is required")
	errInvalidEmail  = errors.New("invalid email")
	errInvalidCreds  = errors.New("invalid credentials")
)

// hashCost is the bcrypt cost of stored passwords.
var hashCost = bcrypt.DefaultCost

// User is the stored shape of a user record.
type User struct {
	ID           string `json:"id,omitempty" jsonschema:"description=Unique user identifier"`
	Email        string `json:"email" jsonschema:"description=Lower-cased email address"`
	Name         string `json:"name,omitempty" jsonschema:"description=NFC normalized display name"`
	PasswordHash string `json:"password_hash,omitempty" jsonschema:"description=bcrypt hash of the password"`
	Created      string `json:"created" jsonschema:"description=Account creation timestamp (RFC3339)"`
	DeleteAt     string `json:"deleteAt,omitempty" jsonschema:"description=Soft deletion timestamp (RFC3339)"`
}

// View is the public representation of a user.
type View struct {
	ID       string `cbor:"id" json:"id"`
	Email    string `cbor:"email" json:"email"`
	Name     string `cbor:"name,omitempty" json:"name,omitempty"`
	Created  string `cbor:"created" json:"created"`
	DeleteAt string `cbor:"deleteAt,omitempty" json:"deleteAt,omitempty"`
}

func viewOf(rec driver.Record) *View {
	s := func(k string) string {
		v, _ := rec[k].(string)
		return v
	}
	return &View{
		ID:       rec.Key(),
		Email:    s(fieldEmail),
		Name:     s(fieldName),
		Created:  s(fieldCreated),
		DeleteAt: s(fieldDeleteAt),
	}
}

// Validators returns the registrations of the users collection, in the
// order they must run.
func Validators() []validator.Registration {
	return []validator.Registration{
		validator.Normalizer(Collection, normalize),
		{Table: Collection, Check: checkEmail},
		validator.Schema[User](Collection),
	}
}

// normalize lower-cases the email, NFC normalizes the name, defaults the
// creation time and replaces a clear text password by its hash.
func normalize(rec driver.Record) (driver.Record, error) {
	if rec == nil {
		return nil, errEmailRequired
	}
	if s, ok := rec[fieldEmail].(string); ok {
		rec[fieldEmail] = cleanEmail(s)
	}
	if s, ok := rec[fieldName].(string); ok {
		rec[fieldName] = norm.NFC.String(strings.TrimSpace(s))
	}
	if _, ok := rec[fieldCreated]; !ok {
		rec[fieldCreated] = time.Now().UTC().Format(time.RFC3339)
	}
	if pw, ok := rec[fieldPassword].(string); ok {
		delete(rec, fieldPassword)
		if pw != "" {
			hash, err := bcrypt.GenerateFromPassword([]byte(pw), hashCost)
			if err != nil {
				return nil, fmt.Errorf("failed to hash password: %w", err)
			}
			rec[fieldPasswordHash] = string(hash)
		}
	}
	if err := checkEmail(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func cleanEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func checkEmail(rec driver.Record) error {
	s, _ := rec[fieldEmail].(string)
	if s == "" {
		return errEmailRequired
	}
	if at := strings.IndexByte(s, '@'); at <= 0 || at == len(s)-1 {
		return errInvalidEmail
	}
	return nil
}
