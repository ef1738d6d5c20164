package testdb

import (
	"errors"
	"strings"
)

// Error kinds. Every error returned by Create, CreateDatabase and
// DropDatabase matches exactly one of them with errors.Is; a teardown that
// could not reach the server also matches ErrConnection. Leaked and Drop
// report connection failures as ErrConnection and pass query failures
// through with context.
var (
	// ErrMalformedConnString means a connection string has no '/'
	// separating the server endpoint from the database name.
	ErrMalformedConnString = errors.New("malformed connection string")

	// ErrConnection means a connection to the server or to the new
	// database could not be established.
	ErrConnection = errors.New("connection failed")

	// ErrProvisioning means the server rejected CREATE DATABASE.
	ErrProvisioning = errors.New("create database failed")

	// ErrSetup means the Initializer failed. The database has been
	// dropped by the time the error is returned.
	ErrSetup = errors.New("setup failed")

	// ErrPool means the pool for an initialized database could not be
	// opened. The database has been dropped.
	ErrPool = errors.New("open pool failed")

	// ErrTeardown means terminating sessions or dropping a database
	// failed. DB.Close only ever logs it.
	ErrTeardown = errors.New("teardown failed")
)

var errNoSeparator = errors.New("no '/' between server and database name")

// Error is the error type returned by this package.
type Error struct {
	Kind error  // one of the Err* kinds above
	Name string // database name, if known
	Err  error  // underlying error, often a *pq.Error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("testdb: ")
	if e.Name != "" {
		b.WriteString(e.Name)
		b.WriteString(": ")
	}
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	}
	if e.Err != nil {
		if e.Kind != nil {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}
