// Package pgxtestdb is package testdb for code written against pgx: the
// initializer receives a *pgx.Conn and the database is served by a
// *pgxpool.Pool.
package pgxtestdb

import (
	"context"
	"errors"
	"log"
	"time"

	"blake.io/testdb"
	"blake.io/testdb/internal/lifecycle"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// An Initializer prepares a freshly created database. It is called exactly
// once with a connection it must not retain.
type Initializer func(conn *pgx.Conn) error

// closeWait bounds how long Close waits for pool connections still held by
// callers before terminating their sessions.
const closeWait = time.Second

// Create creates a database on srv's server, runs init on it and opens a
// pool for it. It follows the rules of testdb.Server.Create; srv's
// MaxOpenConns caps the pool and MaxIdleConns is ignored.
func Create(ctx context.Context, srv *testdb.Server, init Initializer) (*DB, error) {
	if srv.URL == "" {
		return nil, &testdb.Error{Kind: testdb.ErrMalformedConnString, Err: errors.New("empty connection string")}
	}

	url := testdb.Unique(srv.URL)
	endpoint, name, err := testdb.Split(url)
	if err != nil {
		return nil, err
	}
	d := &DB{
		srv:   *srv,
		url:   url,
		name:  name,
		admin: srv.AdminURL(endpoint),
	}

	h := lifecycle.Hooks[*pgxpool.Pool]{
		Create: func(ctx context.Context) error {
			return testdb.CreateDatabase(ctx, d.admin, name)
		},
		OpenPool: func(ctx context.Context) (*pgxpool.Pool, error) {
			pool, err := d.openPool(ctx)
			if err != nil {
				return nil, &testdb.Error{Kind: testdb.ErrPool, Name: name, Err: err}
			}
			return pool, nil
		},
		ClosePool: closePool,
		Drop:      d.drop,
	}
	if d.srv.Tracker != nil {
		h.Created = func() { d.srv.Tracker.Created(d.admin, name) }
	}
	if init != nil {
		h.Init = func(ctx context.Context) error { return d.initialize(ctx, init) }
	}

	d.lc, err = lifecycle.Start(ctx, h)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// DB is a database created by Create.
type DB struct {
	srv   testdb.Server
	url   string
	name  string
	admin string

	lc *lifecycle.Lifecycle[*pgxpool.Pool]
}

func (d *DB) URL() string  { return d.url }
func (d *DB) Name() string { return d.name }

// Pool returns the pool for the database, or nil after Close.
func (d *DB) Pool() *pgxpool.Pool {
	pool, _ := d.lc.Pool()
	return pool
}

func (d *DB) State() testdb.State { return d.lc.State() }

// Close closes the pool and drops the database, terminating any session
// still connected. Connections acquired from the pool and not yet released
// are given a moment to come back before their sessions are terminated.
// Failures are logged. Calls after the first do nothing.
//
// pgxpool only finishes closing once every acquired connection is
// released. A connection that is never released keeps a goroutine, and the
// pool's resources, alive until the process exits.
func (d *DB) Close() { d.lc.Close() }

func (d *DB) logf(format string, args ...any) {
	if d.srv.Logf != nil {
		d.srv.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// closePool closes pool, waiting at most closeWait for acquired
// connections to be released.
func closePool(pool *pgxpool.Pool) {
	done := make(chan struct{})
	go func() {
		pool.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(closeWait):
	}
}

func (d *DB) drop(ifExists bool) {
	drop := testdb.DropDatabase
	if ifExists {
		drop = testdb.DropDatabaseIfExists
	}
	if err := drop(context.Background(), d.admin, d.name); err != nil {
		d.logf("%v", err)
		return
	}
	if d.srv.Tracker != nil {
		d.srv.Tracker.Dropped(d.admin, d.name)
	}
}

func (d *DB) initialize(ctx context.Context, init Initializer) error {
	cfg, err := pgx.ParseConfig(d.url)
	if err != nil {
		return &testdb.Error{Kind: testdb.ErrConnection, Name: d.name, Err: err}
	}
	cfg.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		d.logf("%s: %s: %s", d.name, n.Severity, n.Message)
	}
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return &testdb.Error{Kind: testdb.ErrConnection, Name: d.name, Err: err}
	}
	defer conn.Close(context.Background())

	if err := init(conn); err != nil {
		return &testdb.Error{Kind: testdb.ErrSetup, Name: d.name, Err: err}
	}
	return nil
}

func (d *DB) openPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(d.url)
	if err != nil {
		return nil, err
	}
	if n := d.srv.MaxOpenConns; n > 0 {
		cfg.MaxConns = int32(n)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
