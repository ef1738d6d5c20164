package testdb_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"testing"

	"blake.io/testdb"
	"github.com/lib/pq"
	"golang.org/x/sync/errgroup"
)

func baseURL(t *testing.T) string {
	t.Helper()
	for _, k := range []string{"TESTDB_URL", "DATABASE_URL"} {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	t.Skip("TESTDB_URL or DATABASE_URL not set")
	return ""
}

type recorder struct {
	t *testing.T

	mu      sync.Mutex
	logs    []string
	created []string
	dropped []string
}

func (r *recorder) Logf(format string, args ...any) {
	r.t.Logf(format, args...)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, fmt.Sprintf(format, args...))
}

func (r *recorder) Created(admin, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, name)
}

func (r *recorder) Dropped(admin, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped = append(r.dropped, name)
}

func newServer(t *testing.T) (*testdb.Server, *recorder) {
	r := &recorder{t: t}
	return &testdb.Server{
		URL:     baseURL(t),
		Logf:    r.Logf,
		Tracker: r,
	}, r
}

// checkGone fails t if the database at url still accepts connections,
// either through the driver or through this package's own connections.
func checkGone(t *testing.T, url string) {
	t.Helper()
	db, err := sql.Open("postgres", url)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	err = db.Ping()
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code.Name() != "invalid_catalog_name" {
		t.Errorf("connecting to dropped database: err = %v; want invalid_catalog_name", err)
	}

	err = testdb.CreateDatabase(context.Background(), url, "never_created")
	if !errors.Is(err, testdb.ErrConnection) {
		t.Errorf("administrative connection to dropped database: err = %v; want ErrConnection", err)
	}
}

func exec(ctx context.Context, conn *sql.Conn, stmts ...string) error {
	for _, s := range stmts {
		if _, err := conn.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	srv, r := newServer(t)

	db, err := srv.Create(ctx, func(conn *sql.Conn) error {
		return exec(ctx, conn,
			`CREATE TABLE foo (id int, name text)`,
			`INSERT INTO foo VALUES (1, 'one')`,
		)
	})
	if err != nil {
		t.Fatal(err)
	}
	if s := db.State(); s != testdb.Ready {
		t.Errorf("State = %v; want ready", s)
	}

	var name string
	if err := db.Pool().QueryRowContext(ctx, `SELECT name FROM foo WHERE id = 1`).Scan(&name); err != nil {
		t.Fatal(err)
	}
	if name != "one" {
		t.Errorf("name = %q; want one", name)
	}

	db.Close()
	if s := db.State(); s != testdb.Disposed {
		t.Errorf("State = %v; want disposed", s)
	}
	if db.Pool() != nil {
		t.Error("Pool not nil after Close")
	}
	checkGone(t, db.URL())

	if !slices.Equal(r.created, []string{db.Name()}) || !slices.Equal(r.dropped, []string{db.Name()}) {
		t.Errorf("created = %v, dropped = %v; want [%s] for both", r.created, r.dropped, db.Name())
	}
}

func TestCreateNilInitializer(t *testing.T) {
	db, err := testdb.New(context.Background(), baseURL(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if err := db.Pool().Ping(); err != nil {
		t.Fatal(err)
	}
}

func TestSetupFailureDropsDatabase(t *testing.T) {
	ctx := context.Background()
	srv, r := newServer(t)

	db, err := srv.Create(ctx, func(conn *sql.Conn) error {
		return exec(ctx, conn, `CREATE TABLE foo (id int)`, `INSERT INTO nope VALUES (1)`)
	})
	if db != nil {
		t.Error("Create returned a DB on failure")
	}
	if !errors.Is(err, testdb.ErrSetup) {
		t.Fatalf("err = %v; want ErrSetup", err)
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code.Name() != "undefined_table" {
		t.Errorf("err = %v; want undefined_table from server", err)
	}

	if len(r.created) != 1 {
		t.Fatalf("created = %v; want one database", r.created)
	}
	if !slices.Equal(r.dropped, r.created) {
		t.Errorf("dropped = %v; want %v", r.dropped, r.created)
	}
	endpoint, _, _ := testdb.Split(srv.URL)
	checkGone(t, testdb.Join(endpoint, r.created[0]))
}

func TestSetupPanicDropsDatabase(t *testing.T) {
	srv, r := newServer(t)

	func() {
		defer func() {
			if recover() == nil {
				t.Error("panic did not propagate")
			}
		}()
		srv.Create(context.Background(), func(*sql.Conn) error {
			panic("fixture exploded")
		})
	}()

	if len(r.created) != 1 || !slices.Equal(r.dropped, r.created) {
		t.Errorf("created = %v, dropped = %v; want the same single database", r.created, r.dropped)
	}
}

func TestPoolFailureDropsDatabase(t *testing.T) {
	ctx := context.Background()
	srv, r := newServer(t)

	db, err := srv.Create(ctx, func(conn *sql.Conn) error {
		var name string
		if err := conn.QueryRowContext(ctx, `SELECT current_database()`).Scan(&name); err != nil {
			return err
		}
		// Refuses new connections, superusers included, so the pool
		// cannot connect.
		_, err := conn.ExecContext(ctx, `ALTER DATABASE `+pq.QuoteIdentifier(name)+` WITH ALLOW_CONNECTIONS false`)
		return err
	})
	if db != nil {
		t.Error("Create returned a DB on failure")
	}
	if !errors.Is(err, testdb.ErrPool) {
		t.Fatalf("err = %v; want ErrPool", err)
	}

	if len(r.created) != 1 || !slices.Equal(r.dropped, r.created) {
		t.Fatalf("created = %v, dropped = %v; want the same single database", r.created, r.dropped)
	}
	endpoint, _, _ := testdb.Split(srv.URL)
	checkGone(t, testdb.Join(endpoint, r.created[0]))
}

func TestCreateCanceled(t *testing.T) {
	srv, r := newServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := srv.Create(ctx, nil)
	if err == nil {
		t.Fatal("Create succeeded with a canceled context")
	}

	// The database may or may not exist; either way it must be gone
	// and reported as such.
	if len(r.created) != 1 || !slices.Equal(r.dropped, r.created) {
		t.Errorf("created = %v, dropped = %v; want the same single database", r.created, r.dropped)
	}
	for _, l := range r.logs {
		if strings.Contains(l, "teardown failed") {
			t.Errorf("unexpected teardown failure: %s", l)
		}
	}
}

func TestCloseTwice(t *testing.T) {
	srv, r := newServer(t)
	db, err := srv.Create(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	db.Close()
	db.Close()

	if len(r.dropped) != 1 {
		t.Errorf("dropped = %v; want one drop", r.dropped)
	}
	for _, l := range r.logs {
		if strings.Contains(l, "teardown failed") {
			t.Errorf("unexpected teardown failure: %s", l)
		}
	}
}

func TestCloseWithHeldConnections(t *testing.T) {
	ctx := context.Background()
	srv, r := newServer(t)
	db, err := srv.Create(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}

	held, err := db.Pool().Conn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer held.Close()

	other, err := sql.Open("postgres", db.URL())
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()
	otherConn, err := other.Conn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer otherConn.Close()

	db.Close()

	if !slices.Equal(r.dropped, []string{db.Name()}) {
		t.Errorf("dropped = %v; logs = %q", r.dropped, r.logs)
	}
	checkGone(t, db.URL())
}

func TestConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	srv, r := newServer(t)

	const n = 8
	dbs := make([]*testdb.DB, n)
	g, ctx := errgroup.WithContext(ctx)
	for i := range dbs {
		g.Go(func() error {
			db, err := srv.Create(ctx, func(conn *sql.Conn) error {
				return exec(ctx, conn, `CREATE TABLE foo (id int)`)
			})
			dbs[i] = db
			return err
		})
	}
	err := g.Wait()
	for _, db := range dbs {
		if db != nil {
			defer db.Close()
		}
	}
	if err != nil {
		t.Fatal(err)
	}

	seen := map[string]bool{}
	for _, db := range dbs {
		if seen[db.Name()] {
			t.Errorf("duplicate database name %s", db.Name())
		}
		seen[db.Name()] = true
	}
	if len(r.created) != n {
		t.Errorf("created %d databases; want %d", len(r.created), n)
	}
}

func TestLeaked(t *testing.T) {
	ctx := context.Background()
	srv, _ := newServer(t)
	db, err := srv.Create(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}

	leaked, err := srv.Leaked(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Contains(leaked, db.Name()) {
		t.Errorf("Leaked = %v; want it to contain %s", leaked, db.Name())
	}

	db.Close()
	leaked, err = srv.Leaked(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if slices.Contains(leaked, db.Name()) {
		t.Errorf("Leaked = %v; still contains %s after Close", leaked, db.Name())
	}
}

func TestNoticesLogged(t *testing.T) {
	ctx := context.Background()
	srv, r := newServer(t)
	db, err := srv.Create(ctx, func(conn *sql.Conn) error {
		return exec(ctx, conn, `DROP TABLE IF EXISTS nope`)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	want := db.Name() + `: NOTICE: table "nope" does not exist, skipping`
	if !slices.Contains(r.logs, want) {
		t.Errorf("logs = %q; want %q", r.logs, want)
	}
}

func TestUnreachableServer(t *testing.T) {
	r := &recorder{t: t}
	srv := &testdb.Server{
		URL:     "postgres://localhost:1/app?sslmode=disable&connect_timeout=2",
		Logf:    r.Logf,
		Tracker: r,
	}
	db, err := srv.Create(context.Background(), func(*sql.Conn) error {
		t.Error("initializer called")
		return nil
	})
	if db != nil {
		t.Error("Create returned a DB on failure")
	}
	if !errors.Is(err, testdb.ErrConnection) {
		t.Errorf("err = %v; want ErrConnection", err)
	}
	if len(r.created) != 0 || len(r.dropped) != 0 {
		t.Errorf("created = %v, dropped = %v; want none", r.created, r.dropped)
	}

	if _, err := srv.Leaked(context.Background()); !errors.Is(err, testdb.ErrConnection) {
		t.Errorf("Leaked: err = %v; want ErrConnection", err)
	}
}

func TestCreateEmptyURL(t *testing.T) {
	_, err := testdb.New(context.Background(), "", nil)
	if !errors.Is(err, testdb.ErrMalformedConnString) {
		t.Errorf("err = %v; want ErrMalformedConnString", err)
	}
}
