// Package testdbtest creates testdb databases for tests.
//
// A package using it calls TestMain from its own:
//
//	func TestMain(m *testing.M) {
//		testdbtest.TestMain(m)
//	}
//
// and then in each test:
//
//	db := testdbtest.CreateDB(t, `CREATE TABLE foo (id int)`)
//
// The server is taken from TESTDB_URL, or DATABASE_URL if that is unset.
// Tests calling CreateDB are skipped if neither is set.
package testdbtest

import (
	"context"
	"database/sql"
	"log"
	"os"
	"strings"
	"testing"
	"unicode"

	"blake.io/testdb"
	"blake.io/testdb/testdbtest/supervise"
)

var sup *supervise.Supervisor

// TestMain starts a supervisor process that drops any database created by
// this package that is still around when the test binary exits, however it
// exits, then runs the tests.
func TestMain(m *testing.M) {
	supervise.Main()

	var err error
	sup, err = supervise.Start()
	if err != nil {
		log.Fatal(err)
	}

	code := m.Run()
	if err := sup.Close(); err != nil {
		log.Print(err)
	}
	os.Exit(code)
}

// BaseURL returns the base connection string from the environment, or
// skips t.
func BaseURL(t testing.TB) string {
	t.Helper()
	for _, k := range []string{"TESTDB_URL", "DATABASE_URL"} {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	t.Skip("testdbtest: TESTDB_URL or DATABASE_URL not set")
	return ""
}

// CreateDB creates a database named after the test, runs schema in it and
// returns a pool for it. The database is dropped when t finishes.
func CreateDB(t testing.TB, schema string) *sql.DB {
	t.Helper()
	return Create(t, Script(schema)).Pool()
}

// Create is like CreateDB but takes any initializer and returns the
// testdb.DB.
func Create(t testing.TB, init testdb.Initializer) *testdb.DB {
	t.Helper()

	endpoint, base, err := testdb.Split(BaseURL(t))
	if err != nil {
		t.Fatal(err)
	}
	srv := &testdb.Server{
		URL:           testdb.Join(endpoint, cleanName(t.Name())),
		MaintenanceDB: base,
		Logf:          t.Logf,
	}
	if sup != nil {
		srv.Tracker = sup
	}

	db, err := srv.Create(context.Background(), init)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(db.Close)
	return db
}

func cleanName(name string) string {
	rr := []rune(name)
	for i, r := range rr {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			rr[i] = '_'
		}
	}
	return strings.ToLower(string(rr))
}
