package testdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"

	"github.com/lib/pq"
	"kr.dev/errorfmt"
)

// singleConn is one unpooled session. Closing it closes the session.
type singleConn struct {
	*sql.Conn
	db *sql.DB
}

// dial opens a single connection to dsn. If onNotice is non-nil it receives
// every NOTICE the server sends on the connection.
func dial(ctx context.Context, dsn string, onNotice func(*pq.Error)) (*singleConn, error) {
	c, err := pq.NewConnector(dsn)
	if err != nil {
		return nil, err
	}
	var dc driver.Connector = c
	if onNotice != nil {
		dc = pq.ConnectorWithNoticeHandler(c, onNotice)
	}
	db := sql.OpenDB(dc)
	db.SetMaxOpenConns(1)
	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &singleConn{Conn: conn, db: db}, nil
}

func (c *singleConn) Close() error {
	err := c.Conn.Close()
	if cerr := c.db.Close(); err == nil {
		err = cerr
	}
	return err
}

// CreateDatabase creates the database name on a fresh administrative
// connection to admin, which must not point at name itself.
func CreateDatabase(ctx context.Context, admin, name string) error {
	c, err := dial(ctx, admin, nil)
	if err != nil {
		return &Error{Kind: ErrConnection, Name: name, Err: err}
	}
	defer c.Close()

	if _, err := c.ExecContext(ctx, "CREATE DATABASE "+pq.QuoteIdentifier(name)); err != nil {
		return &Error{Kind: ErrProvisioning, Name: name, Err: err}
	}
	return nil
}

const terminateBackends = `
SELECT pg_terminate_backend(pid)
FROM pg_stat_activity
WHERE datname = $1 AND pid <> pg_backend_pid()`

// DropDatabase forcibly disconnects every session connected to name and
// drops it, using a fresh administrative connection to admin.
func DropDatabase(ctx context.Context, admin, name string) error {
	return dropDatabase(ctx, admin, name, false)
}

// DropDatabaseIfExists is DropDatabase for a database that may never have
// been created, such as one whose CREATE DATABASE was interrupted.
func DropDatabaseIfExists(ctx context.Context, admin, name string) error {
	return dropDatabase(ctx, admin, name, true)
}

func dropDatabase(ctx context.Context, admin, name string, ifExists bool) error {
	c, err := dial(ctx, admin, nil)
	if err != nil {
		return &Error{Kind: ErrTeardown, Name: name, Err: fmt.Errorf("%w: %w", ErrConnection, err)}
	}
	defer c.Close()

	if _, err := c.ExecContext(ctx, terminateBackends, name); err != nil {
		return &Error{Kind: ErrTeardown, Name: name, Err: fmt.Errorf("terminate sessions: %w", err)}
	}
	stmt := "DROP DATABASE "
	if ifExists {
		stmt += "IF EXISTS "
	}
	if _, err := c.ExecContext(ctx, stmt+pq.QuoteIdentifier(name)); err != nil {
		return &Error{Kind: ErrTeardown, Name: name, Err: err}
	}
	return nil
}

// listDatabases returns the names of all non-template databases on the
// server at admin.
// A failure to connect matches ErrConnection.
func listDatabases(ctx context.Context, admin string) (names []string, err error) {
	c, err := dial(ctx, admin, nil)
	if err != nil {
		return nil, &Error{Kind: ErrConnection, Err: err}
	}
	defer errorfmt.Handlef("testdb: list databases: %w", &err)
	defer c.Close()

	rows, err := c.QueryContext(ctx, `SELECT datname FROM pg_database WHERE NOT datistemplate ORDER BY datname`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
