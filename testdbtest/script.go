package testdbtest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"blake.io/testdb"
	"github.com/lib/pq"
	"kr.dev/errorfmt"
)

// Statements splits script into statements on every ';'. It does not
// understand quoting or comments, so a ';' inside a string literal or a
// comment splits there too. Blank statements are dropped.
func Statements(script string) []string {
	var stmts []string
	for _, s := range strings.Split(script, ";") {
		if s = strings.TrimSpace(s); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}

// Script returns an initializer executing each of Statements(script) in
// order. It stops at the first failing statement and returns a
// *StatementError.
func Script(script string) testdb.Initializer {
	return func(conn *sql.Conn) error {
		ctx := context.Background()
		for _, stmt := range Statements(script) {
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				return &StatementError{Statement: stmt, Err: err}
			}
		}
		return nil
	}
}

// File is Script over the contents of the named file.
func File(name string) testdb.Initializer {
	return func(conn *sql.Conn) (err error) {
		defer errorfmt.Handlef("%s: %w", name, &err)
		b, err := os.ReadFile(name)
		if err != nil {
			return err
		}
		return Script(string(b))(conn)
	}
}

// StatementError is a failed statement. Its message shows the statement
// with 💥 placed where the server reported the error.
type StatementError struct {
	Statement string
	Err       error
}

func (e *StatementError) Error() string {
	pos := -1
	var pqErr *pq.Error
	if errors.As(e.Err, &pqErr) && pqErr.Position != "" {
		if n, err := strconv.Atoi(pqErr.Position); err == nil {
			pos = n
		}
	}
	if pos < 0 {
		return fmt.Sprintf("%v\n%s", e.Err, e.Statement)
	}
	return fmt.Sprintf("%v\n%s", e.Err, highlight(e.Statement, pos))
}

func (e *StatementError) Unwrap() error { return e.Err }

// highlight places 💥 before the character at offset in q, or at the end if
// offset is past it. Postgres reports 1-based positions, so the marker
// lands just after the offending character.
func highlight(q string, offset int) string {
	rr := []rune(q)
	if offset >= len(rr) {
		return q + "💥"
	}
	var sb strings.Builder
	for i, r := range rr {
		if i == offset {
			sb.WriteString("💥")
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
