// Command testdb-reap drops databases leaked by testdb.
//
// Usage:
//
//	testdb-reap [-n] [-maintenance db] [-p n] [base-url]
//
// It finds every database on the server named like the ones testdb creates
// from base-url (default $DATABASE_URL), that is the database name in
// base-url followed by an underscore and 16 letters or digits, and drops it.
// Only run it when no tests are using the server.
//
// The -n flag lists the databases without dropping them.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"

	"blake.io/testdb"
	"golang.org/x/sync/errgroup"
)

var (
	flagN           = flag.Bool("n", false, "list leaked databases without dropping them")
	flagMaintenance = flag.String("maintenance", "", "connect to `db` for administrative statements")
	flagP           = flag.Int("p", 4, "drop at most `n` databases at once")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: testdb-reap [-n] [-maintenance db] [-p n] [base-url]\n")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	log.SetFlags(0)
	log.SetPrefix("testdb-reap: ")
	flag.Usage = usage
	flag.Parse()

	url := os.Getenv("DATABASE_URL")
	switch flag.NArg() {
	case 0:
	case 1:
		url = flag.Arg(0)
	default:
		usage()
	}
	if url == "" {
		usage()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	srv := &testdb.Server{URL: url, MaintenanceDB: *flagMaintenance}
	if err := reap(ctx, os.Stdout, srv, *flagN, *flagP); err != nil {
		log.Fatal(err)
	}
}

func reap(ctx context.Context, w io.Writer, srv *testdb.Server, dryRun bool, parallel int) error {
	names, err := srv.Leaked(ctx)
	if err != nil {
		return err
	}
	if dryRun {
		for _, name := range names {
			fmt.Fprintln(w, name)
		}
		return nil
	}

	var g errgroup.Group
	g.SetLimit(max(parallel, 1))
	for _, name := range names {
		g.Go(func() error {
			if err := srv.Drop(ctx, name); err != nil {
				log.Print(err)
				return err
			}
			log.Printf("dropped %s", name)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("some databases were not dropped")
	}
	return nil
}
