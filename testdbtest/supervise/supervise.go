// Package supervise drops databases left behind by a test binary that dies
// before its tests clean up.
//
// The test binary starts a copy of itself as a supervisor, connected by a
// pipe on the supervisor's stdin. It reports each database it creates and
// drops on the pipe. When the pipe closes, because the test binary exited or
// was killed, the supervisor drops every database still reported as live
// and exits.
package supervise

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"time"

	"blake.io/testdb"
	"golang.org/x/sync/errgroup"
)

const envKey = "_TESTDB_SUP"

// dropTimeout bounds the supervisor's cleanup after the parent is gone.
const dropTimeout = 2 * time.Minute

// Main runs the supervisor and exits if this process was started by Start.
// Otherwise it returns immediately. It must be called before anything else
// in TestMain.
func Main() {
	if os.Getenv(envKey) == "" {
		return
	}

	log.SetFlags(0)
	log.SetPrefix("testdb supervisor: ")

	// Ctrl-C reaches the whole process group; outlive the parent.
	signal.Ignore(os.Interrupt)

	var live liveSet
	if err := live.read(os.Stdin); err != nil {
		log.Printf("reading from parent: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dropTimeout)
	defer cancel()
	if err := live.dropAll(ctx, log.Printf); err != nil {
		log.Print(err)
		os.Exit(1)
	}
	os.Exit(0)
}

// Supervisor is the parent's end of a running supervisor. It implements
// testdb.Tracker.
type Supervisor struct {
	mu sync.Mutex
	w  io.WriteCloser

	done chan error
}

// Start starts a supervisor running the current executable.
func Start() (*Supervisor, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(), envKey+"=1")
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	setProcAttr(cmd)

	// a pipe whose write end only closes when we exit or call Close
	w, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	s := &Supervisor{w: w, done: make(chan error, 1)}
	go func() {
		s.done <- cmd.Wait()
	}()
	return s, nil
}

func (s *Supervisor) Created(admin, name string) { s.send('+', admin, name) }
func (s *Supervisor) Dropped(admin, name string) { s.send('-', admin, name) }

func (s *Supervisor) send(op byte, admin, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return
	}
	if _, err := fmt.Fprintf(s.w, "%c\t%s\t%s\n", op, name, admin); err != nil {
		log.Printf("testdb: supervisor gone, %s will not be dropped if this process dies: %v", name, err)
		s.w = nil
	}
}

// Close tells the supervisor to drop any database not yet reported dropped
// and waits for it to exit.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	w := s.w
	s.w = nil
	s.mu.Unlock()
	if w != nil {
		w.Close()
	}
	if s.done == nil {
		return nil
	}
	if err := <-s.done; err != nil {
		return fmt.Errorf("testdb supervisor: %w", err)
	}
	return nil
}

type entry struct {
	name  string
	admin string
}

// liveSet is the supervisor's view of databases the parent has created and
// not yet dropped.
type liveSet struct {
	m map[entry]bool
}

func (l *liveSet) read(r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if err := l.apply(sc.Text()); err != nil {
			return err
		}
	}
	return sc.Err()
}

var errBadLine = errors.New("malformed line")

func (l *liveSet) apply(line string) error {
	f := strings.SplitN(line, "\t", 3)
	if len(f) != 3 || len(f[0]) != 1 || f[1] == "" {
		return fmt.Errorf("%w: %q", errBadLine, line)
	}
	if l.m == nil {
		l.m = map[entry]bool{}
	}
	e := entry{name: f[1], admin: f[2]}
	switch f[0] {
	case "+":
		l.m[e] = true
	case "-":
		delete(l.m, e)
	default:
		return fmt.Errorf("%w: %q", errBadLine, line)
	}
	return nil
}

func (l *liveSet) entries() []entry {
	ee := make([]entry, 0, len(l.m))
	for e := range l.m {
		ee = append(ee, e)
	}
	sort.Slice(ee, func(i, j int) bool { return ee[i].name < ee[j].name })
	return ee
}

// dropAll drops every live database, a few at a time. It returns the first
// error after trying them all.
func (l *liveSet) dropAll(ctx context.Context, logf func(string, ...any)) error {
	var g errgroup.Group
	g.SetLimit(4)
	for _, e := range l.entries() {
		g.Go(func() error {
			if err := testdb.DropDatabase(ctx, e.admin, e.name); err != nil {
				logf("%v", err)
				return err
			}
			logf("dropped %s", e.name)
			return nil
		})
	}
	return g.Wait()
}
