package testdb

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/lib/pq"
)

// lineWriter calls logf once per complete line written to it, prefixed with
// prefix.
type lineWriter struct {
	logf   func(string, ...any)
	prefix string

	mu      sync.Mutex
	lineBuf strings.Builder
}

var newline = []byte{'\n'}

func (lw *lineWriter) Write(p []byte) (n int, err error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	n = len(p)
	for {
		before, after, hasNewline := bytes.Cut(p, newline)
		lw.lineBuf.Write(before)
		if !hasNewline {
			return n, nil
		}
		lw.flushLocked()
		p = after
	}
}

// Flush logs any partial line.
func (lw *lineWriter) Flush() {
	if lw == nil {
		return
	}
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.lineBuf.Len() > 0 {
		lw.flushLocked()
	}
}

// caller must hold lw.mu
func (lw *lineWriter) flushLocked() {
	lw.logf("%s%s", lw.prefix, lw.lineBuf.String())
	lw.lineBuf.Reset()
}

// noticeLogger returns a lib/pq notice handler writing each notice, with its
// detail and hint, to w.
func noticeLogger(w *lineWriter) func(*pq.Error) {
	return func(e *pq.Error) {
		fmt.Fprintf(w, "%s: %s\n", e.Severity, e.Message)
		if e.Detail != "" {
			fmt.Fprintf(w, "DETAIL: %s\n", e.Detail)
		}
		if e.Hint != "" {
			fmt.Fprintf(w, "HINT: %s\n", e.Hint)
		}
	}
}
