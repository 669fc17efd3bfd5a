// Package processor provides the execution strategies a rule can name:
// shell scripts, Windows batch scripts and SQL against a SQLite database.
package processor

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/roach88/stale/internal/sqlitedb"
	"github.com/roach88/stale/internal/workflow"
)

// DefaultProcessor is used by rules that do not name one.
const DefaultProcessor = "shell"

// Registry maps processor names to processors.
//
// Thread-safety: Registry is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]workflow.Processor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{processors: make(map[string]workflow.Processor)}
}

// Options configures the processors registered by Default.
type Options struct {
	// Dir is the working directory of scripts, normally the project directory.
	Dir string

	// Out receives the banner printed for every script run. Nil discards.
	Out io.Writer

	// SQLite is the connection pool shared with sqlite:// resources.
	SQLite *sqlitedb.Pool
}

// Default returns a registry holding shell, bat and sqlite.
func Default(opts Options) *Registry {
	console := NewConsole(opts.Out)
	pool := opts.SQLite
	if pool == nil {
		pool = sqlitedb.NewPool()
	}

	r := NewRegistry()
	r.Register(NewShell(opts.Dir, console))
	r.Register(NewBat(opts.Dir, console))
	r.Register(NewSQL(pool, console))
	return r
}

// Register adds or replaces a processor under its name.
func (r *Registry) Register(p workflow.Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[p.Name()] = p
}

// Get returns the processor with the given name.
func (r *Registry) Get(name string) (workflow.Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[name]
	return p, ok
}

// Names returns the registered names in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.processors))
	for n := range r.processors {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Console prints per-process banners. Each banner is written in one call
// so that concurrent processes never interleave.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsole wraps w. A nil w discards output.
func NewConsole(w io.Writer) *Console {
	if w == nil {
		w = io.Discard
	}
	return &Console{w: w}
}

const rule = 60

// Banner renders the report of one process run: its id framed by "=" lines,
// the non-empty logs, and a failure trailer when failed is set.
func Banner(id, stdoutPath, stderrPath string, failure string) string {
	var b strings.Builder
	bar := strings.Repeat("=", rule)
	fmt.Fprintf(&b, "%s\n%s\n%s\n", bar, id, bar)
	writeLog(&b, stdoutPath, "stdout")
	writeLog(&b, stderrPath, "stderr")
	if failure != "" {
		fmt.Fprintf(&b, "%s\n%s\n", strings.Repeat("-", rule), failure)
	}
	return b.String()
}

func writeLog(b *strings.Builder, path, header string) {
	if path == "" {
		return
	}
	content, err := os.ReadFile(path)
	if err != nil || len(strings.TrimSpace(string(content))) == 0 {
		return
	}
	fmt.Fprintf(b, "--- %s : %s\n", header, strings.Repeat("-", rule-len(header)-7))
	b.Write(content)
	if content[len(content)-1] != '\n' {
		b.WriteByte('\n')
	}
}

// Print writes one banner.
func (c *Console) Print(banner string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	io.WriteString(c.w, banner)
}
