// Package logging configures apex/log for the command-line tools.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
)

// EnvVar selects the log level (debug, info, warn, error, fatal).
const EnvVar = "SWRBENCH_LOG"

// Init installs a Handler writing to w and sets the level from EnvVar,
// falling back to fallback when the variable is unset or invalid.
func Init(w io.Writer, fallback log.Level) {
	level := fallback
	if s := strings.TrimSpace(os.Getenv(EnvVar)); s != "" {
		if l, err := log.ParseLevel(strings.ToLower(s)); err == nil {
			level = l
		}
	}
	log.SetHandler(NewHandler(w))
	log.SetLevel(level)
}

// Handler writes one line per entry: timestamp, level initial, message and
// fields sorted by name.
type Handler struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

// NewHandler returns a Handler writing to w.
func NewHandler(w io.Writer) *Handler {
	return &Handler{w: w, now: time.Now}
}

// HandleLog implements log.Handler.
func (h *Handler) HandleLog(e *log.Entry) error {
	names := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "%s %.1s %s", h.now().Format("2006-01-02 15:04:05"), strings.ToUpper(e.Level.String()), e.Message)
	for _, k := range names {
		fmt.Fprintf(&b, " %s=%v", k, e.Fields[k])
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}
