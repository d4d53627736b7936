// Package logging provides a human-readable slog handler for terminal
// output: colored level and message, JSON-rendered attributes.
package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Buffer pool to reduce allocations
var bufPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// Options configures the PrettyHandler.
type Options struct {
	// Level is the minimum record level that will be logged.
	Level slog.Leveler

	// UseColor enables colored output. Disable when the destination is
	// not a terminal.
	UseColor bool

	// TimeFormat customizes the timestamp format. An empty format omits
	// timestamps entirely.
	TimeFormat string
}

// PrettyHandler implements a colorful, human-readable log handler for slog.
type PrettyHandler struct {
	opts   Options
	writer io.Writer
	mu     *sync.Mutex // Pointer for copyability
	attrs  []slog.Attr
	groups []string

	colorTime    func(...interface{}) string
	colorLevel   map[slog.Level]func(...interface{}) string
	colorMessage func(...interface{}) string
	colorFields  func(...interface{}) string
}

// NewPrettyHandler creates a PrettyHandler writing to w.
func NewPrettyHandler(w io.Writer, opts Options) *PrettyHandler {
	if opts.Level == nil {
		opts.Level = slog.LevelInfo
	}

	h := &PrettyHandler{
		opts:   opts,
		writer: w,
		mu:     &sync.Mutex{},
	}
	h.initColorFuncs()
	return h
}

func (h *PrettyHandler) initColorFuncs() {
	if !h.opts.UseColor {
		noColor := func(a ...interface{}) string { return fmt.Sprint(a...) }
		h.colorTime = noColor
		h.colorMessage = noColor
		h.colorFields = noColor
		h.colorLevel = map[slog.Level]func(...interface{}) string{}
		for _, level := range []slog.Level{
			slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError,
		} {
			h.colorLevel[level] = noColor
		}
		return
	}

	h.colorTime = color.New(color.FgHiBlack).SprintFunc()
	h.colorMessage = color.New(color.FgCyan).SprintFunc()
	h.colorFields = color.New(color.FgWhite).SprintFunc()

	h.colorLevel = map[slog.Level]func(...interface{}) string{
		slog.LevelDebug: color.New(color.FgMagenta).SprintFunc(),
		slog.LevelInfo:  color.New(color.FgBlue).SprintFunc(),
		slog.LevelWarn:  color.New(color.FgYellow).SprintFunc(),
		slog.LevelError: color.New(color.FgRed, color.Bold).SprintFunc(),
	}
}

// Enabled reports whether the handler handles records at the given level.
func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

// Handle formats and writes the log record.
func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		bufPool.Put(buf)
	}()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.opts.TimeFormat != "" {
		buf.WriteString(h.colorTime(r.Time.Format(h.opts.TimeFormat)))
		buf.WriteByte(' ')
	}

	buf.WriteString(h.formatLevel(r.Level))
	buf.WriteByte(' ')
	buf.WriteString(h.colorMessage(r.Message))

	attrs := h.collectAttributes(r)
	if len(attrs) > 0 {
		buf.WriteByte(' ')
		rendered, err := json.Marshal(attrs)
		if err != nil {
			rendered = []byte(fmt.Sprintf(
				"(error formatting attributes: %v)", err,
			))
		}
		buf.WriteString(h.colorFields(string(rendered)))
	}

	buf.WriteByte('\n')
	_, err := h.writer.Write(buf.Bytes())
	return err
}

// WithAttrs returns a new handler with additional attributes.
func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	newHandler := &PrettyHandler{
		opts:   h.opts,
		writer: h.writer,
		mu:     &sync.Mutex{},
		attrs:  append(append([]slog.Attr(nil), h.attrs...), attrs...),
		groups: append([]string(nil), h.groups...),
	}
	newHandler.initColorFuncs()
	return newHandler
}

// WithGroup returns a new handler with the given group name.
func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	newHandler := &PrettyHandler{
		opts:   h.opts,
		writer: h.writer,
		mu:     &sync.Mutex{},
		attrs:  append([]slog.Attr(nil), h.attrs...),
		groups: append(append([]string(nil), h.groups...), name),
	}
	newHandler.initColorFuncs()
	return newHandler
}

func (h *PrettyHandler) formatLevel(level slog.Level) string {
	levelStr := fmt.Sprintf("%-5s", strings.ToUpper(level.String()))
	if colorFunc, ok := h.colorLevel[level]; ok {
		return colorFunc(levelStr)
	}
	return levelStr
}

// collectAttributes flattens handler attributes, groups and record
// attributes into one map for JSON rendering.
func (h *PrettyHandler) collectAttributes(r slog.Record) map[string]interface{} {
	attrs := make(map[string]interface{})

	current := attrs
	for _, group := range h.groups {
		nested := make(map[string]interface{})
		current[group] = nested
		current = nested
	}

	for _, attr := range h.attrs {
		addAttribute(current, attr)
	}
	r.Attrs(func(attr slog.Attr) bool {
		addAttribute(current, attr)
		return true
	})

	cleanEmptyGroups(attrs)
	return attrs
}

func addAttribute(attrs map[string]interface{}, attr slog.Attr) {
	value := attr.Value.Resolve()

	if value.Kind() == slog.KindGroup {
		group := make(map[string]interface{})
		for _, groupAttr := range value.Group() {
			addAttribute(group, groupAttr)
		}
		if len(group) > 0 {
			attrs[attr.Key] = group
		}
		return
	}

	switch value.Kind() {
	case slog.KindTime:
		attrs[attr.Key] = value.Time().Format(time.RFC3339)
	case slog.KindDuration:
		attrs[attr.Key] = value.Duration().String()
	default:
		attrs[attr.Key] = value.Any()
	}
}

func cleanEmptyGroups(attrs map[string]interface{}) {
	for key, value := range attrs {
		if nested, ok := value.(map[string]interface{}); ok {
			cleanEmptyGroups(nested)
			if len(nested) == 0 {
				delete(attrs, key)
			}
		}
	}
}
