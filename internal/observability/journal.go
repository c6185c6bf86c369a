package observability

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/coreos/go-systemd/v22/journal"
)

// JournalHandler is a slog.Handler that sends records to the systemd journal.
type JournalHandler struct {
	level   slog.Leveler
	replace func([]string, slog.Attr) slog.Attr
	attrs   []slog.Attr
	groups  []string
}

// NewJournalHandler creates a journal handler. replace may be nil.
func NewJournalHandler(level slog.Leveler, replace func([]string, slog.Attr) slog.Attr) *JournalHandler {
	return &JournalHandler{level: level, replace: replace}
}

// JournalAvailable reports whether the systemd journal socket is reachable.
func JournalAvailable() bool {
	return journal.Enabled()
}

// Enabled reports whether the handler handles records at the given level.
func (h *JournalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle sends the record to the journal.
func (h *JournalHandler) Handle(_ context.Context, r slog.Record) error {
	fields := map[string]string{
		"SYSLOG_IDENTIFIER": "feedrelay",
	}
	for _, attr := range h.attrs {
		h.addField(fields, attr, h.groups)
	}
	r.Attrs(func(attr slog.Attr) bool {
		h.addField(fields, attr, h.groups)
		return true
	})

	if err := journal.Send(r.Message, priority(r.Level), fields); err != nil {
		return fmt.Errorf("sending to journal: %w", err)
	}
	return nil
}

// WithAttrs returns a new handler with additional attributes.
func (h *JournalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(slices.Clone(h.attrs), attrs...)
	return &clone
}

// WithGroup returns a new handler with a group prefix.
func (h *JournalHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups = append(slices.Clone(h.groups), name)
	return &clone
}

func priority(level slog.Level) journal.Priority {
	switch {
	case level >= slog.LevelError:
		return journal.PriErr
	case level >= slog.LevelWarn:
		return journal.PriWarning
	case level >= slog.LevelInfo:
		return journal.PriInfo
	default:
		return journal.PriDebug
	}
}

// addField flattens attr into journal fields. Keys are upper case with group
// names joined by underscores.
func (h *JournalHandler) addField(fields map[string]string, attr slog.Attr, groups []string) {
	if h.replace != nil && attr.Value.Kind() != slog.KindGroup {
		attr = h.replace(groups, attr)
	}
	if attr.Equal(slog.Attr{}) {
		return
	}

	key := attr.Key
	if len(groups) > 0 {
		key = strings.Join(groups, "_") + "_" + key
	}
	key = strings.ToUpper(key)

	v := attr.Value.Resolve()
	switch v.Kind() {
	case slog.KindGroup:
		sub := append(slices.Clone(groups), attr.Key)
		for _, a := range v.Group() {
			h.addField(fields, a, sub)
		}
	case slog.KindInt64:
		fields[key] = strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		fields[key] = strconv.FormatUint(v.Uint64(), 10)
	case slog.KindTime:
		fields[key] = v.Time().Format("2006-01-02T15:04:05.000Z07:00")
	default:
		fields[key] = v.String()
	}
}
