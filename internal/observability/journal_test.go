package observability

import (
	"log/slog"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/stretchr/testify/assert"

	"github.com/jmylchreest/feedrelay/internal/config"
)

func TestJournalHandler_Fields(t *testing.T) {
	h := NewJournalHandler(slog.LevelInfo, replaceAttr(config.LoggingConfig{}))
	withAttrs := h.WithAttrs([]slog.Attr{slog.String("component", "pipeline")}).(*JournalHandler)
	grouped := withAttrs.WithGroup("queue").(*JournalHandler)

	fields := map[string]string{}
	for _, a := range grouped.attrs {
		grouped.addField(fields, a, nil)
	}
	grouped.addField(fields, slog.Int("len", 3), grouped.groups)
	grouped.addField(fields, slog.String("password", "secret"), grouped.groups)
	grouped.addField(fields, slog.Duration("delay", time.Second), nil)

	assert.Equal(t, "pipeline", fields["COMPONENT"])
	assert.Equal(t, "3", fields["QUEUE_LEN"])
	assert.Equal(t, redacted, fields["QUEUE_PASSWORD"])
	assert.Equal(t, "1s", fields["DELAY"])
}

func TestJournalHandler_Levels(t *testing.T) {
	h := NewJournalHandler(slog.LevelWarn, nil)
	assert.False(t, h.Enabled(t.Context(), slog.LevelInfo))
	assert.True(t, h.Enabled(t.Context(), slog.LevelError))

	assert.Equal(t, journal.PriErr, priority(slog.LevelError))
	assert.Equal(t, journal.PriWarning, priority(slog.LevelWarn))
	assert.Equal(t, journal.PriInfo, priority(slog.LevelInfo))
	assert.Equal(t, journal.PriDebug, priority(LevelTrace))
}
