package observability

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/m-mizutani/masq"
)

const redacted = "[REDACTED]"

var sensitiveKeys = map[string]bool{
	"password":   true,
	"secret":     true,
	"token":      true,
	"apikey":     true,
	"api_key":    true,
	"credential": true,
	"dsn":        true,
}

// sensitiveParam matches the value of a sensitive query parameter.
var sensitiveParam = regexp.MustCompile(`(?i)([?&](?:password|secret|token|apikey|api_key|credential)=)[^&#\s"]*`)

// newRedactor hides sensitive attribute values. Keys are matched case
// insensitively, URL query values by parameter name, and struct fields tagged
// `masq:"secret"` through masq.
func newRedactor() func([]string, slog.Attr) slog.Attr {
	tagged := masq.New(
		masq.WithTag("secret"),
		masq.WithRedactMessage(redacted),
	)
	return func(groups []string, a slog.Attr) slog.Attr {
		if sensitiveKeys[strings.ToLower(a.Key)] {
			return slog.String(a.Key, redacted)
		}
		if a.Value.Kind() == slog.KindString {
			s := a.Value.String()
			if strings.Contains(s, "=") && sensitiveParam.MatchString(s) {
				return slog.String(a.Key, sensitiveParam.ReplaceAllString(s, "${1}"+redacted))
			}
			return a
		}
		return tagged(groups, a)
	}
}
