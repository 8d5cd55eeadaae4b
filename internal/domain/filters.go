package domain

import (
	"log/slog"
	"time"

	"github.com/appforge/procflow/pkg/api"
)

// timeRange matches time values in [from, to).
type timeRange struct {
	from, to time.Time
}

// ResolveFilters prepares query-step filters for List. Relative time
// literals are resolved against now: "now" becomes the current instant and
// "today" the current calendar day. Filter fields not declared in the entity
// metadata are dropped with a warning; entities without declared fields
// accept any filter.
func ResolveFilters(meta api.EntityMeta, filters map[string]any, now time.Time, logger *slog.Logger) map[string]any {
	if len(filters) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	var known map[string]struct{}
	if len(meta.Fields) > 0 {
		known = make(map[string]struct{}, len(meta.Fields)+2)
		for _, f := range meta.Fields {
			known[f] = struct{}{}
		}
		known["id"] = struct{}{}
		known["status"] = struct{}{}
	}

	out := make(map[string]any, len(filters))
	for k, v := range filters {
		if known != nil {
			if _, ok := known[k]; !ok {
				logger.Warn("dropping unknown filter field",
					"entity", meta.Entity, "field", k)
				continue
			}
		}
		out[k] = resolveLiteral(v, now)
	}
	return out
}

func resolveLiteral(v any, now time.Time) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch s {
	case "now":
		return now
	case "today":
		y, m, d := now.Date()
		start := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
		return timeRange{from: start, to: start.Add(24 * time.Hour)}
	default:
		return v
	}
}
