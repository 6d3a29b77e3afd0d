package runbookdef

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var templateTokenRE = regexp.MustCompile(`\{\{([A-Za-z0-9_]+)\}\}`)

// TemplateResolutionError is raised when a per-member template references
// an identifier that cannot be resolved against the member's data.
type TemplateResolutionError struct {
	Template   string
	Unresolved []string
}

func (e *TemplateResolutionError) Error() string {
	return fmt.Sprintf("template %q has unresolved identifiers: %s", e.Template, strings.Join(e.Unresolved, ", "))
}

// TemplateResolve replaces {{identifier}} occurrences in template using
// member data, the batch id, and the batch start time. Identifiers are
// resolved in this order: _batch_id, _batch_start_time, a column of
// memberData, the same identifier with a leading underscore prepended
// (matching system-column conventions). Any identifier left unresolved is
// a hard failure.
func TemplateResolve(template string, memberData map[string]any, batchID int64, batchStartTime *time.Time) (string, error) {
	var unresolved []string
	out := templateTokenRE.ReplaceAllStringFunc(template, func(token string) string {
		ident := templateTokenRE.FindStringSubmatch(token)[1]
		value, ok := resolveIdentifier(ident, memberData, batchID, batchStartTime)
		if !ok {
			unresolved = append(unresolved, ident)
			return token
		}
		return value
	})
	if len(unresolved) > 0 {
		return "", &TemplateResolutionError{Template: template, Unresolved: unresolved}
	}
	return out, nil
}

// TemplateResolveInit resolves a template in the init-step context, where
// there is no member data. Unresolved identifiers are left literally in
// the output and logged, rather than failing the resolution.
func TemplateResolveInit(template string, batchID int64, batchStartTime *time.Time) string {
	return templateTokenRE.ReplaceAllStringFunc(template, func(token string) string {
		ident := templateTokenRE.FindStringSubmatch(token)[1]
		value, ok := resolveIdentifier(ident, nil, batchID, batchStartTime)
		if !ok {
			slog.Warn("unresolved template identifier in init step", "identifier", ident)
			return token
		}
		return value
	})
}

func resolveIdentifier(ident string, memberData map[string]any, batchID int64, batchStartTime *time.Time) (string, bool) {
	switch ident {
	case "_batch_id":
		return strconv.FormatInt(batchID, 10), true
	case "_batch_start_time":
		if batchStartTime == nil {
			return time.Now().UTC().Format(time.RFC3339), true
		}
		return batchStartTime.UTC().Format(time.RFC3339), true
	}
	if memberData == nil {
		return "", false
	}
	if v, ok := memberData[ident]; ok {
		return stringifyValue(v), true
	}
	if v, ok := memberData["_"+ident]; ok {
		return stringifyValue(v), true
	}
	return "", false
}

func stringifyValue(v any) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}
