package warehouse

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FormatLiteral renders a Go value as a SQL literal: strings quoted with
// '' doubling, numbers bare, nil NULL, booleans TRUE/FALSE, times as
// quoted ISO-8601. Shared by variable substitution and CDC bulk inserts.
func FormatLiteral(v any) string {
	switch value := v.(type) {
	case nil:
		return "NULL"
	case bool:
		if value {
			return "TRUE"
		}
		return "FALSE"
	case string:
		return quoteString(value)
	case time.Time:
		return "'" + value.UTC().Format("2006-01-02T15:04:05.000Z") + "'"
	case int:
		return strconv.Itoa(value)
	case int32:
		return strconv.FormatInt(int64(value), 10)
	case int64:
		return strconv.FormatInt(value, 10)
	case float32:
		return strconv.FormatFloat(float64(value), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(value, 'g', -1, 64)
	default:
		return quoteString(fmt.Sprintf("%v", value))
	}
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
