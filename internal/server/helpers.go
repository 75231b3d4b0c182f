package server

import (
	"fmt"
	"strings"
)

// asString accepts strings and numbers so that hosts sending numeric task ids
// still address the same task.
func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strings.TrimSpace(fmt.Sprintf("%v", x))
	default:
		return ""
	}
}
