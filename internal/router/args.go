package router

import (
	"strconv"
	"strings"

	"github.com/a-essam23/tablelink/pkg/transport"
	"github.com/tidwall/gjson"
)

// Arg resolves a path into the event arguments. The first path segment is
// the argument index: "0" is the first argument, "1.user._id" a field of
// the second.
func Arg(ev transport.Event, path string) gjson.Result {
	idx, sub, _ := strings.Cut(path, ".")
	i, err := strconv.Atoi(idx)
	if err != nil {
		return gjson.Result{}
	}
	raw := ev.Arg(i)
	if raw == nil {
		return gjson.Result{}
	}
	if sub == "" {
		return gjson.ParseBytes(raw)
	}
	return gjson.GetBytes(raw, sub)
}

// FirstString returns the first path that resolves to a non-empty string.
// Servers are inconsistent about sending ids bare or inside an object.
func FirstString(ev transport.Event, paths ...string) string {
	for _, p := range paths {
		if v := Arg(ev, p); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}
