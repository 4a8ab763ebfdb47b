package domain

// IsQuiet reports whether hour now is inside the quiet window [start, end).
// A window with start > end wraps midnight. Either bound being nil disables
// quiet hours. Hours are in the server-local time zone.
func IsQuiet(start, end *int, now int) bool {
	if start == nil || end == nil {
		return false
	}

	s, e := *start, *end
	if s <= e {
		return now >= s && now < e
	}
	return now >= s || now < e
}
