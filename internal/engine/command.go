package engine

// argv accumulates an engine argument vector. Every value lands as a single
// element, so a prompt containing spaces or quotes is never re-split.
type argv struct {
	parts []string
}

func newArgv(base ...string) *argv {
	return &argv{parts: append([]string(nil), base...)}
}

// option appends flag followed by value, or nothing when value is empty.
func (a *argv) option(flag, value string) *argv {
	if value != "" {
		a.parts = append(a.parts, flag, value)
	}
	return a
}

// positional appends value unless it is empty.
func (a *argv) positional(value string) *argv {
	if value != "" {
		a.parts = append(a.parts, value)
	}
	return a
}

func (a *argv) switches(flags ...string) *argv {
	a.parts = append(a.parts, flags...)
	return a
}

// then appends trailing caller arguments after the engine's own.
func (a *argv) then(extra []string) []string {
	out := make([]string, 0, len(a.parts)+len(extra))
	out = append(out, a.parts...)
	return append(out, extra...)
}
