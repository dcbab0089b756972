package cbt

// Parsed carries a value parsed from free-form model output. When the text
// does not match the enumeration, Value is empty and Raw keeps the original
// text so callers can decide whether to use it verbatim.
type Parsed[T ~string] struct {
	Value T
	Raw   string
}

// Unrecognized wraps text that did not match any member of T.
func Unrecognized[T ~string](raw string) Parsed[T] {
	return Parsed[T]{Raw: raw}
}

func (p Parsed[T]) Recognized() bool { return p.Value != "" }

// String returns the canonical name when recognized and the raw text otherwise.
func (p Parsed[T]) String() string {
	if p.Recognized() {
		return string(p.Value)
	}
	return p.Raw
}
