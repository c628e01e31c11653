package codec

import "time"

// Accessors return the zero value when the field is absent or holds a
// different type. Decode guarantees the types of declared fields.

func (r Record) String(name string) string {
	s, _ := r[name].(string)
	return s
}

func (r Record) Int(name string) int64 {
	n, _ := r[name].(int64)
	return n
}

func (r Record) Float(name string) float64 {
	f, _ := r[name].(float64)
	return f
}

func (r Record) Strings(name string) []string {
	ss, _ := r[name].([]string)
	return ss
}

func (r Record) Bool(name string) bool {
	b, _ := r[name].(bool)
	return b
}

func (r Record) Time(name string) time.Time {
	t, _ := r[name].(time.Time)
	return t
}

// Has reports whether the field is present.
func (r Record) Has(name string) bool {
	_, ok := r[name]
	return ok
}
