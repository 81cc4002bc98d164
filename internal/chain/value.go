package chain

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// ErrDecode is returned when a ledger value does not have the expected shape.
var ErrDecode = errors.New("chain: malformed ledger value")

// Kind tags a ledger value.
type Kind string

const (
	KindNone      Kind = "none"
	KindSome      Kind = "some"
	KindOk        Kind = "ok"
	KindErr       Kind = "err"
	KindTuple     Kind = "tuple"
	KindList      Kind = "list"
	KindUint      Kind = "uint"
	KindInt       Kind = "int"
	KindBool      Kind = "bool"
	KindASCII     Kind = "string-ascii"
	KindPrincipal Kind = "principal"
)

// Value is a tagged ledger value as exchanged on the wire:
//
//	{"type":"uint","value":"42"}
//	{"type":"some","inner":{"type":"tuple","fields":{...}}}
//	{"type":"err","inner":{"type":"uint","value":"113"}}
//
// Scalars carry their text form in Value; optionals and responses wrap Inner;
// tuples use Fields and lists use Items.
type Value struct {
	Type   Kind             `json:"type"`
	Value  string           `json:"value,omitempty"`
	Inner  *Value           `json:"inner,omitempty"`
	Fields map[string]Value `json:"fields,omitempty"`
	Items  []Value          `json:"items,omitempty"`
}

func Uint(v uint64) Value            { return Value{Type: KindUint, Value: strconv.FormatUint(v, 10)} }
func Int(v int64) Value              { return Value{Type: KindInt, Value: strconv.FormatInt(v, 10)} }
func Bool(v bool) Value              { return Value{Type: KindBool, Value: strconv.FormatBool(v)} }
func ASCII(s string) Value           { return Value{Type: KindASCII, Value: s} }
func Principal(s string) Value       { return Value{Type: KindPrincipal, Value: s} }
func None() Value                    { return Value{Type: KindNone} }
func Some(v Value) Value             { return Value{Type: KindSome, Inner: &v} }
func Ok(v Value) Value               { return Value{Type: KindOk, Inner: &v} }
func Err(v Value) Value              { return Value{Type: KindErr, Inner: &v} }
func Tuple(f map[string]Value) Value { return Value{Type: KindTuple, Fields: f} }
func List(items ...Value) Value      { return Value{Type: KindList, Items: items} }

// OptionalPrincipal encodes "" as none.
func OptionalPrincipal(s string) Value {
	if s == "" {
		return None()
	}
	return Some(Principal(s))
}

func (v Value) expect(k Kind) error {
	if v.Type != k {
		return fmt.Errorf("%w: expected %s, got %q", ErrDecode, k, v.Type)
	}
	return nil
}

// AsUint decodes a uint.
func (v Value) AsUint() (uint64, error) {
	if err := v.expect(KindUint); err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(v.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: uint %q: %v", ErrDecode, v.Value, err)
	}
	return n, nil
}

// AsInt decodes an int.
func (v Value) AsInt() (int64, error) {
	if err := v.expect(KindInt); err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: int %q: %v", ErrDecode, v.Value, err)
	}
	return n, nil
}

// AsBool decodes a bool.
func (v Value) AsBool() (bool, error) {
	if err := v.expect(KindBool); err != nil {
		return false, err
	}
	b, err := strconv.ParseBool(v.Value)
	if err != nil {
		return false, fmt.Errorf("%w: bool %q: %v", ErrDecode, v.Value, err)
	}
	return b, nil
}

// AsASCII decodes a string-ascii.
func (v Value) AsASCII() (string, error) {
	if err := v.expect(KindASCII); err != nil {
		return "", err
	}
	return v.Value, nil
}

// AsPrincipal decodes a principal.
func (v Value) AsPrincipal() (string, error) {
	if err := v.expect(KindPrincipal); err != nil {
		return "", err
	}
	return v.Value, nil
}

// AsOptionalPrincipal decodes none as "" and (some principal) as its value.
func (v Value) AsOptionalPrincipal() (string, error) {
	inner, ok, err := v.Optional()
	if err != nil || !ok {
		return "", err
	}
	return inner.AsPrincipal()
}

// Optional unwraps none / some. ok is false for none.
func (v Value) Optional() (inner Value, ok bool, err error) {
	switch v.Type {
	case KindNone:
		return Value{}, false, nil
	case KindSome:
		if v.Inner == nil {
			return Value{}, false, fmt.Errorf("%w: some without value", ErrDecode)
		}
		return *v.Inner, true, nil
	default:
		return Value{}, false, fmt.Errorf("%w: expected optional, got %q", ErrDecode, v.Type)
	}
}

// Response unwraps ok / err. A nil error with ok=false means the ledger
// returned (err inner).
func (v Value) Response() (inner Value, ok bool, err error) {
	if v.Type != KindOk && v.Type != KindErr {
		return Value{}, false, fmt.Errorf("%w: expected response, got %q", ErrDecode, v.Type)
	}
	if v.Inner == nil {
		return Value{}, false, fmt.Errorf("%w: %s without value", ErrDecode, v.Type)
	}
	return *v.Inner, v.Type == KindOk, nil
}

// Field returns a tuple member.
func (v Value) Field(name string) (Value, error) {
	if err := v.expect(KindTuple); err != nil {
		return Value{}, err
	}
	f, ok := v.Fields[name]
	if !ok {
		return Value{}, fmt.Errorf("%w: tuple missing %q", ErrDecode, name)
	}
	return f, nil
}

// String renders v in ledger notation, e.g. (some (tuple (id u1))).
func (v Value) String() string {
	switch v.Type {
	case KindUint:
		return "u" + v.Value
	case KindInt, KindBool:
		return v.Value
	case KindASCII:
		return strconv.Quote(v.Value)
	case KindPrincipal:
		return "'" + v.Value
	case KindNone:
		return "none"
	case KindSome, KindOk, KindErr:
		if v.Inner == nil {
			return "(" + string(v.Type) + ")"
		}
		return "(" + string(v.Type) + " " + v.Inner.String() + ")"
	case KindTuple:
		names := make([]string, 0, len(v.Fields))
		for name := range v.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		out := "(tuple"
		for _, name := range names {
			out += " (" + name + " " + v.Fields[name].String() + ")"
		}
		return out + ")"
	case KindList:
		out := "(list"
		for _, item := range v.Items {
			out += " " + item.String()
		}
		return out + ")"
	default:
		return "<" + string(v.Type) + ">"
	}
}

// tupleReader decodes tuple fields, keeping the first error.
type tupleReader struct {
	v   Value
	err error
}

func (r *tupleReader) field(name string) (Value, bool) {
	if r.err != nil {
		return Value{}, false
	}
	f, err := r.v.Field(name)
	if err != nil {
		r.err = err
		return Value{}, false
	}
	return f, true
}

func (r *tupleReader) readUint(name string) uint64 {
	f, ok := r.field(name)
	if !ok {
		return 0
	}
	n, err := f.AsUint()
	if err != nil {
		r.err = fmt.Errorf("%s: %w", name, err)
	}
	return n
}

func (r *tupleReader) readInt(name string) int64 {
	f, ok := r.field(name)
	if !ok {
		return 0
	}
	n, err := f.AsInt()
	if err != nil {
		r.err = fmt.Errorf("%s: %w", name, err)
	}
	return n
}

func (r *tupleReader) readBool(name string) bool {
	f, ok := r.field(name)
	if !ok {
		return false
	}
	b, err := f.AsBool()
	if err != nil {
		r.err = fmt.Errorf("%s: %w", name, err)
	}
	return b
}

func (r *tupleReader) readASCII(name string) string {
	f, ok := r.field(name)
	if !ok {
		return ""
	}
	s, err := f.AsASCII()
	if err != nil {
		r.err = fmt.Errorf("%s: %w", name, err)
	}
	return s
}

func (r *tupleReader) readPrincipal(name string) string {
	f, ok := r.field(name)
	if !ok {
		return ""
	}
	s, err := f.AsPrincipal()
	if err != nil {
		r.err = fmt.Errorf("%s: %w", name, err)
	}
	return s
}

func (r *tupleReader) readOptionalPrincipal(name string) string {
	f, ok := r.field(name)
	if !ok {
		return ""
	}
	s, err := f.AsOptionalPrincipal()
	if err != nil {
		r.err = fmt.Errorf("%s: %w", name, err)
	}
	return s
}
