// Package codec implements the streaming, bounded-memory decode/encode
// layer: a tagged-union Value type (replacing dynamically-typed record
// bags per the redesign notes), CSV/NDJSON/JSON-array decoders and
// encoders, and supporting batching/metering transforms.
package codec

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"
)

// Kind tags the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNum
	KindStr
	KindList
	KindObj
)

// Value is the tagged sum Null | Bool | Num | Str | List | Obj that record
// data flows through between the decoder and the validator. Downstream
// code never touches an untyped map.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	list []Value
	obj  map[string]Value
}

func Null() Value                 { return Value{kind: KindNull} }
func Bool(b bool) Value           { return Value{kind: KindBool, b: b} }
func Num(n float64) Value         { return Value{kind: KindNum, n: n} }
func Str(s string) Value          { return Value{kind: KindStr, s: s} }
func List(vs []Value) Value       { return Value{kind: KindList, list: vs} }
func Obj(m map[string]Value) Value { return Value{kind: KindObj, obj: m} }

func (v Value) Kind() Kind  { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

// Get returns the field named key from an Obj value, or Null if absent or
// v is not an Obj.
func (v Value) Get(key string) Value {
	if v.kind != KindObj || v.obj == nil {
		return Null()
	}
	if val, ok := v.obj[key]; ok {
		return val
	}
	return Null()
}

// Has reports whether an Obj value has key present (even if its value is null).
func (v Value) Has(key string) bool {
	if v.kind != KindObj || v.obj == nil {
		return false
	}
	_, ok := v.obj[key]
	return ok
}

// Items returns the elements of a List value.
func (v Value) Items() []Value {
	if v.kind != KindList {
		return nil
	}
	return v.list
}

// Keys returns the field names of an Obj value.
func (v Value) Keys() []string {
	if v.kind != KindObj {
		return nil
	}
	keys := make([]string, 0, len(v.obj))
	for k := range v.obj {
		keys = append(keys, k)
	}
	return keys
}

// AsString coerces v to a string representation, for error reporting and
// for raw CSV cell values. ok is false for List/Obj; Null yields "" with ok
// true.
func (v Value) AsString() (string, bool) {
	switch v.kind {
	case KindStr:
		return v.s, true
	case KindBool:
		return strconv.FormatBool(v.b), true
	case KindNum:
		return strconv.FormatFloat(v.n, 'f', -1, 64), true
	case KindNull:
		return "", true
	default:
		return "", false
	}
}

// String renders any Value (including List/Obj) for display/error purposes.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNum:
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	case KindStr:
		return v.s
	case KindList:
		parts := make([]string, len(v.list))
		for i, item := range v.list {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ",") + "]"
	case KindObj:
		return fmt.Sprintf("{%d fields}", len(v.obj))
	default:
		return ""
	}
}

// truthy and falsy hold the accepted string tokens for the boolean coercion rule
// used by the Users validator: {true,false,"true","false","1","0","yes","no",1,0}.
var truthy = map[string]bool{"true": true, "1": true, "yes": true}
var falsy = map[string]bool{"false": true, "0": true, "no": true}

// AsBool coerces v per the users.active coercion rule. ok is false if v is
// not one of the accepted forms.
func (v Value) AsBool() (bool, bool) {
	switch v.kind {
	case KindBool:
		return v.b, true
	case KindNum:
		if v.n == 1 {
			return true, true
		}
		if v.n == 0 {
			return false, true
		}
		return false, false
	case KindStr:
		s := strings.ToLower(strings.TrimSpace(v.s))
		if truthy[s] {
			return true, true
		}
		if falsy[s] {
			return false, true
		}
		return false, false
	default:
		return false, false
	}
}

// FromAny converts a decoded any (the shape encoding/json / goccy/go-json
// produce for arbitrary JSON) into a Value tree. CSV rows are converted by
// FromStringMap instead. Past this point everything is a Value.
func FromAny(v any) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case float64:
		return Num(t)
	case int:
		return Num(float64(t))
	case string:
		return Str(t)
	case []any:
		out := make([]Value, len(t))
		for i, item := range t {
			out[i] = FromAny(item)
		}
		return List(out)
	case map[string]any:
		out := make(map[string]Value, len(t))
		for k, item := range t {
			out[k] = FromAny(item)
		}
		return Obj(out)
	case time.Time:
		return Str(t.UTC().Format(time.RFC3339))
	case []byte:
		var decoded any
		if err := gojson.Unmarshal(t, &decoded); err == nil {
			return FromAny(decoded)
		}
		return Str(string(t))
	case fmt.Stringer:
		return Str(t.String())
	default:
		return Str(fmt.Sprintf("%v", t))
	}
}

// FromStringMap builds an Obj Value from a CSV row (header -> raw string
// cell), with every value as a Str — CSV performs no implicit type
// coercion beyond trimming, per the decoder contract.
func FromStringMap(row map[string]string) Value {
	out := make(map[string]Value, len(row))
	for k, v := range row {
		out[k] = Str(v)
	}
	return Obj(out)
}

// ToAny converts a Value back to a plain any tree, for encoding.
func (v Value) ToAny() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindNum:
		return v.n
	case KindStr:
		return v.s
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.ToAny()
		}
		return out
	case KindObj:
		out := make(map[string]any, len(v.obj))
		for k, item := range v.obj {
			out[k] = item.ToAny()
		}
		return out
	default:
		return nil
	}
}
