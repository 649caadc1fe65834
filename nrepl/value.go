package nrepl

import (
	"strconv"
	"strings"
)

// Kind discriminates the bencode value union.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindString
	KindInt
	KindList
	KindDict
)

// DictEntry is one key/value pair of a bencode dictionary. Entries keep the
// order they had on the wire.
type DictEntry struct {
	Key string
	Val Value
}

// Value is a decoded bencode value. Standard nREPL servers send strings
// almost everywhere, but some implementations return structured data for
// fields like an evaluation's value, so anything whose shape varies by
// server goes through this union.
type Value struct {
	kind Kind
	str  string
	num  int64
	list []Value
	dict []DictEntry
}

func StringValue(s string) Value { return Value{kind: KindString, str: s} }

func IntValue(n int64) Value { return Value{kind: KindInt, num: n} }

func ListValue(items ...Value) Value { return Value{kind: KindList, list: items} }

func DictValue(entries ...DictEntry) Value { return Value{kind: KindDict, dict: entries} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) Str() string { return v.str }

func (v Value) Int() int64 { return v.num }

func (v Value) List() []Value { return v.list }

func (v Value) Dict() []DictEntry { return v.dict }

// Lookup returns the value for key in a dictionary value.
func (v Value) Lookup(key string) (Value, bool) {
	for _, e := range v.dict {
		if e.Key == key {
			return e.Val, true
		}
	}
	return Value{}, false
}

// Render canonicalizes a value to a display string. Lists become bracketed
// text, dictionaries become braced "key: value" text in wire order. The
// rendering is lossy: it exists for display and compatibility, not for
// round-tripping.
func (v Value) Render() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindInt:
		return strconv.FormatInt(v.num, 10)
	case KindList:
		items := make([]string, len(v.list))
		for i, item := range v.list {
			items[i] = item.Render()
		}
		return "[" + strings.Join(items, ", ") + "]"
	case KindDict:
		items := make([]string, len(v.dict))
		for i, e := range v.dict {
			items[i] = e.Key + ": " + e.Val.Render()
		}
		return "{" + strings.Join(items, ", ") + "}"
	default:
		return ""
	}
}

// stripQuoted removes one layer of literal quote characters from a string
// that already looks quoted. Some server dialects return string literals
// with their quotes intact; this is a best-effort compatibility shim, not a
// guaranteed part of the protocol.
func stripQuoted(s string) string {
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		return s[1 : len(s)-1]
	}
	return s
}
