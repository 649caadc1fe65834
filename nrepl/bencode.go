package nrepl

import (
	"fmt"
	"strconv"
)

// Bencode wire format: strings are <len>:<bytes>, integers i<digits>e, lists
// l...e, dictionaries d...e. Messages arrive concatenated back to back with
// no separator, so the decoder must work out where one value ends before it
// can hand the bytes to the structural parser.

// scanValue computes how many bytes the bencode value starting at buf[start]
// occupies, without allocating the value. It returns the offset one past the
// value's last byte. ErrIncomplete means the buffer is truncated and more
// bytes may complete it; a *CodecError means the input is malformed.
func scanValue(buf []byte, start, maxStringLen int) (int, error) {
	if start >= len(buf) {
		return 0, ErrIncomplete
	}
	switch b := buf[start]; {
	case b == 'i':
		for i := start + 1; i < len(buf); i++ {
			if buf[i] == 'e' {
				return i + 1, nil
			}
		}
		return 0, ErrIncomplete
	case b == 'l':
		i := start + 1
		for {
			if i >= len(buf) {
				return 0, ErrIncomplete
			}
			if buf[i] == 'e' {
				return i + 1, nil
			}
			end, err := scanValue(buf, i, maxStringLen)
			if err != nil {
				return 0, err
			}
			i = end
		}
	case b == 'd':
		i := start + 1
		for {
			if i >= len(buf) {
				return 0, ErrIncomplete
			}
			if buf[i] == 'e' {
				return i + 1, nil
			}
			keyEnd, err := scanValue(buf, i, maxStringLen)
			if err != nil {
				return 0, err
			}
			valEnd, err := scanValue(buf, keyEnd, maxStringLen)
			if err != nil {
				return 0, err
			}
			i = valEnd
		}
	case b >= '0' && b <= '9':
		return scanString(buf, start, maxStringLen)
	default:
		return 0, codecPreviewErr(fmt.Sprintf("invalid byte 0x%02x", b), start, buf)
	}
}

// scanString handles the <len>:<bytes> form. The length is capped against
// maxStringLen before any data is touched, so a hostile length prefix can
// never drive an allocation or a wrapped offset.
func scanString(buf []byte, start, maxStringLen int) (int, error) {
	i := start
	length := 0
	for {
		if i >= len(buf) {
			return 0, ErrIncomplete
		}
		c := buf[i]
		if c == ':' {
			if i == start {
				return 0, codecErr("empty string length prefix", start)
			}
			break
		}
		if c < '0' || c > '9' {
			return 0, codecPreviewErr(fmt.Sprintf("invalid byte 0x%02x in string length prefix", c), i, buf)
		}
		length = length*10 + int(c-'0')
		if length > maxStringLen {
			return 0, codecErr(fmt.Sprintf("string length exceeds maximum of %d bytes", maxStringLen), start)
		}
		i++
	}
	dataStart := i + 1
	end := dataStart + length
	if end < dataStart {
		return 0, codecErr("string length overflows buffer offset", start)
	}
	if end > len(buf) {
		return 0, ErrIncomplete
	}
	return end, nil
}

// parseValue structurally decodes one value. Callers bound the input with
// scanValue first, so truncation here still surfaces as ErrIncomplete but is
// not expected.
func parseValue(buf []byte, start, maxStringLen int) (Value, int, error) {
	if start >= len(buf) {
		return Value{}, 0, ErrIncomplete
	}
	switch b := buf[start]; {
	case b == 'i':
		for i := start + 1; i < len(buf); i++ {
			if buf[i] != 'e' {
				continue
			}
			n, err := strconv.ParseInt(string(buf[start+1:i]), 10, 64)
			if err != nil {
				return Value{}, 0, codecErr("invalid integer literal", start)
			}
			return IntValue(n), i + 1, nil
		}
		return Value{}, 0, ErrIncomplete
	case b == 'l':
		var items []Value
		i := start + 1
		for {
			if i >= len(buf) {
				return Value{}, 0, ErrIncomplete
			}
			if buf[i] == 'e' {
				return Value{kind: KindList, list: items}, i + 1, nil
			}
			item, end, err := parseValue(buf, i, maxStringLen)
			if err != nil {
				return Value{}, 0, err
			}
			items = append(items, item)
			i = end
		}
	case b == 'd':
		var entries []DictEntry
		i := start + 1
		for {
			if i >= len(buf) {
				return Value{}, 0, ErrIncomplete
			}
			if buf[i] == 'e' {
				return Value{kind: KindDict, dict: entries}, i + 1, nil
			}
			key, keyEnd, err := parseValue(buf, i, maxStringLen)
			if err != nil {
				return Value{}, 0, err
			}
			if key.Kind() != KindString {
				return Value{}, 0, codecErr("dictionary key is not a string", i)
			}
			val, valEnd, err := parseValue(buf, keyEnd, maxStringLen)
			if err != nil {
				return Value{}, 0, err
			}
			entries = append(entries, DictEntry{Key: key.Str(), Val: val})
			i = valEnd
		}
	case b >= '0' && b <= '9':
		end, err := scanString(buf, start, maxStringLen)
		if err != nil {
			return Value{}, 0, err
		}
		dataStart := start
		for buf[dataStart] != ':' {
			dataStart++
		}
		dataStart++
		return StringValue(string(buf[dataStart:end])), end, nil
	default:
		return Value{}, 0, codecPreviewErr(fmt.Sprintf("invalid byte 0x%02x", b), start, buf)
	}
}

func appendString(dst []byte, s string) []byte {
	dst = strconv.AppendInt(dst, int64(len(s)), 10)
	dst = append(dst, ':')
	return append(dst, s...)
}

func appendValue(dst []byte, v Value) []byte {
	switch v.kind {
	case KindString:
		return appendString(dst, v.str)
	case KindInt:
		dst = append(dst, 'i')
		dst = strconv.AppendInt(dst, v.num, 10)
		return append(dst, 'e')
	case KindList:
		dst = append(dst, 'l')
		for _, item := range v.list {
			dst = appendValue(dst, item)
		}
		return append(dst, 'e')
	case KindDict:
		dst = append(dst, 'd')
		for _, e := range v.dict {
			dst = appendString(dst, e.Key)
			dst = appendValue(dst, e.Val)
		}
		return append(dst, 'e')
	default:
		return dst
	}
}

// encodeRequest serializes a request as a bencode dictionary. Only present
// fields are written, and keys are emitted in sorted order so the encoding
// is deterministic.
func encodeRequest(req *Request) ([]byte, error) {
	if req.Op == "" || req.ID == "" {
		return nil, codecErr("request is missing op or id", 0)
	}

	var entries []DictEntry
	addStr := func(key, val string) {
		if val != "" {
			entries = append(entries, DictEntry{Key: key, Val: StringValue(val)})
		}
	}
	addList := func(key string, vals []string) {
		if vals == nil {
			return
		}
		items := make([]Value, len(vals))
		for i, s := range vals {
			items[i] = StringValue(s)
		}
		entries = append(entries, DictEntry{Key: key, Val: ListValue(items...)})
	}

	addStr("code", req.Code)
	addStr("complete-fn", req.CompleteFn)
	addList("extra-namespaces", req.ExtraNamespaces)
	addStr("file", req.File)
	addStr("file-name", req.FileName)
	addStr("file-path", req.FilePath)
	addStr("id", req.ID)
	addStr("interrupt-id", req.InterruptID)
	addStr("lookup-fn", req.LookupFn)
	addList("middleware", req.Middleware)
	addStr("ns", req.NS)
	addStr("op", req.Op)
	addStr("options", req.Options)
	addStr("prefix", req.Prefix)
	addStr("session", req.Session)
	addStr("stdin", req.Stdin)
	addStr("sym", req.Sym)
	if req.Verbose {
		entries = append(entries, DictEntry{Key: "verbose", Val: IntValue(1)})
	}

	return appendValue(nil, DictValue(entries...)), nil
}

// decodeResponse decodes exactly one message from the front of buf and
// reports how many bytes it consumed, so the caller can trim the consumed
// prefix while preserving any trailing bytes of the next message.
func decodeResponse(buf []byte, limits Limits) (Response, int, error) {
	end, err := scanValue(buf, 0, limits.MaxStringLen)
	if err != nil {
		return Response{}, 0, err
	}
	v, _, err := parseValue(buf[:end], 0, limits.MaxStringLen)
	if err != nil {
		return Response{}, 0, err
	}
	if v.Kind() != KindDict {
		return Response{}, 0, &ProtocolError{Msg: "response is not a dictionary"}
	}
	return responseFromValue(v), end, nil
}
