package nrepl

import (
	"errors"
	"testing"
)

func TestEncodeRequestSortedKeys(t *testing.T) {
	req := &Request{Op: "eval", ID: "req-1", Session: "s1", Code: "(+ 1 2)"}
	got, err := encodeRequest(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := "d4:code7:(+ 1 2)2:id5:req-12:op4:eval7:session2:s1e"
	if string(got) != want {
		t.Fatalf("encoded %q, want %q", got, want)
	}
}

func TestEncodeRequestVerbose(t *testing.T) {
	req := &Request{Op: "describe", ID: "req-2", Verbose: true}
	got, err := encodeRequest(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := "d2:id5:req-22:op8:describe7:verbosei1ee"
	if string(got) != want {
		t.Fatalf("encoded %q, want %q", got, want)
	}
}

func TestEncodeRequestMiddlewareList(t *testing.T) {
	req := &Request{Op: "add-middleware", ID: "req-3", Middleware: []string{"wrap-eval", "wrap-load-file"}}
	got, err := encodeRequest(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := "d2:id5:req-310:middlewarel9:wrap-eval14:wrap-load-filee2:op14:add-middlewaree"
	if string(got) != want {
		t.Fatalf("encoded %q, want %q", got, want)
	}
}

func TestEncodeRequestMissingOpOrID(t *testing.T) {
	if _, err := encodeRequest(&Request{Op: "eval"}); err == nil {
		t.Fatal("expected error for missing id")
	}
	if _, err := encodeRequest(&Request{ID: "req-1"}); err == nil {
		t.Fatal("expected error for missing op")
	}
}

func TestScanValueCoversWholeEncoding(t *testing.T) {
	req := &Request{Op: "eval", ID: "req-1", Session: "s1", Code: "(println \"hi\")"}
	payload, err := encodeRequest(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	end, err := scanValue(payload, 0, DefaultLimits().MaxStringLen)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if end != len(payload) {
		t.Fatalf("scan consumed %d bytes, want %d", end, len(payload))
	}
}

func TestScanValueIncomplete(t *testing.T) {
	for _, in := range []string{"", "d2:id", "i42", "5:ab", "l4:done", "d6:status"} {
		if _, err := scanValue([]byte(in), 0, DefaultLimits().MaxStringLen); !errors.Is(err, ErrIncomplete) {
			t.Fatalf("scan %q: got %v, want ErrIncomplete", in, err)
		}
	}
}

func TestScanValueLargeLegalPrefixIsIncomplete(t *testing.T) {
	// A length prefix within the cap but beyond the buffer means truncation,
	// not malformed input.
	_, err := scanValue([]byte("100:abc"), 0, 1000)
	if !errors.Is(err, ErrIncomplete) {
		t.Fatalf("got %v, want ErrIncomplete", err)
	}
}

func TestScanValueStringTooLong(t *testing.T) {
	_, err := scanValue([]byte("11:aaaaaaaaaaa"), 0, 10)
	var ce *CodecError
	if !errors.As(err, &ce) {
		t.Fatalf("got %v, want *CodecError", err)
	}
}

func TestScanValueHostilePrefixRejectedBeforeData(t *testing.T) {
	// The prefix alone must trip the cap; no data bytes follow it at all.
	_, err := scanValue([]byte("99999999999999999999:"), 0, DefaultLimits().MaxStringLen)
	var ce *CodecError
	if !errors.As(err, &ce) {
		t.Fatalf("got %v, want *CodecError", err)
	}
}

func TestScanValueInvalidByte(t *testing.T) {
	_, err := scanValue([]byte("x"), 0, DefaultLimits().MaxStringLen)
	var ce *CodecError
	if !errors.As(err, &ce) {
		t.Fatalf("got %v, want *CodecError", err)
	}
	if ce.Offset != 0 {
		t.Fatalf("offset %d, want 0", ce.Offset)
	}
	if ce.Preview != "78" {
		t.Fatalf("preview %q, want %q", ce.Preview, "78")
	}
}

func TestParseValueRejectsNonStringDictKey(t *testing.T) {
	_, _, err := parseValue([]byte("di1e1:xe"), 0, DefaultLimits().MaxStringLen)
	var ce *CodecError
	if !errors.As(err, &ce) {
		t.Fatalf("got %v, want *CodecError", err)
	}
}

func TestDecodeResponseFields(t *testing.T) {
	in := []byte("d2:id1:12:ns4:user7:session2:s16:statusl4:donee5:value1:3e")
	resp, n, err := decodeResponse(in, DefaultLimits())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(in) {
		t.Fatalf("consumed %d bytes, want %d", n, len(in))
	}
	if resp.ID != "1" || resp.Session != "s1" {
		t.Fatalf("id/session = %q/%q", resp.ID, resp.Session)
	}
	if !resp.HasStatus("done") {
		t.Fatalf("status %v missing done", resp.Status)
	}
	if resp.Value == nil || *resp.Value != "3" {
		t.Fatalf("value = %v", resp.Value)
	}
	if resp.NS == nil || *resp.NS != "user" {
		t.Fatalf("ns = %v", resp.NS)
	}
	if resp.Out != nil || resp.Err != nil || resp.NewSession != nil {
		t.Fatal("absent optional fields must stay nil")
	}
}

func TestDecodeResponseQuotedValueStripped(t *testing.T) {
	in := []byte(`d2:id1:15:value5:"abc"e`)
	resp, _, err := decodeResponse(in, DefaultLimits())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Value == nil || *resp.Value != "abc" {
		t.Fatalf("value = %v, want abc", resp.Value)
	}
}

func TestDecodeResponseStructuredValueRendered(t *testing.T) {
	in := []byte("d2:id1:15:valueli1ei2ei3eee")
	resp, _, err := decodeResponse(in, DefaultLimits())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Value == nil || *resp.Value != "[1, 2, 3]" {
		t.Fatalf("value = %v, want [1, 2, 3]", resp.Value)
	}
}

func TestDecodeResponseCoalescedConsumesOneMessage(t *testing.T) {
	first := []byte("d2:id1:16:statusl4:doneee")
	second := []byte("d2:id1:23:out3:hi\ne")
	buf := append(append([]byte{}, first...), second...)

	resp, n, err := decodeResponse(buf, DefaultLimits())
	if err != nil {
		t.Fatalf("decode first: %v", err)
	}
	if n != len(first) {
		t.Fatalf("consumed %d bytes, want %d", n, len(first))
	}
	if resp.ID != "1" {
		t.Fatalf("id = %q, want 1", resp.ID)
	}

	resp, n, err = decodeResponse(buf[n:], DefaultLimits())
	if err != nil {
		t.Fatalf("decode second: %v", err)
	}
	if n != len(second) {
		t.Fatalf("consumed %d bytes, want %d", n, len(second))
	}
	if resp.Out == nil || *resp.Out != "hi\n" {
		t.Fatalf("out = %v, want hi", resp.Out)
	}
}

func TestDecodeResponseNotADict(t *testing.T) {
	_, _, err := decodeResponse([]byte("l4:donee"), DefaultLimits())
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("got %v, want *ProtocolError", err)
	}
}

func TestDecodeResponseEmptyListAsMissingMap(t *testing.T) {
	in := []byte("d2:id1:14:infolee")
	resp, _, err := decodeResponse(in, DefaultLimits())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Info != nil {
		t.Fatalf("info = %v, want nil", resp.Info)
	}
}

func TestDecodeResponseDescribeMaps(t *testing.T) {
	in := []byte("d3:auxd10:current-ns4:usere2:id1:13:opsd4:evald5:docs?i1ee5:clonedee8:versionsd5:nrepl5:1.3.1ee")
	resp, _, err := decodeResponse(in, DefaultLimits())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Ops["eval"] != "{docs?: 1}" || resp.Ops["clone"] != "{}" {
		t.Fatalf("ops = %v", resp.Ops)
	}
	if resp.Versions["nrepl"] != "1.3.1" {
		t.Fatalf("versions = %v", resp.Versions)
	}
	if resp.Aux["current-ns"] != "user" {
		t.Fatalf("aux = %v", resp.Aux)
	}
}
