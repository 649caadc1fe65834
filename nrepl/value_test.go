package nrepl

import "testing"

func TestRenderNested(t *testing.T) {
	v := DictValue(
		DictEntry{Key: "status", Val: ListValue(StringValue("done"), StringValue("interrupted"))},
		DictEntry{Key: "count", Val: IntValue(2)},
	)
	want := "{status: [done, interrupted], count: 2}"
	if got := v.Render(); got != want {
		t.Fatalf("render %q, want %q", got, want)
	}
}

func TestRenderKeepsWireOrder(t *testing.T) {
	v := DictValue(
		DictEntry{Key: "z", Val: StringValue("1")},
		DictEntry{Key: "a", Val: StringValue("2")},
	)
	if got := v.Render(); got != "{z: 1, a: 2}" {
		t.Fatalf("render %q, want wire order preserved", got)
	}
}

func TestLookup(t *testing.T) {
	v := DictValue(DictEntry{Key: "ns", Val: StringValue("user")})
	got, ok := v.Lookup("ns")
	if !ok || got.Str() != "user" {
		t.Fatalf("lookup ns = %q, %v", got.Str(), ok)
	}
	if _, ok := v.Lookup("missing"); ok {
		t.Fatal("lookup of missing key must report absence")
	}
}

func TestStripQuoted(t *testing.T) {
	cases := []struct{ in, want string }{
		{`"abc"`, "abc"},
		{`""`, ""},
		{`"`, `"`},
		{"abc", "abc"},
		{`"unterminated`, `"unterminated`},
		{`""nested""`, `"nested"`},
	}
	for _, tc := range cases {
		if got := stripQuoted(tc.in); got != tc.want {
			t.Fatalf("stripQuoted(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestStringsFromValueLoneString(t *testing.T) {
	got := stringsFromValue(StringValue("done"))
	if len(got) != 1 || got[0] != "done" {
		t.Fatalf("got %v, want [done]", got)
	}
}

func TestMapFromValueNonDict(t *testing.T) {
	if got := mapFromValue(StringValue("nope")); got != nil {
		t.Fatalf("got %v, want nil", got)
	}
	if got := mapFromValue(ListValue()); got != nil {
		t.Fatalf("got %v, want nil", got)
	}
}
