package tgui

import "testing"

func TestTruncRunes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 4, "hel…"},
		{"héllo wörld", 3, "hé…"},
		{"abc", 0, ""},
		{"abc", 1, "…"},
	}
	for _, tc := range cases {
		if got := TruncRunes(tc.in, tc.n); got != tc.want {
			t.Errorf("TruncRunes(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}

func TestHTMLHelpersEscape(t *testing.T) {
	t.Parallel()
	if got := B("a<b"); got != "<b>a&lt;b</b>" {
		t.Fatalf("B = %q", got)
	}
	if got := Link(`x"y`, "https://e.x/?a=1&b=2"); got != `<a href="https://e.x/?a=1&amp;b=2">x&#34;y</a>` {
		t.Fatalf("Link = %q", got)
	}
	if got := JoinH(" | ", Esc("a"), "", Raw("  "), Code("c")); got != "a | <code>c</code>" {
		t.Fatalf("JoinH = %q", got)
	}
}
