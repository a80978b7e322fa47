package file

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParsePathStripsWhitespace(t *testing.T) {
	scheme, suffix, err := ParsePath("  s3://bucket/key  \n")
	if err != nil {
		t.Fatal(err)
	}
	if scheme != "s3" || suffix != "bucket/key" {
		t.Errorf("got (%q, %q), want (%q, %q)", scheme, suffix, "s3", "bucket/key")
	}

	scheme, suffix, err = ParsePath("\t/local/path ")
	if err != nil {
		t.Fatal(err)
	}
	if scheme != "" || suffix != "/local/path" {
		t.Errorf("got (%q, %q), want (%q, %q)", scheme, suffix, "", "/local/path")
	}
}

func TestParsePathExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available in this environment")
	}

	scheme, suffix, err := ParsePath("~")
	if err != nil {
		t.Fatal(err)
	}
	if scheme != "" || suffix != home {
		t.Errorf("got (%q, %q), want (%q, %q)", scheme, suffix, "", home)
	}

	scheme, suffix, err = ParsePath("~/data/in.txt")
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(home, "data/in.txt")
	if scheme != "" || suffix != want {
		t.Errorf("got (%q, %q), want (%q, %q)", scheme, suffix, "", want)
	}

	// A scheme is never touched, even if its suffix happens to start with "~".
	scheme, suffix, err = ParsePath("s3://bucket/~notexpanded")
	if err != nil {
		t.Fatal(err)
	}
	if scheme != "s3" || !strings.HasPrefix(suffix, "~") {
		t.Errorf("got (%q, %q), want scheme %q and suffix starting with ~", scheme, suffix, "s3")
	}
}

func TestJoin(t *testing.T) {
	tests := []struct {
		elems []string
		want  string
	}{
		{
			[]string{"foo/"}, // trailing separator removed from first element.
			"foo",
		},
		{
			[]string{"foo", "bar"}, // join adds separator
			"foo/bar",
		},
		{
			[]string{"foo", "bar/"}, // trailing separator removed from second element.
			"foo/bar",
		},
		{
			[]string{"/foo", "bar"}, // leading separator is retained in first element.
			"/foo/bar",
		},
		{
			[]string{"foo/", "bar"}, // trailing separator removed before join.
			"foo/bar",
		},
		{
			[]string{"foo/", "/bar"}, // all separators removed before join.
			"foo/bar",
		},
		{
			[]string{"foo/", "/bar", "baz"}, // all separators removed before join.
			"foo/bar/baz",
		},
		{
			[]string{"foo/", "bar", "/baz"}, // all separators removed before join.
			"foo/bar/baz",
		},
		{
			[]string{"http://foo/", "/bar"}, // separators inside the element are retained.
			"http://foo/bar",
		},
	}

	for i, test := range tests {
		if got, want := Join(test.elems...), test.want; got != want {
			t.Errorf("test %d: got %q, want %q", i, got, want)
		}
	}
}
