package env

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestExpand(t *testing.T) {
	e := New()
	e.Set("HOST", "db.internal")
	e.Set("PASS", "s3cret")
	cases := []struct{ in, want string }{
		{"${HOST}", "db.internal"},
		{"postgres://${HOST}:5432", "postgres://db.internal:5432"},
		{"${HOST}-${PASS}", "db.internal-s3cret"},
		{"${MISSING}", ""},
		{"pa$$word", "pa$$word"},
		{"$HOST", "$HOST"},
		{"${unterminated", "${unterminated"},
		{"", ""},
	}
	for _, c := range cases {
		if got := e.Expand(c.in); got != c.want {
			t.Errorf("Expand(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestLoadFileOverridesOS(t *testing.T) {
	t.Setenv("CONNLOG_ENV_TEST", "from-os")
	t.Setenv("CONNLOG_ENV_ONLY_OS", "os")
	p := filepath.Join(t.TempDir(), ".env")
	data := "# comment\nCONNLOG_ENV_TEST = from-file\n\nnot a pair\n=novalue\n"
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	e := New()
	e.FromOS()
	if err := e.LoadFile(p); err != nil {
		t.Fatal(err)
	}
	if got := e.Expand("${CONNLOG_ENV_TEST}/${CONNLOG_ENV_ONLY_OS}"); got != "from-file/os" {
		t.Fatalf("got %q", got)
	}
	if _, ok := e.Lookup(""); ok {
		t.Fatal("empty key must not be stored")
	}
}

func TestWithoutOS(t *testing.T) {
	t.Setenv("CONNLOG_ENV_HIDDEN", "x")
	if got := New().Expand("${CONNLOG_ENV_HIDDEN}"); got != "" {
		t.Fatalf("OS environment must not leak without FromOS: %q", got)
	}
}

func TestLoadFileMissing(t *testing.T) {
	if err := New().LoadFile(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatal("expected error")
	}
}

// FuzzExpand ensures Expand never panics and leaves strings without ${ untouched.
func FuzzExpand(f *testing.F) {
	f.Add("A=1", "x-${A}-y")
	f.Add("FOO=bar", "${FOO}${FOO")
	f.Add("X=${Y}", "${X}$")

	f.Fuzz(func(t *testing.T, kv string, s string) {
		e := New()
		if i := strings.IndexByte(kv, '='); i > 0 {
			e.Set(kv[:i], kv[i+1:])
		}
		out := e.Expand(s)
		if !strings.Contains(s, "${") && out != s {
			t.Fatalf("Expand(%q) changed a string without placeholders: %q", s, out)
		}
	})
}
