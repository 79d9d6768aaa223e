package node

import "testing"

func TestParseValid(t *testing.T) {
	id, err := Parse("a@127.0.0.1:4371")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.Name() != "a" || id.Host() != "127.0.0.1" || id.Port() != 4371 {
		t.Fatalf("unexpected parts: %#v", id)
	}
	if id.String() != "a@127.0.0.1:4371" {
		t.Fatalf("unexpected canonical form: %s", id.String())
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"noat127.0.0.1:1234",
		"a@b@127.0.0.1:1234",
		"a@127.0.0.1",
		"a@127.0.0.1:1234:5678",
		"@127.0.0.1:1234",
		"a@:1234",
		"a@127.0.0.1:0",
		"a@127.0.0.1:65536",
		"a@127.0.0.1:notaport",
	}
	for _, c := range cases {
		if _, err := Parse(c); err == nil {
			t.Errorf("Parse(%q): expected error, got nil", c)
		}
	}
}

func TestEqual(t *testing.T) {
	a := MustParse("n@h:1")
	b := MustParse("n@h:1")
	c := MustParse("n@h:2")
	if !a.Equal(b) {
		t.Fatal("expected a == b")
	}
	if a.Equal(c) {
		t.Fatal("expected a != c")
	}
}
