package vpath

import "testing"

func TestParseValid(t *testing.T) {
	cases := []struct {
		raw      string
		key      string
		level    int
		final    string
		parentRel string
	}{
		{"/releases/v1", "releases", 1, "v1", "releases"},
		{"/releases/linux/amd64/v1", "releases", 3, "v1", "releases/linux/amd64"},
	}
	for _, c := range cases {
		v, err := Parse(c.raw)
		if err != nil {
			t.Fatalf("Parse(%q): %v", c.raw, err)
		}
		if v.Key() != c.key {
			t.Errorf("Key() = %q, want %q", v.Key(), c.key)
		}
		if v.Level() != c.level {
			t.Errorf("Level() = %d, want %d", v.Level(), c.level)
		}
		if v.FinalName() != c.final {
			t.Errorf("FinalName() = %q, want %q", v.FinalName(), c.final)
		}
		if v.ParentRel() != c.parentRel {
			t.Errorf("ParentRel() = %q, want %q", v.ParentRel(), c.parentRel)
		}
		if v.String() != c.raw {
			t.Errorf("String() = %q, want %q", v.String(), c.raw)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	cases := []string{
		"releases/v1",
		"/releases/../v1",
		"/releases//v1",
		"/",
		"",
	}
	for _, raw := range cases {
		if _, err := Parse(raw); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", raw)
		}
	}
}

func TestJoin(t *testing.T) {
	base, err := Parse("/releases")
	if err != nil {
		t.Fatalf("Parse base: %v", err)
	}
	child := base.Join("v2")
	if child.String() != "/releases/v2" {
		t.Errorf("Join result = %q", child.String())
	}
	if child.Level() != 1 {
		t.Errorf("Join level = %d, want 1", child.Level())
	}
}

func TestParentAndEqual(t *testing.T) {
	v, err := Parse("/releases/linux/v1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	parent := v.Parent()
	if parent.String() != "/releases/linux" {
		t.Errorf("Parent() = %q", parent.String())
	}
	v2, err := Parse("/releases/linux/v1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !v.Equal(v2) {
		t.Errorf("Equal() = false, want true")
	}
}
