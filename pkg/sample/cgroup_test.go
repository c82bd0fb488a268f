package sample

import "testing"

func TestParentCgroupPath(t *testing.T) {
	cases := []struct{ in, want string }{
		{"/sys/fs/cgroup/foo/bar", "/sys/fs/cgroup/foo"},
		{"/sys/fs/cgroup/foo", "/sys/fs/cgroup"},
		{"/sys/fs/cgroup", ""},
		{"/", ""},
		{"", ""},
	}
	for _, c := range cases {
		if got := parentCgroupPath(c.in); got != c.want {
			t.Errorf("parentCgroupPath(%q): got %q, want %q", c.in, got, c.want)
		}
	}
}

func TestTracedSet_WholeSystemShortCircuitsResolve(t *testing.T) {
	traced := NewTracedSet(true)
	h, err := ResolveCgroupHierarchy(1, CgroupV2, traced)
	if err != nil {
		t.Fatalf("ResolveCgroupHierarchy: %v", err)
	}
	if len(h.Ancestors) != 0 || h.Parent != endOfCgroupList {
		t.Fatalf("expected an empty hierarchy when wholeSystem is set, got %+v", h)
	}
}

func TestTracedSet_AddCgroupRespectsBound(t *testing.T) {
	s := NewTracedSet(false)
	for i := 0; i < maxTracedCgroups; i++ {
		if err := s.AddCgroup(uint64(i + 1)); err != nil {
			t.Fatalf("AddCgroup(%d): %v", i, err)
		}
	}
	if err := s.AddCgroup(999999); err == nil {
		t.Fatalf("expected an error once the traced-cgroups set is full")
	}
}

func TestTracedSet_AddProcessRespectsBound(t *testing.T) {
	s := NewTracedSet(false)
	for i := 0; i < maxTracedProcesses; i++ {
		if err := s.AddProcess(uint32(i + 1)); err != nil {
			t.Fatalf("AddProcess(%d): %v", i, err)
		}
	}
	if err := s.AddProcess(999999); err == nil {
		t.Fatalf("expected an error once the traced-processes set is full")
	}
}

func TestParsePIDFromField(t *testing.T) {
	pid, err := ParsePIDFromField(" 1234 ")
	if err != nil {
		t.Fatalf("ParsePIDFromField: %v", err)
	}
	if pid != 1234 {
		t.Fatalf("got %d, want 1234", pid)
	}
	if _, err := ParsePIDFromField("not-a-pid"); err == nil {
		t.Fatalf("expected an error for a non-numeric field")
	}
}
