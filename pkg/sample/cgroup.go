package sample

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// maxTracedCgroups and maxTracedProcesses are the §5 resource limits for the
// traced-cgroup and traced-process filter sets.
const (
	maxTracedCgroups   = 16 * 1024
	maxTracedProcesses = 1024
)

// CgroupVersion distinguishes the two hierarchies walked by
// get_current_cgroup_hierarchy_v1/v2 (cgroups.h); userspace has no
// equivalent of the kernel's freezer-subsys-vs-unified split, so callers
// pick the version once at startup based on what /sys/fs/cgroup mounts.
type CgroupVersion int

const (
	CgroupV1 CgroupVersion = iota
	CgroupV2
)

// TracedSet is the userspace equivalent of the traced_cgroups/
// traced_processes BPF hash maps: bounded membership sets consulted on the
// hot path of every sample, per §4.E step 2.
type TracedSet struct {
	cgroups   map[uint64]struct{}
	processes map[uint32]struct{}
	wholeSystem bool
}

// NewTracedSet returns an empty set. wholeSystem, once set, makes Contains
// always report a match, matching "if configured to trace the whole
// system, skip this filter" (§4.E step 2).
func NewTracedSet(wholeSystem bool) *TracedSet {
	return &TracedSet{
		cgroups:   make(map[uint64]struct{}),
		processes: make(map[uint32]struct{}),
		wholeSystem: wholeSystem,
	}
}

// AddCgroup marks cgroupInode as traced, up to maxTracedCgroups entries.
func (s *TracedSet) AddCgroup(cgroupInode uint64) error {
	if len(s.cgroups) >= maxTracedCgroups {
		return fmt.Errorf("sample: traced-cgroups set full (max %d)", maxTracedCgroups)
	}
	s.cgroups[cgroupInode] = struct{}{}
	return nil
}

// AddProcess marks pid as traced, up to maxTracedProcesses entries.
func (s *TracedSet) AddProcess(pid uint32) error {
	if len(s.processes) >= maxTracedProcesses {
		return fmt.Errorf("sample: traced-processes set full (max %d)", maxTracedProcesses)
	}
	s.processes[pid] = struct{}{}
	return nil
}

func (s *TracedSet) hasCgroup(inode uint64) bool {
	_, ok := s.cgroups[inode]
	return ok
}

func (s *TracedSet) hasProcess(pid uint32) bool {
	_, ok := s.processes[pid]
	return ok
}

// Hierarchy is the userspace analog of get_current_cgroup_hierarchy_v1/v2's
// output: the chain of cgroup inodes from innermost up to (but not
// including) the first ancestor recognized as traced.
type Hierarchy struct {
	Ancestors []uint64
	Parent    uint64 // endOfCgroupList if the walk ran off the top without a match
}

// ResolveCgroupHierarchy walks pid's cgroup membership toward the root,
// stopping at the first ancestor present in traced, up to
// maxCgroupAncestors levels — the userspace equivalent of cgroups.h's
// bounded ascent, since this implementation has no kernel cgroup struct to
// walk and instead resolves inodes via /proc and /sys/fs/cgroup.
func ResolveCgroupHierarchy(pid uint32, version CgroupVersion, traced *TracedSet) (Hierarchy, error) {
	h := Hierarchy{Parent: endOfCgroupList}
	if traced.wholeSystem {
		return h, nil
	}

	path, err := cgroupPathForPID(pid, version)
	if err != nil {
		return h, err
	}

	for i := 0; i < maxCgroupAncestors && path != ""; i++ {
		inode, err := cgroupInode(path)
		if err != nil {
			break
		}
		if traced.hasCgroup(inode) {
			h.Parent = inode
			break
		}
		h.Ancestors = append(h.Ancestors, inode)
		path = parentCgroupPath(path)
	}
	return h, nil
}

// cgroupPathForPID reads /proc/<pid>/cgroup and returns the absolute
// /sys/fs/cgroup path of the subsystem the given version cares about: the
// freezer controller for v1, the unified hierarchy for v2.
func cgroupPathForPID(pid uint32, version CgroupVersion) (string, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/cgroup", pid))
	if err != nil {
		return "", fmt.Errorf("sample: open cgroup file for pid %d: %w", pid, err)
	}
	defer f.Close()

	wantSubsys := "freezer"
	if version == CgroupV2 {
		wantSubsys = ""
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.SplitN(scanner.Text(), ":", 3)
		if len(fields) != 3 {
			continue
		}
		subsys, relPath := fields[1], fields[2]
		if version == CgroupV2 && subsys == "" {
			return "/sys/fs/cgroup" + relPath, nil
		}
		if version == CgroupV1 && strings.Contains(subsys, wantSubsys) {
			return "/sys/fs/cgroup/" + wantSubsys + relPath, nil
		}
	}
	return "", fmt.Errorf("sample: no matching cgroup entry for pid %d", pid)
}

// cgroupInode returns the kernfs inode number backing a cgroup directory —
// the userspace stand-in for cgroups.h's cgroup_inode, which reads the same
// number out of the kernel's in-memory kernfs_node.
func cgroupInode(path string) (uint64, error) {
	var st syscall.Stat_t
	if err := syscall.Stat(path, &st); err != nil {
		return 0, fmt.Errorf("sample: stat %q: %w", path, err)
	}
	return st.Ino, nil
}

func parentCgroupPath(path string) string {
	if path == "/sys/fs/cgroup" || path == "/" || path == "" {
		return ""
	}
	idx := strings.LastIndexByte(path, '/')
	if idx <= 0 {
		return ""
	}
	return path[:idx]
}

// ParsePIDFromField is a small helper used when populating TracedSet from
// configuration (a list of pids as strings), kept here so config loading
// doesn't need its own strconv import for this one conversion.
func ParsePIDFromField(field string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(field), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("sample: parse pid %q: %w", field, err)
	}
	return uint32(v), nil
}
