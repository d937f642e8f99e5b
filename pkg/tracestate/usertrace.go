package tracestate

import (
	"sort"

	"github.com/kubescape/tracestate/pkg/event"
)

// UserTraceRef names a per-thread user-space trace and its creation time.
type UserTraceRef struct {
	Name    string
	Created event.Time
}

// UserTraces indexes the user-space traces of a kernel trace by thread id.
// The index is trace level: it is not part of state snapshots.
type UserTraces struct {
	byPID map[uint64][]UserTraceRef
}

func NewUserTraces() *UserTraces {
	return &UserTraces{byPID: make(map[uint64][]UserTraceRef)}
}

func (u *UserTraces) Add(pid uint64, ref UserTraceRef) {
	refs := append(u.byPID[pid], ref)
	sort.SliceStable(refs, func(i, j int) bool { return refs[i].Created < refs[j].Created })
	u.byPID[pid] = refs
}

// Find returns the earliest user trace of pid created at or after t.
func (u *UserTraces) Find(pid uint64, t event.Time) (string, bool) {
	if u == nil {
		return "", false
	}
	refs := u.byPID[pid]
	i := sort.Search(len(refs), func(i int) bool { return refs[i].Created >= t })
	if i == len(refs) {
		return "", false
	}
	return refs[i].Name, true
}

func (u *UserTraces) Len() int {
	n := 0
	for _, refs := range u.byPID {
		n += len(refs)
	}
	return n
}
