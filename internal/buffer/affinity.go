package buffer

import "container/list"

// Affinity hints how eagerly the replacement algorithm may evict a
// frame once its pin count drops to zero. A frame never downgrades on
// its own; it only moves HATED -> LIKED -> LOVED on request.
type Affinity int

const (
	AffinityNone Affinity = iota
	AffinityHated
	AffinityLiked
	AffinityLoved
)

func (a Affinity) String() string {
	switch a {
	case AffinityHated:
		return "HATED"
	case AffinityLiked:
		return "LIKED"
	case AffinityLoved:
		return "LOVED"
	default:
		return "NONE"
	}
}

// replacementLists holds the three ordered eviction-candidate lists the
// pool scans in order HATED, LIKED, LOVED. It generalizes the teacher's
// single container/list-backed LRUCache to three parallel lists, one
// per affinity tier, each still ordered by recency within itself.
type replacementLists struct {
	lists   [3]*list.List // indexed by Affinity-1
	entries map[int]*list.Element
}

func newReplacementLists() *replacementLists {
	r := &replacementLists{entries: make(map[int]*list.Element)}
	for i := range r.lists {
		r.lists[i] = list.New()
	}
	return r
}

func (r *replacementLists) listFor(a Affinity) *list.List {
	return r.lists[a-1]
}

// Insert places frameIndex at the head (most-recently-unpinned side)
// of a's list. The caller must have already removed any prior entry.
func (r *replacementLists) Insert(frameIndex int, a Affinity) {
	elem := r.listFor(a).PushFront(frameIndex)
	r.entries[frameIndex] = elem
}

// Remove drops frameIndex from whichever list it currently sits in, if any.
func (r *replacementLists) Remove(frameIndex int, a Affinity) {
	elem, ok := r.entries[frameIndex]
	if !ok {
		return
	}
	r.listFor(a).Remove(elem)
	delete(r.entries, frameIndex)
}

// Reage moves frameIndex back to the head of its own list, the
// behavior spec §4.2 calls for when a downgrade is requested: "a
// downgrade attempt merely re-ages the frame at the head of its
// current list."
func (r *replacementLists) Reage(frameIndex int, a Affinity) {
	elem, ok := r.entries[frameIndex]
	if !ok {
		r.Insert(frameIndex, a)
		return
	}
	r.listFor(a).MoveToFront(elem)
}

// CycleToTail moves an in-use candidate to the tail (least eligible
// side isn't meaningful here; scanning walks back-to-front, so tail
// means "scan again later").
func (r *replacementLists) CycleToTail(frameIndex int, a Affinity) {
	elem, ok := r.entries[frameIndex]
	if !ok {
		return
	}
	r.listFor(a).MoveToFront(elem)
}

// Candidates returns frame indices in a's list ordered from least to
// most recently unpinned, the scan order replacement selection uses.
func (r *replacementLists) Candidates(a Affinity) []int {
	l := r.listFor(a)
	out := make([]int, 0, l.Len())
	for elem := l.Back(); elem != nil; elem = elem.Prev() {
		out = append(out, elem.Value.(int))
	}
	return out
}
