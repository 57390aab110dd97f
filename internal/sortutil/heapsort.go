// Package sortutil provides the heapsort used to order job-catalogue
// removal positions before compaction (spec.md component I, §4.2
// phase 6, §8 "Sorting the removal-index array").
package sortutil

// HeapSortDescending sorts a in place into descending order
// (a[i] >= a[i+1]), matching spec.md §8's round-trip law and the
// worked example in §8.6 ([3 1 4 1 5 9 2 6] -> [9 6 5 4 3 2 1 1]).
func HeapSortDescending(a []int) {
	n := len(a)
	for i := n/2 - 1; i >= 0; i-- {
		siftDown(a, i, n)
	}
	for end := n - 1; end > 0; end-- {
		a[0], a[end] = a[end], a[0]
		siftDown(a, 0, end)
	}
	reverse(a)
}

// siftDown maintains a max-heap over a[0:n) rooted at i.
func siftDown(a []int, i, n int) {
	for {
		left := 2*i + 1
		if left >= n {
			return
		}
		largest := left
		if right := left + 1; right < n && a[right] > a[left] {
			largest = right
		}
		if a[largest] <= a[i] {
			return
		}
		a[i], a[largest] = a[largest], a[i]
		i = largest
	}
}

func reverse(a []int) {
	for i, j := 0, len(a)-1; i < j; i, j = i+1, j-1 {
		a[i], a[j] = a[j], a[i]
	}
}

// HeapSortDescending32 is HeapSortDescending over []int32, used by the
// GC's directory-position fix-up (spec.md §4.2 phase 8): removals must
// be applied highest-position-first so an earlier RemoveAt never
// shifts a not-yet-processed position out from under it.
func HeapSortDescending32(a []int32) {
	n := len(a)
	for i := n/2 - 1; i >= 0; i-- {
		siftDown32(a, i, n)
	}
	for end := n - 1; end > 0; end-- {
		a[0], a[end] = a[end], a[0]
		siftDown32(a, 0, end)
	}
	reverse32(a)
}

func siftDown32(a []int32, i, n int) {
	for {
		left := 2*i + 1
		if left >= n {
			return
		}
		largest := left
		if right := left + 1; right < n && a[right] > a[left] {
			largest = right
		}
		if a[largest] <= a[i] {
			return
		}
		a[i], a[largest] = a[largest], a[i]
		i = largest
	}
}

func reverse32(a []int32) {
	for i, j := 0, len(a)-1; i < j; i, j = i+1, j-1 {
		a[i], a[j] = a[j], a[i]
	}
}
