package sortutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeapSortDescending(t *testing.T) {
	cases := []struct {
		name string
		in   []int
		want []int
	}{
		{"spec example", []int{3, 1, 4, 1, 5, 9, 2, 6}, []int{9, 6, 5, 4, 3, 2, 1, 1}},
		{"empty", []int{}, []int{}},
		{"single", []int{7}, []int{7}},
		{"already descending", []int{5, 4, 3}, []int{5, 4, 3}},
		{"all equal", []int{2, 2, 2}, []int{2, 2, 2}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := append([]int(nil), tc.in...)
			HeapSortDescending(got)
			assert.Equal(t, tc.want, got)
			for i := 0; i+1 < len(got); i++ {
				assert.GreaterOrEqual(t, got[i], got[i+1])
			}
		})
	}
}
