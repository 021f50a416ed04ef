package broadcast

import (
	"testing"

	"github.com/GoldenSylph/vk-mass-sending-bot/internal/lists"
	"github.com/GoldenSylph/vk-mass-sending-bot/internal/vk"
)

func memberIDs(members []vk.Member) []int64 {
	out := make([]int64, 0, len(members))
	for _, m := range members {
		out = append(out, m.ID)
	}
	return out
}

func TestFilter(t *testing.T) {
	t.Parallel()

	input := []vk.Member{{ID: 1}, {ID: 2}, {ID: 3}, {ID: 4}, {ID: 5}}

	tests := []struct {
		name  string
		allow lists.Set
		block lists.Set
		want  []int64
	}{
		{"nil sets keep all", nil, nil, []int64{1, 2, 3, 4, 5}},
		{"empty sets keep all", lists.NewSet(), lists.NewSet(), []int64{1, 2, 3, 4, 5}},
		{"allow gates to subset", lists.NewSet("2", "4"), nil, []int64{2, 4}},
		{"block removes", nil, lists.NewSet("3"), []int64{1, 2, 4, 5}},
		{"block wins over allow", lists.NewSet("2", "4"), lists.NewSet("4"), []int64{2}},
		{"allow of strangers keeps none", lists.NewSet("99"), nil, []int64{}},
		{"block of strangers is inert", nil, lists.NewSet("99"), []int64{1, 2, 3, 4, 5}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := memberIDs(Filter(input, tt.allow, tt.block))
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestFilterDoesNotMutateInput(t *testing.T) {
	t.Parallel()

	input := []vk.Member{{ID: 1}, {ID: 2}, {ID: 3}}
	_ = Filter(input, lists.NewSet("2"), lists.NewSet("1"))
	for i, id := range []int64{1, 2, 3} {
		if input[i].ID != id {
			t.Fatalf("input mutated: %v", memberIDs(input))
		}
	}
}
