package broadcast

import (
	"strconv"

	"github.com/GoldenSylph/vk-mass-sending-bot/internal/lists"
	"github.com/GoldenSylph/vk-mass-sending-bot/internal/vk"
)

// Filter applies the recipient policy in fixed order: a non-empty allow
// set keeps only its members (empty allow keeps everyone), then every id
// in block is removed. Block wins over allow unconditionally. The input
// slice is not mutated; relative order survives.
func Filter(members []vk.Member, allow, block lists.Set) []vk.Member {
	out := make([]vk.Member, 0, len(members))
	gate := allow.Len() > 0
	for _, m := range members {
		id := strconv.FormatInt(m.ID, 10)
		if gate && !allow.Has(id) {
			continue
		}
		if block.Has(id) {
			continue
		}
		out = append(out, m)
	}
	return out
}
