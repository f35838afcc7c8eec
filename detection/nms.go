package detection

import "sort"

// NMS performs greedy non-maximum suppression.
//
// Boxes are visited in descending score order, ties keeping their input
// order. A box is suppressed when its IoU with an already kept box is greater
// than threshold.
//
// Arguments:
//   - boxes: Candidate boxes.
//   - scores: One score per box.
//   - threshold: IoU above which a box is suppressed.
//   - maxOutput: Maximum number of kept boxes; <= 0 keeps all.
//
// Returns:
//   - Indices into boxes of the kept boxes, highest score first.
func NMS(boxes []Box, scores []float32, threshold float32, maxOutput int) []int {
	n := len(boxes)
	if n == 0 {
		return nil
	}
	if maxOutput <= 0 || maxOutput > n {
		maxOutput = n
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	suppressed := make([]bool, n)
	kept := make([]int, 0, maxOutput)
	for oi, i := range order {
		if suppressed[i] {
			continue
		}
		kept = append(kept, i)
		if len(kept) == maxOutput {
			break
		}
		for _, j := range order[oi+1:] {
			if !suppressed[j] && IoU(boxes[i], boxes[j]) > threshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}
