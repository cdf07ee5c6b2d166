// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package islands

// DefaultMinContrast is the minimum fraction of the parent island's
// total above-threshold flux a branch must carry to be accepted as its
// own sub-island, mirroring SExtractor's DEBLEND_MINCONT default. Not
// specified in closed form by the source; exposed as a parameter.
const DefaultMinContrast = 0.005

// DeblendParams configures the hierarchical deblender.
type DeblendParams struct {
	NThresh     int     // number of re-threshold levels
	MinContrast float64 // minimum flux fraction for a branch to be accepted
}

// branch tracks one candidate sub-island as re-thresholding proceeds.
type branch struct {
	pixels map[int]bool
	flux   float32
}

// Deblend implements spec component C7: it re-thresholds parentPixels
// at NThresh levels linearly spaced between analysisThreshold and peak,
// and returns the accepted leaf sub-islands as lists of pixel indices
// (row-major, full-image indexing) that partition parentPixels. If no
// split clears MinContrast, the single parent island is returned
// unchanged.
func Deblend(values []float32, parentPixels []int, width, height int, analysisThreshold, peak float32, se StructuringElement, p DeblendParams) [][]int {
	if p.NThresh < 2 {
		return [][]int{parentPixels}
	}

	parentSet := make(map[int]bool, len(parentPixels))
	var totalFlux float32
	for _, idx := range parentPixels {
		parentSet[idx] = true
		if v := values[idx] - analysisThreshold; v > 0 {
			totalFlux += v
		}
	}
	if totalFlux <= 0 {
		return [][]int{parentPixels}
	}

	offsets := offsetsFromSE(se)
	accepted := []branch{}

	for level := 1; level < p.NThresh; level++ {
		threshold := analysisThreshold + (peak-analysisThreshold)*float32(level)/float32(p.NThresh-1)
		components := componentsAbove(values, parentSet, threshold, width, height, offsets)
		if len(components) < 2 {
			continue
		}
		for _, comp := range components {
			var flux float32
			for idx := range comp {
				flux += values[idx] - analysisThreshold
			}
			if float64(flux/totalFlux) >= p.MinContrast && !overlapsAccepted(comp, accepted) {
				accepted = append(accepted, branch{pixels: comp, flux: flux})
			}
		}
	}

	if len(accepted) < 2 {
		return [][]int{parentPixels}
	}

	return assignRemaining(parentPixels, accepted, width, offsets)
}

func overlapsAccepted(comp map[int]bool, accepted []branch) bool {
	for _, b := range accepted {
		for idx := range comp {
			if b.pixels[idx] {
				return true
			}
		}
	}
	return false
}

// componentsAbove labels connected components of pixels in parentSet
// with value > threshold, using the given structuring-element offsets.
func componentsAbove(values []float32, parentSet map[int]bool, threshold float32, width, height int, offsets [][2]int) []map[int]bool {
	visited := make(map[int]bool, len(parentSet))
	var comps []map[int]bool
	stack := make([]int, 0, 64)

	for idx := range parentSet {
		if visited[idx] || values[idx] <= threshold {
			continue
		}
		comp := map[int]bool{idx: true}
		visited[idx] = true
		stack = append(stack[:0], idx)
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			px, py := p%width, p/width
			for _, o := range offsets {
				nx, ny := px+o[0], py+o[1]
				if nx < 0 || nx >= width || ny < 0 || ny >= height {
					continue
				}
				q := ny*width + nx
				if !parentSet[q] || visited[q] || values[q] <= threshold {
					continue
				}
				visited[q] = true
				comp[q] = true
				stack = append(stack, q)
			}
		}
		comps = append(comps, comp)
	}
	return comps
}

// assignRemaining assigns every pixel of parentPixels to its nearest
// accepted branch by multi-source breadth-first flooding over the
// island's own 2D adjacency, so the returned sub-islands partition the
// full parent island. Any pixel the flood cannot reach (disconnected
// from every branch under the structuring element) falls back to the
// highest-flux branch.
func assignRemaining(parentPixels []int, accepted []branch, width int, offsets [][2]int) [][]int {
	owner := make(map[int]int, len(parentPixels))
	parentSet := make(map[int]bool, len(parentPixels))
	for _, idx := range parentPixels {
		parentSet[idx] = true
	}

	queue := make([]int, 0, len(parentPixels))
	for bi, b := range accepted {
		for idx := range b.pixels {
			owner[idx] = bi
			queue = append(queue, idx)
		}
	}

	for len(queue) > 0 {
		var next []int
		for _, idx := range queue {
			px, py := idx%width, idx/width
			for _, o := range offsets {
				n := (py+o[1])*width + (px + o[0])
				if px+o[0] < 0 || px+o[0] >= width || py+o[1] < 0 || !parentSet[n] {
					continue
				}
				if _, has := owner[n]; has {
					continue
				}
				owner[n] = owner[idx]
				next = append(next, n)
			}
		}
		queue = next
	}

	largest := 0
	for i, b := range accepted {
		if b.flux > accepted[largest].flux {
			largest = i
		}
	}
	for idx := range parentSet {
		if _, has := owner[idx]; !has {
			owner[idx] = largest
		}
	}

	result := make([][]int, len(accepted))
	for idx, bi := range owner {
		result[bi] = append(result[bi], idx)
	}
	return result
}
