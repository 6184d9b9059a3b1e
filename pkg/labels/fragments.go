package labels

import (
	"fmt"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// Fragments counts, for every label present in a single 2D slice, how many
// 8-connected pieces it is split into. A well formed segmentation yields 1
// for every label; larger values point at labels that were clipped into
// disjoint parts by a mask or mislabeled upstream.
func Fragments(data []int32, width, height int) (map[int]int, error) {
	if len(data) != width*height {
		return nil, fmt.Errorf("slice has %d values, expected %dx%d", len(data), width, height)
	}

	g := simple.NewUndirectedGraph()
	for i, l := range data {
		if l < 0 {
			return nil, fmt.Errorf("invalid label %d at offset %d", l, i)
		}
		if l > 0 {
			g.AddNode(simple.Node(i))
		}
	}

	// Only forward neighbours are linked; the backward ones were linked
	// when their own pixel was visited.
	offsets := [][2]int{{1, 0}, {-1, 1}, {0, 1}, {1, 1}}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := y*width + x
			l := data[i]
			if l == 0 {
				continue
			}
			for _, o := range offsets {
				nx, ny := x+o[0], y+o[1]
				if nx < 0 || nx >= width || ny >= height {
					continue
				}
				j := ny*width + nx
				if data[j] == l {
					g.SetEdge(g.NewEdge(simple.Node(i), simple.Node(j)))
				}
			}
		}
	}

	counts := make(map[int]int)
	for _, component := range topo.ConnectedComponents(g) {
		counts[int(data[component[0].ID()])]++
	}
	return counts, nil
}

// Fragmented returns the labels of a Fragments result split into more than one piece
func Fragmented(counts map[int]int) []int {
	var out []int
	for label, n := range counts {
		if n > 1 {
			out = append(out, label)
		}
	}
	return out
}
