package decode

import (
	"fmt"

	"github.com/tsawler/go-ctdet/tensor"
)

var fourNeighbours = [4][2]int{{0, 1}, {0, -1}, {1, 0}, {-1, 0}}

// GenOracleMap paints per-object ground-truth features feat [B, N, D] at
// their flattened centers ind [B, N] on an h x w grid and flood-fills every
// other cell from the nearest painted one, breadth first. Index 0 marks an
// empty slot. The result is [B, D, h, w].
func GenOracleMap(feat, ind *tensor.Tensor, w, h int) (*tensor.Tensor, error) {
	if len(feat.Shape) != 3 || len(ind.Shape) != 2 || feat.Shape[0] != ind.Shape[0] || feat.Shape[1] != ind.Shape[1] {
		return nil, fmt.Errorf("oracle map: feat %v and ind %v do not line up", feat.Shape, ind.Shape)
	}
	fd, err := feat.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	id, err := ind.GetInt32Data()
	if err != nil {
		return nil, err
	}

	b, n, dim := feat.Shape[0], feat.Shape[1], feat.Shape[2]
	plane := h * w
	out := make([]float32, b*dim*plane)

	type cell struct {
		x, y int
		f    []float32
	}
	for bi := 0; bi < b; bi++ {
		vis := make([]bool, plane)
		queue := make([]cell, 0, plane)
		paint := func(x, y int, f []float32) {
			for d := 0; d < dim; d++ {
				out[(bi*dim+d)*plane+y*w+x] = f[d]
			}
			vis[y*w+x] = true
			queue = append(queue, cell{x, y, f})
		}

		for j := 0; j < n; j++ {
			pos := int(id[bi*n+j])
			if pos <= 0 {
				continue
			}
			if pos >= plane {
				return nil, fmt.Errorf("oracle map: index %d outside %dx%d grid", pos, w, h)
			}
			start := (bi*n + j) * dim
			paint(pos%w, pos/w, fd[start:start+dim])
		}

		for head := 0; head < len(queue); head++ {
			c := queue[head]
			for _, d := range fourNeighbours {
				xx, yy := c.x+d[0], c.y+d[1]
				if xx >= 0 && yy >= 0 && xx < w && yy < h && !vis[yy*w+xx] {
					paint(xx, yy, c.f)
				}
			}
		}
	}
	return tensor.NewTensor([]int{b, dim, h, w}, tensor.Float32, feat.Device, out)
}
