package eskf

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/skyhook-robotics/eskf/spatial"
)

// skew returns the 3x3 skew-symmetric matrix of v, so that skew(v)*u
// equals the cross product v x u.
func skew(v r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	})
}

// rotationMatrix expands a unit quaternion into its 3x3 direction cosine
// matrix (body to world).
func rotationMatrix(q spatial.Quaternion) *mat.Dense {
	w, x, y, z := q.W, q.X, q.Y, q.Z
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

// wrapAngle maps an angle to (-pi, pi].
func wrapAngle(a float64) float64 {
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	for a <= -math.Pi {
		a += 2 * math.Pi
	}
	return a
}

// addToBlock adds scale*src into dst at the given offset.
func addToBlock(dst *mat.Dense, row, col int, src mat.Matrix, scale float64) {
	r, c := src.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			dst.Set(row+i, col+j, dst.At(row+i, col+j)+scale*src.At(i, j))
		}
	}
}
