/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package losses

import (
	"math"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/tensors"

	"github.com/gomlx/semisup/internal/tensorutil"
)

// OrdinalEntropy is the supervised ordinal regularizer: it pushes embeddings
// of examples with distant targets apart, proportionally to their target
// distance.
//
// features is [batch, featDim], targets holds one continuous target per
// example ([batch] or [batch, 1]). For every pair (i, j) it weights the
// Euclidean distance between the L2-normalized embeddings by the normalized
// target distance |y_i - y_j|, and returns the negated mean -- minimizing it
// maximizes the weighted spread.
//
// If all targets are equal the weights vanish and the loss is 0. A batch
// needs at least 2 examples.
func OrdinalEntropy(features, targets *tensors.Tensor) float64 {
	batch, _ := tensorutil.Rows(features)
	y := tensorutil.Flat64(targets)
	if len(y) != batch {
		Panicf("losses.OrdinalEntropy: features have batch size %d but targets have %d values (shape %s)",
			batch, len(y), targets.Shape())
	}
	if batch < 2 {
		Panicf("losses.OrdinalEntropy: needs at least 2 examples, got %d", batch)
	}

	distances := pairwiseDistances(features)
	var maxTargetDist float64
	for ii := range batch {
		for jj := ii + 1; jj < batch; jj++ {
			maxTargetDist = math.Max(maxTargetDist, math.Abs(y[ii]-y[jj]))
		}
	}
	if maxTargetDist == 0 {
		return 0
	}

	var sum float64
	numPairs := batch * (batch - 1) / 2
	for ii := range batch {
		for jj := ii + 1; jj < batch; jj++ {
			weight := math.Abs(y[ii]-y[jj]) / maxTargetDist
			sum += weight * distances[ii*batch+jj]
		}
	}
	return -sum / float64(numPairs)
}

// pairwiseDistances returns the dense [batch, batch] distance matrix for a
// batch tensor: Euclidean distance between L2-normalized rows for
// [batch, width>1] embeddings, absolute difference for [batch] or [batch, 1]
// scalar values.
func pairwiseDistances(t *tensors.Tensor) []float64 {
	batch, width := tensorutil.Rows(t)
	flat := tensorutil.Flat64(t)
	if width > 1 {
		normalizeRows(flat, batch, width)
	}
	distances := make([]float64, batch*batch)
	for ii := range batch {
		for jj := ii + 1; jj < batch; jj++ {
			var sum float64
			for col := range width {
				diff := flat[ii*width+col] - flat[jj*width+col]
				sum += diff * diff
			}
			d := math.Sqrt(sum)
			distances[ii*batch+jj] = d
			distances[jj*batch+ii] = d
		}
	}
	return distances
}

// normalizeRows scales each row to unit L2 norm, in place. Zero rows are left
// untouched.
func normalizeRows(flat []float64, rows, cols int) {
	for r := range rows {
		row := flat[r*cols : (r+1)*cols]
		var norm float64
		for _, v := range row {
			norm += v * v
		}
		norm = math.Sqrt(norm)
		if norm == 0 {
			continue
		}
		for ii := range row {
			row[ii] /= norm
		}
	}
}
