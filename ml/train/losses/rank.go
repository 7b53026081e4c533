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

// Unsupervised ranking regularizers for continuous targets.
//
// Both work on a "soft rank" matrix R: for each example i, R[i] is a
// distribution over the other examples j obtained by softmax(-d_ij/lambda),
// where d is the pairwise distance (see pairwiseDistances). Nearby examples
// get most of the mass, so each row encodes example i's neighborhood ranking;
// lambda is the temperature controlling how sharp that ranking is.

// RankContrast returns the mean row entropy of the soft-rank matrix of the
// embeddings -- minimizing it sharpens the neighborhood structure of the
// unlabeled batch -- together with the soft-rank matrix itself (flattened
// [batch, batch], zero diagonal), to be reused by RankContrastWithRanks.
//
// features is [batch, featDim] with batch >= 2; lambda must be > 0.
func RankContrast(features *tensors.Tensor, lambda float64) (loss float64, ranks []float64) {
	ranks = softRanks(features, lambda)
	batch, _ := tensorutil.Rows(features)
	var sum float64
	for ii := range batch {
		for jj := range batch {
			if ii == jj {
				continue
			}
			p := ranks[ii*batch+jj]
			sum -= p * math.Log(p+logEpsilon)
		}
	}
	return sum / float64(batch), ranks
}

// RankContrastWithRanks aligns the soft ranking of the predictions with a
// reference soft-rank matrix (usually the embeddings' ranking from
// RankContrast): it returns the mean cross-entropy of the predictions'
// soft-rank rows against the reference rows.
//
// predictions holds one value per example ([batch] or [batch, 1]); ranks must
// come from a batch of the same size.
func RankContrastWithRanks(predictions *tensors.Tensor, lambda float64, ranks []float64) float64 {
	batch, _ := tensorutil.Rows(predictions)
	if len(ranks) != batch*batch {
		Panicf("losses.RankContrastWithRanks: reference ranks have %d values, want %d (batch %d squared)",
			len(ranks), batch*batch, batch)
	}
	predRanks := softRanks(predictions, lambda)
	var sum float64
	for ii := range batch {
		for jj := range batch {
			if ii == jj {
				continue
			}
			sum -= ranks[ii*batch+jj] * math.Log(predRanks[ii*batch+jj]+logEpsilon)
		}
	}
	return sum / float64(batch)
}

// softRanks builds the [batch, batch] soft-rank matrix: row i is
// softmax_j(-d_ij/lambda) over j != i, diagonal left at zero.
func softRanks(t *tensors.Tensor, lambda float64) []float64 {
	if lambda <= 0 {
		Panicf("losses: rank-contrast lambda must be > 0, got %g", lambda)
	}
	batch, _ := tensorutil.Rows(t)
	if batch < 2 {
		Panicf("losses: rank contrast needs at least 2 examples, got %d", batch)
	}
	distances := pairwiseDistances(t)
	ranks := make([]float64, batch*batch)
	for ii := range batch {
		// Stable softmax over the off-diagonal entries of row ii.
		rowMax := math.Inf(-1)
		for jj := range batch {
			if jj != ii {
				rowMax = math.Max(rowMax, -distances[ii*batch+jj]/lambda)
			}
		}
		var sum float64
		for jj := range batch {
			if jj == ii {
				continue
			}
			v := math.Exp(-distances[ii*batch+jj]/lambda - rowMax)
			ranks[ii*batch+jj] = v
			sum += v
		}
		for jj := range batch {
			if jj != ii {
				ranks[ii*batch+jj] /= sum
			}
		}
	}
	return ranks
}
