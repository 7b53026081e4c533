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
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/semisup/internal/tensorutil"
)

func TestMeanSquaredError(t *testing.T) {
	pred := tensors.FromValue([]float64{1, 2, 3})
	tgt := tensors.FromValue([]float64{2, 2, 5})
	// ((1)^2 + 0 + (2)^2) / 3
	assert.InDelta(t, 5.0/3.0, MeanSquaredError(pred, tgt, nil), 1e-12)

	// [batch, 1] predictions pair with a [batch] target column.
	pred2 := tensors.FromValue([][]float64{{1}, {2}, {3}})
	assert.InDelta(t, 5.0/3.0, MeanSquaredError(pred2, tgt, nil), 1e-12)

	// Masked-out examples still count in the denominator.
	mask := tensors.FromValue([]float64{1, 0, 0})
	assert.InDelta(t, 1.0/3.0, MeanSquaredError(pred, tgt, mask), 1e-12)

	// A fully masked-out batch contributes exactly 0.
	zeros := tensors.FromValue([]float64{0, 0, 0})
	assert.Equal(t, 0.0, MeanSquaredError(pred, tgt, zeros))

	assert.Panics(t, func() {
		MeanSquaredError(pred, tensors.FromValue([]float64{1, 2}), nil)
	})
	assert.Panics(t, func() {
		MeanSquaredError(pred, tgt, tensors.FromValue([]float64{1, 1}))
	})
}

func TestCrossEntropyHardLabels(t *testing.T) {
	logits := tensors.FromValue([][]float64{
		{2, 0},
		{0, 3},
	})
	labels := tensors.FromValue([]int64{0, 1})
	p0 := math.Exp(2.0) / (math.Exp(2.0) + 1)
	p1 := math.Exp(3.0) / (math.Exp(3.0) + 1)
	want := (-math.Log(p0+1e-8) - math.Log(p1+1e-8)) / 2
	assert.InDelta(t, want, CrossEntropy(logits, labels, nil), 1e-12)

	assert.Panics(t, func() {
		CrossEntropy(logits, tensors.FromValue([]int64{0, 2}), nil)
	})
}

func TestCrossEntropySoftMatchesOneHot(t *testing.T) {
	logits := tensors.FromValue([][]float64{
		{1.5, -0.5, 0.2},
		{-1, 2, 0},
	})
	hard := tensors.FromValue([]int64{0, 1})
	soft := tensors.FromValue([][]float64{
		{1, 0, 0},
		{0, 1, 0},
	})
	assert.InDelta(t, CrossEntropy(logits, hard, nil), CrossEntropy(logits, soft, nil), 1e-12)
}

func TestCrossEntropyMask(t *testing.T) {
	logits := tensors.FromValue([][]float64{
		{2, 0},
		{0, 3},
	})
	labels := tensors.FromValue([]int64{0, 1})
	zeros := tensors.FromValue([]float64{0, 0})
	assert.Equal(t, 0.0, CrossEntropy(logits, labels, zeros))

	// Masking one example halves the full loss of that example.
	onlyFirst := tensors.FromValue([]float64{1, 0})
	p0 := math.Exp(2.0) / (math.Exp(2.0) + 1)
	assert.InDelta(t, -math.Log(p0+1e-8)/2, CrossEntropy(logits, labels, onlyFirst), 1e-12)
}

func TestConsistency(t *testing.T) {
	pred := tensors.FromValue([]float64{1, 2, 3})
	tgt := tensors.FromValue([]float64{2, 2, 5})
	assert.Equal(t, MeanSquaredError(pred, tgt, nil), Consistency("mse", pred, tgt, nil))

	logits := tensors.FromValue([][]float64{{2, 0}, {0, 3}})
	labels := tensors.FromValue([]int64{0, 1})
	mask := tensors.FromValue([]float64{1, 0})
	assert.Equal(t, CrossEntropy(logits, labels, mask), Consistency("ce", logits, labels, mask))

	assert.Panics(t, func() { Consistency("l1", pred, tgt, nil) })
}

func TestSoftmax(t *testing.T) {
	logits := tensors.FromValue([][]float32{
		{1, 2, 3},
		{1000, 1000, 1000}, // stable under large values
	})
	probs := Softmax(logits)
	require.Equal(t, logits.Shape().Dimensions, probs.Shape().Dimensions)
	require.Equal(t, logits.DType(), probs.DType())
	flat := tensorutil.Flat64(probs)
	assert.InDelta(t, 1.0, flat[0]+flat[1]+flat[2], 1e-6)
	for _, v := range flat[3:] {
		assert.InDelta(t, 1.0/3.0, v, 1e-6)
	}
	assert.Greater(t, flat[2], flat[1])
	assert.Greater(t, flat[1], flat[0])

	// Rank-1 logits are one row.
	row := Softmax(tensors.FromValue([]float64{0, 0}))
	flatRow := tensorutil.Flat64(row)
	assert.InDelta(t, 0.5, flatRow[0], 1e-12)
	assert.InDelta(t, 0.5, flatRow[1], 1e-12)
}

func TestOrdinalEntropy(t *testing.T) {
	features := tensors.FromValue([][]float64{
		{1, 0},
		{0, 1},
		{1, 1},
	})

	// Equal targets: the weights vanish.
	equal := tensors.FromValue([]float64{5, 5, 5})
	assert.Equal(t, 0.0, OrdinalEntropy(features, equal))

	// Distinct targets: negated weighted spread, so <= 0 and < 0 here.
	targets := tensors.FromValue([]float64{0, 1, 2})
	loss := OrdinalEntropy(features, targets)
	assert.Less(t, loss, 0.0)

	// Hand-computed: normalized rows a=(1,0), b=(0,1), c=(1,1)/sqrt2.
	// d(a,b)=sqrt2, d(a,c)=d(b,c)=sqrt(2-sqrt2); weights |yi-yj|/2.
	dab := math.Sqrt2
	dac := math.Sqrt(2 - math.Sqrt2)
	want := -(0.5*dab + 1.0*dac + 0.5*dac) / 3
	assert.InDelta(t, want, loss, 1e-12)

	assert.Panics(t, func() {
		OrdinalEntropy(tensors.FromValue([][]float64{{1, 0}}), tensors.FromValue([]float64{1}))
	})
}

func TestRankContrast(t *testing.T) {
	features := tensors.FromValue([][]float64{
		{1, 0},
		{0, 1},
		{0.9, 0.1},
		{0.1, 0.9},
	})
	loss, ranks := RankContrast(features, 2.0)
	batch := 4
	require.Len(t, ranks, batch*batch)

	// Rows are distributions over the other examples, diagonal is zero.
	for ii := range batch {
		assert.Equal(t, 0.0, ranks[ii*batch+ii])
		var sum float64
		for jj := range batch {
			sum += ranks[ii*batch+jj]
		}
		assert.InDelta(t, 1.0, sum, 1e-12)
	}

	// Mean row entropy, bounded by log(batch-1).
	assert.Greater(t, loss, 0.0)
	assert.LessOrEqual(t, loss, math.Log(float64(batch-1))+1e-9)

	// Example 0 ranks its near-duplicate (example 2) above the others.
	assert.Greater(t, ranks[0*batch+2], ranks[0*batch+1])
	assert.Greater(t, ranks[0*batch+2], ranks[0*batch+3])

	assert.Panics(t, func() { RankContrast(features, 0) })
	assert.Panics(t, func() {
		RankContrast(tensors.FromValue([][]float64{{1, 0}}), 2.0)
	})
}

func TestRankContrastWithRanks(t *testing.T) {
	// Scalar predictions: soft ranks from absolute differences.
	preds := tensors.FromValue([]float64{0.1, 0.9, 0.5, 2.0})
	entropy, ranks := RankContrast(
		tensors.FromFlatDataAndDimensions(tensorutil.Flat64(preds), 4, 1), 1.0)

	// Cross-entropy of a distribution against itself is its entropy.
	ce := RankContrastWithRanks(preds, 1.0, ranks)
	assert.InDelta(t, entropy, ce, 1e-12)

	// Against a different ranking, the cross-entropy is strictly larger.
	other := tensors.FromValue([]float64{2.0, 0.5, 0.9, 0.1})
	assert.Greater(t, RankContrastWithRanks(other, 1.0, ranks), entropy)

	assert.Panics(t, func() {
		RankContrastWithRanks(preds, 1.0, ranks[:4])
	})
}
