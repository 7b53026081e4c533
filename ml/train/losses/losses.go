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

// Package losses has the loss primitives used by the semi-supervised
// algorithms: pure functions from (predictions, targets, optional mask) to a
// scalar. They keep no state.
//
// Masks are per-example weights in [0, 1] with shape [batch]. A masked loss
// is the mean over all examples of mask*loss -- masked-out examples still
// count in the denominator, so a fully masked-out batch contributes exactly 0.
//
// Shape or dtype mismatches are programming errors and panic; they are never
// silently broadcast beyond what each function documents.
package losses

import (
	"math"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"gonum.org/v1/gonum/floats"

	"github.com/gomlx/semisup/internal/tensorutil"
)

// logEpsilon guards the log in cross-entropy against zero probabilities.
const logEpsilon = 1e-8

// MeanSquaredError returns the mean squared error between predictions and
// targets, optionally weighted by a per-example mask (nil for no mask).
//
// Predictions and targets must hold the same number of values; they are
// compared flattened, so a [batch, 1] regression output pairs with a [batch]
// target column. That is the only broadcast performed.
func MeanSquaredError(predictions, targets, mask *tensors.Tensor) float64 {
	pred := tensorutil.Flat64(predictions)
	tgt := tensorutil.Flat64(targets)
	if len(pred) != len(tgt) {
		Panicf("losses.MeanSquaredError: predictions (%s) and targets (%s) must have the same number of values",
			predictions.Shape(), targets.Shape())
	}
	batch, width := tensorutil.Rows(predictions)
	weights := maskWeights(mask, batch)

	var sum float64
	for row := range batch {
		var rowSum float64
		for col := range width {
			diff := pred[row*width+col] - tgt[row*width+col]
			rowSum += diff * diff
		}
		rowSum /= float64(width)
		if weights != nil {
			rowSum *= weights[row]
		}
		sum += rowSum
	}
	return sum / float64(batch)
}

// CrossEntropy returns the mean cross-entropy between logits [batch, classes]
// and targets, optionally weighted by a per-example mask (nil for no mask).
//
// Targets are either hard class indices (Int32/Int64, shape [batch]) or a
// soft distribution (float, shape [batch, classes]).
func CrossEntropy(logits, targets, mask *tensors.Tensor) float64 {
	batch, classes := tensorutil.Rows(logits)
	if classes < 2 {
		Panicf("losses.CrossEntropy: logits must have at least 2 classes, got shape %s", logits.Shape())
	}
	logProbs := tensorutil.Flat64(logits)
	logSoftmaxRows(logProbs, batch, classes)
	weights := maskWeights(mask, batch)

	perExample := make([]float64, batch)
	switch targets.DType() {
	case dtypes.Int32, dtypes.Int64:
		labels := tensorutil.IntLabels(targets)
		if len(labels) != batch {
			Panicf("losses.CrossEntropy: logits have batch size %d but targets have %d labels", batch, len(labels))
		}
		for row, label := range labels {
			if label < 0 || label >= int64(classes) {
				Panicf("losses.CrossEntropy: target class %d out of range [0, %d)", label, classes)
			}
			perExample[row] = -logProbs[row*classes+int(label)]
		}
	case dtypes.Float32, dtypes.Float64:
		probs := tensorutil.Flat64(targets)
		if len(probs) != batch*classes {
			Panicf("losses.CrossEntropy: soft targets shape %s does not match logits shape %s",
				targets.Shape(), logits.Shape())
		}
		for row := range batch {
			var sum float64
			for col := range classes {
				sum -= probs[row*classes+col] * logProbs[row*classes+col]
			}
			perExample[row] = sum
		}
	default:
		Panicf("losses.CrossEntropy: unsupported targets dtype %s -- want Int32/Int64 class indices or float distributions",
			targets.DType())
	}

	if weights != nil {
		floats.Mul(perExample, weights)
	}
	return floats.Sum(perExample) / float64(batch)
}

// Consistency is the masked consistency loss between unlabeled predictions
// and their pseudo-targets, selected by criterion name: "mse" for regression
// targets, "ce" for (pseudo-)class targets. An unknown name is a
// configuration error and panics.
func Consistency(name string, predictions, targets, mask *tensors.Tensor) float64 {
	switch name {
	case "mse":
		return MeanSquaredError(predictions, targets, mask)
	case "ce":
		return CrossEntropy(predictions, targets, mask)
	}
	Panicf("losses.Consistency: unknown criterion %q, want \"mse\" or \"ce\"", name)
	return 0
}

// Softmax returns the row-wise softmax of logits, with the same shape and
// dtype. Rank-1 logits are treated as a single row.
func Softmax(logits *tensors.Tensor) *tensors.Tensor {
	flat := tensorutil.Flat64(logits)
	shape := logits.Shape()
	if shape.Rank() == 1 {
		tensorutil.SoftmaxRows(flat, 1, shape.Dim(0))
		return tensorutil.CastLike(logits, flat, shape.Dim(0))
	}
	batch, classes := tensorutil.Rows(logits)
	tensorutil.SoftmaxRows(flat, batch, classes)
	return tensorutil.CastLike(logits, flat, batch, classes)
}

// maskWeights validates the optional mask and returns its values as float64,
// or nil when no mask was given.
func maskWeights(mask *tensors.Tensor, batch int) []float64 {
	if mask == nil {
		return nil
	}
	weights := tensorutil.Flat64(mask)
	if len(weights) != batch {
		Panicf("losses: mask shape %s does not match batch size %d", mask.Shape(), batch)
	}
	return weights
}

// logSoftmaxRows converts each row of logits to log-probabilities, in place.
func logSoftmaxRows(flat []float64, rows, cols int) {
	tensorutil.SoftmaxRows(flat, rows, cols)
	for ii, v := range flat {
		flat[ii] = math.Log(v + logEpsilon)
	}
}
