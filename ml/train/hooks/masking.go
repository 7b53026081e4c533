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

package hooks

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/tensors"

	"github.com/gomlx/semisup/internal/tensorutil"
)

// FixedThresholding masks out low-confidence unlabeled examples with a fixed
// cutoff: the mask is 1 where the example's confidence (its maximum
// probability) is >= Args.Cutoff, else 0. It is recomputed every step from
// the current predictions and keeps no state.
type FixedThresholding struct{}

var _ Masker = FixedThresholding{}

// NewFixedThresholding returns the fixed-threshold masking hook.
func NewFixedThresholding() FixedThresholding { return FixedThresholding{} }

// Masking implements Masker. It reads Args.Logits, Args.Softmax and
// Args.Cutoff, and returns a [batch] 0/1 mask with the dtype of the logits.
func (FixedThresholding) Masking(args *Args) (*tensors.Tensor, error) {
	if args.Logits == nil {
		Panicf("FixedThresholding: Args.Logits is nil")
	}
	if args.Cutoff < 0 || args.Cutoff > 1 {
		Panicf("FixedThresholding: cutoff must be in [0, 1], got %g", args.Cutoff)
	}
	batch, classes := tensorutil.Rows(args.Logits)
	flat := tensorutil.Flat64(args.Logits)
	if args.Softmax {
		tensorutil.SoftmaxRows(flat, batch, classes)
	}
	confidence := tensorutil.MaxRows(flat, batch, classes)
	mask := make([]float64, batch)
	for ii, conf := range confidence {
		if conf >= args.Cutoff {
			mask[ii] = 1
		}
	}
	return tensorutil.CastLike(args.Logits, mask, batch), nil
}
