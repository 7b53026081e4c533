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
	"math"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/tensors"

	"github.com/gomlx/semisup/internal/tensorutil"
)

// PseudoLabeling turns unlabeled-batch probability or logit vectors into
// pseudo-labels. It keeps no state.
//
// With Args.UseHardLabel it returns the arg-max class per example (Int64,
// shape [batch], ties broken by the lowest index). Otherwise it returns a
// temperature-sharpened distribution with the dtype and shape of the input:
// p_i^(1/T) / sum_j p_j^(1/T), so T=1 is the identity and T->0 approaches
// one-hot. When Args.Softmax is set, the raw logits are softmaxed at
// temperature T first, which yields the same sharpened distribution.
type PseudoLabeling struct{}

var _ TargetGenerator = PseudoLabeling{}

// NewPseudoLabeling returns the pseudo-labeling hook.
func NewPseudoLabeling() PseudoLabeling { return PseudoLabeling{} }

// GenULBTargets implements TargetGenerator. It reads Args.Logits,
// Args.Softmax, Args.UseHardLabel and Args.T.
func (PseudoLabeling) GenULBTargets(args *Args) (*tensors.Tensor, error) {
	if args.Logits == nil {
		Panicf("PseudoLabeling: Args.Logits is nil")
	}
	batch, classes := tensorutil.Rows(args.Logits)
	flat := tensorutil.Flat64(args.Logits)

	if args.UseHardLabel {
		// Softmax is monotonic, so the arg-max is the same for raw logits
		// and probabilities.
		return tensors.FromFlatDataAndDimensions(tensorutil.ArgmaxRows(flat, batch, classes), batch), nil
	}

	if args.T <= 0 {
		Panicf("PseudoLabeling: sharpening temperature T must be > 0, got %g", args.T)
	}
	if args.Softmax {
		// Raw logits: softmax at temperature T.
		for ii := range flat {
			flat[ii] /= args.T
		}
		tensorutil.SoftmaxRows(flat, batch, classes)
	} else {
		// Already probabilities: sharpen p^(1/T) and renormalize.
		exponent := 1 / args.T
		for row := range batch {
			var sum float64
			for col := range classes {
				v := math.Pow(flat[row*classes+col], exponent)
				flat[row*classes+col] = v
				sum += v
			}
			for col := range classes {
				flat[row*classes+col] /= sum
			}
		}
	}
	return tensorutil.CastLike(args.Logits, flat, batch, classes), nil
}
