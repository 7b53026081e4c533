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
	"io"
	"sort"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"

	"github.com/gomlx/semisup/internal/tensorutil"
	"github.com/gomlx/semisup/ml/models"
)

// RDA is the rank-distribution-alignment hook: a per-sample buffer of refined
// regression targets for the unlabeled set, periodically realigned to the
// labeled target distribution.
//
// The buffer is allocated once, sized to the unlabeled-set cardinality and
// addressed by the stable dataset index of each example. Before the first
// refinement every entry holds the mean of the labeled targets. Every
// numRefineIter calls to GenULBTargets, the hook synchronously runs the
// model over the whole unlabeled dataset, ranks the predictions, and
// overwrites each entry with the labeled-target quantile matching its
// prediction's rank: rank r of M predictions maps to quantile r/(M-1)
// (0.5 when M == 1), linearly interpolated between sorted labeled targets.
//
// If the refinement pass cannot complete -- dataset error, model error, or
// examples missing from the pass -- the buffer keeps its previous values and
// a warning is logged; the training step still gets a valid (stale) target.
type RDA struct {
	buffer       []float64
	sortedLabels []float64
	refineEvery  int
	calls        int

	ds        models.Dataset
	predictor models.Predictor

	showProgress bool
}

var _ TargetGenerator = (*RDA)(nil)

// NewRDA creates the refinement buffer for an unlabeled set of ulbSize
// examples. lbTargets are the labeled targets ([numLabeled] or
// [numLabeled, 1]); refineEvery is the refinement period in steps; ds and
// predictor drive the whole-dataset prediction passes.
func NewRDA(ulbSize int, lbTargets *tensors.Tensor, refineEvery int, ds models.Dataset, predictor models.Predictor) *RDA {
	if ulbSize <= 0 {
		Panicf("hooks.NewRDA: unlabeled-set size must be > 0, got %d", ulbSize)
	}
	if refineEvery <= 0 {
		Panicf("hooks.NewRDA: refinement period must be > 0, got %d", refineEvery)
	}
	if lbTargets == nil || lbTargets.Size() == 0 {
		Panicf("hooks.NewRDA: labeled targets are required to initialize the buffer")
	}
	if ds == nil || predictor == nil {
		Panicf("hooks.NewRDA: dataset and predictor are required for refinement passes")
	}
	sortedLabels := tensorutil.Flat64(lbTargets)
	sort.Float64s(sortedLabels)

	buffer := make([]float64, ulbSize)
	mean := stat.Mean(sortedLabels, nil)
	for ii := range buffer {
		buffer[ii] = mean
	}
	return &RDA{
		buffer:       buffer,
		sortedLabels: sortedLabels,
		refineEvery:  refineEvery,
		ds:           ds,
		predictor:    predictor,
	}
}

// WithProgressBar displays a progress bar during refinement passes -- the one
// operation in this library whose latency dominates a training step.
func (r *RDA) WithProgressBar() *RDA {
	r.showProgress = true
	return r
}

// Targets returns a copy of the current refined targets, indexed by dataset
// position.
func (r *RDA) Targets() []float64 {
	targets := make([]float64, len(r.buffer))
	copy(targets, r.buffer)
	return targets
}

// GenULBTargets implements TargetGenerator: it returns the buffered target of
// each example in Args.IdxULB, broadcast to the shape and dtype of
// Args.Logits. It reads Args.Logits and Args.IdxULB.
//
// The call counter advances first; whenever it reaches a multiple of the
// refinement period, the refinement pass runs synchronously before the
// step's targets are returned.
func (r *RDA) GenULBTargets(args *Args) (*tensors.Tensor, error) {
	if args.Logits == nil {
		Panicf("RDA: Args.Logits is nil")
	}
	batch, width := tensorutil.Rows(args.Logits)
	if len(args.IdxULB) != batch {
		Panicf("RDA: got %d unlabeled indices for a batch of %d logits", len(args.IdxULB), batch)
	}

	r.calls++
	if r.calls%r.refineEvery == 0 {
		if err := r.refine(); err != nil {
			klog.Warningf("RDA refinement pass failed, keeping previous targets: %+v", err)
		}
	}

	targets := make([]float64, batch*width)
	for ii, idx := range args.IdxULB {
		if idx < 0 || idx >= len(r.buffer) {
			Panicf("RDA: unlabeled index %d out of range [0, %d)", idx, len(r.buffer))
		}
		for col := range width {
			targets[ii*width+col] = r.buffer[idx]
		}
	}
	return tensorutil.CastLike(args.Logits, targets, batch, width), nil
}

// refine runs a full prediction pass over the unlabeled dataset and
// overwrites the buffer in place, mapping prediction ranks to labeled-target
// quantiles. On any error the buffer is left untouched.
func (r *RDA) refine() error {
	predictions := make([]float64, len(r.buffer))
	seen := make([]bool, len(r.buffer))

	if err := r.ds.Reset(); err != nil {
		return errors.WithMessage(err, "resetting unlabeled dataset for refinement")
	}
	var bar *progressbar.ProgressBar
	if r.showProgress {
		bar = progressbar.NewOptions(len(r.buffer),
			progressbar.OptionSetDescription("RDA refinement: "),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("examples"))
	}
	numSeen := 0
	for {
		indices, inputs, err := r.ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.WithMessage(err, "unlabeled dataset failed mid-pass")
		}
		preds, err := r.predictor.Predict(inputs)
		if err != nil {
			return errors.WithMessage(err, "prediction failed during refinement pass")
		}
		batch, width := tensorutil.Rows(preds)
		if batch != len(indices) {
			return errors.Errorf("refinement pass: predictor returned %d predictions for %d examples", batch, len(indices))
		}
		flat := tensorutil.Flat64(preds)
		for ii, idx := range indices {
			if idx < 0 || idx >= len(r.buffer) {
				return errors.Errorf("refinement pass: dataset index %d out of range [0, %d)", idx, len(r.buffer))
			}
			// The first output column is the regression prediction.
			predictions[idx] = flat[ii*width]
			if !seen[idx] {
				seen[idx] = true
				numSeen++
			}
		}
		if bar != nil {
			_ = bar.Add(len(indices))
		}
	}
	if numSeen != len(r.buffer) {
		return errors.Errorf("refinement pass incomplete: %d of %d unlabeled examples never yielded", len(r.buffer)-numSeen, len(r.buffer))
	}

	// Align prediction ranks to labeled-target quantiles.
	order := make([]int, len(predictions))
	for ii := range order {
		order[ii] = ii
	}
	sort.Slice(order, func(a, b int) bool { return predictions[order[a]] < predictions[order[b]] })
	lastRank := float64(len(order) - 1)
	for rank, idx := range order {
		p := 0.5
		if lastRank > 0 {
			p = float64(rank) / lastRank
		}
		r.buffer[idx] = stat.Quantile(p, stat.LinInterp, r.sortedLabels, nil)
	}
	klog.V(1).Infof("RDA refinement pass complete: realigned targets for %d unlabeled examples", len(r.buffer))
	return nil
}
