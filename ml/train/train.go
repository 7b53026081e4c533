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

// Package train implements the training-step core for semi-supervised
// learning: the EMA teacher controller, the batch-normalization freeze
// controller, the warm-up schedule and the algorithm orchestrators
// (MeanTeacher, CLSS, RankUp) that compose them with the hooks and loss
// primitives into a single composite loss per step.
//
// The surrounding harness owns everything else: model architecture, data
// pipelines, the optimizer (including calling EMA.Update after each
// optimizer step), logging sinks and checkpoints. One training step is one
// logical thread of control; no two steps run concurrently against the same
// model.
package train

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/semisup/ml/models"
	"github.com/gomlx/semisup/ml/train/hooks"
)

// Names under which the algorithms register their hooks.
const (
	HookPseudoLabeling = "PseudoLabelingHook"
	HookMasking        = "MaskingHook"
	HookRDA            = "RDAHook"
)

// Batch is one training batch: labeled examples with targets, plus one or
// more views of the unlabeled examples. Which fields are required depends on
// the algorithm; a missing required field fails the step.
type Batch struct {
	// XLb / YLb are the labeled inputs and their targets (continuous for
	// regression).
	XLb, YLb *tensors.Tensor

	// XULbW is the weakly-augmented view of the unlabeled inputs; XULbW2 an
	// optional second weak view (MeanTeacher); XULbS an optional
	// strongly-augmented view (RankUp).
	XULbW, XULbW2, XULbS *tensors.Tensor

	// IdxULB are the stable dataset indices of the unlabeled examples,
	// keying per-sample state such as the RDA buffer.
	IdxULB []int

	// Extra holds additional named views whose features are extracted and
	// returned for downstream representation heads; requires the model to
	// implement models.FeatureModel.
	Extra map[string]*tensors.Tensor
}

// StepOutput is the result of one training step: the combined scalar loss
// and the named features of every forward pass, for downstream heads.
type StepOutput struct {
	Loss float64
	Feat map[string]*tensors.Tensor
}

// Logs are the step's named scalar diagnostics, consumed by the harness's
// logging sink.
type Logs map[string]float64

// Algorithm is one semi-supervised training-step orchestrator. Hook wiring
// is fixed at construction time; TrainStep advances the algorithm's
// iteration counter.
type Algorithm interface {
	TrainStep(batch *Batch) (*StepOutput, Logs, error)
}

// Setup carries everything an algorithm builder needs from the harness.
// Config holds the algorithm-specific configuration struct (nil for
// defaults); fields that a given algorithm does not need may be left zero.
type Setup struct {
	// Model under training. Algorithms require additional interfaces of it
	// (models.Parameterized and models.Normalized for MeanTeacher,
	// models.AuxModel and models.Normalized for RankUp) and fail at setup
	// when they are missing.
	Model models.Model

	// NumTrainIter is the total number of training iterations, the
	// denominator of the warm-up ramp.
	NumTrainIter int

	// UnlabeledSize, LabeledTargets and UnlabeledData size and initialize
	// the RDA refinement buffer; only needed by RankUp with RDA enabled.
	UnlabeledSize  int
	LabeledTargets *tensors.Tensor
	UnlabeledData  models.Dataset

	// Config is the algorithm's configuration: *MeanTeacherConfig,
	// *CLSSConfig or *RankUpConfig. nil uses the defaults.
	Config any
}

// BuilderFn constructs an algorithm from its setup.
type BuilderFn func(setup Setup) (Algorithm, error)

// Builders returns the map from algorithm name to builder. The harness
// constructs it once at startup and passes it around explicitly -- there is
// no global registry.
func Builders() map[string]BuilderFn {
	return map[string]BuilderFn{
		"meanteacher": buildMeanTeacher,
		"clss":        buildCLSS,
		"rankup":      buildRankUp,
	}
}

// configAs resolves the Setup.Config field to the algorithm's config type:
// nil means defaults, anything else must be a *T.
func configAs[T any](config any, defaults T) (T, error) {
	if config == nil {
		return defaults, nil
	}
	cfg, ok := config.(*T)
	if !ok {
		var want *T
		return defaults, errors.Errorf("invalid algorithm config type %T, want %T", config, want)
	}
	return *cfg, nil
}

// base holds what all orchestrators share: the model, the hook registry with
// the default hooks, the BN controller and the schedule state. The iteration
// counter belongs to the orchestrator and is read-only to hooks.
type base struct {
	model        models.Model
	hooks        *hooks.Registry
	bn           *BatchNormController
	it           int
	numTrainIter int
}

func newBase(model models.Model, numTrainIter int) base {
	if model == nil {
		Panicf("train: model is nil")
	}
	if numTrainIter <= 0 {
		Panicf("train: numTrainIter must be > 0, got %d", numTrainIter)
	}
	registry := hooks.NewRegistry()
	registry.Register(HookPseudoLabeling, hooks.NewPseudoLabeling())
	registry.Register(HookMasking, hooks.NewFixedThresholding())
	return base{
		model:        model,
		hooks:        registry,
		bn:           NewBatchNormController(),
		numTrainIter: numTrainIter,
	}
}

// requireBatchFields fails the step when a field the algorithm needs is
// missing from the batch.
func requireBatchFields(fields map[string]*tensors.Tensor) error {
	for name, t := range fields {
		if t == nil {
			return errors.Errorf("batch is missing required field %s", name)
		}
	}
	return nil
}

// extraFeatures extracts the features of the batch's extra views into feat.
func (b *base) extraFeatures(batch *Batch, feat map[string]*tensors.Tensor) error {
	if len(batch.Extra) == 0 {
		return nil
	}
	featureModel, ok := b.model.(models.FeatureModel)
	if !ok {
		return errors.Errorf("batch has extra views but model (%T) does not implement models.FeatureModel", b.model)
	}
	for name, x := range batch.Extra {
		f, err := featureModel.ForwardFeatures(x)
		if err != nil {
			return errors.WithMessagef(err, "features-only forward pass on extra view %q", name)
		}
		feat[name] = f
	}
	return nil
}
