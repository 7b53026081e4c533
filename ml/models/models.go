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

// Package models defines the interfaces the semi-supervised training core
// expects from the surrounding harness: the model's forward passes, its
// trainable variables, its normalization layers and the datasets.
//
// The network architecture itself, the optimizer and the data pipelines are
// external collaborators -- this package only pins down their contracts.
package models

import (
	"github.com/gomlx/gomlx/types/tensors"

	. "github.com/gomlx/exceptions"
)

// Standard keys of an Output map.
const (
	// OutputLogits is the model's task prediction: the regression output
	// (shape [batch, numOutputs]) or classification logits ([batch, numClasses]).
	OutputLogits = "logits"

	// OutputFeat is the embedding produced by the model's backbone, shape
	// [batch, featDim]. It is passed back to the harness for secondary
	// representation-learning heads.
	OutputFeat = "feat"

	// OutputLogitsAux is the auxiliary classification head's logits, present
	// only for models that implement AuxModel.
	OutputLogitsAux = "logits_aux"

	// OutputTargetsAux is the auxiliary head's target classes, produced by the
	// model when targets are given to AuxModel.ForwardWithAux.
	OutputTargetsAux = "targets_aux"
)

// Output is a named map of tensors returned by a forward pass. At minimum it
// carries OutputLogits and OutputFeat.
type Output map[string]*tensors.Tensor

// Get returns the named output, panicking if the model didn't produce it --
// a missing output is a contract violation by the model, not a runtime
// condition to recover from.
func (o Output) Get(name string) *tensors.Tensor {
	t, found := o[name]
	if !found || t == nil {
		Panicf("model output is missing %q -- got outputs %v", name, o.names())
	}
	return t
}

func (o Output) names() []string {
	names := make([]string, 0, len(o))
	for name := range o {
		names = append(names, name)
	}
	return names
}

// Logits is shorthand for Get(OutputLogits).
func (o Output) Logits() *tensors.Tensor { return o.Get(OutputLogits) }

// Feat is shorthand for Get(OutputFeat).
func (o Output) Feat() *tensors.Tensor { return o.Get(OutputFeat) }

// Model is the minimal forward-pass surface required by all algorithms.
type Model interface {
	// Forward runs the model on a batch of inputs and returns its named
	// outputs, including at least OutputLogits and OutputFeat.
	Forward(x *tensors.Tensor) (Output, error)
}

// AuxModel is a model with an auxiliary classification head (e.g. a ranking
// classifier on top of the backbone), required by the RankUp algorithm.
type AuxModel interface {
	Model

	// ForwardWithAux runs the model including its auxiliary head. If targets
	// is not nil the output also carries OutputTargetsAux, the auxiliary
	// classes derived from the given task targets.
	ForwardWithAux(x, targets *tensors.Tensor) (Output, error)
}

// FeatureModel is implemented by models that support a cheaper features-only
// pass, used for extra batch views that only feed representation heads.
type FeatureModel interface {
	// ForwardFeatures returns only the backbone embedding for x.
	ForwardFeatures(x *tensors.Tensor) (*tensors.Tensor, error)
}

// Predictor is a prediction-only view of a model. The RDA refinement pass
// uses it to traverse the unlabeled dataset without knowing how the
// orchestrator set up teacher-mode inference.
type Predictor interface {
	// Predict returns the task prediction (OutputLogits) for x.
	Predict(x *tensors.Tensor) (*tensors.Tensor, error)
}

// Parameterized is implemented by models whose trainable variables can be
// enumerated. It is required by the EMA controller.
//
// The returned slice must be stable: same variables, same order, on every
// call throughout training.
type Parameterized interface {
	Variables() []*Variable
}

// RunningStatsNormalizer is a normalization layer that keeps running
// mean/variance statistics updated during training passes, e.g. batch
// normalization. The BN controller toggles the update flag around
// teacher-style passes.
type RunningStatsNormalizer interface {
	// UpdateRunningStats reports whether forward passes currently update the
	// layer's running statistics.
	UpdateRunningStats() bool

	// SetUpdateRunningStats enables or disables running-statistics updates.
	SetUpdateRunningStats(enabled bool)
}

// Normalized is implemented by models that expose their normalization layers,
// required by algorithms that run teacher-style (statistics-frozen) passes.
type Normalized interface {
	NormalizationLayers() []RunningStatsNormalizer
}
