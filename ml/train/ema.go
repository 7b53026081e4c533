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

package train

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/tensors"

	"github.com/gomlx/semisup/internal/tensorutil"
	"github.com/gomlx/semisup/ml/models"
)

// EMA maintains an exponentially-averaged shadow copy of a model's trainable
// variables -- the "teacher" weights. The shadow always has exactly the same
// variable set as the live model.
//
// Update applies shadow = decay*shadow + (1-decay)*live and is meant to be
// called by the harness right after each optimizer step. Within a training
// step, ApplyShadow/Restore (or the scoped WithShadow) swap the shadow in
// for teacher-mode inference and back out again; they must be paired, and
// Restore without a prior ApplyShadow panics.
type EMA struct {
	model  models.Parameterized
	decay  float64
	shadow map[string]*tensors.Tensor
	backup map[string]*tensors.Tensor
}

// NewEMA builds the shadow copy from the model's current trainable variables.
// decay must be in (0, 1).
func NewEMA(model models.Parameterized, decay float64) *EMA {
	if decay <= 0 || decay >= 1 {
		Panicf("train.NewEMA: decay must be in (0, 1), got %g", decay)
	}
	e := &EMA{
		model:  model,
		decay:  decay,
		shadow: make(map[string]*tensors.Tensor),
	}
	for _, v := range model.Variables() {
		if !v.Trainable() {
			continue
		}
		if _, found := e.shadow[v.Name()]; found {
			Panicf("train.NewEMA: model has duplicate variable name %q", v.Name())
		}
		e.shadow[v.Name()] = v.Value().LocalClone()
	}
	if len(e.shadow) == 0 {
		Panicf("train.NewEMA: model has no trainable variables")
	}
	return e
}

// Decay returns the configured decay rate.
func (e *EMA) Decay() float64 { return e.decay }

// Update folds the live weights into the shadow:
// shadow = decay*shadow + (1-decay)*live, per variable. It must not be called
// while the shadow is applied.
func (e *EMA) Update() {
	if e.backup != nil {
		Panicf("EMA.Update called while the shadow is applied -- call Restore first")
	}
	e.forEachTrainable(func(v *models.Variable, shadow *tensors.Tensor) {
		tensorutil.MixInPlace(shadow, v.Value(), e.decay)
	})
}

// ApplyShadow swaps the shadow weights into the live model, remembering the
// original values. Every ApplyShadow must be paired with exactly one Restore
// on all exit paths; prefer WithShadow.
func (e *EMA) ApplyShadow() {
	if e.backup != nil {
		Panicf("EMA.ApplyShadow called twice without an intervening Restore")
	}
	e.backup = make(map[string]*tensors.Tensor, len(e.shadow))
	e.forEachTrainable(func(v *models.Variable, shadow *tensors.Tensor) {
		e.backup[v.Name()] = v.Value()
		v.SetValue(shadow)
	})
}

// Restore swaps the original weights back in. Calling it without a matching
// ApplyShadow is a logic error and panics.
func (e *EMA) Restore() {
	if e.backup == nil {
		Panicf("EMA.Restore called without a matching ApplyShadow")
	}
	for _, v := range e.model.Variables() {
		if !v.Trainable() {
			continue
		}
		original, found := e.backup[v.Name()]
		if !found {
			Panicf("EMA.Restore: no backup value for variable %q", v.Name())
		}
		v.SetValue(original)
	}
	e.backup = nil
}

// WithShadow runs fn with the shadow weights applied, restoring the original
// weights on every exit path, including a panicking fn.
func (e *EMA) WithShadow(fn func() error) error {
	e.ApplyShadow()
	defer e.Restore()
	return fn()
}

// forEachTrainable pairs each trainable variable with its shadow tensor,
// enforcing the keyset invariant in both directions.
func (e *EMA) forEachTrainable(fn func(v *models.Variable, shadow *tensors.Tensor)) {
	count := 0
	for _, v := range e.model.Variables() {
		if !v.Trainable() {
			continue
		}
		shadow, found := e.shadow[v.Name()]
		if !found {
			Panicf("EMA: model variable %q has no shadow -- the trainable variable set changed after NewEMA", v.Name())
		}
		count++
		fn(v, shadow)
	}
	if count != len(e.shadow) {
		Panicf("EMA: model has %d trainable variables but the shadow holds %d -- the trainable variable set changed after NewEMA",
			count, len(e.shadow))
	}
}
