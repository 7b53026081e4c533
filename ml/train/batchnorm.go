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

	"github.com/gomlx/semisup/ml/models"
)

// BatchNormController freezes a model's normalization running statistics
// around teacher-style forward passes, so those passes don't contaminate the
// statistics meant for the student.
//
// FreezeNorms captures each layer's current update flag and disables updates;
// UnfreezeNorms restores the captured flags -- not unconditionally "on", so a
// layer frozen for other reasons stays frozen. Calls must be balanced:
// freeze, forward, unfreeze around each pass. Unbalanced calls are a logic
// error and panic. Prefer the scoped WithFrozenNorms, which restores the
// flags on every exit path.
type BatchNormController struct {
	saved []savedNormFlag
}

type savedNormFlag struct {
	layer  models.RunningStatsNormalizer
	update bool
}

// NewBatchNormController returns an idle controller.
func NewBatchNormController() *BatchNormController {
	return &BatchNormController{}
}

// FreezeNorms captures the update flag of every normalization layer of m and
// disables statistics updates. Panics if the controller is already holding a
// frozen state.
func (c *BatchNormController) FreezeNorms(m models.Normalized) {
	if c.saved != nil {
		Panicf("BatchNormController.FreezeNorms called while already frozen -- freeze/unfreeze must be balanced")
	}
	layers := m.NormalizationLayers()
	c.saved = make([]savedNormFlag, 0, len(layers))
	for _, layer := range layers {
		c.saved = append(c.saved, savedNormFlag{layer: layer, update: layer.UpdateRunningStats()})
		layer.SetUpdateRunningStats(false)
	}
}

// UnfreezeNorms restores the flags captured by the matching FreezeNorms.
// Panics if there is no frozen state to restore, or if m's layer set changed
// since the freeze.
func (c *BatchNormController) UnfreezeNorms(m models.Normalized) {
	if c.saved == nil {
		Panicf("BatchNormController.UnfreezeNorms called without a matching FreezeNorms")
	}
	if len(m.NormalizationLayers()) != len(c.saved) {
		Panicf("BatchNormController.UnfreezeNorms: model has %d normalization layers, %d were frozen",
			len(m.NormalizationLayers()), len(c.saved))
	}
	for _, saved := range c.saved {
		saved.layer.SetUpdateRunningStats(saved.update)
	}
	c.saved = nil
}

// WithFrozenNorms runs fn with m's normalization statistics frozen, restoring
// the captured flags on every exit path, including a panicking fn.
func (c *BatchNormController) WithFrozenNorms(m models.Normalized, fn func() error) error {
	c.FreezeNorms(m)
	defer c.UnfreezeNorms(m)
	return fn()
}
