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
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"

	"github.com/gomlx/semisup/ml/models"
	"github.com/gomlx/semisup/ml/train/losses"
)

// MeanTeacherConfig configures the MeanTeacher algorithm. Construct it with
// NewMeanTeacherConfig and treat it as immutable after setup.
type MeanTeacherConfig struct {
	// RegUnsupWarmUp is the fraction of total iterations over which the
	// unsupervised consistency weight ramps from 0 to 1. Zero disables the
	// warm-up (weight is 1 from the first step).
	RegUnsupWarmUp float64

	// RegULBLossRatio scales the unsupervised consistency loss.
	RegULBLossRatio float64

	// EMADecay is the teacher's exponential-moving-average decay, in (0, 1).
	EMADecay float64
}

// NewMeanTeacherConfig returns the defaults.
func NewMeanTeacherConfig() *MeanTeacherConfig {
	return &MeanTeacherConfig{
		RegUnsupWarmUp:  0.4,
		RegULBLossRatio: 1.0,
		EMADecay:        0.999,
	}
}

// Validate returns an error on out-of-range values.
func (c *MeanTeacherConfig) Validate() error {
	if c.RegUnsupWarmUp < 0 {
		return errors.Errorf("MeanTeacherConfig: RegUnsupWarmUp must be >= 0, got %g", c.RegUnsupWarmUp)
	}
	if c.RegULBLossRatio < 0 {
		return errors.Errorf("MeanTeacherConfig: RegULBLossRatio must be >= 0, got %g", c.RegULBLossRatio)
	}
	if c.EMADecay <= 0 || c.EMADecay >= 1 {
		return errors.Errorf("MeanTeacherConfig: EMADecay must be in (0, 1), got %g", c.EMADecay)
	}
	return nil
}

// MeanTeacher trains a regressor with a consistency loss between a student
// pass and an EMA-teacher pass over two weak views of the unlabeled batch
// (https://arxiv.org/abs/1703.01780).
type MeanTeacher struct {
	base
	cfg    MeanTeacherConfig
	ema    *EMA
	normed models.Normalized
}

var _ Algorithm = (*MeanTeacher)(nil)

// NewMeanTeacher builds the algorithm. The model must implement
// models.Parameterized (for the EMA teacher) and models.Normalized (for the
// statistics-frozen teacher passes).
func NewMeanTeacher(model models.Model, numTrainIter int, cfg *MeanTeacherConfig) (*MeanTeacher, error) {
	if cfg == nil {
		cfg = NewMeanTeacherConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	parameterized, ok := model.(models.Parameterized)
	if !ok {
		return nil, errors.Errorf("MeanTeacher requires a models.Parameterized model for the EMA teacher, got %T", model)
	}
	normed, ok := model.(models.Normalized)
	if !ok {
		return nil, errors.Errorf("MeanTeacher requires a models.Normalized model to freeze statistics during teacher passes, got %T", model)
	}
	return &MeanTeacher{
		base:   newBase(model, numTrainIter),
		cfg:    *cfg,
		ema:    NewEMA(parameterized, cfg.EMADecay),
		normed: normed,
	}, nil
}

func buildMeanTeacher(setup Setup) (Algorithm, error) {
	cfg, err := configAs(setup.Config, *NewMeanTeacherConfig())
	if err != nil {
		return nil, err
	}
	return NewMeanTeacher(setup.Model, setup.NumTrainIter, &cfg)
}

// EMA exposes the teacher controller so the harness can fold in the live
// weights (EMA.Update) after each optimizer step.
func (m *MeanTeacher) EMA() *EMA { return m.ema }

// TrainStep runs one MeanTeacher step. The batch must carry XLb, YLb, XULbW
// and XULbW2. The EMA shadow and the normalization flags are restored before
// any failure propagates.
func (m *MeanTeacher) TrainStep(batch *Batch) (*StepOutput, Logs, error) {
	err := requireBatchFields(map[string]*tensors.Tensor{
		"x_lb": batch.XLb, "y_lb": batch.YLb, "x_ulb_w": batch.XULbW, "x_ulb_w_2": batch.XULbW2,
	})
	if err != nil {
		return nil, nil, err
	}

	outsLb, err := m.model.Forward(batch.XLb)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "labeled forward pass")
	}

	// Teacher pass: EMA weights applied, statistics frozen.
	var outsW models.Output
	err = m.ema.WithShadow(func() error {
		return m.bn.WithFrozenNorms(m.normed, func() error {
			var fwdErr error
			outsW, fwdErr = m.model.Forward(batch.XULbW)
			return fwdErr
		})
	})
	if err != nil {
		return nil, nil, errors.WithMessage(err, "teacher forward pass")
	}

	// Student pass on the second weak view, statistics still frozen.
	var outsW2 models.Output
	err = m.bn.WithFrozenNorms(m.normed, func() error {
		var fwdErr error
		outsW2, fwdErr = m.model.Forward(batch.XULbW2)
		return fwdErr
	})
	if err != nil {
		return nil, nil, errors.WithMessage(err, "unlabeled student forward pass")
	}

	supLoss := losses.MeanSquaredError(outsLb.Logits(), batch.YLb, nil)
	unsupLoss := losses.Consistency("mse", outsW2.Logits(), outsW.Logits(), nil)
	warmup := WarmUp(m.it, m.numTrainIter, m.cfg.RegUnsupWarmUp)
	totalLoss := supLoss + m.cfg.RegULBLossRatio*unsupLoss*warmup

	feat := map[string]*tensors.Tensor{
		"x_lb":      outsLb.Feat(),
		"x_ulb_w":   outsW.Feat(),
		"x_ulb_w_2": outsW2.Feat(),
	}
	if err := m.extraFeatures(batch, feat); err != nil {
		return nil, nil, err
	}
	m.it++

	logs := Logs{
		"train_reg/sup_loss":   supLoss,
		"train_reg/unsup_loss": unsupLoss,
		"train_reg/total_loss": totalLoss,
	}
	return &StepOutput{Loss: totalLoss, Feat: feat}, logs, nil
}
