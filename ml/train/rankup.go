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
	"gonum.org/v1/gonum/floats"

	"github.com/gomlx/semisup/internal/tensorutil"
	"github.com/gomlx/semisup/ml/models"
	"github.com/gomlx/semisup/ml/train/hooks"
	"github.com/gomlx/semisup/ml/train/losses"
)

// RankUpConfig configures the RankUp algorithm. Construct it with
// NewRankUpConfig and treat it as immutable after setup.
type RankUpConfig struct {
	// UseRDA enables the rank-distribution-alignment refinement buffer for
	// the unsupervised regression loss. When false the pathway is skipped
	// entirely, not just zero-weighted.
	UseRDA bool

	// RegUnsupWarmUp is the fraction of total iterations over which the
	// unsupervised regression weight ramps from 0 to 1.
	RegUnsupWarmUp float64

	// RegULBLossRatio scales the unsupervised regression (RDA consistency)
	// loss.
	RegULBLossRatio float64

	// RDANumRefineIter is the refinement period, in steps.
	RDANumRefineIter int

	// ClsULBLossRatio scales the unsupervised auxiliary classification loss;
	// ClsLossRatio scales the whole auxiliary classification objective.
	ClsULBLossRatio float64
	ClsLossRatio    float64

	// T is the pseudo-label sharpening temperature; PCutoff the masking
	// confidence threshold in [0, 1]; HardLabel selects arg-max
	// pseudo-labels over sharpened distributions.
	T         float64
	PCutoff   float64
	HardLabel bool
}

// NewRankUpConfig returns the defaults.
func NewRankUpConfig() *RankUpConfig {
	return &RankUpConfig{
		UseRDA:           false,
		RegUnsupWarmUp:   0.4,
		RegULBLossRatio:  1.0,
		RDANumRefineIter: 1024,
		ClsULBLossRatio:  1.0,
		ClsLossRatio:     1.0,
		T:                0.5,
		PCutoff:          0.95,
		HardLabel:        true,
	}
}

// Validate returns an error on out-of-range values. PCutoff outside [0, 1]
// is rejected here, never silently clamped.
func (c *RankUpConfig) Validate() error {
	if c.RegUnsupWarmUp < 0 {
		return errors.Errorf("RankUpConfig: RegUnsupWarmUp must be >= 0, got %g", c.RegUnsupWarmUp)
	}
	if c.PCutoff < 0 || c.PCutoff > 1 {
		return errors.Errorf("RankUpConfig: PCutoff must be in [0, 1], got %g", c.PCutoff)
	}
	if !c.HardLabel && c.T <= 0 {
		return errors.Errorf("RankUpConfig: T must be > 0 for soft pseudo-labels, got %g", c.T)
	}
	if c.UseRDA && c.RDANumRefineIter <= 0 {
		return errors.Errorf("RankUpConfig: RDANumRefineIter must be > 0 when UseRDA is set, got %d", c.RDANumRefineIter)
	}
	for name, ratio := range map[string]float64{
		"RegULBLossRatio": c.RegULBLossRatio,
		"ClsULBLossRatio": c.ClsULBLossRatio,
		"ClsLossRatio":    c.ClsLossRatio,
	} {
		if ratio < 0 {
			return errors.Errorf("RankUpConfig: %s must be >= 0, got %g", name, ratio)
		}
	}
	return nil
}

// RankUp trains a regressor jointly with an auxiliary ranking classifier:
// pseudo-labeled, confidence-masked consistency on the auxiliary head, and
// optionally RDA-refined targets on the regression head
// (https://arxiv.org/abs/2410.22124).
type RankUp struct {
	base
	cfg    RankUpConfig
	aux    models.AuxModel
	normed models.Normalized
}

var _ Algorithm = (*RankUp)(nil)

// frozenPredictor is the prediction view handed to the RDA hook: a forward
// pass with normalization statistics frozen, so refinement passes don't
// contaminate them. It uses its own controller -- refinement runs while the
// step's controller is idle.
type frozenPredictor struct {
	model  models.Model
	normed models.Normalized
	bn     *BatchNormController
}

var _ models.Predictor = (*frozenPredictor)(nil)

func (p *frozenPredictor) Predict(x *tensors.Tensor) (logits *tensors.Tensor, err error) {
	err = p.bn.WithFrozenNorms(p.normed, func() error {
		outs, fwdErr := p.model.Forward(x)
		if fwdErr != nil {
			return fwdErr
		}
		logits = outs.Logits()
		return nil
	})
	return
}

// NewRankUp builds the algorithm from its setup. The model must implement
// models.AuxModel and models.Normalized. With RDA enabled the setup must
// also carry the unlabeled-set size, the labeled targets and the unlabeled
// dataset for refinement passes.
//
// Hook wiring happens here, before any step: missing pieces fail at setup
// time, not at the first TrainStep.
func NewRankUp(setup Setup, cfg *RankUpConfig) (*RankUp, error) {
	if cfg == nil {
		cfg = NewRankUpConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	aux, ok := setup.Model.(models.AuxModel)
	if !ok {
		return nil, errors.Errorf("RankUp requires a models.AuxModel with an auxiliary ranking head, got %T", setup.Model)
	}
	normed, ok := setup.Model.(models.Normalized)
	if !ok {
		return nil, errors.Errorf("RankUp requires a models.Normalized model to freeze statistics during unlabeled passes, got %T", setup.Model)
	}
	r := &RankUp{
		base:   newBase(setup.Model, setup.NumTrainIter),
		cfg:    *cfg,
		aux:    aux,
		normed: normed,
	}

	// Replace the base hooks (last registration wins) and add RDA.
	r.hooks.Register(HookPseudoLabeling, hooks.NewPseudoLabeling())
	r.hooks.Register(HookMasking, hooks.NewFixedThresholding())
	if cfg.UseRDA {
		if setup.UnlabeledSize <= 0 || setup.LabeledTargets == nil || setup.UnlabeledData == nil {
			return nil, errors.New("RankUp with RDA needs Setup.UnlabeledSize, Setup.LabeledTargets and Setup.UnlabeledData for refinement passes")
		}
		predictor := &frozenPredictor{model: setup.Model, normed: normed, bn: NewBatchNormController()}
		r.hooks.Register(HookRDA, hooks.NewRDA(
			setup.UnlabeledSize, setup.LabeledTargets, cfg.RDANumRefineIter, setup.UnlabeledData, predictor))
	}

	// Fail fast if a hook the step dispatches to is somehow missing.
	required := []string{HookPseudoLabeling, HookMasking}
	if cfg.UseRDA {
		required = append(required, HookRDA)
	}
	for _, name := range required {
		if !r.hooks.Has(name) {
			return nil, errors.Errorf("RankUp setup did not register hook %q required by its train step", name)
		}
	}
	return r, nil
}

func buildRankUp(setup Setup) (Algorithm, error) {
	cfg, err := configAs(setup.Config, *NewRankUpConfig())
	if err != nil {
		return nil, err
	}
	return NewRankUp(setup, &cfg)
}

// RDATargets returns a copy of the current RDA-refined targets, or nil when
// RDA is disabled.
func (r *RankUp) RDATargets() []float64 {
	if !r.cfg.UseRDA {
		return nil
	}
	return r.hooks.Get(HookRDA).(*hooks.RDA).Targets()
}

// TrainStep runs one RankUp step. The batch must carry XLb, YLb, XULbW,
// XULbS, and IdxULB when RDA is enabled.
func (r *RankUp) TrainStep(batch *Batch) (*StepOutput, Logs, error) {
	err := requireBatchFields(map[string]*tensors.Tensor{
		"x_lb": batch.XLb, "y_lb": batch.YLb, "x_ulb_w": batch.XULbW, "x_ulb_s": batch.XULbS,
	})
	if err != nil {
		return nil, nil, err
	}
	if r.cfg.UseRDA && len(batch.IdxULB) == 0 {
		return nil, nil, errors.New("batch is missing required field idx_ulb (RDA is enabled)")
	}

	outsLb, err := r.aux.ForwardWithAux(batch.XLb, batch.YLb)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "labeled forward pass")
	}

	// Weak unlabeled pass with statistics frozen; its auxiliary
	// probabilities drive masking and pseudo-labels.
	var outsW models.Output
	err = r.bn.WithFrozenNorms(r.normed, func() error {
		var fwdErr error
		outsW, fwdErr = r.aux.ForwardWithAux(batch.XULbW, nil)
		return fwdErr
	})
	if err != nil {
		return nil, nil, errors.WithMessage(err, "weak unlabeled forward pass")
	}
	probsW := losses.Softmax(outsW.Get(models.OutputLogitsAux))

	outsS, err := r.aux.ForwardWithAux(batch.XULbS, nil)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "strong unlabeled forward pass")
	}

	regSupLoss := losses.MeanSquaredError(outsLb.Logits(), batch.YLb, nil)

	var regUnsupLoss float64
	if r.cfg.UseRDA {
		pseudoTargets, rdaErr := r.hooks.GenULBTargets(HookRDA, &hooks.Args{
			Logits: outsW.Logits(),
			IdxULB: batch.IdxULB,
		})
		if rdaErr != nil {
			return nil, nil, errors.WithMessage(rdaErr, "RDA targets")
		}
		regUnsupLoss = losses.Consistency("mse", outsW.Logits(), pseudoTargets, nil)
	}

	mask, err := r.hooks.Masking(HookMasking, &hooks.Args{
		Logits:  probsW,
		Softmax: false,
		Cutoff:  r.cfg.PCutoff,
	})
	if err != nil {
		return nil, nil, errors.WithMessage(err, "masking")
	}
	pseudoLabels, err := r.hooks.GenULBTargets(HookPseudoLabeling, &hooks.Args{
		Logits:       probsW,
		Softmax:      false,
		UseHardLabel: r.cfg.HardLabel,
		T:            r.cfg.T,
	})
	if err != nil {
		return nil, nil, errors.WithMessage(err, "pseudo-labeling")
	}

	clsSupLoss := losses.CrossEntropy(outsLb.Get(models.OutputLogitsAux), outsLb.Get(models.OutputTargetsAux), nil)
	clsUnsupLoss := losses.Consistency("ce", outsS.Get(models.OutputLogitsAux), pseudoLabels, mask)

	warmup := WarmUp(r.it, r.numTrainIter, r.cfg.RegUnsupWarmUp)
	totalRegLoss := regSupLoss + r.cfg.RegULBLossRatio*regUnsupLoss*warmup
	totalClsLoss := clsSupLoss + r.cfg.ClsULBLossRatio*clsUnsupLoss
	totalLoss := totalRegLoss + r.cfg.ClsLossRatio*totalClsLoss

	feat := map[string]*tensors.Tensor{
		"x_lb":    outsLb.Feat(),
		"x_ulb_w": outsW.Feat(),
		"x_ulb_s": outsS.Feat(),
	}
	if err := r.extraFeatures(batch, feat); err != nil {
		return nil, nil, err
	}
	r.it++

	maskValues := tensorutil.Flat64(mask)
	logs := Logs{
		"train/reg_sup_loss":   regSupLoss,
		"train/reg_unsup_loss": regUnsupLoss,
		"train/cls_sup_loss":   clsSupLoss,
		"train/cls_unsup_loss": clsUnsupLoss,
		"train/reg_loss":       totalRegLoss,
		"train/cls_loss":       totalClsLoss,
		"train/total_loss":     totalLoss,
		"train/mask_ratio":     floats.Sum(maskValues) / float64(len(maskValues)),
	}
	return &StepOutput{Loss: totalLoss, Feat: feat}, logs, nil
}
