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

// CLSSConfig configures the CLSS algorithm. Construct it with NewCLSSConfig
// and treat it as immutable after setup.
type CLSSConfig struct {
	// RegLambdaVal is the temperature inside the ordinal/ranking
	// regularizers, must be > 0.
	RegLambdaVal float64

	// RegLbCtrLossRatio scales the supervised ordinal-entropy term.
	RegLbCtrLossRatio float64

	// RegUlbCtrLossRatio scales the unsupervised feature rank-contrast term.
	RegUlbCtrLossRatio float64

	// RegUlbRankLossRatio scales the prediction-to-feature rank-alignment term.
	RegUlbRankLossRatio float64
}

// NewCLSSConfig returns the defaults.
func NewCLSSConfig() *CLSSConfig {
	return &CLSSConfig{
		RegLambdaVal:        2.0,
		RegLbCtrLossRatio:   1.0,
		RegUlbCtrLossRatio:  0.05,
		RegUlbRankLossRatio: 0.01,
	}
}

// Validate returns an error on out-of-range values.
func (c *CLSSConfig) Validate() error {
	if c.RegLambdaVal <= 0 {
		return errors.Errorf("CLSSConfig: RegLambdaVal must be > 0, got %g", c.RegLambdaVal)
	}
	for name, ratio := range map[string]float64{
		"RegLbCtrLossRatio":   c.RegLbCtrLossRatio,
		"RegUlbCtrLossRatio":  c.RegUlbCtrLossRatio,
		"RegUlbRankLossRatio": c.RegUlbRankLossRatio,
	} {
		if ratio < 0 {
			return errors.Errorf("CLSSConfig: %s must be >= 0, got %g", name, ratio)
		}
	}
	return nil
}

// CLSS trains a regressor with contrastive ordinal structure: a supervised
// ordinal-entropy regularizer on the labeled embeddings plus unsupervised
// rank-contrast terms on the unlabeled batch
// (NeurIPS 2023, "Contrastive Learning for Semi-Supervised regression").
type CLSS struct {
	base
	cfg CLSSConfig
}

var _ Algorithm = (*CLSS)(nil)

// NewCLSS builds the algorithm.
func NewCLSS(model models.Model, numTrainIter int, cfg *CLSSConfig) (*CLSS, error) {
	if cfg == nil {
		cfg = NewCLSSConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &CLSS{base: newBase(model, numTrainIter), cfg: *cfg}, nil
}

func buildCLSS(setup Setup) (Algorithm, error) {
	cfg, err := configAs(setup.Config, *NewCLSSConfig())
	if err != nil {
		return nil, err
	}
	return NewCLSS(setup.Model, setup.NumTrainIter, &cfg)
}

// TrainStep runs one CLSS step. The batch must carry XLb, YLb and XULbW.
func (c *CLSS) TrainStep(batch *Batch) (*StepOutput, Logs, error) {
	err := requireBatchFields(map[string]*tensors.Tensor{
		"x_lb": batch.XLb, "y_lb": batch.YLb, "x_ulb_w": batch.XULbW,
	})
	if err != nil {
		return nil, nil, err
	}

	outsLb, err := c.model.Forward(batch.XLb)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "labeled forward pass")
	}
	outsW, err := c.model.Forward(batch.XULbW)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "unlabeled forward pass")
	}

	supRegLoss := losses.MeanSquaredError(outsLb.Logits(), batch.YLb, nil)
	supCtrLoss := losses.OrdinalEntropy(outsLb.Feat(), batch.YLb)
	supLoss := supRegLoss + c.cfg.RegLbCtrLossRatio*supCtrLoss

	unsupCtrLoss, featRanks := losses.RankContrast(outsW.Feat(), c.cfg.RegLambdaVal)
	unsupRankLoss := losses.RankContrastWithRanks(outsW.Logits(), c.cfg.RegLambdaVal, featRanks)
	unsupLoss := c.cfg.RegUlbCtrLossRatio*unsupCtrLoss + c.cfg.RegUlbRankLossRatio*unsupRankLoss

	totalLoss := supLoss + unsupLoss

	feat := map[string]*tensors.Tensor{
		"x_lb":    outsLb.Feat(),
		"x_ulb_w": outsW.Feat(),
	}
	if err := c.extraFeatures(batch, feat); err != nil {
		return nil, nil, err
	}
	c.it++

	logs := Logs{
		"train_reg/sup_loss":   supLoss,
		"train_reg/unsup_loss": unsupLoss,
		"train_reg/total_loss": totalLoss,
	}
	return &StepOutput{Loss: totalLoss, Feat: feat}, logs, nil
}
