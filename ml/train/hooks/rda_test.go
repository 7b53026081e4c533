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
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/semisup/internal/tensorutil"
	"github.com/gomlx/semisup/ml/models"
)

// fakeDataset replays fixed (indices, inputs) batches.
type fakeDataset struct {
	indices [][]int
	inputs  []*tensors.Tensor
	pos     int

	failAtBatch int // 1-based yield to fail at; 0 never fails
	resetErr    error
}

var _ models.Dataset = (*fakeDataset)(nil)

func (ds *fakeDataset) Yield() ([]int, *tensors.Tensor, error) {
	if ds.failAtBatch > 0 && ds.pos+1 == ds.failAtBatch {
		return nil, nil, errors.New("storage hiccup")
	}
	if ds.pos >= len(ds.indices) {
		return nil, nil, io.EOF
	}
	indices, inputs := ds.indices[ds.pos], ds.inputs[ds.pos]
	ds.pos++
	return indices, inputs, nil
}

func (ds *fakeDataset) Reset() error {
	if ds.resetErr != nil {
		return ds.resetErr
	}
	ds.pos = 0
	return nil
}

// identityPredictor returns its input as the prediction column.
type identityPredictor struct{}

func (identityPredictor) Predict(x *tensors.Tensor) (*tensors.Tensor, error) {
	return x, nil
}

type failingPredictor struct{}

func (failingPredictor) Predict(x *tensors.Tensor) (*tensors.Tensor, error) {
	return nil, errors.New("device lost")
}

func ulbDataset() *fakeDataset {
	// 4 unlabeled examples with prediction values 3, 1, 4, 2 at indices 0..3.
	return &fakeDataset{
		indices: [][]int{{0, 1}, {2, 3}},
		inputs: []*tensors.Tensor{
			tensors.FromValue([][]float64{{3}, {1}}),
			tensors.FromValue([][]float64{{4}, {2}}),
		},
	}
}

func labeledTargets() *tensors.Tensor {
	return tensors.FromValue([]float64{40, 10, 30, 20})
}

func TestRDAInitialBuffer(t *testing.T) {
	rda := NewRDA(4, labeledTargets(), 10, ulbDataset(), identityPredictor{})
	assert.Equal(t, []float64{25, 25, 25, 25}, rda.Targets())

	// Targets returns a copy, not the buffer.
	rda.Targets()[0] = -1
	assert.Equal(t, []float64{25, 25, 25, 25}, rda.Targets())

	// Broadcast to the logits' shape and dtype.
	logits := tensors.FromValue([][]float32{{0, 0}, {0, 0}})
	targets, err := rda.GenULBTargets(&Args{Logits: logits, IdxULB: []int{1, 3}})
	require.NoError(t, err)
	require.Equal(t, logits.DType(), targets.DType())
	require.Equal(t, logits.Shape().Dimensions, targets.Shape().Dimensions)
	assert.Equal(t, []float64{25, 25, 25, 25}, tensorutil.Flat64(targets))
}

func TestRDARefinementAlignsRanks(t *testing.T) {
	rda := NewRDA(4, labeledTargets(), 2, ulbDataset(), identityPredictor{})
	logits := tensors.FromValue([]float64{0, 0, 0, 0})
	args := &Args{Logits: logits, IdxULB: []int{0, 1, 2, 3}}

	// First call: period not reached yet, buffer untouched.
	_, err := rda.GenULBTargets(args)
	require.NoError(t, err)
	assert.Equal(t, []float64{25, 25, 25, 25}, rda.Targets())

	// Second call triggers the pass. Predictions 3, 1, 4, 2 at indices
	// 0..3 rank as 2, 0, 3, 1, mapping to the sorted labeled targets
	// 10, 20, 30, 40 at quantiles 2/3, 0, 1, 1/3.
	targets, err := rda.GenULBTargets(args)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{30, 10, 40, 20}, rda.Targets(), 1e-9)
	assert.InDeltaSlice(t, []float64{30, 10, 40, 20}, tensorutil.Flat64(targets), 1e-9)
}

func TestRDAKeepsStaleBufferOnFailure(t *testing.T) {
	logits := tensors.FromValue([]float64{0, 0, 0, 0})
	args := &Args{Logits: logits, IdxULB: []int{0, 1, 2, 3}}

	// Dataset fails mid-pass.
	ds := ulbDataset()
	ds.failAtBatch = 2
	rda := NewRDA(4, labeledTargets(), 1, ds, identityPredictor{})
	targets, err := rda.GenULBTargets(args)
	require.NoError(t, err)
	assert.Equal(t, []float64{25, 25, 25, 25}, tensorutil.Flat64(targets))

	// Predictor fails.
	rda = NewRDA(4, labeledTargets(), 1, ulbDataset(), failingPredictor{})
	_, err = rda.GenULBTargets(args)
	require.NoError(t, err)
	assert.Equal(t, []float64{25, 25, 25, 25}, rda.Targets())

	// Reset fails.
	ds = ulbDataset()
	ds.resetErr = errors.New("gone")
	rda = NewRDA(4, labeledTargets(), 1, ds, identityPredictor{})
	_, err = rda.GenULBTargets(args)
	require.NoError(t, err)
	assert.Equal(t, []float64{25, 25, 25, 25}, rda.Targets())

	// Incomplete pass: the buffer expects 5 examples but only 4 yield.
	rda = NewRDA(5, labeledTargets(), 1, ulbDataset(), identityPredictor{})
	_, err = rda.GenULBTargets(&Args{Logits: tensors.FromValue([]float64{0}), IdxULB: []int{4}})
	require.NoError(t, err)
	assert.Equal(t, []float64{25, 25, 25, 25, 25}, rda.Targets())
}

func TestRDARecoversOnNextRefinement(t *testing.T) {
	ds := ulbDataset()
	ds.failAtBatch = 1
	rda := NewRDA(4, labeledTargets(), 1, ds, identityPredictor{})
	logits := tensors.FromValue([]float64{0, 0, 0, 0})
	args := &Args{Logits: logits, IdxULB: []int{0, 1, 2, 3}}

	_, err := rda.GenULBTargets(args)
	require.NoError(t, err)
	assert.Equal(t, []float64{25, 25, 25, 25}, rda.Targets())

	// The transient failure clears; the next refinement succeeds.
	ds.failAtBatch = 0
	_, err = rda.GenULBTargets(args)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{30, 10, 40, 20}, rda.Targets(), 1e-9)
}

func TestRDAArgumentValidation(t *testing.T) {
	assert.Panics(t, func() { NewRDA(0, labeledTargets(), 1, ulbDataset(), identityPredictor{}) })
	assert.Panics(t, func() { NewRDA(4, labeledTargets(), 0, ulbDataset(), identityPredictor{}) })
	assert.Panics(t, func() { NewRDA(4, nil, 1, ulbDataset(), identityPredictor{}) })
	assert.Panics(t, func() { NewRDA(4, labeledTargets(), 1, nil, identityPredictor{}) })
	assert.Panics(t, func() { NewRDA(4, labeledTargets(), 1, ulbDataset(), nil) })

	rda := NewRDA(4, labeledTargets(), 10, ulbDataset(), identityPredictor{})
	logits := tensors.FromValue([]float64{0, 0})
	assert.Panics(t, func() {
		// One index for two logits.
		_, _ = rda.GenULBTargets(&Args{Logits: logits, IdxULB: []int{0}})
	})
	assert.Panics(t, func() {
		// Index out of the buffer's range.
		_, _ = rda.GenULBTargets(&Args{Logits: logits, IdxULB: []int{0, 7}})
	})
}
