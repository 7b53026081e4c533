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

// Package data provides a minimal in-memory implementation of the
// models.Dataset interface, enough to drive the RDA refinement pass and
// tests. Real data pipelines are external collaborators.
package data

import (
	"io"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/semisup/ml/models"
)

// InMemoryDataset serves fixed-size batches sliced from one inputs tensor
// held in memory. The leading axis enumerates examples; an example's position
// on that axis is its stable dataset index.
//
// It is not safe for concurrent use -- like the training step itself, it
// assumes a single logical thread of control.
type InMemoryDataset struct {
	inputs    *tensors.Tensor
	batchSize int
	numRows   int
	rowSize   int
	next      int
}

// Compile-time check.
var _ models.Dataset = (*InMemoryDataset)(nil)

// InMemory creates a dataset over the given inputs tensor, yielding batches
// of batchSize examples (the last batch may be smaller).
func InMemory(inputs *tensors.Tensor, batchSize int) (*InMemoryDataset, error) {
	if inputs == nil {
		return nil, errors.New("data.InMemory: inputs tensor is nil")
	}
	shape := inputs.Shape()
	if shape.Rank() < 1 || shape.Dim(0) == 0 {
		return nil, errors.Errorf("data.InMemory: inputs must have at least rank 1 with a non-empty leading (examples) axis, got shape %s", shape)
	}
	dtype := inputs.DType()
	if dtype != dtypes.Float32 && dtype != dtypes.Float64 {
		return nil, errors.Errorf("data.InMemory: unsupported dtype %s, only Float32 and Float64 are supported", dtype)
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("data.InMemory: batchSize must be > 0, got %d", batchSize)
	}
	numRows := shape.Dim(0)
	return &InMemoryDataset{
		inputs:    inputs,
		batchSize: batchSize,
		numRows:   numRows,
		rowSize:   shape.Size() / numRows,
	}, nil
}

// NumExamples returns the number of examples held by the dataset.
func (ds *InMemoryDataset) NumExamples() int { return ds.numRows }

// Yield returns the next batch and the dataset indices of its examples.
// It returns io.EOF once all examples have been served since the last Reset.
func (ds *InMemoryDataset) Yield() (indices []int, inputs *tensors.Tensor, err error) {
	if ds.next >= ds.numRows {
		return nil, nil, io.EOF
	}
	start, end := ds.next, min(ds.next+ds.batchSize, ds.numRows)
	ds.next = end

	indices = make([]int, 0, end-start)
	for row := start; row < end; row++ {
		indices = append(indices, row)
	}
	dims := append([]int{end - start}, ds.inputs.Shape().Dimensions[1:]...)
	switch ds.inputs.DType() {
	case dtypes.Float64:
		tensors.ConstFlatData(ds.inputs, func(flat []float64) {
			inputs = tensors.FromFlatDataAndDimensions(flat[start*ds.rowSize:end*ds.rowSize], dims...)
		})
	case dtypes.Float32:
		tensors.ConstFlatData(ds.inputs, func(flat []float32) {
			inputs = tensors.FromFlatDataAndDimensions(flat[start*ds.rowSize:end*ds.rowSize], dims...)
		})
	}
	return
}

// Reset restarts the dataset from the first example.
func (ds *InMemoryDataset) Reset() error {
	ds.next = 0
	return nil
}
