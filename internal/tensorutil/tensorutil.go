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

// Package tensorutil has small helpers to move float data in and out of
// tensors.Tensor values, shared by the losses and hooks packages.
//
// Only Float32 and Float64 tensors are supported in the numeric paths of this
// library: anything else is a dtype contract violation and panics.
package tensorutil

import (
	"math"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// Flat64 returns a copy of the tensor's flat data converted to float64.
// It panics for non-float dtypes.
func Flat64(t *tensors.Tensor) []float64 {
	switch t.DType() {
	case dtypes.Float64:
		return tensors.CopyFlatData[float64](t)
	case dtypes.Float32:
		flat32 := tensors.CopyFlatData[float32](t)
		flat := make([]float64, len(flat32))
		for ii, v := range flat32 {
			flat[ii] = float64(v)
		}
		return flat
	default:
		Panicf("tensorutil.Flat64: unsupported dtype %s, only Float32 and Float64 are supported", t.DType())
	}
	return nil
}

// CastLike builds a tensor with the given dimensions and the same dtype as ref,
// from float64 flat data.
func CastLike(ref *tensors.Tensor, flat []float64, dimensions ...int) *tensors.Tensor {
	switch ref.DType() {
	case dtypes.Float64:
		return tensors.FromFlatDataAndDimensions(flat, dimensions...)
	case dtypes.Float32:
		flat32 := make([]float32, len(flat))
		for ii, v := range flat {
			flat32[ii] = float32(v)
		}
		return tensors.FromFlatDataAndDimensions(flat32, dimensions...)
	default:
		Panicf("tensorutil.CastLike: unsupported dtype %s, only Float32 and Float64 are supported", ref.DType())
	}
	return nil
}

// Rows interprets t as a batch: rank-1 tensors are [batch], rank-2 are
// [batch, numOutputs]. It returns the batch size and the per-example width.
func Rows(t *tensors.Tensor) (batch, width int) {
	shape := t.Shape()
	switch shape.Rank() {
	case 1:
		return shape.Dim(0), 1
	case 2:
		return shape.Dim(0), shape.Dim(1)
	default:
		Panicf("tensorutil.Rows: expected rank-1 or rank-2 tensor, got shape %s", shape)
	}
	return
}

// IntLabels returns the tensor's flat data as int64 class indices.
// It panics for non-integer dtypes.
func IntLabels(t *tensors.Tensor) []int64 {
	switch t.DType() {
	case dtypes.Int64:
		return tensors.CopyFlatData[int64](t)
	case dtypes.Int32:
		flat32 := tensors.CopyFlatData[int32](t)
		flat := make([]int64, len(flat32))
		for ii, v := range flat32 {
			flat[ii] = int64(v)
		}
		return flat
	default:
		Panicf("tensorutil.IntLabels: expected Int32 or Int64 class labels, got dtype %s", t.DType())
	}
	return nil
}

// SoftmaxRows applies a numerically stable softmax to each row of the
// flattened [rows, cols] data, in place.
func SoftmaxRows(flat []float64, rows, cols int) {
	if len(flat) != rows*cols {
		Panicf("tensorutil.SoftmaxRows: flat data has %d values, want %d (%d rows x %d cols)", len(flat), rows*cols, rows, cols)
	}
	for r := range rows {
		row := flat[r*cols : (r+1)*cols]
		rowMax := row[0]
		for _, v := range row[1:] {
			rowMax = math.Max(rowMax, v)
		}
		var sum float64
		for ii, v := range row {
			row[ii] = math.Exp(v - rowMax)
			sum += row[ii]
		}
		for ii := range row {
			row[ii] /= sum
		}
	}
}

// ArgmaxRows returns the index of the largest value in each row, ties broken
// by the lowest index.
func ArgmaxRows(flat []float64, rows, cols int) []int64 {
	argmax := make([]int64, rows)
	for r := range rows {
		row := flat[r*cols : (r+1)*cols]
		best := 0
		for ii, v := range row[1:] {
			if v > row[best] {
				best = ii + 1
			}
		}
		argmax[r] = int64(best)
	}
	return argmax
}

// MaxRows returns the largest value of each row.
func MaxRows(flat []float64, rows, cols int) []float64 {
	maxes := make([]float64, rows)
	for r := range rows {
		row := flat[r*cols : (r+1)*cols]
		maxes[r] = row[0]
		for _, v := range row[1:] {
			maxes[r] = math.Max(maxes[r], v)
		}
	}
	return maxes
}

// MixInPlace updates shadow in place with decay*shadow + (1-decay)*live,
// element-wise. Both tensors must have the same shape and dtype.
func MixInPlace(shadow, live *tensors.Tensor, decay float64) {
	if !shadow.Shape().Equal(live.Shape()) {
		Panicf("tensorutil.MixInPlace: shadow shape %s does not match live shape %s", shadow.Shape(), live.Shape())
	}
	switch shadow.DType() {
	case dtypes.Float64:
		tensors.MutableFlatData(shadow, func(shadowFlat []float64) {
			tensors.ConstFlatData(live, func(liveFlat []float64) {
				for ii := range shadowFlat {
					shadowFlat[ii] = decay*shadowFlat[ii] + (1-decay)*liveFlat[ii]
				}
			})
		})
	case dtypes.Float32:
		tensors.MutableFlatData(shadow, func(shadowFlat []float32) {
			tensors.ConstFlatData(live, func(liveFlat []float32) {
				decay32 := float32(decay)
				for ii := range shadowFlat {
					shadowFlat[ii] = decay32*shadowFlat[ii] + (1-decay32)*liveFlat[ii]
				}
			})
		})
	default:
		Panicf("tensorutil.MixInPlace: unsupported dtype %s, only Float32 and Float64 are supported", shadow.DType())
	}
}
