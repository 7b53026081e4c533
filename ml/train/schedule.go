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

import . "github.com/gomlx/exceptions"

// WarmUp is the linear warm-up ramp for unsupervised loss weights:
// clip(it / (fraction*numTrainIter), 0, 1). It is non-decreasing in it,
// bounded to [0, 1], and reaches 1 once it >= fraction*numTrainIter.
//
// fraction == 0 means no warm-up: the ramp is immediately 1, never a
// division by zero. numTrainIter <= 0, a negative it or a negative fraction
// are configuration errors and panic.
func WarmUp(it, numTrainIter int, fraction float64) float64 {
	if numTrainIter <= 0 {
		Panicf("train.WarmUp: numTrainIter must be > 0, got %d", numTrainIter)
	}
	if it < 0 {
		Panicf("train.WarmUp: iteration must be >= 0, got %d", it)
	}
	if fraction < 0 {
		Panicf("train.WarmUp: warm-up fraction must be >= 0, got %g", fraction)
	}
	if fraction == 0 {
		return 1
	}
	ramp := float64(it) / (fraction * float64(numTrainIter))
	if ramp > 1 {
		return 1
	}
	return ramp
}
