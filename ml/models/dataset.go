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

package models

import "github.com/gomlx/gomlx/types/tensors"

// Dataset yields batches of unlabeled examples along with their stable
// dataset indices. The indices key per-sample state (the RDA refinement
// buffer) and must stay fixed for the whole training run.
//
// Yield returns io.EOF once the dataset is exhausted; after that, Reset
// restarts it from the beginning. Any other error means the current pass
// cannot complete -- the caller decides whether that is recoverable.
type Dataset interface {
	Yield() (indices []int, inputs *tensors.Tensor, err error)
	Reset() error
}
