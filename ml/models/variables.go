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

import (
	"github.com/gomlx/gomlx/types/tensors"

	. "github.com/gomlx/exceptions"
)

// Variable is a named model weight. Always use it by reference (pointer):
// the EMA controller swaps values in and out by calling SetValue.
type Variable struct {
	name      string
	value     *tensors.Tensor
	trainable bool
}

// NewVariable creates a trainable variable with the given name and value.
func NewVariable(name string, value *tensors.Tensor) *Variable {
	if name == "" {
		Panicf("models.NewVariable: variable name cannot be empty")
	}
	if value == nil {
		Panicf("models.NewVariable: variable %q created with nil value", name)
	}
	return &Variable{name: name, value: value, trainable: true}
}

// Name returns the variable's name, unique within a model.
func (v *Variable) Name() string { return v.name }

// Value returns the variable's current tensor value.
func (v *Variable) Value() *tensors.Tensor { return v.value }

// SetValue replaces the variable's tensor value. The new value must keep the
// variable's shape and dtype.
func (v *Variable) SetValue(value *tensors.Tensor) {
	if value == nil {
		Panicf("Variable %q: SetValue with nil value", v.name)
	}
	if !value.Shape().Equal(v.value.Shape()) {
		Panicf("Variable %q: SetValue with shape %s, previous value had shape %s",
			v.name, value.Shape(), v.value.Shape())
	}
	v.value = value
}

// Trainable reports whether the variable is updated by the optimizer -- only
// trainable variables take part in the EMA shadow.
func (v *Variable) Trainable() bool { return v.trainable }

// SetTrainable marks the variable as trainable (or not).
func (v *Variable) SetTrainable(trainable bool) { v.trainable = trainable }
