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

// Package hooks implements the named, pluggable behaviors the algorithms
// compose their training steps from: pseudo-label generation, confidence
// masking and the RDA refinement buffer, behind a registry so that swapping
// one strategy for another requires no change to the step logic.
//
// The registry dispatches a closed set of operations (GenULBTargets,
// Masking); calling an operation on a hook that doesn't support it is a
// configuration error and panics. Hooks are registered at algorithm setup
// time, before any training step runs; the order of calls within a step is
// decided by the caller, not by the registry.
package hooks

import (
	"github.com/gomlx/gomlx/types/tensors"

	. "github.com/gomlx/exceptions"
)

// Args carries the keyword arguments of a hook operation. Each operation
// documents which fields it reads.
type Args struct {
	// Logits over the unlabeled batch, [batch, classes] for classification
	// heads or [batch, numOutputs] for regression.
	Logits *tensors.Tensor

	// Softmax tells whether Logits are raw and a softmax must still be
	// applied. When false, Logits already hold probabilities. Passing the
	// wrong flag is a caller error; it is never guessed or corrected.
	Softmax bool

	// UseHardLabel selects arg-max pseudo-labels instead of soft
	// temperature-sharpened distributions.
	UseHardLabel bool

	// T is the sharpening temperature for soft pseudo-labels.
	T float64

	// Cutoff is the confidence threshold for masking, in [0, 1].
	Cutoff float64

	// IdxULB are the dataset indices of the unlabeled batch, keying
	// per-sample state.
	IdxULB []int
}

// TargetGenerator produces training targets for the unlabeled batch.
type TargetGenerator interface {
	GenULBTargets(args *Args) (*tensors.Tensor, error)
}

// Masker decides, per unlabeled example, whether its pseudo-label is
// trustworthy enough to contribute to the loss. The returned mask is a
// per-example 0/1 weight tensor of shape [batch].
type Masker interface {
	Masking(args *Args) (*tensors.Tensor, error)
}

// Registry is an ordered, named collection of hooks. Duplicate names
// overwrite (last registration wins, keeping the original position), so an
// algorithm can replace a default hook registered by its base setup.
type Registry struct {
	names []string
	hooks map[string]any
}

// NewRegistry returns an empty hook registry.
func NewRegistry() *Registry {
	return &Registry{hooks: make(map[string]any)}
}

// Register inserts the hook under the given name. Registering an existing
// name replaces the previous hook.
func (r *Registry) Register(name string, hook any) {
	if name == "" {
		Panicf("hooks.Register: hook name cannot be empty")
	}
	if hook == nil {
		Panicf("hooks.Register: hook %q is nil", name)
	}
	if _, found := r.hooks[name]; !found {
		r.names = append(r.names, name)
	}
	r.hooks[name] = hook
}

// Has reports whether a hook is registered under the given name.
func (r *Registry) Has(name string) bool {
	_, found := r.hooks[name]
	return found
}

// Names returns the registered hook names, in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.names))
	copy(names, r.names)
	return names
}

// Get returns the hook registered under name. An unknown name is a
// configuration error and panics.
func (r *Registry) Get(name string) any {
	hook, found := r.hooks[name]
	if !found {
		Panicf("hook %q not registered -- registered hooks: %v", name, r.names)
	}
	return hook
}

// GenULBTargets dispatches the GenULBTargets operation to the named hook.
// It panics if the hook is not registered or does not support the operation.
func (r *Registry) GenULBTargets(name string, args *Args) (*tensors.Tensor, error) {
	hook := r.Get(name)
	generator, ok := hook.(TargetGenerator)
	if !ok {
		Panicf("hook %q (%T) does not support operation GenULBTargets", name, hook)
	}
	return generator.GenULBTargets(args)
}

// Masking dispatches the Masking operation to the named hook. It panics if
// the hook is not registered or does not support the operation.
func (r *Registry) Masking(name string, args *Args) (*tensors.Tensor, error) {
	hook := r.Get(name)
	masker, ok := hook.(Masker)
	if !ok {
		Panicf("hook %q (%T) does not support operation Masking", name, hook)
	}
	return masker.Masking(args)
}
