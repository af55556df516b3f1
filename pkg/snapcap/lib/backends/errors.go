// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backends

import "errors"

var (
	// ErrModelLoad is returned when a model graph cannot be loaded:
	// missing file, corrupt graph, or shape-incompatible at construction.
	ErrModelLoad = errors.New("model load failed")

	// ErrInference is returned when a run call is rejected by the graph,
	// typically because input shapes do not match its declared signature.
	ErrInference = errors.New("inference failed")

	// ErrRuntimeFault is returned for internal execution failures of the
	// native runtime that are not attributable to the caller's inputs.
	ErrRuntimeFault = errors.New("runtime fault")

	// ErrShapeMismatch is returned when a tensor produced by one stage
	// violates the contract the next stage expects.
	ErrShapeMismatch = errors.New("tensor shape mismatch")
)
