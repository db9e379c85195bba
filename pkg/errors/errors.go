// Copyright (c) 2021 Andy Pan
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

package errors

import "errors"

var (
	// ErrEnvironment occurs when the compute API cannot be initialized.
	ErrEnvironment = errors.New("gpulock: compute environment unavailable")
	// ErrNoDevice occurs when no physical device is visible or the requested index is out of range.
	ErrNoDevice = errors.New("gpulock: no such compute device")
	// ErrNoComputeQueue occurs when a device exposes no queue family with compute capability.
	ErrNoComputeQueue = errors.New("gpulock: no compute-capable queue family")
	// ErrUnknownDriver occurs when a driver name was never registered.
	ErrUnknownDriver = errors.New("gpulock: unknown compute driver")

	// ErrNoMemoryType occurs when no memory type satisfies both the requirement mask and the property flags.
	ErrNoMemoryType = errors.New("gpulock: no suitable memory type")
	// ErrMemoryNotHostVisible occurs when mapping memory the host cannot see.
	ErrMemoryNotHostVisible = errors.New("gpulock: memory is not host-visible")
	// ErrInvalidKernelBlob occurs when a kernel blob is empty, unaligned or not a kernel binary.
	ErrInvalidKernelBlob = errors.New("gpulock: invalid kernel blob")
	// ErrBindingMismatch occurs when the buffer list does not match the bindings a kernel declares.
	ErrBindingMismatch = errors.New("gpulock: kernel binding count mismatch")
	// ErrResourceCreation occurs when the driver fails to create an object.
	ErrResourceCreation = errors.New("gpulock: resource creation failed")

	// ErrInvalidGeometry occurs when a workgroup count or size is zero.
	ErrInvalidGeometry = errors.New("gpulock: workgroup count and size must be positive")
	// ErrGeometryNotSet occurs when preparing a kernel before both workgroup count and size are set.
	ErrGeometryNotSet = errors.New("gpulock: workgroup geometry not set")
	// ErrNotPrepared occurs when running a kernel that has no recorded command sequence.
	ErrNotPrepared = errors.New("gpulock: kernel not prepared")
	// ErrInvalidBufferSize occurs when a buffer is requested with zero words.
	ErrInvalidBufferSize = errors.New("gpulock: buffer must hold at least one word")
	// ErrTeardownOrder occurs when a parent object is destroyed while children are still alive.
	ErrTeardownOrder = errors.New("gpulock: object destroyed before its children")
	// ErrStaleHandle occurs when a handle refers to an object that was already destroyed.
	ErrStaleHandle = errors.New("gpulock: stale or unknown handle")
	// ErrTornDown occurs when an object is used after its teardown.
	ErrTornDown = errors.New("gpulock: object already torn down")

	// ErrInvalidConfig occurs when a benchmark configuration has a zero or missing parameter.
	ErrInvalidConfig = errors.New("gpulock: invalid benchmark configuration")
	// ErrMeasurementAnomaly occurs when a kernel reports more successes than attempted.
	ErrMeasurementAnomaly = errors.New("gpulock: measurement anomaly")
)
