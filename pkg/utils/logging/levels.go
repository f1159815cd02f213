/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logging holds the klog verbosity levels shared across the module.
package logging

const (
	// DEFAULT is the verbosity of operator-facing messages.
	DEFAULT = 2
	// VERBOSE adds lifecycle detail such as context binding.
	VERBOSE = 3
	// DEBUG adds per-call detail such as scratch growth.
	DEBUG = 4
	// TRACE adds per-step payloads (masks, accepted counts).
	TRACE = 5
)
