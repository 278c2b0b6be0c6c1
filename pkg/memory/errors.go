// Copyright The Colex Authors. All Rights Reserved.
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

package memory

import "fmt"

var (
	ErrCapacityExceeded = fmt.Errorf("memory: exceeded memory pool capacity")
	ErrAllocatorLimit   = fmt.Errorf("memory: exceeded memory allocator limit")
	ErrDuplicateName    = fmt.Errorf("memory: duplicate pool name")
	ErrDuplicateKind    = fmt.Errorf("memory: duplicate arbitrator kind")
	ErrUnknownKind      = fmt.Errorf("memory: unknown arbitrator kind")
	ErrUnsupported      = fmt.Errorf("memory: unsupported operation")
	ErrInvalidConfig    = fmt.Errorf("memory: invalid configuration")
	ErrPoolRejected     = fmt.Errorf("memory: arbitrator rejected pool")
	ErrAlreadySet       = fmt.Errorf("memory: process memory manager already initialized")
	ErrInvalidSize      = fmt.Errorf("memory: invalid allocation size")
)
