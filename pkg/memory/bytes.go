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

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	// MaxMemory denotes an unlimited byte capacity.
	MaxMemory int64 = math.MaxInt64

	// MinAlignment is the smallest supported allocation alignment.
	MinAlignment int64 = 16
	// MaxAlignment is the largest supported allocation alignment.
	MaxAlignment int64 = 64

	// PageSize is the machine page size assumed for page-oriented allocations.
	PageSize int64 = 4096
)

// SuccinctBytes returns a compact human-readable rendering of a byte count,
// using two-decimal binary units above 1KiB. MaxMemory renders as UNLIMITED.
// This format is part of the diagnostic output contract and must not change.
func SuccinctBytes(v int64) string {
	if v == MaxMemory {
		return "UNLIMITED"
	}
	if v < 0 {
		return "-" + SuccinctBytes(-v)
	}
	if v < 1024 {
		return strconv.FormatInt(v, 10) + "B"
	}

	units := []string{"KB", "MB", "GB", "TB", "PB"}
	div := int64(1024)
	for i := 0; i < len(units); i, div = i+1, div<<10 {
		if val := v / div; val < 1024 || i == len(units)-1 {
			return fmt.Sprintf("%.2f%s", float64(v)/float64(div), units[i])
		}
	}

	return strconv.FormatInt(v, 10) + "B" // unreachable
}

// ParseBytes parses a byte size with an optional B/KB/MB/GB/TB suffix.
func ParseBytes(str string) (int64, error) {
	s := strings.TrimSpace(str)
	mult := int64(1)

	upper := strings.ToUpper(s)
	for _, sfx := range []struct {
		suffix string
		mult   int64
	}{
		{"TB", 1 << 40},
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	} {
		if strings.HasSuffix(upper, sfx.suffix) {
			s = strings.TrimSpace(s[:len(s)-len(sfx.suffix)])
			mult = sfx.mult
			break
		}
	}

	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid byte size %q", ErrInvalidConfig, str)
	}
	if v < 0 {
		return 0, fmt.Errorf("%w: negative byte size %q", ErrInvalidConfig, str)
	}

	return v * mult, nil
}

// roundUp rounds v up to the next multiple of align. align must be positive.
func roundUp(v, align int64) int64 {
	return (v + align - 1) / align * align
}

// quantizedSize returns the reservation size for a given usage. Reservations
// are held in coarse quanta so that small usage changes do not ripple through
// the pool tree on every allocation.
func quantizedSize(size int64) int64 {
	switch {
	case size == 0:
		return 0
	case size < 16<<20:
		return roundUp(size, 1<<20)
	case size < 64<<20:
		return roundUp(size, 4<<20)
	default:
		return roundUp(size, 8<<20)
	}
}

// validateAlignment checks a requested allocation alignment and maps it to
// the effective one. Zero and values up to MinAlignment round up to
// MinAlignment. MaxAlignment is accepted exactly. Anything strictly between
// the two, or above MaxAlignment, is rejected.
func validateAlignment(alignment int64) (int64, error) {
	switch {
	case alignment <= MinAlignment:
		return MinAlignment, nil
	case alignment == MaxAlignment:
		return MaxAlignment, nil
	default:
		return 0, fmt.Errorf("%w: unsupported alignment %d (supported: <=%d or exactly %d)",
			ErrInvalidConfig, alignment, MinAlignment, MaxAlignment)
	}
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
