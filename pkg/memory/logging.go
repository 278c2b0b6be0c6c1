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
	logger "github.com/colex-db/colex/pkg/log"
)

var (
	log     = logger.Get("memory")
	details = logger.Get("memory-details")
)

// DumpPools logs the current state of the pool forest.
func (m *Manager) DumpPools() {
	if !details.DebugEnabled() {
		return
	}

	m.mu.RLock()
	roots := make([]*Pool, 0, len(m.roots)+1)
	roots = append(roots, m.sysRoot)
	for _, root := range m.roots {
		roots = append(roots, root)
	}
	m.mu.RUnlock()

	details.Debug("pool forest:")
	for _, root := range roots {
		dumpPoolTree(root, "  ")
	}
}

func dumpPoolTree(p *Pool, indent string) {
	details.Debug("%s%s", indent, p)
	p.VisitChildren(func(child *Pool) bool {
		dumpPoolTree(child, indent+"  ")
		return true
	})
}
