// Copyright 2024 The gVisor Authors.
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

package vm

import "sync/atomic"

// Stats is a snapshot of package-wide virtual memory counters.
type Stats struct {
	FramesCommitted uint64 `json:"frames_committed"`
	FramesReleased  uint64 `json:"frames_released"`
	ZeroFills       uint64 `json:"zero_fills"`
	CowCopies       uint64 `json:"cow_copies"`
	CowMoves        uint64 `json:"cow_moves"`
	ClonesCreated   uint64 `json:"clones_created"`
	HiddenMerges    uint64 `json:"hidden_merges"`
	MappingsCreated uint64 `json:"mappings_created"`
	PageFaults      uint64 `json:"page_faults"`
	FatalFaults     uint64 `json:"fatal_faults"`
}

var stats struct {
	framesCommitted atomic.Uint64
	framesReleased  atomic.Uint64
	zeroFills       atomic.Uint64
	cowCopies       atomic.Uint64
	cowMoves        atomic.Uint64
	clonesCreated   atomic.Uint64
	hiddenMerges    atomic.Uint64
	mappingsCreated atomic.Uint64
	pageFaults      atomic.Uint64
	fatalFaults     atomic.Uint64
}

// ReadStats returns the current counters. Counters only increase.
func ReadStats() Stats {
	return Stats{
		FramesCommitted: stats.framesCommitted.Load(),
		FramesReleased:  stats.framesReleased.Load(),
		ZeroFills:       stats.zeroFills.Load(),
		CowCopies:       stats.cowCopies.Load(),
		CowMoves:        stats.cowMoves.Load(),
		ClonesCreated:   stats.clonesCreated.Load(),
		HiddenMerges:    stats.hiddenMerges.Load(),
		MappingsCreated: stats.mappingsCreated.Load(),
		PageFaults:      stats.pageFaults.Load(),
		FatalFaults:     stats.fatalFaults.Load(),
	}
}

// Sub returns the counter increments from old to s.
func (s Stats) Sub(old Stats) Stats {
	return Stats{
		FramesCommitted: s.FramesCommitted - old.FramesCommitted,
		FramesReleased:  s.FramesReleased - old.FramesReleased,
		ZeroFills:       s.ZeroFills - old.ZeroFills,
		CowCopies:       s.CowCopies - old.CowCopies,
		CowMoves:        s.CowMoves - old.CowMoves,
		ClonesCreated:   s.ClonesCreated - old.ClonesCreated,
		HiddenMerges:    s.HiddenMerges - old.HiddenMerges,
		MappingsCreated: s.MappingsCreated - old.MappingsCreated,
		PageFaults:      s.PageFaults - old.PageFaults,
		FatalFaults:     s.FatalFaults - old.FatalFaults,
	}
}
