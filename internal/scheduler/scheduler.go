// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package scheduler selects and ranks volunteers for a resource estimate,
// shared by workflow intake and task reassignment.
package scheduler

import "sort"

// Volunteer is the subset of model.Volunteer the selection procedure needs,
// kept narrow so callers from both workflow intake and performance
// accounting can build it from whatever projection they hold.
type Volunteer struct {
	ID             string
	Available      bool
	Resources      Resources
	TrustScore     float64
	TasksCompleted int
}

// Resources mirrors model.EstimatedResources to avoid an import cycle between
// scheduler and model; callers convert at the boundary.
type Resources struct {
	CPUCores int
	MemoryMB int
	DiskMB   int
	GPU      bool
}

// Dominates reports whether the receiver (a volunteer's capacity) meets or
// exceeds every axis of req, including the GPU implication.
func (capacity Resources) Dominates(req Resources) bool {
	if req.GPU && !capacity.GPU {
		return false
	}
	return capacity.CPUCores >= req.CPUCores &&
		capacity.MemoryMB >= req.MemoryMB &&
		capacity.DiskMB >= req.DiskMB
}

// Select filters volunteers to those available and whose resources dominate
// req, then sorts by trust score descending, tasks completed descending, and
// id ascending.
func Select(volunteers []Volunteer, req Resources) []Volunteer {
	var out []Volunteer
	for _, v := range volunteers {
		if !v.Available {
			continue
		}
		if !v.Resources.Dominates(req) {
			continue
		}
		out = append(out, v)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.TrustScore != b.TrustScore {
			return a.TrustScore > b.TrustScore
		}
		if a.TasksCompleted != b.TasksCompleted {
			return a.TasksCompleted > b.TasksCompleted
		}
		return a.ID < b.ID
	})
	return out
}
