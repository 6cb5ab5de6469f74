// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSelectOrdersByTrustThenCompletedThenID(t *testing.T) {
	req := Resources{CPUCores: 2, MemoryMB: 1024, DiskMB: 500}
	capacity := Resources{CPUCores: 4, MemoryMB: 2048, DiskMB: 1000}

	volunteers := []Volunteer{
		{ID: "low", Available: true, Resources: capacity, TrustScore: 10},
		{ID: "high", Available: true, Resources: capacity, TrustScore: 90},
		{ID: "mid", Available: true, Resources: capacity, TrustScore: 50},
	}

	got := Select(volunteers, req)
	require.Len(t, got, 3)
	require.Equal(t, []string{"high", "mid", "low"}, []string{got[0].ID, got[1].ID, got[2].ID})
}

func TestSelectExcludesUnavailableAndUnderpowered(t *testing.T) {
	req := Resources{CPUCores: 4, MemoryMB: 4096, DiskMB: 2000}

	volunteers := []Volunteer{
		{ID: "busy", Available: false, Resources: Resources{CPUCores: 8, MemoryMB: 8192, DiskMB: 4000}, TrustScore: 90},
		{ID: "weak", Available: true, Resources: Resources{CPUCores: 1, MemoryMB: 512, DiskMB: 100}, TrustScore: 90},
	}

	require.Empty(t, Select(volunteers, req))
}

func TestSelectBreaksTiesByTasksCompletedThenID(t *testing.T) {
	req := Resources{}
	capacity := Resources{CPUCores: 1, MemoryMB: 1, DiskMB: 1}

	volunteers := []Volunteer{
		{ID: "b", Available: true, Resources: capacity, TrustScore: 50, TasksCompleted: 3},
		{ID: "a", Available: true, Resources: capacity, TrustScore: 50, TasksCompleted: 3},
		{ID: "c", Available: true, Resources: capacity, TrustScore: 50, TasksCompleted: 5},
	}

	got := Select(volunteers, req)
	require.Equal(t, []string{"c", "a", "b"}, []string{got[0].ID, got[1].ID, got[2].ID})
}

func TestGPURequirementExcludesNonGPUVolunteers(t *testing.T) {
	req := Resources{GPU: true}

	volunteers := []Volunteer{
		{ID: "no-gpu", Available: true, Resources: Resources{CPUCores: 99, MemoryMB: 99999, DiskMB: 99999, GPU: false}, TrustScore: 100},
		{ID: "gpu", Available: true, Resources: Resources{CPUCores: 1, MemoryMB: 1, DiskMB: 1, GPU: true}, TrustScore: 1},
	}

	got := Select(volunteers, req)
	require.Len(t, got, 1)
	require.Equal(t, "gpu", got[0].ID)
}
