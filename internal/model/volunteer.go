// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package model

import "time"

// VolunteerStatus is the current availability of a compute node.
type VolunteerStatus string

const (
	VolunteerAvailable VolunteerStatus = "available"
	VolunteerBusy      VolunteerStatus = "busy"
	VolunteerOffline   VolunteerStatus = "offline"
)

// Performance tracks a Volunteer's task outcome history and trust score.
type Performance struct {
	TasksTotal     int     `json:"tasks_total"`
	TasksCompleted int     `json:"tasks_completed"`
	TasksFailed    int     `json:"tasks_failed"`
	TrustScore     float64 `json:"trust_score"`
}

// Recompute derives TrustScore from TasksCompleted and TasksTotal, per the
// invariant trust_score = 100 * tasks_completed / max(1, tasks_total).
func (p *Performance) Recompute() {
	denom := p.TasksTotal
	if denom < 1 {
		denom = 1
	}
	score := 100 * float64(p.TasksCompleted) / float64(denom)
	switch {
	case score < 0:
		score = 0
	case score > 100:
		score = 100
	}
	p.TrustScore = score
}

// EstimatedResources is the resource envelope a Workflow or Task requires, and
// the resource envelope a Volunteer advertises.
type EstimatedResources struct {
	CPUCores int  `json:"cpu_cores"`
	MemoryMB int  `json:"memory_mb"`
	DiskMB   int  `json:"disk_mb"`
	GPU      bool `json:"gpu"`
}

// Dominates reports whether the receiver (a Volunteer's capacity) meets or
// exceeds every axis of the requirement, including the GPU implication: a
// requirement of GPU=true can only be satisfied by a volunteer that has one.
func (capacity EstimatedResources) Dominates(req EstimatedResources) bool {
	if req.GPU && !capacity.GPU {
		return false
	}
	return capacity.CPUCores >= req.CPUCores &&
		capacity.MemoryMB >= req.MemoryMB &&
		capacity.DiskMB >= req.DiskMB
}

// DefaultEstimatedResources is used to fill in a workflow submission that
// omits estimated_resources entirely.
func DefaultEstimatedResources() EstimatedResources {
	return EstimatedResources{CPUCores: 2, MemoryMB: 1024, DiskMB: 500, GPU: false}
}

// Volunteer is a registered compute node. Username is globally unique;
// MachineFingerprint is the dedup key used by registration (see fingerprint.go
// in package auth).
type Volunteer struct {
	ID                 string            `json:"id"`
	Username           string            `json:"username"`
	PasswordHash       string            `json:"password_hash"`
	Name               string            `json:"name"`
	CPUModel           string            `json:"cpu_model"`
	CPUCores           int               `json:"cpu_cores"`
	TotalRAMMB         int               `json:"total_ram_mb"`
	AvailableStorageGB int               `json:"available_storage_gb"`
	OS                 string            `json:"os"`
	GPUAvailable       bool              `json:"gpu_available"`
	GPUModel           string            `json:"gpu_model,omitempty"`
	GPUMemoryMB        int               `json:"gpu_memory_mb,omitempty"`
	IP                 string            `json:"ip"`
	Port               int               `json:"port"`
	Status             VolunteerStatus   `json:"status"`
	LastActivity       time.Time         `json:"last_activity"`
	Performance        Performance       `json:"performance"`
	MachineFingerprint map[string]string `json:"machine_fingerprint"`
}

// Resources returns the Volunteer's advertised capacity as an
// EstimatedResources value, for comparison against a requirement via
// Dominates.
func (v Volunteer) Resources() EstimatedResources {
	return EstimatedResources{
		CPUCores: v.CPUCores,
		MemoryMB: v.TotalRAMMB,
		DiskMB:   v.AvailableStorageGB * 1024,
		GPU:      v.GPUAvailable,
	}
}
