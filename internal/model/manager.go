// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package model defines the durable entities owned by the document store and
// the volatile session state owned by the authorisation proxy.
package model

import "time"

// ManagerStatus is the lifecycle state of a Manager account.
type ManagerStatus string

const (
	ManagerActive    ManagerStatus = "active"
	ManagerInactive  ManagerStatus = "inactive"
	ManagerSuspended ManagerStatus = "suspended"
)

// Manager is a workflow-submitting account. Username and Email are globally
// unique; PasswordHash never equals the plaintext password.
type Manager struct {
	ID           string        `json:"id"`
	Username     string        `json:"username"`
	Email        string        `json:"email"`
	PasswordHash string        `json:"password_hash"`
	Status       ManagerStatus `json:"status"`
	RegisteredAt time.Time     `json:"registered_at"`
	LastLogin    *time.Time    `json:"last_login,omitempty"`
}
