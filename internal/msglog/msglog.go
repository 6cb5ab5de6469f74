// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package msglog records an append-only log of every publication made by the
// coordinator client. Insertion failures are logged but never block the
// publication they describe.
package msglog

import (
	"time"

	"github.com/google/uuid"

	"github.com/yvespollah/coordinator/internal/clog"
	"github.com/yvespollah/coordinator/internal/model"
	"github.com/yvespollah/coordinator/internal/store"
)

const collection = "messagelog"

// Logger appends MessageLogEntry rows to a document store.
type Logger struct {
	*clog.CLogger
	store store.Store
}

// New builds a Logger backed by s.
func New(s store.Store) *Logger {
	return &Logger{CLogger: clog.New("msglog "), store: s}
}

// Record inserts entry, minting an id if absent and stamping Timestamp if
// zero. A storage failure is logged and swallowed: callers must not let a
// logging failure prevent the publication it describes from proceeding.
func (l *Logger) Record(entry model.MessageLogEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if err := l.store.Insert(collection, entry.ID, entry); err != nil {
		l.Errorf("msglog: recording entry for channel %s failed: %v", entry.Channel, err)
	}
}
