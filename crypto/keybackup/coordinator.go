// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keybackup

import (
	"go.mau.fi/util/exsync"

	"go.mau.fi/e2ee/id"
)

// Coordinator tracks which backup versions have a restore attempt in progress.
// Engines that restore into the same session store must share a Coordinator.
type Coordinator struct {
	inProgress *exsync.Set[id.KeyBackupVersion]
}

func NewCoordinator() *Coordinator {
	return &Coordinator{inProgress: exsync.NewSet[id.KeyBackupVersion]()}
}

func (c *Coordinator) acquire(version id.KeyBackupVersion) bool {
	return c.inProgress.Add(version)
}

func (c *Coordinator) release(version id.KeyBackupVersion) {
	c.inProgress.Remove(version)
}

// InProgress returns true if a restore of the given version is currently held by an engine.
func (c *Coordinator) InProgress(version id.KeyBackupVersion) bool {
	return c.inProgress.Has(version)
}
