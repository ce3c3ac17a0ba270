// Copyright 2024 New Vector Ltd.
// Copyright 2023 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/element-hq/syncstream/setup/config"
	"github.com/element-hq/syncstream/setup/process"
)

type Connections struct {
	globalConfig        config.DatabaseOptions
	processContext      *process.ProcessContext
	mu                  sync.Mutex
	existingConnections map[config.DataSource]*con
}

type con struct {
	db     *sql.DB
	writer Writer
}

func NewConnectionManager(processCtx *process.ProcessContext, globalConfig config.DatabaseOptions) *Connections {
	return &Connections{
		globalConfig:        globalConfig,
		processContext:      processCtx,
		existingConnections: make(map[config.DataSource]*con),
	}
}

// Connection returns a database and writer for the given options, falling
// back to the global options when dbProperties has no connection string.
// Connections are shared between callers asking for the same connection string.
func (c *Connections) Connection(dbProperties *config.DatabaseOptions) (*sql.DB, Writer, error) {
	// If no connectionString was provided, try the global one
	if dbProperties.ConnectionString == "" {
		dbProperties = &c.globalConfig
		// If we still don't have a connection string, that's a problem
		if dbProperties.ConnectionString == "" {
			return nil, nil, fmt.Errorf("no database connections configured")
		}
	}

	writer := NewDummyWriter()
	if dbProperties.ConnectionString.IsSQLite() {
		writer = NewExclusiveWriter()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.existingConnections[dbProperties.ConnectionString]; ok {
		// We found an existing connection
		return existing.db, existing.writer, nil
	}

	// Open a new database connection using the supplied config.
	db, err := Open(dbProperties, writer)
	if err != nil {
		return nil, nil, err
	}
	c.existingConnections[dbProperties.ConnectionString] = &con{db: db, writer: writer}
	if c.processContext == nil {
		return db, writer, nil
	}
	// If we have a ProcessContext, start a component and wait for
	// Dendrite to shut down to cleanly close the database connection.
	c.processContext.ComponentStarted()
	go func() {
		<-c.processContext.WaitForShutdown()
		if err := db.Close(); err != nil {
			logrus.WithError(err).Error("Failed to close database connection")
		}
		c.processContext.ComponentFinished()
	}()
	return db, writer, nil
}
