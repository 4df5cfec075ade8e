// Copyright (c) StateFlow Authors.
// Licensed under the MIT License.

/*
Package persistence stores completed workflow runs for audit and replay.

# Overview

Every run of the state machine produces a Result with its full turn
history. The engine itself keeps nothing after a run returns; this package
is where runs go when the caller wants them back later. Saving is
best-effort at termination, so a broken store never fails a run.

# Interface

RunStore is the single storage abstraction: SaveRun, GetRun, ListRuns,
DeleteRun, Cleanup, plus Ping and Close for lifecycle. Lookup misses are
reported as ErrNotFound and matched with errors.Is.

# Backends

  - Memory: development and testing, lost on restart.
  - File: one JSON document per run, written atomically, for single-node
    deployments.
  - Redis: run documents plus sorted-set indexes by start time and
    workflow name, for distributed deployments.
  - Database: a GORM-backed table (sqlite, postgres, or mysql behind the
    shared pool) with the full result as a JSON payload column.

# Usage

The factory builds the self-contained backends from configuration:

	store, err := persistence.NewRunStore(cfg)

The database backend rides on a pool owned by the caller and is built
directly:

	store, err := persistence.NewDatabaseRunStore(pool.DB())
*/
package persistence
