package tern

import (
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/terndb/tern/metalog"
	"github.com/terndb/tern/runfile"
)

// CleanupOrphanRuns deletes run files the metadata log no longer
// accounts for: runs that were dropped but whose forget record never
// committed, runs prepared by a crashed task, and files with no log
// record at all. Called once on engine start, before the scheduler
// runs.
func CleanupOrphanRuns(log *metalog.Log, env *RunEnv) error {
	top, err := log.Replay()
	if err != nil {
		return err
	}

	var errs *multierror.Error
	forgotten := 0
	for _, id := range top.Orphans() {
		if err := runfile.RemoveFiles(env.Dir, id); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		log.TxBegin()
		log.ForgetRun(id)
		log.TxTryCommit()
		forgotten++
	}

	// A file the log knows nothing about can only be garbage.
	entries, err := os.ReadDir(env.Dir)
	if err != nil {
		return multierror.Append(errs, err).ErrorOrNil()
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, runfile.RunExtension) {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSuffix(name, runfile.RunExtension), 10, 64)
		if err != nil {
			continue
		}
		st := top.Runs[id]
		if st == nil || (!st.Created && !st.Prepared) {
			if err := runfile.RemoveFiles(env.Dir, id); err != nil {
				errs = multierror.Append(errs, err)
			} else {
				forgotten++
			}
		}
	}

	if forgotten > 0 {
		env.Logger.Info("removed orphan run files", "count", forgotten)
	}
	return errs.ErrorOrNil()
}

// ReplayTopology re-reads the metadata log into the structural
// state the host rebuilds its LSM trees from.
func ReplayTopology(log *metalog.Log) (*metalog.Topology, error) {
	return log.Replay()
}
