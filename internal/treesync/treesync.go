// Package treesync mirrors a source directory tree onto a destination host.
//
// A run walks the source, creates every destination directory before any file
// inside it is scheduled, and fans the files out to a bounded pool of workers.
// Each worker compares fingerprints and transfers only files that differ.
// Per-file failures are reported and the run carries on; failures on a
// directory or on a connection abort it. When deletion is enabled, a final
// phase removes destination files that have no source counterpart.
package treesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/openmined/treesync/internal/fingerprint"
	"github.com/openmined/treesync/internal/manifest"
	"github.com/openmined/treesync/internal/remote"
	"github.com/openmined/treesync/internal/syncerr"
	"github.com/openmined/treesync/internal/transfer"
	"golang.org/x/sync/errgroup"
)

const DefaultWorkers = 4

// Transferer moves one file from source to destination.
type Transferer interface {
	Transfer(ctx context.Context, src, dst remote.Location, mode transfer.Mode) error
}

// Options tune a run. The zero value syncs directly with md5, four workers,
// no deletion and no ownership change.
type Options struct {
	Mode             transfer.Mode
	DeleteExtraFiles bool
	// PruneOrphanDirs also removes destination directories that have no
	// source counterpart. It only applies when DeleteExtraFiles is set.
	PruneOrphanDirs bool
	Owner           remote.Owner
	Algorithm       fingerprint.Algorithm
	Workers         int
	DryRun          bool
	Exclude         *ExcludeList
	Manifest        *manifest.Manifest
	// TrustManifest skips the destination digest for files whose source is
	// unchanged since the manifest recorded them.
	TrustManifest bool
}

// Synchronizer runs syncs from one source to one destination.
type Synchronizer struct {
	source   Source
	dest     remote.Endpoint
	exec     remote.Executor
	transfer Transferer
	opts     Options
	scope    string
}

func New(source Source, dest remote.Endpoint, exec remote.Executor, xfer Transferer, opts Options) *Synchronizer {
	if opts.Mode == "" {
		opts.Mode = transfer.ModeDirect
	}
	if opts.Algorithm == "" {
		opts.Algorithm = fingerprint.Default
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	return &Synchronizer{
		source:   source,
		dest:     dest,
		exec:     exec,
		transfer: xfer,
		opts:     opts,
		scope:    manifest.Scope(source.Endpoint().String(), dest.String()),
	}
}

// Run performs one sync. The report is always returned. The error is non-nil
// when the run was aborted, either by a connection or directory failure or by
// ctx being cancelled. Work already running when ctx is cancelled finishes;
// no new work starts.
func (s *Synchronizer) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		RunID:       uuid.NewString(),
		DryRun:      s.opts.DryRun,
		Source:      s.source.Endpoint().String(),
		Destination: s.dest.String(),
		StartedAt:   time.Now(),
	}
	defer func() { report.Duration = time.Since(report.StartedAt) }()

	log := slog.With("run", report.RunID)
	log.Info("sync start",
		"source", report.Source,
		"destination", report.Destination,
		"mode", s.opts.Mode,
		"algorithm", s.opts.Algorithm,
		"workers", s.opts.Workers,
		"delete", s.opts.DeleteExtraFiles,
		"dryRun", s.opts.DryRun,
	)

	err := s.run(ctx, log, report)
	if err != nil {
		report.abort(err)
		log.Error("sync aborted", "error", err)
	}

	log.Info("sync done",
		"dirs", report.Dirs,
		"transferred", report.Transferred,
		"skipped", report.Skipped,
		"deleted", report.Deleted,
		"failed", report.Failed,
		"bytes", report.HumanBytes(),
		"took", time.Since(report.StartedAt),
	)
	return report, err
}

func (s *Synchronizer) run(ctx context.Context, log *slog.Logger, report *Report) error {
	dirs, err := s.source.Walk(ctx)
	if err != nil {
		return fmt.Errorf("walk source: %w", err)
	}
	dirs, protected := s.opts.Exclude.filter(dirs)

	if err := s.syncTree(ctx, log, report, dirs); err != nil {
		return err
	}

	if !s.opts.DeleteExtraFiles {
		return nil
	}
	return s.prune(ctx, log, report, dirs, protected)
}

// syncTree creates directories in walk order and schedules each directory's
// files only once the directory exists.
func (s *Synchronizer) syncTree(ctx context.Context, log *slog.Logger, report *Report, dirs []*Dir) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)

	// started work runs to completion even after a stop request
	work := context.WithoutCancel(ctx)

	var dispatchErr error
dispatch:
	for _, dir := range dirs {
		if gctx.Err() != nil {
			break
		}
		if dir.Err != nil {
			report.addFailure(dir.Rel, "walk", dir.Err, false)
		}
		if err := s.ensureDir(work, log, report, dir); err != nil {
			dispatchErr = err
			break
		}

		for _, batch := range s.batches(dir) {
			if gctx.Err() != nil {
				break dispatch
			}
			g.Go(func() error {
				for _, f := range batch {
					if gctx.Err() != nil {
						return nil
					}
					if err := s.syncFile(work, log, report, dir, f); err != nil {
						return err
					}
				}
				return nil
			})
		}
	}

	waitErr := g.Wait()
	switch {
	case waitErr != nil:
		return waitErr
	case dispatchErr != nil:
		return dispatchErr
	}
	return ctx.Err()
}

// batches groups the files of dir into units of work. In compressed mode the
// artifact of "x" is written to "x.gz" on the destination, so "x", "x.gz",
// "x.gz.gz" and so on share one batch and run shortest name first.
func (s *Synchronizer) batches(dir *Dir) [][]File {
	out := make([][]File, 0, len(dir.Files))
	if s.opts.Mode != transfer.ModeCompressed {
		for _, f := range dir.Files {
			out = append(out, []File{f})
		}
		return out
	}

	index := make(map[string]int, len(dir.Files))
	for _, f := range dir.Files {
		base := f.Name
		for strings.HasSuffix(base, transfer.ArtifactSuffix) {
			base = strings.TrimSuffix(base, transfer.ArtifactSuffix)
		}
		if i, ok := index[base]; ok {
			out[i] = append(out[i], f)
			continue
		}
		index[base] = len(out)
		out = append(out, []File{f})
	}
	for _, batch := range out {
		sort.SliceStable(batch, func(i, j int) bool { return len(batch[i].Name) < len(batch[j].Name) })
	}
	return out
}

func (s *Synchronizer) ensureDir(ctx context.Context, log *slog.Logger, report *Report, dir *Dir) error {
	dst := s.dest.Path(dir.Rel)
	log.Debug("sync", "op", DecisionCreateDir, "path", dir.Rel)
	report.addDir()
	if s.opts.DryRun {
		return nil
	}

	if _, err := remote.Run(ctx, s.exec, s.dest, remote.MakeDir(dst)); err != nil {
		report.addFailure(dir.Rel, "mkdir", err, false)
		return fmt.Errorf("create directory %s: %w", dst, err)
	}
	return nil
}

// syncFile brings one file up to date. It returns an error only when the run
// must stop; anything else is recorded in the report.
func (s *Synchronizer) syncFile(ctx context.Context, log *slog.Logger, report *Report, dir *Dir, f File) error {
	rel := dir.RelPath(f.Name)
	algo := s.opts.Algorithm

	cached := s.lookup(log, rel, f)

	var srcFp fingerprint.Fingerprint
	if cached != nil {
		srcFp = cached.Fingerprint
	} else {
		fp, err := s.source.Fingerprint(ctx, algo, rel)
		if err != nil {
			return s.fail(log, report, rel, "fingerprint source", err, true)
		}
		srcFp = fp
	}

	if cached != nil && s.opts.TrustManifest {
		log.Debug("sync", "op", DecisionSkip, "path", rel, "reason", "manifest")
		report.addSkipped()
		return nil
	}

	dstPath := s.dest.Path(rel)
	dstFp, exists, err := fingerprint.Remote(ctx, s.exec, s.dest, algo, dstPath)
	if err != nil {
		return s.fail(log, report, rel, "fingerprint destination", err, true)
	}
	if exists && dstFp == srcFp {
		log.Debug("sync", "op", DecisionSkip, "path", rel, "fingerprint", srcFp.Short())
		report.addSkipped()
		s.remember(log, rel, f, srcFp)
		return nil
	}

	log.Info("sync", "op", DecisionTransfer, "path", rel, "size", f.Size, "exists", exists)
	if s.opts.DryRun {
		report.addTransferred(f.Size)
		return nil
	}

	src := remote.Location{Endpoint: s.source.Endpoint(), Path: s.source.Endpoint().Path(rel)}
	dst := remote.Location{Endpoint: s.dest, Path: dstPath}
	if err := s.transfer.Transfer(ctx, src, dst, s.opts.Mode); err != nil {
		return s.fail(log, report, rel, "transfer", err, true)
	}

	if !s.opts.Owner.IsZero() {
		if _, err := remote.Run(ctx, s.exec, s.dest, remote.Chown(s.opts.Owner, dstPath)); err != nil {
			return s.fail(log, report, rel, "chown", err, true)
		}
	}

	report.addTransferred(f.Size)
	s.remember(log, rel, f, srcFp)
	return nil
}

// fail records a per-item failure. Connection failures are returned so the
// worker group stops the run. file marks failures of a source file.
func (s *Synchronizer) fail(log *slog.Logger, report *Report, rel, op string, err error, file bool) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	report.addFailure(rel, op, err, file)
	if syncerr.IsConnection(err) {
		return err
	}
	log.Warn("sync failed", "path", rel, "op", op, "kind", syncerr.KindOf(err), "error", err)
	return nil
}

// lookup returns the manifest record for a source file if it still matches.
func (s *Synchronizer) lookup(log *slog.Logger, rel string, f File) *manifest.Record {
	if s.opts.Manifest == nil {
		return nil
	}
	rec, err := s.opts.Manifest.Get(s.scope, rel)
	if err != nil {
		log.Warn("manifest get", "path", rel, "error", err)
		return nil
	}
	if !rec.Matches(s.opts.Algorithm, f.Size, f.ModTime) {
		return nil
	}
	return rec
}

func (s *Synchronizer) remember(log *slog.Logger, rel string, f File, fp fingerprint.Fingerprint) {
	if s.opts.Manifest == nil || s.opts.DryRun {
		return
	}
	err := s.opts.Manifest.Put(&manifest.Record{
		Scope:       s.scope,
		Path:        rel,
		Algorithm:   s.opts.Algorithm,
		Size:        f.Size,
		ModTime:     f.ModTime,
		Fingerprint: fp,
		SyncedAt:    time.Now(),
	})
	if err != nil {
		log.Warn("manifest put", "path", rel, "error", err)
	}
}

func (s *Synchronizer) forget(log *slog.Logger, rel string) {
	if s.opts.Manifest == nil || s.opts.DryRun {
		return
	}
	if err := s.opts.Manifest.Delete(s.scope, rel); err != nil {
		log.Warn("manifest delete", "path", rel, "error", err)
	}
}
