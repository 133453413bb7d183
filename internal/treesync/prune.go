package treesync

import (
	"context"
	"fmt"
	"log/slog"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/treesync/internal/remote"
	"github.com/openmined/treesync/internal/syncerr"
	"golang.org/x/sync/errgroup"
)

// prune removes destination entries without a source counterpart. It runs
// after every transfer has settled, so it never sees a half written
// artifact of the current run.
func (s *Synchronizer) prune(ctx context.Context, log *slog.Logger, report *Report, dirs []*Dir, protected map[string][]string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	work := context.WithoutCancel(ctx)

	for _, dir := range dirs {
		if gctx.Err() != nil {
			break
		}
		if dir.Err != nil {
			log.Warn("prune skipped", "path", dir.Rel, "reason", "directory not fully read")
			continue
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			return s.pruneDir(work, log, report, dir, protected[dir.Rel])
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Synchronizer) pruneDir(ctx context.Context, log *slog.Logger, report *Report, dir *Dir, protected []string) error {
	dstDir := s.dest.Path(dir.Rel)
	res, err := remote.Run(ctx, s.exec, s.dest, remote.ListDir(dstDir))
	if err != nil {
		if s.opts.DryRun && syncerr.KindOf(err) == syncerr.KindCommand {
			// a dry run never created the directory
			log.Debug("prune list", "path", dir.Rel, "error", err)
			return nil
		}
		report.addFailure(dir.Rel, "list", err, false)
		return fmt.Errorf("list %s: %w", dstDir, err)
	}

	kept := mapset.NewThreadUnsafeSet[string](protected...)
	kept.Append(dir.Other...)
	files := kept.Clone()
	for _, f := range dir.Files {
		files.Add(f.Name)
	}
	subdirs := kept.Clone()
	subdirs.Append(dir.Dirs...)

	for _, e := range remote.ParseEntries(res.Stdout) {
		rel := dir.RelPath(e.Name)
		if e.IsDir() {
			if subdirs.Contains(e.Name) || s.opts.Exclude.Excluded(rel, true) {
				continue
			}
			if !s.opts.PruneOrphanDirs {
				log.Debug("sync", "op", DecisionKeepOrphan, "path", rel)
				continue
			}
			if err := s.remove(ctx, log, report, rel, remote.RemoveTree(s.dest.Path(rel))); err != nil {
				return err
			}
			continue
		}

		if files.Contains(e.Name) || s.opts.Exclude.Excluded(rel, false) {
			continue
		}
		if err := s.remove(ctx, log, report, rel, remote.Remove(s.dest.Path(rel))); err != nil {
			return err
		}
	}
	return nil
}

func (s *Synchronizer) remove(ctx context.Context, log *slog.Logger, report *Report, rel string, cmd remote.Command) error {
	log.Info("sync", "op", DecisionDeleteOrphan, "path", rel)
	if s.opts.DryRun {
		report.addDeleted()
		return nil
	}
	if _, err := remote.Run(ctx, s.exec, s.dest, cmd); err != nil {
		return s.fail(log, report, rel, "delete", err, false)
	}
	report.addDeleted()
	s.forget(log, rel)
	return nil
}
