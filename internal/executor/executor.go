// Package executor performs one backup run: for every eligible inspection
// machine it copies the three image categories onto a rotating set of NAS
// targets, skipping lot folders already present with an unchanged file
// count anywhere in the fleet. The walk/copy primitives follow the
// teacher's backup.go (copyDir/copyFile over filepath.WalkDir); the retry
// wrapper follows its cleanupOldBackups error-tolerant style generalized to
// a bounded-attempt helper.
package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Naoki-ibaragi/image-backup/internal/eventbus"
	"github.com/Naoki-ibaragi/image-backup/internal/model"
)

// MaxRetries and RetryDelay bound the per-lot copy retry wrapper.
const (
	MaxRetries = 3
	RetryDelay = 5 * time.Second
)

// Executor copies eligible machines' categories onto eligible NAS targets.
type Executor struct {
	bus *eventbus.Broker
	log zerolog.Logger

	// reachable, when non-nil, probes whether a machine's IP is reachable.
	// Only consulted when settings.RequireMachineReachable is set.
	reachable func(ip string) bool

	// retryDelay overrides RetryDelay between copy attempts; tests shrink
	// this to keep the retry-budget property fast.
	retryDelay time.Duration
}

// New builds an Executor publishing progress to bus.
func New(bus *eventbus.Broker, log zerolog.Logger, reachable func(ip string) bool) *Executor {
	return &Executor{bus: bus, log: log, reachable: reachable, retryDelay: RetryDelay}
}

var allCategories = []model.Category{
	model.CategorySurfaceImage, model.CategoryBackImage, model.CategoryResult,
}

// categoryPaths returns the source relative path and destination base path
// configured for one category of one machine.
func categoryPaths(m model.InspectionMachine, settings model.Settings, cat model.Category) (sourceRel string, destBase string) {
	switch cat {
	case model.CategorySurfaceImage:
		return m.SurfaceImagePath, settings.SurfaceImageBasePath
	case model.CategoryBackImage:
		return m.BackImagePath, settings.BackImageBasePath
	case model.CategoryResult:
		return m.ResultPath, settings.ResultBasePath
	default:
		return "", ""
	}
}

// sourceRoot builds the machine-share source path for one category. A
// relative path already rooted (absolute, or UNC) is used as-is, which lets
// tests point it straight at a local temp directory; otherwise it is joined
// onto the machine's share as a UNC path.
func sourceRoot(m model.InspectionMachine, rel string) string {
	if rel == "" {
		return ""
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, `\\`) {
		return rel
	}
	return fmt.Sprintf(`\\%s\%s`, m.IP, rel)
}

// destRoot builds "<drive>\<base>\<machine-name>" on the given NAS.
func destRoot(n model.NASEntry, base string, machineName string) string {
	return filepath.Join(n.Drive, base, machineName)
}

// rotate returns nas reordered to start at the entry whose ID is last, or
// the original order if last is not present (first run, or a NAS that has
// since been removed).
func rotate(nas []model.NASEntry, last int) []model.NASEntry {
	if len(nas) == 0 {
		return nas
	}
	idx := -1
	for i, n := range nas {
		if n.ID == last {
			idx = i
			break
		}
	}
	if idx <= 0 {
		return nas
	}
	out := make([]model.NASEntry, 0, len(nas))
	out = append(out, nas[idx:]...)
	out = append(out, nas[:idx]...)
	return out
}

// Run executes one backup attempt and returns its summary. lastBackupNASID
// is the NAS id that serviced the previous successful run (0 if none),
// used to seed the rotation starting point. A per-file or per-lot failure
// is recorded and the run continues; only the conditions in §4.4.7 (no
// machines, no NAS, all NAS exhausted) abort it outright.
func (e *Executor) Run(ctx context.Context, runID string, machines []model.InspectionMachine, nasIn []model.NASEntry, settings model.Settings, lastBackupNASID int) model.RunResult {
	result := model.RunResult{Success: true}
	start := time.Now()
	e.log.Info().Str("run_id", runID).Int("machines", len(machines)).Int("nas", len(nasIn)).Msg("backup run executing")

	eligibleMachines := filterMachines(machines, settings, e.reachable)
	if len(eligibleMachines) == 0 {
		result.Success = false
		result.Errors = append(result.Errors, "no machines to back up")
		return result
	}

	eligibleNAS := filterNAS(nasIn)
	if len(eligibleNAS) == 0 {
		result.Success = false
		result.Errors = append(result.Errors, "no NAS available")
		return result
	}

	rotated := rotate(eligibleNAS, lastBackupNASID)

	nasIndex := 0
	for _, m := range eligibleMachines {
		existingByCategory := make(map[model.Category]map[string]int64, len(allCategories))
		for _, cat := range allCategories {
			existingByCategory[cat] = buildExistenceMap(rotated, m, settings, cat)
		}

		for nasIndex < len(rotated) && rotated[nasIndex].FreeSpace < settings.RequiredFreeSpace {
			e.log.Warn().Str("nas", rotated[nasIndex].Name).Msg("insufficient free space, rotating to next target")
			nasIndex++
		}
		if nasIndex >= len(rotated) {
			result.Success = false
			result.Errors = append(result.Errors, fmt.Sprintf("all NAS capacity-exhausted; stopped at machine %s", m.Name))
			result.DurationSecs = time.Since(start).Seconds()
			return result
		}
		target := rotated[nasIndex]
		result.LastNASID = target.ID

		for _, cat := range allCategories {
			e.copyCategory(ctx, m, cat, target, settings, existingByCategory[cat], &result)
		}
	}

	result.DurationSecs = time.Since(start).Seconds()
	if len(result.Errors) > 0 || result.FailedFiles > 0 {
		result.Success = false
	}
	return result
}

func filterMachines(machines []model.InspectionMachine, settings model.Settings, reachable func(string) bool) []model.InspectionMachine {
	out := make([]model.InspectionMachine, 0, len(machines))
	for _, m := range machines {
		if !m.Eligible() {
			continue
		}
		if settings.RequireMachineReachable && reachable != nil && !reachable(m.IP) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func filterNAS(nas []model.NASEntry) []model.NASEntry {
	out := make([]model.NASEntry, 0, len(nas))
	for _, n := range nas {
		if n.Eligible() {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// buildExistenceMap scans every eligible NAS's copy of this machine's
// category and unions the observed lot file counts, first NAS to have the
// lot wins. This is the differential check's source of truth: a lot
// present with the same count anywhere in the fleet is treated as already
// backed up.
func buildExistenceMap(nas []model.NASEntry, m model.InspectionMachine, settings model.Settings, cat model.Category) map[string]int64 {
	_, base := categoryPaths(m, settings, cat)
	existing := make(map[string]int64)

	for _, n := range nas {
		root := destRoot(n, base, m.Name)
		lots, err := listLots(root)
		if err != nil {
			continue
		}
		for _, lot := range lots {
			if _, ok := existing[lot]; ok {
				continue
			}
			count, _, err := scanDir(filepath.Join(root, lot))
			if err == nil {
				existing[lot] = count
			}
		}
	}
	return existing
}

// listLots returns the immediate subdirectory names of root. A missing
// root yields an empty list, not an error.
func listLots(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var lots []string
	for _, e := range entries {
		if e.IsDir() {
			lots = append(lots, e.Name())
		}
	}
	return lots, nil
}

// copyCategory enumerates the lots under one machine/category source root
// and applies the decision rule per lot, copying onto target when needed.
func (e *Executor) copyCategory(ctx context.Context, m model.InspectionMachine, cat model.Category, target model.NASEntry, settings model.Settings, existing map[string]int64, result *model.RunResult) {
	rel, base := categoryPaths(m, settings, cat)
	src := sourceRoot(m, rel)
	if src == "" {
		return
	}

	lots, err := listLots(src)
	if err != nil {
		e.log.Warn().Err(err).Str("machine", m.Name).Str("category", string(cat)).Msg("source enumeration failed")
		result.Errors = append(result.Errors, fmt.Sprintf("%s/%s: source enumeration failed: %v", m.Name, cat, err))
		return
	}

	destRootPath := destRoot(target, base, m.Name)

	for _, lot := range lots {
		lotSrc := filepath.Join(src, lot)
		sourceCount, sourceBytes, err := scanDir(lotSrc)
		if err != nil {
			e.log.Warn().Err(err).Str("machine", m.Name).Str("lot", lot).Msg("lot scan failed")
			result.Errors = append(result.Errors, fmt.Sprintf("%s/%s/%s: scan failed: %v", m.Name, cat, lot, err))
			continue
		}

		if priorCount, ok := existing[lot]; ok && priorCount == sourceCount {
			e.log.Debug().Str("machine", m.Name).Str("lot", lot).Msg("lot already up to date, skipping")
			continue
		}

		lotDest := filepath.Join(destRootPath, lot)
		copied, copyErr := e.copyLotWithRetry(ctx, m, cat, lot, lotSrc, lotDest, sourceCount, sourceBytes, result)

		result.TotalFiles += sourceCount
		result.CopiedFiles += copied
		if copyErr != nil {
			result.FailedFiles++
			result.Errors = append(result.Errors, fmt.Sprintf("%s/%s/%s: %v", m.Name, cat, lot, copyErr))
		}
		result.TotalSizeBytes += sourceBytes
	}
}

// scanDir counts regular files and total bytes under dir. A missing dir is
// not an error: it simply reports zero.
func scanDir(dir string) (count int64, size int64, err error) {
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}
		count++
		size += info.Size()
		return nil
	})
	if err != nil && os.IsNotExist(err) {
		return 0, 0, nil
	}
	return count, size, err
}

// copyLotWithRetry attempts one lot's recursive copy up to MaxRetries
// times, waiting RetryDelay between attempts. Per §4.4.5 a final,
// exhausted failure is counted once per lot (by the caller), not per file;
// per-file failures are only folded into result.FailedFiles when counted
// from the attempt that actually succeeded, so a lot that fails an early
// attempt (after copying some files) and then succeeds on a later one does
// not double-count those earlier per-file failures.
func (e *Executor) copyLotWithRetry(ctx context.Context, m model.InspectionMachine, cat model.Category, lot, src, dest string, totalFiles, totalBytes int64, result *model.RunResult) (copied int64, err error) {
	var failed int64
	for attempt := 1; attempt <= MaxRetries; attempt++ {
		copied, failed, err = e.copyLot(ctx, m, cat, lot, src, dest, totalFiles, totalBytes)
		if err == nil {
			result.FailedFiles += failed
			return copied, nil
		}
		e.log.Warn().Err(err).Str("machine", m.Name).Str("lot", lot).Int("attempt", attempt).Msg("lot copy attempt failed")
		if attempt == MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return copied, ctx.Err()
		case <-time.After(e.retryDelay):
		}
	}
	return copied, err
}

// copyLot recursively copies src onto dest, creating directories as needed
// and publishing a backup-progress event after each file. A per-file
// failure is logged and counted in the returned failed count, and does not
// abort the lot; only a directory-creation or enumeration failure aborts it
// (triggering the retry wrapper).
func (e *Executor) copyLot(ctx context.Context, m model.InspectionMachine, cat model.Category, lot, src, dest string, totalFiles, totalBytes int64) (copied int64, failed int64, err error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return 0, 0, fmt.Errorf("create dest dir %s: %w", dest, err)
	}

	var copiedBytes int64
	walkErr := filepath.WalkDir(src, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, relErr := filepath.Rel(src, path)
		if relErr != nil {
			return relErr
		}
		target := filepath.Join(dest, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		size, copyErr := copyFile(path, target)
		if copyErr != nil {
			e.log.Warn().Err(copyErr).Str("file", path).Msg("file copy failed, continuing")
			failed++
			return nil
		}
		copied++
		copiedBytes += size

		e.bus.Publish(eventbus.Event{
			Kind: eventbus.KindBackupProgress,
			Progress: eventbus.ProgressPayload{
				CurrentFiles:  copied,
				TotalFiles:    totalFiles,
				CurrentSize:   copiedBytes,
				TotalSize:     totalBytes,
				Percentage:    percent(copied, totalFiles),
				CurrentFile:   filepath.Join(lot, rel),
				CurrentDevice: fmt.Sprintf("%s - %s", m.Name, cat.Label()),
			},
		})
		return nil
	})
	if walkErr != nil {
		return copied, failed, walkErr
	}
	return copied, failed, nil
}

func percent(done, total int64) float64 {
	if total == 0 {
		return 100
	}
	return float64(done) / float64(total) * 100
}

// copyFile copies a single regular file, returning its size.
func copyFile(src, dest string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, err
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return 0, err
	}
	defer out.Close()

	return io.Copy(out, in)
}
