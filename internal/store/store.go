// Package store holds the single in-memory source of truth for NAS targets,
// inspection machines, and settings. It follows the teacher's BackupStatus
// pattern (status.go): one sync.RWMutex guarding plain slices/struct fields,
// snapshot methods that copy out rather than leak internal slices, and no
// I/O performed while the lock is held.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Naoki-ibaragi/image-backup/internal/model"
)

// ErrLocked is returned by every mutating operation while a backup run is in
// progress, per spec.md §6: "All mutating commands fail with
// \"backup in progress; configuration locked\" when is_running is true."
var ErrLocked = errors.New("backup in progress; configuration locked")

// Store is safe for concurrent use by the monitor (writer), the scheduler
// and executor (readers, plus the occasional write of run bookkeeping), and
// any host UI collaborator (reader).
type Store struct {
	mu sync.RWMutex

	nas      []model.NASEntry
	machines []model.InspectionMachine
	settings model.Settings

	running        bool
	lastBackupDate string
	lastBackupNAS  int
}

// New seeds a Store from a loaded configuration document.
func New(nas []model.NASEntry, machines []model.InspectionMachine, settings model.Settings) *Store {
	return &Store{
		nas:      append([]model.NASEntry(nil), nas...),
		machines: append([]model.InspectionMachine(nil), machines...),
		settings: settings,
	}
}

// SnapshotNAS returns a copy of the current NAS list, ordered by ID.
func (s *Store) SnapshotNAS() []model.NASEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := append([]model.NASEntry(nil), s.nas...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SnapshotMachines returns a copy of the current inspection-machine list,
// ordered by ID.
func (s *Store) SnapshotMachines() []model.InspectionMachine {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := append([]model.InspectionMachine(nil), s.machines...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SnapshotSettings returns a copy of the current settings.
func (s *Store) SnapshotSettings() model.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// RefreshNASInPlace replaces each NAS entry's observed state (connectivity
// and capacity) with the result of calling probe for it. probe is invoked
// with the lock released, so a slow or blocking probe never stalls readers.
func (s *Store) RefreshNASInPlace(probe func(model.NASEntry) model.NASEntry) {
	s.mu.RLock()
	current := append([]model.NASEntry(nil), s.nas...)
	s.mu.RUnlock()

	updated := make([]model.NASEntry, len(current))
	for i, n := range current {
		updated[i] = probe(n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range updated {
		for i := range s.nas {
			if s.nas[i].ID == u.ID {
				s.nas[i].IsConnected = u.IsConnected
				s.nas[i].TotalSpace = u.TotalSpace
				s.nas[i].UsedSpace = u.UsedSpace
				s.nas[i].FreeSpace = u.FreeSpace
				break
			}
		}
	}
}

// UpdateNAS replaces the identity fields (name/ip/drive/is_use) of the NAS
// entry with the given ID, leaving observed state untouched. Fails with
// ErrLocked, without mutating anything, while a backup run is in progress.
func (s *Store) UpdateNAS(id int, name, ip, drive string, isUse bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrLocked
	}

	for i := range s.nas {
		if s.nas[i].ID == id {
			s.nas[i].Name = name
			s.nas[i].IP = ip
			s.nas[i].Drive = drive
			s.nas[i].IsUse = isUse
			return nil
		}
	}
	return fmt.Errorf("nas %d not found", id)
}

// AddNAS appends a new entry, allocating id = max(existing ids)+1. Fails
// with ErrLocked while a backup run is in progress.
func (s *Store) AddNAS(name, ip, drive string, isUse bool) (model.NASEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return model.NASEntry{}, ErrLocked
	}

	id := 1
	for _, n := range s.nas {
		if n.ID >= id {
			id = n.ID + 1
		}
	}
	entry := model.NASEntry{ID: id, Name: name, IP: ip, Drive: drive, IsUse: isUse}
	s.nas = append(s.nas, entry)
	return entry, nil
}

// DeleteNAS removes the NAS entry with the given ID and returns the removed
// entry so the caller can mirror the deletion to persistent storage. Fails
// with ErrLocked, without mutating anything, while a backup run is in
// progress.
func (s *Store) DeleteNAS(id int) (model.NASEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return model.NASEntry{}, ErrLocked
	}

	for i := range s.nas {
		if s.nas[i].ID == id {
			removed := s.nas[i]
			s.nas = append(s.nas[:i], s.nas[i+1:]...)
			return removed, nil
		}
	}
	return model.NASEntry{}, fmt.Errorf("nas %d not found", id)
}

// UpdateMachine replaces the identity fields of the inspection machine with
// the given ID. Fails with ErrLocked, without mutating anything, while a
// backup run is in progress.
func (s *Store) UpdateMachine(id int, name, ip, surfacePath, backPath, resultPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrLocked
	}

	for i := range s.machines {
		if s.machines[i].ID == id {
			s.machines[i].Name = name
			s.machines[i].IP = ip
			s.machines[i].SurfaceImagePath = surfacePath
			s.machines[i].BackImagePath = backPath
			s.machines[i].ResultPath = resultPath
			return nil
		}
	}
	return fmt.Errorf("inspection machine %d not found", id)
}

// ToggleMachineBackup flips the opt-in flag for the given machine and
// returns its new value. Fails with ErrLocked, without mutating anything,
// while a backup run is in progress.
func (s *Store) ToggleMachineBackup(id int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return false, ErrLocked
	}

	for i := range s.machines {
		if s.machines[i].ID == id {
			s.machines[i].IsBackup = !s.machines[i].IsBackup
			return s.machines[i].IsBackup, nil
		}
	}
	return false, fmt.Errorf("inspection machine %d not found", id)
}

// AddMachine appends a new inspection machine, allocating id = max+1. New
// machines opt into backup by default. Fails with ErrLocked while a backup
// run is in progress.
func (s *Store) AddMachine(name, ip, surfacePath, backPath, resultPath string) (model.InspectionMachine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return model.InspectionMachine{}, ErrLocked
	}

	id := 1
	for _, m := range s.machines {
		if m.ID >= id {
			id = m.ID + 1
		}
	}
	entry := model.InspectionMachine{
		ID: id, Name: name, IP: ip,
		SurfaceImagePath: surfacePath,
		BackImagePath:    backPath,
		ResultPath:       resultPath,
		IsBackup:         true,
	}
	s.machines = append(s.machines, entry)
	return entry, nil
}

// DeleteMachine removes the inspection machine with the given ID and
// returns the removed entry so the caller can mirror the deletion to
// persistent storage. Fails with ErrLocked, without mutating anything,
// while a backup run is in progress.
func (s *Store) DeleteMachine(id int) (model.InspectionMachine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return model.InspectionMachine{}, ErrLocked
	}

	for i := range s.machines {
		if s.machines[i].ID == id {
			removed := s.machines[i]
			s.machines = append(s.machines[:i], s.machines[i+1:]...)
			return removed, nil
		}
	}
	return model.InspectionMachine{}, fmt.Errorf("inspection machine %d not found", id)
}

// UpdateSettings replaces the settings document wholesale. Fails with
// ErrLocked, without mutating anything, while a backup run is in progress.
func (s *Store) UpdateSettings(settings model.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrLocked
	}
	s.settings = settings
	return nil
}

// TryBeginRun reports whether a run may start right now (none already
// running) and, if so, marks the store as running. Callers must pair a
// successful TryBeginRun with a later EndRun.
func (s *Store) TryBeginRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return false
	}
	s.running = true
	return true
}

// IsRunning reports whether a backup run is currently in progress.
func (s *Store) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// EndRun clears the running flag and, on success, records today's date as
// the last-backup date so the daily guard will not trigger again today.
func (s *Store) EndRun(success bool, today string, lastNASID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running = false
	if success {
		s.lastBackupDate = today
		s.lastBackupNAS = lastNASID
	}
}

// LastBackupDate returns the date (YYYY-MM-DD or equivalent) of the last
// successful run, or "" if none has completed yet.
func (s *Store) LastBackupDate() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastBackupDate
}

// LastBackupNAS returns the ID of the NAS that serviced the end of the last
// successful run, used to seed the rotation starting point for the next run.
func (s *Store) LastBackupNAS() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastBackupNAS
}
