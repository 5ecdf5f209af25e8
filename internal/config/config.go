// Package config loads the persistent configuration document described in
// spec.md §6: three top-level sections (NAS units, inspection units,
// settings). It follows chadsten-simple-folder-backup's config.go — JSON via
// encoding/json, pointer fields for backward-compatible optional settings,
// and a self-initializing default document on first run.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Naoki-ibaragi/image-backup/internal/model"
)

// nasUnit is the on-disk shape of one NAS entry; capacity/connection fields
// are never persisted, they are always (re)computed by the monitor.
type nasUnit struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	IP    string `json:"ip"`
	Drive string `json:"drive"`
	IsUse bool   `json:"is_use"`
}

// inspUnit is the on-disk shape of one inspection-machine entry. IsBackup is
// a pointer so that an absent field defaults to true (spec.md §6) rather
// than to Go's zero value of false.
type inspUnit struct {
	ID               int    `json:"id"`
	Name             string `json:"name"`
	IP               string `json:"ip"`
	SurfaceImagePath string `json:"surface_image_path"`
	BackImagePath    string `json:"back_image_path"`
	ResultPath       string `json:"result_path"`
	IsBackup         *bool  `json:"is_backup,omitempty"`
}

type settingsUnit struct {
	BackupTime              string `json:"backup_time"`
	SurfaceImageBasePath    string `json:"surface_image_base_path"`
	BackImageBasePath       string `json:"back_image_base_path"`
	ResultBasePath          string `json:"result_base_path"`
	RequiredFreeSpace       int64  `json:"required_free_space"`
	RequireMachineReachable *bool  `json:"require_machine_reachable,omitempty"`
}

type document struct {
	NASUnits  []nasUnit    `json:"nas_units"`
	InspUnits []inspUnit   `json:"insp_units"`
	Settings  settingsUnit `json:"settings"`
}

// Document is the parsed, in-memory form ready to seed the state store.
type Document struct {
	NAS      []model.NASEntry
	Machines []model.InspectionMachine
	Settings model.Settings
}

// Load reads and parses the configuration file at path. A missing file is
// reported as the unwrapped os error: callers that want a self-initializing
// default document should check os.IsNotExist on the returned error and call
// Default.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	out := &Document{
		Settings: model.Settings{
			BackupTime:           doc.Settings.BackupTime,
			SurfaceImageBasePath: doc.Settings.SurfaceImageBasePath,
			BackImageBasePath:    doc.Settings.BackImageBasePath,
			ResultBasePath:       doc.Settings.ResultBasePath,
			RequiredFreeSpace:    doc.Settings.RequiredFreeSpace,
		},
	}
	if doc.Settings.RequireMachineReachable != nil {
		out.Settings.RequireMachineReachable = *doc.Settings.RequireMachineReachable
	}

	for _, n := range doc.NASUnits {
		out.NAS = append(out.NAS, model.NASEntry{
			ID:    n.ID,
			Name:  n.Name,
			IP:    n.IP,
			Drive: n.Drive,
			IsUse: n.IsUse,
		})
	}

	for _, i := range doc.InspUnits {
		isBackup := true
		if i.IsBackup != nil {
			isBackup = *i.IsBackup
		}
		out.Machines = append(out.Machines, model.InspectionMachine{
			ID:               i.ID,
			Name:             i.Name,
			IP:               i.IP,
			SurfaceImagePath: i.SurfaceImagePath,
			BackImagePath:    i.BackImagePath,
			ResultPath:       i.ResultPath,
			IsBackup:         isBackup,
		})
	}

	return out, nil
}

// Save persists doc back to path as indented JSON, round-tripping the
// operator-editable fields (NAS/machine identity+opt-ins, settings). This is
// the contract the persistence collaborator owns per spec.md §6; it is
// provided here so the state store's add/update/delete operations have
// somewhere to mirror changes to when running standalone (e.g. the `--once`
// CLI path), without this core taking on full ownership of the file format.
func Save(path string, doc *Document) error {
	out := document{
		Settings: settingsUnit{
			BackupTime:              doc.Settings.BackupTime,
			SurfaceImageBasePath:    doc.Settings.SurfaceImageBasePath,
			BackImageBasePath:       doc.Settings.BackImageBasePath,
			ResultBasePath:          doc.Settings.ResultBasePath,
			RequiredFreeSpace:       doc.Settings.RequiredFreeSpace,
			RequireMachineReachable: &doc.Settings.RequireMachineReachable,
		},
	}

	for _, n := range doc.NAS {
		out.NASUnits = append(out.NASUnits, nasUnit{
			ID: n.ID, Name: n.Name, IP: n.IP, Drive: n.Drive, IsUse: n.IsUse,
		})
	}
	for _, m := range doc.Machines {
		isBackup := m.IsBackup
		out.InspUnits = append(out.InspUnits, inspUnit{
			ID: m.ID, Name: m.Name, IP: m.IP,
			SurfaceImagePath: m.SurfaceImagePath,
			BackImagePath:    m.BackImagePath,
			ResultPath:       m.ResultPath,
			IsBackup:         &isBackup,
		})
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Default returns a minimal, self-documenting configuration for first-run
// setup, mirroring the teacher's example-config generation in loadConfig.
func Default() *Document {
	return &Document{
		NAS: []model.NASEntry{
			{ID: 1, Name: "NAS-1", IP: "192.168.1.101", Drive: "Z:", IsUse: true},
		},
		Machines: []model.InspectionMachine{
			{
				ID:               1,
				Name:             "Inspection-1",
				IP:               "192.168.1.201",
				SurfaceImagePath: "images\\surface",
				BackImagePath:    "images\\back",
				ResultPath:       "results",
				IsBackup:         true,
			},
		},
		Settings: model.Settings{
			BackupTime:           "22:00",
			SurfaceImageBasePath: "backup\\surface",
			BackImageBasePath:    "backup\\back",
			ResultBasePath:       "backup\\result",
			RequiredFreeSpace:    10 * 1024 * 1024 * 1024,
		},
	}
}
