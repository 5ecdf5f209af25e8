// Package model defines the shared data types that flow between the state
// store, the monitor, the scheduler, and the executor.
package model

// NASEntry describes one NAS backup target and its last-observed state.
type NASEntry struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	IP    string `json:"ip"`
	Drive string `json:"drive"`
	IsUse bool   `json:"is_use"`

	IsConnected bool  `json:"is_connected"`
	TotalSpace  int64 `json:"total_space"`
	UsedSpace   int64 `json:"used_space"`
	FreeSpace   int64 `json:"free_space"`
}

// Eligible reports whether this NAS may receive a backup: opted in and
// reachable on the most recent monitor tick.
func (n NASEntry) Eligible() bool {
	return n.IsUse && n.IsConnected
}

// Clone returns a value copy; NASEntry holds no reference types, so this is
// only here for call-site symmetry with collections that do need deep copies.
func (n NASEntry) Clone() NASEntry { return n }

// InspectionMachine describes one source device and the three category paths
// backed up from its network share.
type InspectionMachine struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	IP   string `json:"ip"`

	SurfaceImagePath string `json:"surface_image_path"`
	BackImagePath    string `json:"back_image_path"`
	ResultPath       string `json:"result_path"`

	IsBackup bool `json:"is_backup"`
}

// Eligible reports whether this machine participates in backup runs.
func (m InspectionMachine) Eligible() bool { return m.IsBackup }

// Settings holds the global, operator-editable configuration that is not
// per-entry: the daily trigger time, the three NAS-relative base paths, and
// the capacity floor used for failover decisions.
type Settings struct {
	BackupTime string `json:"backup_time"`

	SurfaceImageBasePath string `json:"surface_image_base_path"`
	BackImageBasePath    string `json:"back_image_base_path"`
	ResultBasePath       string `json:"result_base_path"`

	RequiredFreeSpace int64 `json:"required_free_space"`

	// RequireMachineReachable opts into probing an inspection machine before
	// including it in a run. The original implementation wired a TCP prober
	// for inspection machines but never called it from the eligibility path;
	// this setting preserves that default (false) while letting an operator
	// turn the check on. See DESIGN.md.
	RequireMachineReachable bool `json:"require_machine_reachable"`
}

// Category identifies one of the three artifact kinds copied per machine.
type Category string

const (
	CategorySurfaceImage Category = "surface_image"
	CategoryBackImage    Category = "back_image"
	CategoryResult       Category = "result"
)

// Label is the human-readable form used in progress events
// ("<machine> - <label>").
func (c Category) Label() string {
	switch c {
	case CategorySurfaceImage:
		return "surface image"
	case CategoryBackImage:
		return "back image"
	case CategoryResult:
		return "result file"
	default:
		return string(c)
	}
}

// RunResult summarizes one completed (or partially completed) backup run.
type RunResult struct {
	Success        bool     `json:"success"`
	TotalFiles     int64    `json:"total_files"`
	CopiedFiles    int64    `json:"copied_files"`
	FailedFiles    int64    `json:"failed_files"`
	TotalSizeBytes int64    `json:"total_size_bytes"`
	DurationSecs   float64  `json:"duration_secs"`
	Errors         []string `json:"errors"`

	// LastNASID is the id of the NAS that serviced the last machine placed
	// in this run, seeding the next run's rotation start point. Zero if no
	// machine was ever placed.
	LastNASID int `json:"last_nas_id"`
}
