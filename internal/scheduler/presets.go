package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tidyd/internal/task"
)

// Preset names accepted by NewPreset.
const (
	PresetDailyCleanup       = "daily-cleanup"
	PresetWeeklyOrganization = "weekly-organization"
	PresetMonthlyArchive     = "monthly-archive"
	PresetSmart              = "smart"
)

// NewPreset builds one of the predefined maintenance tasks. path
// overrides the preset's default directory when non-empty. Smart tasks
// come back with the adaptive policy and are resolved when added.
func NewPreset(kind, path string, now time.Time) (task.Task, error) {
	home, _ := os.UserHomeDir()

	switch kind {
	case PresetDailyCleanup:
		anchor := time.Date(now.Year(), now.Month(), now.Day(), 2, 0, 0, 0, now.Location())
		if anchor.Before(now) {
			anchor = anchor.AddDate(0, 0, 1)
		}
		return task.Task{
			ID:            task.NewID(),
			Name:          "Daily Cleanup",
			TargetPath:    orDefault(path, filepath.Join(home, "Downloads")),
			Instruction:   "Move all files older than 7 days into an Archive folder. Group files by type into Documents, Images, Videos, and Other categories.",
			Policy:        task.PolicyDaily,
			AnchorTime:    anchor,
			ResourceLimit: 40,
			Priority:      2,
			Enabled:       true,
		}, nil

	case PresetWeeklyOrganization:
		anchor := time.Date(now.Year(), now.Month(), now.Day(), 3, 0, 0, 0, now.Location())
		return task.Task{
			ID:            task.NewID(),
			Name:          "Weekly Deep Organization",
			TargetPath:    orDefault(path, filepath.Join(home, "Documents")),
			Instruction:   "Perform deep organization of all files. Create content-based categories and move files based on their content and type. Rename files with inconsistent naming patterns to follow a standard format.",
			Policy:        task.PolicyWeekly,
			AnchorTime:    anchor,
			DaysOfWeek:    []int{6}, // Sunday
			ResourceLimit: 70,
			Priority:      3,
			Enabled:       true,
		}, nil

	case PresetMonthlyArchive:
		anchor := time.Date(now.Year(), now.Month(), now.Day(), 4, 0, 0, 0, now.Location())
		return task.Task{
			ID:            task.NewID(),
			Name:          "Monthly Archiving",
			TargetPath:    orDefault(path, home),
			Instruction:   "Archive files that haven't been accessed in 3 months. Compress large files and folders. Generate a report of disk space usage and cleanup recommendations.",
			Policy:        task.PolicyMonthly,
			AnchorTime:    anchor,
			DayOfMonth:    1,
			ResourceLimit: 60,
			Priority:      2,
			Enabled:       true,
		}, nil

	case PresetSmart:
		return task.Task{
			ID:            task.NewID(),
			Name:          "Smart Maintenance",
			TargetPath:    orDefault(path, filepath.Join(home, "Documents")),
			Instruction:   "Organize loose files into appropriate folders based on content and file type. Remove empty directories. Create logical category structure.",
			Policy:        task.PolicyAdaptive,
			ResourceLimit: 30,
			Priority:      1,
			Enabled:       true,
		}, nil
	}
	return task.Task{}, fmt.Errorf("unknown preset %q", kind)
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
