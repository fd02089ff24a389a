package matching

import (
	"slices"

	"github.com/hitoshi/careerlens/internal/model"
)

// passesPreferences はキャリアが絞り込み条件を満たすかを返す。
// prefsがnilの場合は常にtrue。
func passesPreferences(career model.CareerProfile, prefs *model.JobPreferences) bool {
	if prefs == nil {
		return true
	}

	if len(prefs.PreferredJobZones) > 0 && !slices.Contains(prefs.PreferredJobZones, career.JobZone) {
		return false
	}
	if prefs.MinJobZone > 0 && career.JobZone < prefs.MinJobZone {
		return false
	}
	if prefs.MaxJobZone > 0 && career.JobZone > prefs.MaxJobZone {
		return false
	}

	for _, tag := range prefs.ExcludeTags {
		if slices.Contains(career.Tags, tag) {
			return false
		}
	}

	if len(prefs.PreferredTags) > 0 {
		for _, tag := range prefs.PreferredTags {
			if slices.Contains(career.Tags, tag) {
				return true
			}
		}
		return false
	}

	return true
}
