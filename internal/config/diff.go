package config

import (
	"encoding/json"
	"reflect"
)

// SummarizeChange names the top-level sections that differ between two
// configs, for the reload log line. Secrets never appear in the output.
func SummarizeChange(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return []string{"all"}
	}
	var changed []string
	add := func(name string, a, b any) {
		if !equalJSON(a, b) {
			changed = append(changed, name)
		}
	}
	if oldCfg.Timezone != newCfg.Timezone {
		changed = append(changed, "timezone")
	}
	add("logging", oldCfg.Logging, newCfg.Logging)
	add("storage", oldCfg.Storage, newCfg.Storage)
	add("remind", oldCfg.Remind, newCfg.Remind)
	add("notifier", oldCfg.Notifier, newCfg.Notifier)
	add("telegram", oldCfg.Telegram, newCfg.Telegram)
	add("http", oldCfg.HTTP, newCfg.HTTP)
	return changed
}

func equalJSON(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && string(ab) == string(bb)
}
