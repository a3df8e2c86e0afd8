// Package config implements the two-tier configuration system: static keys
// are frozen after startup (restart required to change), dynamic keys are
// hot-reloadable at runtime and persisted to the database.
package config

import (
	"fmt"
	"sort"
	"strings"
)

// Tier classifies a configuration key by how changes take effect.
type Tier string

const (
	// TierStatic keys require a process restart to change.
	TierStatic Tier = "static"
	// TierDynamic keys can be hot-updated at runtime.
	TierDynamic Tier = "dynamic"
)

// Kind is the declared value type of a configuration key.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
	KindStringList
	KindInt64List
)

// String returns the human-readable type name used in validation messages.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindStringList:
		return "string list"
	case KindInt64List:
		return "int list"
	default:
		return "unknown"
	}
}

// Key defines a single registered configuration key.
type Key struct {
	Tier      Tier
	Kind      Kind
	Default   any
	Min       *float64 // numeric lower bound, nil means unbounded
	Max       *float64 // numeric upper bound, nil means unbounded
	Validator func(any) bool
}

// RestartRequired reports whether changing the key needs a restart.
func (k Key) RestartRequired() bool {
	return k.Tier == TierStatic
}

func bound(v float64) *float64 { return &v }

func oneOf(allowed ...string) func(any) bool {
	return func(v any) bool {
		s, ok := v.(string)
		if !ok {
			return false
		}
		for _, a := range allowed {
			if s == a {
				return true
			}
		}
		return false
	}
}

func hasPrefix(prefix string) func(any) bool {
	return func(v any) bool {
		s, ok := v.(string)
		return ok && strings.HasPrefix(s, prefix)
	}
}

// registry enumerates every tunable. Keys not listed here cannot be set.
var registry = map[string]Key{
	// Scope and safety. The security boundary, never hot-updated.
	"scope.allowed_roots": {Tier: TierStatic, Kind: KindStringList, Default: []string{"~/Projects", "~/Notes"}},

	// Database.
	"database.path":     {Tier: TierStatic, Kind: KindString, Default: "data/sohnbot.db"},
	"database.wal_mode": {Tier: TierStatic, Kind: KindBool, Default: true},

	// Logging. File path is static, verbosity is dynamic.
	"logging.file_path":      {Tier: TierStatic, Kind: KindString, Default: "data/sohnbot.log"},
	"logging.level":          {Tier: TierDynamic, Kind: KindString, Default: "INFO", Validator: oneOf("DEBUG", "INFO", "WARN", "ERROR")},
	"logging.retention_days": {Tier: TierDynamic, Kind: KindInt, Default: 90, Min: bound(1), Max: bound(365)},

	// Telegram. The chat allowlist is the authentication boundary.
	"telegram.allowed_chat_ids":         {Tier: TierStatic, Kind: KindInt64List, Default: []int64{}},
	"telegram.response_timeout_seconds": {Tier: TierDynamic, Kind: KindInt, Default: 30, Min: bound(5), Max: bound(300)},

	// File operations.
	"files.max_size_mb":            {Tier: TierDynamic, Kind: KindInt, Default: 10, Min: bound(1), Max: bound(100)},
	"files.patch_max_size_kb":      {Tier: TierDynamic, Kind: KindInt, Default: 50, Min: bound(1), Max: bound(500)},
	"files.search_timeout_seconds": {Tier: TierDynamic, Kind: KindInt, Default: 5, Min: bound(1), Max: bound(60)},

	// Git operations.
	"git.snapshot_retention_days":   {Tier: TierDynamic, Kind: KindInt, Default: 30, Min: bound(1), Max: bound(90)},
	"git.operation_timeout_seconds": {Tier: TierDynamic, Kind: KindInt, Default: 10, Min: bound(1), Max: bound(60)},

	// Broker.
	"broker.operation_timeout_seconds": {Tier: TierDynamic, Kind: KindInt, Default: 300, Min: bound(10), Max: bound(3600)},

	// Notification outbox worker.
	"notifications.poll_interval_seconds": {Tier: TierDynamic, Kind: KindInt, Default: 5, Min: bound(1), Max: bound(300)},
	"notifications.batch_size":            {Tier: TierDynamic, Kind: KindInt, Default: 10, Min: bound(1), Max: bound(100)},
	"notifications.max_retries":           {Tier: TierDynamic, Kind: KindInt, Default: 3, Min: bound(0), Max: bound(10)},
	"notifications.backoff_base_seconds":  {Tier: TierDynamic, Kind: KindInt, Default: 5, Min: bound(1), Max: bound(300)},

	// Postponement lifecycle.
	"postponement.clarification_timeout_seconds": {Tier: TierDynamic, Kind: KindInt, Default: 60, Min: bound(10), Max: bound(3600)},
	"postponement.retry_delay_seconds":           {Tier: TierDynamic, Kind: KindInt, Default: 1800, Min: bound(60), Max: bound(86400)},
	"postponement.cancellation_delay_seconds":    {Tier: TierDynamic, Kind: KindInt, Default: 1800, Min: bound(60), Max: bound(86400)},

	// Observability. The bind address is static and localhost-only.
	"observability.http_enabled":            {Tier: TierDynamic, Kind: KindBool, Default: true},
	"observability.http_host":               {Tier: TierStatic, Kind: KindString, Default: "127.0.0.1", Validator: oneOf("127.0.0.1", "::1")},
	"observability.http_port":               {Tier: TierStatic, Kind: KindInt, Default: 8080, Min: bound(1024), Max: bound(65535)},
	"observability.refresh_seconds":         {Tier: TierDynamic, Kind: KindInt, Default: 30, Min: bound(5), Max: bound(300)},
	"observability.scheduler_lag_threshold": {Tier: TierDynamic, Kind: KindInt, Default: 300, Min: bound(30), Max: bound(3600)},
	"observability.notifier_lag_threshold":  {Tier: TierDynamic, Kind: KindInt, Default: 120, Min: bound(10), Max: bound(3600)},
	"observability.outbox_stuck_threshold":  {Tier: TierDynamic, Kind: KindInt, Default: 3600, Min: bound(60), Max: bound(86400)},
	"observability.disk_cap_enabled":        {Tier: TierDynamic, Kind: KindBool, Default: false},
	"observability.disk_cap_mb":             {Tier: TierDynamic, Kind: KindInt, Default: 1024, Min: bound(100), Max: bound(102400)},

	// Model routing.
	"models.chat_default": {Tier: TierDynamic, Kind: KindString, Default: "claude-haiku-4-5", Validator: hasPrefix("claude-")},
	"models.dev_default":  {Tier: TierDynamic, Kind: KindString, Default: "claude-sonnet-4-6", Validator: hasPrefix("claude-")},
	"models.plan_default": {Tier: TierDynamic, Kind: KindString, Default: "claude-opus-4-6", Validator: hasPrefix("claude-")},
}

// Lookup returns the registered definition for a key.
func Lookup(name string) (Key, bool) {
	k, ok := registry[name]
	return k, ok
}

// Defaults returns the code default for every registered key.
func Defaults() map[string]any {
	out := make(map[string]any, len(registry))
	for name, k := range registry {
		out[name] = k.Default
	}
	return out
}

// StaticKeys returns the sorted names of all static keys.
func StaticKeys() []string {
	return keysByTier(TierStatic)
}

// DynamicKeys returns the sorted names of all dynamic keys.
func DynamicKeys() []string {
	return keysByTier(TierDynamic)
}

func keysByTier(tier Tier) []string {
	var out []string
	for name, k := range registry {
		if k.Tier == tier {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// ValidateValue checks a candidate value against the key's declared type,
// numeric bounds, and custom validator, in that order.
func ValidateValue(name string, value any) (bool, string) {
	key, ok := registry[name]
	if !ok {
		return false, fmt.Sprintf("configuration key %q not found in registry", name)
	}

	num, isNum, ok := checkKind(key.Kind, value)
	if !ok {
		return false, fmt.Sprintf("expected type %s, got %T", key.Kind, value)
	}

	if isNum {
		if key.Min != nil && num < *key.Min {
			return false, fmt.Sprintf("value %v below minimum %v", value, *key.Min)
		}
		if key.Max != nil && num > *key.Max {
			return false, fmt.Sprintf("value %v above maximum %v", value, *key.Max)
		}
	}

	if key.Validator != nil && !key.Validator(value) {
		return false, fmt.Sprintf("custom validation failed for value: %v", value)
	}
	return true, ""
}

// checkKind reports whether value matches kind, and if numeric, its float
// projection for bounds checking.
func checkKind(kind Kind, value any) (num float64, isNum bool, ok bool) {
	switch kind {
	case KindString:
		_, ok = value.(string)
		return 0, false, ok
	case KindBool:
		_, ok = value.(bool)
		return 0, false, ok
	case KindInt:
		switch v := value.(type) {
		case int:
			return float64(v), true, true
		case int64:
			return float64(v), true, true
		}
		return 0, false, false
	case KindFloat:
		switch v := value.(type) {
		case float64:
			return v, true, true
		case int:
			return float64(v), true, true
		case int64:
			return float64(v), true, true
		}
		return 0, false, false
	case KindStringList:
		_, ok = value.([]string)
		return 0, false, ok
	case KindInt64List:
		_, ok = value.([]int64)
		return 0, false, ok
	default:
		return 0, false, false
	}
}
