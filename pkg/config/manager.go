package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"dario.cat/mergo"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix is prepended to every environment variable override.
// Key a.b.c is overridden by SOHNBOT_A_B_C.
const EnvPrefix = "SOHNBOT_"

// sensitiveFragments mark keys whose values must never appear in logs.
var sensitiveFragments = []string{"api_key", "bot_token"}

// Redact returns value unless the key path contains a sensitive fragment,
// in which case the literal "[REDACTED]" is returned.
func Redact(key string, value any) any {
	lower := strings.ToLower(key)
	for _, fragment := range sensitiveFragments {
		if strings.Contains(lower, fragment) {
			return "[REDACTED]"
		}
	}
	return value
}

// Subscriber is notified after a dynamic key is hot-updated.
type Subscriber func(key string, value any)

// Manager holds the two configuration tiers. Static values are frozen after
// LoadStatic; dynamic values may be hot-updated via Update and are persisted
// to the config table when a database is attached.
type Manager struct {
	configFile string
	envFile    string

	mu          sync.RWMutex
	static      map[string]any
	dynamic     map[string]any
	subscribers []Subscriber
	db          *sqlx.DB
}

// NewManager creates a manager reading the given TOML config file and .env
// file. Empty arguments select config/default.toml and .env.
func NewManager(configFile, envFile string) *Manager {
	if configFile == "" {
		configFile = "config/default.toml"
	}
	if envFile == "" {
		envFile = ".env"
	}
	return &Manager{
		configFile: configFile,
		envFile:    envFile,
		static:     make(map[string]any),
		dynamic:    make(map[string]any),
	}
}

// LoadStatic loads static configuration with precedence
// code defaults < TOML file < environment variables, then validates every
// value. Any validation failure aborts startup.
func (m *Manager) LoadStatic() error {
	if _, err := os.Stat(m.envFile); err == nil {
		if err := godotenv.Load(m.envFile); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", m.envFile, err)
		}
		slog.Info("env_file_loaded", "env_file", m.envFile)
	}

	merged, err := m.mergedFileValues()
	if err != nil {
		return err
	}

	cfg := make(map[string]any)
	for _, name := range StaticKeys() {
		key, _ := Lookup(name)
		cfg[name] = key.Default
		if raw, ok := merged[name]; ok {
			coerced, err := coerceValue(key.Kind, raw)
			if err != nil {
				return fmt.Errorf("config file value for %s: %w", name, err)
			}
			cfg[name] = coerced
		}
		if err := applyEnvOverride(cfg, name, key.Kind); err != nil {
			return err
		}
	}

	for name, value := range cfg {
		if ok, reason := ValidateValue(name, value); !ok {
			slog.Error("static_config_validation_failed", "key", name, "error", reason)
			return fmt.Errorf("static config validation failed for %q: %s", name, reason)
		}
	}

	m.mu.Lock()
	m.static = cfg
	m.mu.Unlock()
	slog.Info("static_config_loaded", "keys_count", len(cfg))
	return nil
}

// LoadDynamicDefaults seeds dynamic configuration from code defaults and the
// TOML file. The database, once attached, is the authoritative source for
// dynamic keys.
func (m *Manager) LoadDynamicDefaults() error {
	merged, err := m.mergedFileValues()
	if err != nil {
		return err
	}

	cfg := make(map[string]any)
	for _, name := range DynamicKeys() {
		key, _ := Lookup(name)
		cfg[name] = key.Default
		if raw, ok := merged[name]; ok {
			coerced, err := coerceValue(key.Kind, raw)
			if err != nil {
				return fmt.Errorf("config file value for %s: %w", name, err)
			}
			cfg[name] = coerced
		}
		if err := applyEnvOverride(cfg, name, key.Kind); err != nil {
			return err
		}
	}

	for name, value := range cfg {
		if ok, reason := ValidateValue(name, value); !ok {
			slog.Error("dynamic_config_validation_failed", "key", name, "error", reason)
			return fmt.Errorf("dynamic config validation failed for %q: %s", name, reason)
		}
	}

	m.mu.Lock()
	m.dynamic = cfg
	m.mu.Unlock()
	slog.Info("dynamic_config_defaults_loaded", "keys_count", len(cfg))
	return nil
}

// mergedFileValues merges the TOML file tree over the full defaults tree and
// returns the flattened result. A missing config file is non-fatal.
func (m *Manager) mergedFileValues() (map[string]any, error) {
	base := treeFromFlat(Defaults())

	data, err := os.ReadFile(m.configFile)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("config_file_not_found", "config_file", m.configFile, "using_defaults", true)
			return flattenTree("", base), nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", m.configFile, err)
	}

	var fileTree map[string]any
	if err := toml.Unmarshal(data, &fileTree); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", m.configFile, err)
	}
	if err := mergo.Merge(&base, fileTree, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge config file %s: %w", m.configFile, err)
	}
	slog.Info("toml_config_loaded", "config_file", m.configFile)
	return flattenTree("", base), nil
}

func applyEnvOverride(cfg map[string]any, name string, kind Kind) error {
	envKey := EnvPrefix + strings.ToUpper(strings.ReplaceAll(name, ".", "_"))
	raw, ok := os.LookupEnv(envKey)
	if !ok {
		return nil
	}
	parsed, err := parseEnvValue(kind, raw)
	if err != nil {
		slog.Error("env_parse_error", "key", name, "env_key", envKey, "error", err)
		return fmt.Errorf("failed to parse env var %s: %w", envKey, err)
	}
	cfg[name] = parsed
	slog.Info("env_override_applied", "key", name, "env_key", envKey)
	return nil
}

// AttachDB wires the manager to the database so dynamic updates persist to
// the config table.
func (m *Manager) AttachDB(db *sqlx.DB) {
	m.mu.Lock()
	m.db = db
	m.mu.Unlock()
}

// SyncDynamicWithDB makes the database authoritative for dynamic keys:
// stored values override the in-memory seeds, and keys absent from the
// config table are inserted with their seed value.
func (m *Manager) SyncDynamicWithDB(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return fmt.Errorf("no database attached")
	}

	type row struct {
		Key   string  `db:"key"`
		Value *string `db:"value"`
	}
	var rows []row
	if err := m.db.SelectContext(ctx, &rows, `SELECT key, value FROM config WHERE tier = 'dynamic'`); err != nil {
		return fmt.Errorf("failed to load dynamic config from database: %w", err)
	}

	stored := make(map[string]string, len(rows))
	for _, r := range rows {
		if r.Value != nil {
			stored[r.Key] = *r.Value
		}
	}

	loaded, seeded := 0, 0
	for _, name := range DynamicKeys() {
		key, _ := Lookup(name)
		if raw, ok := stored[name]; ok {
			value, err := decodeStoredValue(key.Kind, raw)
			if err != nil {
				slog.Warn("dynamic_config_row_invalid", "key", name, "error", err)
				continue
			}
			if ok, reason := ValidateValue(name, value); !ok {
				slog.Warn("dynamic_config_row_invalid", "key", name, "error", reason)
				continue
			}
			m.dynamic[name] = value
			loaded++
			continue
		}
		if err := m.persistDynamicLocked(ctx, name, m.dynamic[name], "seed"); err != nil {
			return err
		}
		seeded++
	}
	slog.Info("dynamic_config_synced", "loaded_from_db", loaded, "seeded_to_db", seeded)
	return nil
}

func (m *Manager) persistDynamicLocked(ctx context.Context, name string, value any, updatedBy string) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode config value for %s: %w", name, err)
	}
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO config (key, value, updated_at, updated_by, tier)
		VALUES (?, ?, ?, ?, 'dynamic')
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at,
			updated_by = excluded.updated_by`,
		name, string(encoded), time.Now().Unix(), updatedBy)
	if err != nil {
		return fmt.Errorf("failed to persist config key %s: %w", name, err)
	}
	return nil
}

// Subscribe registers a callback invoked after every successful Update, in
// registration order.
func (m *Manager) Subscribe(fn Subscriber) {
	m.mu.Lock()
	m.subscribers = append(m.subscribers, fn)
	m.mu.Unlock()
}

// Update hot-updates a dynamic key. Static keys are refused with
// ErrStaticUpdateRefused; values failing registry validation are refused
// with ErrValidationFailed. On success the prior value is logged (redacted
// for sensitive keys), the new value is persisted when a database is
// attached, and subscribers are notified.
func (m *Manager) Update(ctx context.Context, name string, value any) error {
	key, ok := Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, name)
	}
	if key.Tier == TierStatic {
		return fmt.Errorf("%w: %s requires restart", ErrStaticUpdateRefused, name)
	}
	if ok, reason := ValidateValue(name, value); !ok {
		return fmt.Errorf("%w: %s: %s", ErrValidationFailed, name, reason)
	}

	m.mu.Lock()
	previous := m.dynamic[name]
	m.dynamic[name] = value
	subscribers := make([]Subscriber, len(m.subscribers))
	copy(subscribers, m.subscribers)
	db := m.db
	if db != nil {
		if err := m.persistDynamicLocked(ctx, name, value, "runtime"); err != nil {
			m.dynamic[name] = previous
			m.mu.Unlock()
			return err
		}
	}
	m.mu.Unlock()

	slog.Info("config_updated",
		"key", name,
		"previous", Redact(name, previous),
		"value", Redact(name, value))

	for _, fn := range subscribers {
		notifySubscriber(fn, name, value)
	}
	return nil
}

// notifySubscriber isolates callback panics so one bad subscriber cannot
// break an update.
func notifySubscriber(fn Subscriber, name string, value any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("config_subscriber_panic", "key", name, "panic", r)
		}
	}()
	fn(name, value)
}

// Get returns the value of a key, dynamic tier first.
func (m *Manager) Get(name string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.dynamic[name]; ok {
		return v, true
	}
	if v, ok := m.static[name]; ok {
		return v, true
	}
	return nil, false
}

// GetString returns a string key's value, falling back to the registry
// default when unset.
func (m *Manager) GetString(name string) string {
	if v, ok := m.Get(name); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	if key, ok := Lookup(name); ok {
		if s, ok := key.Default.(string); ok {
			return s
		}
	}
	return ""
}

// GetInt returns an int key's value, falling back to the registry default.
func (m *Manager) GetInt(name string) int {
	if v, ok := m.Get(name); ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		}
	}
	if key, ok := Lookup(name); ok {
		if n, ok := key.Default.(int); ok {
			return n
		}
	}
	return 0
}

// GetBool returns a bool key's value, falling back to the registry default.
func (m *Manager) GetBool(name string) bool {
	if v, ok := m.Get(name); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	if key, ok := Lookup(name); ok {
		if b, ok := key.Default.(bool); ok {
			return b
		}
	}
	return false
}

// GetStringList returns a string-list key's value, falling back to the
// registry default.
func (m *Manager) GetStringList(name string) []string {
	if v, ok := m.Get(name); ok {
		if l, ok := v.([]string); ok {
			return l
		}
	}
	if key, ok := Lookup(name); ok {
		if l, ok := key.Default.([]string); ok {
			return l
		}
	}
	return nil
}

// GetInt64List returns an int64-list key's value, falling back to the
// registry default.
func (m *Manager) GetInt64List(name string) []int64 {
	if v, ok := m.Get(name); ok {
		if l, ok := v.([]int64); ok {
			return l
		}
	}
	if key, ok := Lookup(name); ok {
		if l, ok := key.Default.([]int64); ok {
			return l
		}
	}
	return nil
}

// parseEnvValue parses an environment string into the declared kind.
// List values are comma-separated with surrounding whitespace trimmed.
func parseEnvValue(kind Kind, raw string) (any, error) {
	switch kind {
	case KindString:
		return raw, nil
	case KindInt:
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", raw)
		}
		return n, nil
	case KindFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid float %q", raw)
		}
		return f, nil
	case KindBool:
		b, err := strconv.ParseBool(strings.TrimSpace(strings.ToLower(raw)))
		if err != nil {
			return nil, fmt.Errorf("invalid boolean %q", raw)
		}
		return b, nil
	case KindStringList:
		var out []string
		for _, part := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if out == nil {
			out = []string{}
		}
		return out, nil
	case KindInt64List:
		var out []int64
		for _, part := range strings.Split(raw, ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed == "" {
				continue
			}
			n, err := strconv.ParseInt(trimmed, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid integer list element %q", trimmed)
			}
			out = append(out, n)
		}
		if out == nil {
			out = []int64{}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported kind %v", kind)
	}
}

// coerceValue converts a value decoded from TOML (or defaults) into the
// declared kind's Go representation.
func coerceValue(kind Kind, raw any) (any, error) {
	switch kind {
	case KindString:
		if s, ok := raw.(string); ok {
			return s, nil
		}
	case KindBool:
		if b, ok := raw.(bool); ok {
			return b, nil
		}
	case KindInt:
		switch v := raw.(type) {
		case int:
			return v, nil
		case int64:
			return int(v), nil
		case float64:
			if v == float64(int(v)) {
				return int(v), nil
			}
		}
	case KindFloat:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case int64:
			return float64(v), nil
		case int:
			return float64(v), nil
		}
	case KindStringList:
		switch v := raw.(type) {
		case []string:
			return v, nil
		case []any:
			out := make([]string, 0, len(v))
			for _, item := range v {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("expected string list element, got %T", item)
				}
				out = append(out, s)
			}
			return out, nil
		}
	case KindInt64List:
		switch v := raw.(type) {
		case []int64:
			return v, nil
		case []any:
			out := make([]int64, 0, len(v))
			for _, item := range v {
				switch n := item.(type) {
				case int64:
					out = append(out, n)
				case int:
					out = append(out, int64(n))
				case float64:
					out = append(out, int64(n))
				default:
					return nil, fmt.Errorf("expected integer list element, got %T", item)
				}
			}
			return out, nil
		}
	}
	return nil, fmt.Errorf("expected %s, got %T", kind, raw)
}

// decodeStoredValue decodes a JSON-encoded config table value into the
// declared kind.
func decodeStoredValue(kind Kind, raw string) (any, error) {
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("invalid stored value: %w", err)
	}
	return coerceValue(kind, normalizeJSON(decoded))
}

// normalizeJSON rewrites json.Unmarshal's float64 numbers to int64 when they
// are integral, so stored integers round-trip.
func normalizeJSON(v any) any {
	switch n := v.(type) {
	case float64:
		if n == float64(int64(n)) {
			return int64(n)
		}
		return n
	case []any:
		out := make([]any, len(n))
		for i, item := range n {
			out[i] = normalizeJSON(item)
		}
		return out
	default:
		return v
	}
}

// treeFromFlat nests dotted keys into a map tree.
func treeFromFlat(flat map[string]any) map[string]any {
	tree := make(map[string]any)
	for name, value := range flat {
		parts := strings.Split(name, ".")
		node := tree
		for _, part := range parts[:len(parts)-1] {
			child, ok := node[part].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[part] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = value
	}
	return tree
}

// flattenTree flattens a map tree into dotted keys.
func flattenTree(prefix string, tree map[string]any) map[string]any {
	out := make(map[string]any)
	for name, value := range tree {
		full := name
		if prefix != "" {
			full = prefix + "." + name
		}
		if child, ok := value.(map[string]any); ok {
			for k, v := range flattenTree(full, child) {
				out[k] = v
			}
			continue
		}
		out[full] = value
	}
	return out
}
