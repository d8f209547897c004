// Package params implements the single enumerated get/set surface spec.md
// §4.6 describes: a closed key namespace where each key is either
// read-only or read-write, bulk get/set requests take/return
// map[Key]any, and an unknown or read-only-on-write key is bad-arg. The
// registry itself holds no domain state — internal/engine registers a
// getter/setter closure per key against its own fields, so this package
// never imports engine.
package params

import (
	"sync"

	"github.com/Accelize/drm-sub000/internal/drmerrors"
)

// Key names one entry in the enumerated parameter namespace.
type Key string

// Read-only keys.
const (
	KeySessionID             Key = "session_id"
	KeySessionRunning         Key = "session_running"
	KeyLicenseActive          Key = "license_active"
	KeyMeasuredFrequencyMHz   Key = "measured_frequency_mhz"
	KeyDetectionMethod        Key = "detection_method"
	KeyNumActivators          Key = "num_activators"
	KeyLicenseCounter         Key = "license_counter"
	KeyHealthCounter          Key = "health_counter"
	KeyHDKCompatibilityFloor  Key = "hdk_compatibility_floor"
	KeyMeteredCounts          Key = "metered_counts"
	KeyHardwareReport         Key = "hardware_report"
	KeyTokenString            Key = "token_string"
	KeyTokenValiditySeconds   Key = "token_validity_seconds"
	KeyTokenTimeLeftSeconds   Key = "token_time_left_seconds"
	KeyMailboxSize            Key = "mailbox_size"
	KeyEntitlementSessionID   Key = "entitlement_session_id"
	KeyTRNGStatus             Key = "trng_status"
	KeyRequestIDHistory       Key = "request_id_history"
	KeyListKeys               Key = "list_keys"
)

// Read-write keys.
const (
	KeyLogCtrlVerbosity         Key = "log_ctrl_verbosity"
	KeyLogFileVerbosity         Key = "log_file_verbosity"
	KeyWSRetryPeriodLong        Key = "ws_retry_period_long"
	KeyWSRetryPeriodShort       Key = "ws_retry_period_short"
	KeyWSAPIRetryDuration       Key = "ws_api_retry_duration"
	KeyWSRequestTimeout         Key = "ws_request_timeout"
	KeyWSConnectionTimeout      Key = "ws_connection_timeout"
	KeyCustomField              Key = "custom_field"
	KeyMailboxUserData          Key = "mailbox_user_data"
	KeyFrequencyThresholdPct    Key = "frequency_detection_threshold"
	KeyFrequencyDetectionPeriod Key = "frequency_detection_period"
	KeyHostDataVerbosity        Key = "host_data_verbosity"

	// Synthetic test-injection keys (spec.md §4.6): writing them triggers
	// the async-error callback or emits a log line rather than storing a
	// value.
	KeyInjectAsyncError Key = "inject_async_error"
	KeyInjectLogMessage Key = "inject_log_message"
)

// Getter fetches the current value of a key.
type Getter func() (any, error)

// Setter applies a new value for a key.
type Setter func(value any) error

// Descriptor binds one key to the engine state it reads/writes.
// ReadOnly keys carry a nil Set.
type Descriptor struct {
	ReadOnly bool
	Get      Getter
	Set      Setter
}

// Registry is the live get/set surface an Engine builds at construction
// time, one Descriptor per Key it supports.
type Registry struct {
	mu      sync.RWMutex
	entries map[Key]Descriptor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Key]Descriptor)}
}

// Register adds or replaces the descriptor for key.
func (r *Registry) Register(key Key, d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = d
}

// Keys returns every registered key, for KeyListKeys.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]Key, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	return keys
}

// Get resolves a bulk read request. An unknown key is bad-arg; the whole
// call fails on the first unknown/erroring key rather than returning a
// partial map, matching the all-or-nothing semantics of the exported
// Get/Set API in spec.md §4.1.
func (r *Registry) Get(keys []Key) (map[Key]any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Key]any, len(keys))
	for _, k := range keys {
		d, ok := r.entries[k]
		if !ok {
			return nil, drmerrors.New(drmerrors.KindBadArg, "params.get", "unknown key: "+string(k))
		}
		v, err := d.Get()
		if err != nil {
			return nil, drmerrors.Wrap(drmerrors.KindBadArg, "params.get", err)
		}
		out[k] = v
	}
	return out, nil
}

// Set resolves a bulk write request. An unknown or read-only key is
// bad-arg.
func (r *Registry) Set(values map[Key]any) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for k, v := range values {
		d, ok := r.entries[k]
		if !ok {
			return drmerrors.New(drmerrors.KindBadArg, "params.set", "unknown key: "+string(k))
		}
		if d.ReadOnly || d.Set == nil {
			return drmerrors.New(drmerrors.KindBadArg, "params.set", "read-only key: "+string(k))
		}
		if err := d.Set(v); err != nil {
			return drmerrors.Wrap(drmerrors.KindBadArg, "params.set", err)
		}
	}
	return nil
}

// GetJSON is Get serialized to/from a string-keyed map, the shape bulk
// get/set requests actually travel in over JSON (spec.md Design Notes:
// "keep the enum-keyed typed façade but serialize it to/from a JSON
// object for bulk get/set").
func (r *Registry) GetJSON(keys []string) (map[string]any, error) {
	typed := make([]Key, len(keys))
	for i, k := range keys {
		typed[i] = Key(k)
	}
	values, err := r.Get(typed)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[string(k)] = v
	}
	return out, nil
}

// SetJSON is Set serialized from a string-keyed map.
func (r *Registry) SetJSON(values map[string]any) error {
	typed := make(map[Key]any, len(values))
	for k, v := range values {
		typed[Key(k)] = v
	}
	return r.Set(typed)
}
