package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Accelize/drm-sub000/internal/controller"
	"github.com/Accelize/drm-sub000/internal/drmerrors"
	"github.com/Accelize/drm-sub000/internal/params"
)

// backgroundCtx is used by parameter-surface getters/setters, which have no
// caller-supplied context in spec.md §4.6's Get/Set signatures.
func (e *Engine) backgroundCtx() context.Context { return context.Background() }

// buildRegistry wires every key spec.md §4.6 names to this engine's state,
// per the leaf-package/closure design internal/params documents.
func (e *Engine) buildRegistry() *params.Registry {
	r := params.NewRegistry()

	r.Register(params.KeySessionID, params.Descriptor{ReadOnly: true, Get: func() (any, error) {
		e.stateMu.Lock()
		defer e.stateMu.Unlock()
		return e.session.ID, nil
	}})
	r.Register(params.KeySessionRunning, params.Descriptor{ReadOnly: true, Get: func() (any, error) {
		e.stateMu.Lock()
		defer e.stateMu.Unlock()
		return e.session.ID != "", nil
	}})
	r.Register(params.KeyLicenseActive, params.Descriptor{ReadOnly: true, Get: func() (any, error) {
		e.stateMu.Lock()
		defer e.stateMu.Unlock()
		return e.session.Mode != ModeNone && (e.session.ID != "" || e.session.Mode == ModeNodeLocked), nil
	}})
	r.Register(params.KeyMeasuredFrequencyMHz, params.Descriptor{ReadOnly: true, Get: func() (any, error) {
		e.stateMu.Lock()
		defer e.stateMu.Unlock()
		return e.freq.MeasuredMHz, nil
	}})
	r.Register(params.KeyDetectionMethod, params.Descriptor{ReadOnly: true, Get: func() (any, error) {
		e.stateMu.Lock()
		defer e.stateMu.Unlock()
		return e.freq.Method.String(), nil
	}})
	r.Register(params.KeyNumActivators, params.Descriptor{ReadOnly: true, Get: func() (any, error) {
		e.stateMu.Lock()
		defer e.stateMu.Unlock()
		return len(e.identity.VLNVs), nil
	}})
	r.Register(params.KeyLicenseCounter, params.Descriptor{ReadOnly: true, Get: func() (any, error) {
		e.stateMu.Lock()
		defer e.stateMu.Unlock()
		return e.session.LicenseCounter, nil
	}})
	r.Register(params.KeyHealthCounter, params.Descriptor{ReadOnly: true, Get: func() (any, error) {
		e.stateMu.Lock()
		defer e.stateMu.Unlock()
		return e.session.HealthCounter, nil
	}})
	r.Register(params.KeyHDKCompatibilityFloor, params.Descriptor{ReadOnly: true, Get: func() (any, error) {
		return controller.CompatibilityFloor.String(), nil
	}})
	r.Register(params.KeyHardwareReport, params.Descriptor{ReadOnly: true, Get: func() (any, error) {
		diag, err := e.driver.DumpDiagnostics(e.backgroundCtx())
		if err != nil {
			return nil, err
		}
		report := map[string]any{"error_bytes_len": len(diag.ErrorBytes)}
		if diag.TRNG != nil {
			report["trng_security_alert"] = diag.TRNG.SecurityAlert
		}
		return report, nil
	}})
	r.Register(params.KeyTRNGStatus, params.Descriptor{ReadOnly: true, Get: func() (any, error) {
		diag, err := e.driver.DumpDiagnostics(e.backgroundCtx())
		if err != nil {
			return nil, err
		}
		if diag.TRNG == nil {
			return nil, drmerrors.New(drmerrors.KindBadArg, "params.trng_status", "controller HDK does not support TRNG reporting")
		}
		return *diag.TRNG, nil
	}})
	r.Register(params.KeyMeteredCounts, params.Descriptor{ReadOnly: true, Get: func() (any, error) {
		metering, err := e.driver.AsynchronousExtract(e.backgroundCtx())
		if err != nil {
			return nil, err
		}
		return metering, nil
	}})

	r.Register(params.KeyTokenString, params.Descriptor{ReadOnly: true, Get: func() (any, error) {
		return e.ws.CurrentToken().Value, nil
	}})
	r.Register(params.KeyTokenValiditySeconds, params.Descriptor{ReadOnly: true, Get: func() (any, error) {
		return e.ws.CurrentToken().Validity.Seconds(), nil
	}})
	r.Register(params.KeyTokenTimeLeftSeconds, params.Descriptor{ReadOnly: true, Get: func() (any, error) {
		tok := e.ws.CurrentToken()
		return tok.Expiration.Sub(time.Now()).Seconds(), nil
	}})
	r.Register(params.KeyRequestIDHistory, params.Descriptor{ReadOnly: true, Get: func() (any, error) {
		return e.ws.RequestIDHistory(), nil
	}})
	r.Register(params.KeyEntitlementSessionID, params.Descriptor{ReadOnly: true, Get: func() (any, error) {
		e.stateMu.Lock()
		defer e.stateMu.Unlock()
		return e.session.EntitlementID, nil
	}})

	r.Register(params.KeyMailboxSize, params.Descriptor{ReadOnly: true, Get: func() (any, error) {
		mbx, err := e.driver.Mailbox(e.backgroundCtx())
		if err != nil {
			return nil, err
		}
		return mbx.Size(), nil
	}})
	r.Register(params.KeyMailboxUserData, params.Descriptor{ReadOnly: false,
		Get: func() (any, error) {
			mbx, err := e.driver.Mailbox(e.backgroundCtx())
			if err != nil {
				return nil, err
			}
			return mbx.Read(e.backgroundCtx(), 0, mbx.Size())
		},
		Set: func(v any) error {
			words, err := toUint32Slice(v)
			if err != nil {
				return err
			}
			mbx, err := e.driver.Mailbox(e.backgroundCtx())
			if err != nil {
				return err
			}
			return mbx.Write(e.backgroundCtx(), 0, words)
		},
	})
	r.Register(params.KeyCustomField, params.Descriptor{ReadOnly: false,
		Get: func() (any, error) {
			mbx, err := e.driver.Mailbox(e.backgroundCtx())
			if err != nil {
				return nil, err
			}
			return mbx.CustomField(e.backgroundCtx())
		},
		Set: func(v any) error {
			n, err := asFloat64(v)
			if err != nil {
				return err
			}
			mbx, err := e.driver.Mailbox(e.backgroundCtx())
			if err != nil {
				return err
			}
			return mbx.SetCustomField(e.backgroundCtx(), uint32(n))
		},
	})

	r.Register(params.KeyLogCtrlVerbosity, params.Descriptor{ReadOnly: false,
		Get: func() (any, error) { return int(e.log.ConsoleVerbosity()), nil },
		Set: func(v any) error {
			n, err := asFloat64(v)
			if err != nil {
				return err
			}
			e.log.SetConsoleVerbosity(zerolog.Level(int(n)))
			return nil
		},
	})
	r.Register(params.KeyLogFileVerbosity, params.Descriptor{ReadOnly: false,
		Get: func() (any, error) { return int(e.log.FileVerbosity()), nil },
		Set: func(v any) error {
			n, err := asFloat64(v)
			if err != nil {
				return err
			}
			e.log.SetFileVerbosity(zerolog.Level(int(n)))
			return nil
		},
	})
	r.Register(params.KeyHostDataVerbosity, params.Descriptor{ReadOnly: false,
		Get: func() (any, error) { return e.log.HostDataVerbosity(), nil },
		Set: func(v any) error {
			n, err := asFloat64(v)
			if err != nil {
				return err
			}
			e.log.SetHostDataVerbosity(int(n))
			return nil
		},
	})

	r.Register(params.KeyWSRetryPeriodLong, params.Descriptor{ReadOnly: false,
		Get: func() (any, error) { return e.cfg.Settings.WSRetryPeriodLongSec, nil },
		Set: func(v any) error { return e.setIntSetting(v, &e.cfg.Settings.WSRetryPeriodLongSec) },
	})
	r.Register(params.KeyWSRetryPeriodShort, params.Descriptor{ReadOnly: false,
		Get: func() (any, error) { return e.cfg.Settings.WSRetryPeriodShortSec, nil },
		Set: func(v any) error { return e.setIntSetting(v, &e.cfg.Settings.WSRetryPeriodShortSec) },
	})
	r.Register(params.KeyWSAPIRetryDuration, params.Descriptor{ReadOnly: false,
		Get: func() (any, error) { return e.cfg.Settings.WSAPIRetryDurationSec, nil },
		Set: func(v any) error { return e.setIntSetting(v, &e.cfg.Settings.WSAPIRetryDurationSec) },
	})
	r.Register(params.KeyWSRequestTimeout, params.Descriptor{ReadOnly: false,
		Get: func() (any, error) { return e.cfg.Settings.WSRequestTimeoutSec, nil },
		Set: func(v any) error {
			n, err := asFloat64(v)
			if err != nil {
				return err
			}
			e.cfg.Settings.WSRequestTimeoutSec = n
			return nil
		},
	})
	r.Register(params.KeyWSConnectionTimeout, params.Descriptor{ReadOnly: false,
		Get: func() (any, error) { return e.cfg.Settings.WSConnectionTimeoutSec, nil },
		Set: func(v any) error {
			n, err := asFloat64(v)
			if err != nil {
				return err
			}
			e.cfg.Settings.WSConnectionTimeoutSec = n
			return nil
		},
	})
	r.Register(params.KeyFrequencyThresholdPct, params.Descriptor{ReadOnly: false,
		Get: func() (any, error) { return e.cfg.Settings.FrequencyDetectionThreshold, nil },
		Set: func(v any) error {
			n, err := asFloat64(v)
			if err != nil {
				return err
			}
			e.cfg.Settings.FrequencyDetectionThreshold = n
			return nil
		},
	})
	r.Register(params.KeyFrequencyDetectionPeriod, params.Descriptor{ReadOnly: false,
		Get: func() (any, error) { return e.cfg.Settings.FrequencyDetectionPeriodMS, nil },
		Set: func(v any) error { return e.setIntSetting(v, &e.cfg.Settings.FrequencyDetectionPeriodMS) },
	})

	r.Register(params.KeyInjectAsyncError, params.Descriptor{ReadOnly: false,
		Set: func(v any) error {
			msg, _ := v.(string)
			if e.port.AsyncError != nil {
				e.port.AsyncError(msg)
			}
			return nil
		},
	})
	r.Register(params.KeyInjectLogMessage, params.Descriptor{ReadOnly: false,
		Set: func(v any) error {
			entry, ok := v.(map[string]any)
			if !ok {
				return fmt.Errorf("inject_log_message expects {level, message}")
			}
			levelStr, _ := entry["level"].(string)
			msg, _ := entry["message"].(string)
			level, err := zerolog.ParseLevel(levelStr)
			if err != nil {
				return err
			}
			e.log.Log(level, msg)
			return nil
		},
	})

	r.Register(params.KeyListKeys, params.Descriptor{ReadOnly: true, Get: func() (any, error) {
		return r.Keys(), nil
	}})

	return r
}

func (e *Engine) setIntSetting(v any, dst *int) error {
	n, err := asFloat64(v)
	if err != nil {
		return err
	}
	*dst = int(n)
	return nil
}

func toUint32Slice(v any) ([]uint32, error) {
	switch xs := v.(type) {
	case []uint32:
		return xs, nil
	case []any:
		out := make([]uint32, len(xs))
		for i, x := range xs {
			n, err := asFloat64(x)
			if err != nil {
				return nil, err
			}
			out[i] = uint32(n)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list of numbers, got %T", v)
	}
}
