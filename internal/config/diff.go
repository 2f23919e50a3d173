package config

import (
	"reflect"

	"github.com/MrWong99/livevoice/pkg/provider/vad"
)

// ConfigDiff describes what changed between two configs. Only the log level
// and the VAD tuning apply at runtime; every other changed section is listed
// in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VADChanged bool
	NewVAD     vad.Config

	// RestartRequired names the sections that changed but only take effect
	// after a restart, e.g. "live" or "audio".
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VADChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.VAD.Config != new.VAD.Config {
		d.VADChanged = true
		d.NewVAD = new.VAD.Config
	}

	restart := func(section string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, section)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.session_key", old.Server.SessionKey != new.Server.SessionKey)
	restart("live", old.Live != new.Live)
	restart("session", old.Session != new.Session)
	restart("audio", old.Audio != new.Audio)
	restart("vad.engine", old.VAD.Engine != new.VAD.Engine)
	restart("guardrail", !reflect.DeepEqual(old.Guardrail, new.Guardrail))
	restart("handoff", !reflect.DeepEqual(old.Handoff, new.Handoff))
	restart("store", old.Store != new.Store)

	return d
}
