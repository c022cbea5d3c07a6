package bucketcache

import (
	"sync"

	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

// Logger is the package-level logger for cache diagnostics. Logging is
// disabled by default; libraries should be silent unless asked not to be.
var Logger = zerolog.Nop()

// logFullKeys controls whether diagnostic messages carry complete key
// material renderings or abbreviated ones.
var logFullKeys bool

// logMu protects concurrent access to Logger and logFullKeys.
var logMu sync.RWMutex

// SetLogger installs a logger for cache diagnostics. Pass zerolog.Nop() to
// silence the package again.
func SetLogger(l zerolog.Logger) {
	logMu.Lock()
	defer logMu.Unlock()
	Logger = l
}

// SetLogFullKeys controls whether log messages include full key material.
// When disabled (the default), renderings longer than 80 characters are
// truncated to keep log lines readable.
func SetLogFullKeys(full bool) {
	logMu.Lock()
	defer logMu.Unlock()
	logFullKeys = full
}

// getLogger returns the current package logger.
func getLogger() zerolog.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return Logger
}

// keyDump renders key material for log messages. Pointer addresses and
// capacities vary from run to run and are omitted; map keys are sorted so
// renderings are stable.
var keyDump = spew.ConfigState{
	Indent:                  " ",
	SortKeys:                true,
	DisablePointerAddresses: true,
	DisableCapacities:       true,
}

// abbreviateLength is the maximum rendered key length in log messages when
// full-key logging is off.
const abbreviateLength = 80

// renderKey returns a log-friendly rendering of key material.
func renderKey(material any) string {
	s := keyDump.Sprintf("%#v", material)
	logMu.RLock()
	full := logFullKeys
	logMu.RUnlock()
	return abbreviate(s, full)
}

// abbreviate shortens s to abbreviateLength characters unless full
// renderings were requested.
func abbreviate(s string, full bool) string {
	if full || len(s) <= abbreviateLength {
		return s
	}
	return s[:abbreviateLength-3] + "..."
}

// logKeyEvent logs an entry lifecycle event with the key and a rendering of
// its material. Rendering only happens when debug logging is enabled.
func logKeyEvent(msg, key string, material any) {
	ev := getLogger().Debug()
	if !ev.Enabled() {
		return
	}
	ev.Str("key", key).Str("material", renderKey(material)).Msg(msg)
}
