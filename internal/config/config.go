// Package config parses the OMX_*/MX_* tunables once at process Init,
// following the teacher's pattern (pkg/linux/init.go) of building an
// immutable snapshot at startup rather than re-reading the environment on
// every call.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults, named directly from spec.md.
const (
	DefaultNotAckedMax        = 4
	DefaultZombieMax           = 512
	DefaultResendsMax          = 1000
	DefaultAckDelay            = time.Second / 64
	DefaultResendDelay         = 500 * time.Millisecond
	DefaultSmallMax            = 128
	DefaultTinyMax             = 32
	DefaultMediumMax           = 32 * 1024
	DefaultRendezvousThreshold = 32 * 1024
	ThrottlingOffsetMax        = 1 << 13
	EarlyPacketOffsetMax       = 255
	MaxSegments                = 256
	MaxRegions                 = 256
)

// Config is the immutable tunable snapshot read once at Init (§6.4, §9).
type Config struct {
	Verbose           bool
	VerboseDebug      bool
	FatalErrors       bool
	DebugSignal       bool
	DebugSignalNum    int
	DisableSelf       bool
	DisableShared     bool
	RendezvousThresh  int
	ResendsMax        int
	ZombieMax         int
	NotAckedMax       int
	WaitSpin          bool
	WaitIntr          bool
	PinnedRegionCache bool // PRCACHE
	RegionCache       bool // RCACHE
	ProcessBinding    string

	AckDelay    time.Duration
	ResendDelay time.Duration
}

// Getenv abstracts os.Getenv so tests can supply a fake environment.
type Getenv func(string) string

// Load parses the environment exactly once; Init (at the omx package
// level) guards against calling this more than once per process, per the
// "global state lifecycle" note in spec.md §9.
func Load(getenv Getenv) *Config {
	c := &Config{
		RendezvousThresh: DefaultRendezvousThreshold,
		ResendsMax:       DefaultResendsMax,
		ZombieMax:        DefaultZombieMax,
		NotAckedMax:      DefaultNotAckedMax,
		AckDelay:         DefaultAckDelay,
		ResendDelay:      DefaultResendDelay,
	}

	c.Verbose = boolEnv(getenv, "OMX_VERBOSE", "MX_VERBOSE", false)
	c.VerboseDebug = boolEnv(getenv, "OMX_VERBDEBUG", "MX_VERBDEBUG", false)
	c.FatalErrors = boolEnv(getenv, "OMX_FATAL_ERRORS", "MX_FATAL_ERRORS", false)
	c.DebugSignal = boolEnv(getenv, "OMX_DEBUG_SIGNAL", "MX_DEBUG_SIGNAL", false)
	c.DebugSignalNum = intEnv(getenv, "OMX_DEBUG_SIGNAL_NUM", "MX_DEBUG_SIGNAL_NUM", 0)
	c.DisableSelf = boolEnv(getenv, "OMX_DISABLE_SELF", "MX_DISABLE_SELF", false)
	c.DisableShared = boolEnv(getenv, "OMX_DISABLE_SHARED", "MX_DISABLE_SHARED", false)
	c.WaitSpin = boolEnv(getenv, "OMX_WAITSPIN", "MX_WAITSPIN", false)
	c.WaitIntr = boolEnv(getenv, "OMX_WAITINTR", "MX_WAITINTR", false)
	c.PinnedRegionCache = boolEnv(getenv, "OMX_PRCACHE", "MX_PRCACHE", true)
	c.RegionCache = boolEnv(getenv, "OMX_RCACHE", "MX_RCACHE", true)
	c.ProcessBinding = firstNonEmpty(getenv, "OMX_PROCESS_BINDING", "MX_PROCESS_BINDING")

	rt := intEnv(getenv, "OMX_SHARED_RNDV_THRESHOLD", "MX_SHARED_RNDV_THRESHOLD", DefaultRendezvousThreshold)
	if rt < DefaultSmallMax {
		rt = DefaultSmallMax
	}
	if rt > DefaultMediumMax {
		rt = DefaultMediumMax
	}
	c.RendezvousThresh = rt

	c.ResendsMax = intEnv(getenv, "OMX_RESENDS_MAX", "MX_RESENDS_MAX", DefaultResendsMax)
	c.ZombieMax = intEnv(getenv, "OMX_ZOMBIE_SEND", "MX_ZOMBIE_SEND", DefaultZombieMax)
	c.NotAckedMax = intEnv(getenv, "OMX_NOTACKED_MAX", "MX_NOTACKED_MAX", DefaultNotAckedMax)

	return c
}

func firstNonEmpty(getenv Getenv, names ...string) string {
	for _, n := range names {
		if v := getenv(n); v != "" {
			return v
		}
	}
	return ""
}

func boolEnv(getenv Getenv, primary, alt string, def bool) bool {
	v := firstNonEmpty(getenv, primary, alt)
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func intEnv(getenv Getenv, primary, alt string, def int) int {
	v := firstNonEmpty(getenv, primary, alt)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// OSGetenv is the Getenv implementation used outside of tests.
func OSGetenv(name string) string { return os.Getenv(name) }
