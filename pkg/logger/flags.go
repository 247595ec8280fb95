package logger

import (
	"flag"
	"fmt"
	"strings"
)

// Flags holds all logging-related command-line flags
type Flags struct {
	LogLevel    string
	LogFormat   string
	LogFile     string
	DebugRTSP   bool
	DebugRTP    bool
	DebugSDP    bool
	DebugFanout bool
	DebugAll    bool
}

// RegisterFlags registers logging flags with the given FlagSet
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.LogLevel, "log-level", "info",
		"Log level: debug, info, warn, error")
	fs.StringVar(&f.LogLevel, "l", "info",
		"Log level (shorthand)")

	fs.StringVar(&f.LogFormat, "log-format", "text",
		"Log output format: text, json")

	fs.StringVar(&f.LogFile, "log-file", "",
		"Log output file path (default: stdout)")
	fs.StringVar(&f.LogFile, "o", "",
		"Log output file path (shorthand)")

	fs.BoolVar(&f.DebugRTSP, "debug-rtsp", false,
		"Enable RTSP protocol debugging (full request/reply dumps)")
	fs.BoolVar(&f.DebugRTP, "debug-rtp", false,
		"Enable RTP packet debugging (sequence, timestamp, payload type)")
	fs.BoolVar(&f.DebugSDP, "debug-sdp", false,
		"Enable session description debugging (parsed tracks, rewritten SDP)")
	fs.BoolVar(&f.DebugFanout, "debug-fanout", false,
		"Enable media fan-out debugging (subscriber writes, drops)")
	fs.BoolVar(&f.DebugAll, "debug-all", false,
		"Enable all debug categories")

	return f
}

// ToConfig converts Flags to a logger Config
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	level, err := ParseLevel(f.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	format, err := ParseFormat(f.LogFormat)
	if err != nil {
		return nil, err
	}
	cfg.Format = format

	cfg.OutputFile = f.LogFile

	// Any debug category forces debug level
	if f.DebugAll {
		cfg.EnableCategory(DebugAll)
		cfg.Level = LevelDebug
	} else {
		if f.DebugRTSP {
			cfg.EnableCategory(DebugRTSP)
			cfg.Level = LevelDebug
		}
		if f.DebugRTP {
			cfg.EnableCategory(DebugRTP)
			cfg.Level = LevelDebug
		}
		if f.DebugSDP {
			cfg.EnableCategory(DebugSDP)
			cfg.Level = LevelDebug
		}
		if f.DebugFanout {
			cfg.EnableCategory(DebugFanout)
			cfg.Level = LevelDebug
		}
	}

	return cfg, nil
}

// String returns a string representation of enabled flags
func (f *Flags) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("level=%s", f.LogLevel))
	parts = append(parts, fmt.Sprintf("format=%s", f.LogFormat))

	if f.LogFile != "" {
		parts = append(parts, fmt.Sprintf("output=%s", f.LogFile))
	} else {
		parts = append(parts, "output=stdout")
	}

	var debugCategories []string
	if f.DebugAll {
		debugCategories = append(debugCategories, "all")
	} else {
		if f.DebugRTSP {
			debugCategories = append(debugCategories, "rtsp")
		}
		if f.DebugRTP {
			debugCategories = append(debugCategories, "rtp")
		}
		if f.DebugSDP {
			debugCategories = append(debugCategories, "sdp")
		}
		if f.DebugFanout {
			debugCategories = append(debugCategories, "fanout")
		}
	}

	if len(debugCategories) > 0 {
		parts = append(parts, fmt.Sprintf("debug=[%s]", strings.Join(debugCategories, ",")))
	}

	return strings.Join(parts, " ")
}
