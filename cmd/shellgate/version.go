package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"
)

// Set at link time: -ldflags "-X main.version=... -X main.gitCommit=... -X main.buildDate=...".
var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: shellgate version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		return printJSON(info)
	}
	fmt.Printf("shellgate %s\ncommit: %s\nbuilt_at: %s\n", info.Version, info.Commit, info.BuildTime)
	return 0
}

// currentVersionInfo prefers link-time values and falls back to the VCS
// stamp the go tool embeds.
func currentVersionInfo() versionInfo {
	info := versionInfo{Version: "0.0.0-dev", Commit: "unknown", BuildTime: "unknown"}
	if v := strings.TrimSpace(version); v != "" {
		info.Version = v
	}

	stamp := vcsStamp()
	if c := firstKnown(gitCommit, stamp["vcs.revision"]); c != "" {
		info.Commit = c[:min(len(c), 12)]
	}
	if raw := firstKnown(buildDate, stamp["vcs.time"]); raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			info.BuildTime = t.UTC().Format(time.RFC3339)
		}
	}
	return info
}

func firstKnown(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" && v != "unknown" {
			return v
		}
	}
	return ""
}

func vcsStamp() map[string]string {
	out := map[string]string{}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	for _, s := range bi.Settings {
		if strings.HasPrefix(s.Key, "vcs.") {
			out[s.Key] = s.Value
		}
	}
	return out
}
