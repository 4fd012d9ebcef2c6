package build

import (
	"runtime/debug"
)

var (
	// gitTag and gitCommit are set at link time with -ldflags "-X".
	gitTag    = "main"
	gitCommit = "unknown"
)

// InfoMap returns the build identity of the reloader, used as constant labels of the
// build_info metric.
func InfoMap() map[string]string {
	return map[string]string{
		"git_tag":    gitTag,
		"git_commit": shortCommit(gitCommit),
		"go_version": goVersion(),
	}
}

func GitTag() string {
	return gitTag
}

func shortCommit(commit string) string {
	const shortSHALength = 7

	if commit == "" {
		return "unknown"
	}

	if len(commit) > shortSHALength {
		return commit[:shortSHALength]
	}

	return commit
}

var readBuildInfo = debug.ReadBuildInfo

func goVersion() string {
	buildInfo, ok := readBuildInfo()
	if !ok {
		return "unknown"
	}

	return buildInfo.GoVersion
}
