package audit

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/danshapiro/ganaudit/internal/procman"
)

const versionProbeTimeout = 10 * time.Second

// ValidationResult is the outcome of the one-shot startup availability
// check for the external CLI.
type ValidationResult struct {
	OK                bool
	Executable        string
	Version           string
	EnvironmentIssues []string
	Recommendations   []string
}

var semverPattern = regexp.MustCompile(`\d+\.\d+(?:\.\d+)?`)

// Validate probes `<exe> --version` under a short deadline and compares the
// reported version against minVersion. It runs once at startup; the request
// handler refuses audit requests until it has succeeded.
func (e *Engine) Validate(ctx context.Context) ValidationResult {
	res := ValidationResult{}

	exe, err := e.resolver.ResolveExecutable()
	if err != nil {
		res.EnvironmentIssues = append(res.EnvironmentIssues, err.Error())
		res.Recommendations = append(res.Recommendations,
			"install the external audit CLI",
			"set audit.executable_candidates to its absolute path")
		return res
	}
	res.Executable = exe

	probeCtx, cancel := context.WithTimeout(ctx, versionProbeTimeout)
	defer cancel()
	out, err := e.executor.Execute(probeCtx, procman.Spec{
		Argv:    []string{exe, "--version"},
		Env:     e.resolver.BuildEnvironment(),
		Timeout: versionProbeTimeout,
		Grace:   2 * time.Second,
	})
	if err != nil {
		res.EnvironmentIssues = append(res.EnvironmentIssues, fmt.Sprintf("version probe failed: %v", err))
		res.Recommendations = append(res.Recommendations, "run "+exe+" --version manually to inspect the failure")
		return res
	}
	if out.ExitCode != 0 {
		res.EnvironmentIssues = append(res.EnvironmentIssues,
			fmt.Sprintf("version probe exited %d: %s", out.ExitCode, firstLine(out.Stderr)))
		return res
	}

	version := semverPattern.FindString(firstLine(out.Stdout))
	if version == "" {
		res.EnvironmentIssues = append(res.EnvironmentIssues,
			fmt.Sprintf("no semantic version in probe output %q", firstLine(out.Stdout)))
		return res
	}
	res.Version = version

	if e.minVersion != "" && compareVersions(version, e.minVersion) < 0 {
		res.EnvironmentIssues = append(res.EnvironmentIssues,
			fmt.Sprintf("version %s is below minimum %s", version, e.minVersion))
		res.Recommendations = append(res.Recommendations, "upgrade the external audit CLI")
		return res
	}
	res.OK = true
	return res
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// compareVersions compares dotted numeric versions: -1, 0, or 1.
func compareVersions(a string, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av, bv := 0, 0
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}
