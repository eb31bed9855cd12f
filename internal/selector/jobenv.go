// Package selector implements the Agent Selector component: matching a
// job-create request's runtime requirements against connected hosts, and
// picking uniformly at random among whichever hosts qualify.
package selector

import (
	"regexp"
	"strconv"
	"strings"
)

// propertyPattern matches the "JOBENV__<guid>__<version>" property keys an
// agent reports in its handshake properties, each mapping to the
// activation script path for that installed job environment. Grounded on
// prouter/api/jobenv.py's regex-based discovery from a properties dict.
var propertyPattern = regexp.MustCompile(`^JOBENV__(.+?)__(\d+(?:\.\d+)*)$`)

// JobEnv describes one job environment installed on a host: a GUID, a
// dotted version, and the path used to activate it.
type JobEnv struct {
	GUID     string
	Version  []int
	Activate string
}

// JobEnvFromDict builds a JobEnv from the wire representation used in the
// "select" job-create locator's runtime.jobenv entries ({guid, version}).
func JobEnvFromDict(guid, version string) JobEnv {
	return JobEnv{GUID: guid, Version: parseVersion(version)}
}

// SearchProperties extracts every JobEnv advertised in a host's handshake
// properties map, per the JOBENV__<guid>__<version> convention.
func SearchProperties(properties map[string]any) []JobEnv {
	var envs []JobEnv
	for key, value := range properties {
		m := propertyPattern.FindStringSubmatch(key)
		if m == nil {
			continue
		}
		activate, _ := value.(string)
		envs = append(envs, JobEnv{
			GUID:     m[1],
			Version:  parseVersion(m[2]),
			Activate: activate,
		})
	}
	return envs
}

func parseVersion(v string) []int {
	parts := strings.Split(v, ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			n = 0
		}
		out[i] = n
	}
	return out
}

// jobenvMatch reports whether hostEnv satisfies required: same guid, same
// major version component, and hostEnv's version is >= required's.
func jobenvMatch(hostEnv, required JobEnv) bool {
	if hostEnv.GUID != required.GUID {
		return false
	}
	if versionComponent(hostEnv.Version, 0) != versionComponent(required.Version, 0) {
		return false
	}
	return versionGTE(hostEnv.Version, required.Version)
}

func versionComponent(v []int, i int) int {
	if i < 0 || i >= len(v) {
		return 0
	}
	return v[i]
}

func versionGTE(a, b []int) bool {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		av, bv := versionComponent(a, i), versionComponent(b, i)
		if av != bv {
			return av > bv
		}
	}
	return true
}
