package selector

import (
	"math/rand"

	"github.com/datadvance/pRouter/internal/apierr"
)

// Host is a candidate agent: its connection uid, the platform descriptor
// it reported at handshake, and the job environments discovered in its
// handshake properties.
type Host struct {
	ConnectionID string
	Platform     []map[string]any
	JobEnvs      []JobEnv
}

// Runtime is one requested runtime alternative from a job-create
// request's "select" locator: a client-chosen uid plus the platform
// constraints and acceptable job environments that satisfy it.
type Runtime struct {
	UID       string
	Platforms []map[string]any
	JobEnvs   []JobEnv
}

// Selection is the outcome of Select: which host was chosen, which of its
// job environments matched (nil if the matching runtime required none),
// and which runtime uid matched (empty if there were no runtime
// requirements at all).
type Selection struct {
	Host       Host
	MatchedEnv *JobEnv
	RuntimeUID string
}

// Select implements prouter/api/jobenv.py:select. With no runtime
// requirements it picks uniformly at random among all hosts. Otherwise,
// for each host it walks the requested runtimes in order and takes the
// first one that matches (platform disjunction-of-constraints, then
// job-environment compatibility); the set of hosts that obtained any
// match is collected, and the final host is chosen uniformly at random
// from that set.
func Select(hosts []Host, runtimes []Runtime) (Selection, error) {
	if len(hosts) == 0 {
		return Selection{}, apierr.NoSuitableHost("no agents connected")
	}
	if len(runtimes) == 0 {
		return Selection{Host: hosts[rand.Intn(len(hosts))]}, nil
	}

	type match struct {
		host       Host
		env        *JobEnv
		runtimeUID string
	}
	var matches []match
	for _, host := range hosts {
		for _, rt := range runtimes {
			ok, env := runtimeMatch(rt, host)
			if ok {
				matches = append(matches, match{host: host, env: env, runtimeUID: rt.UID})
				break
			}
		}
	}
	if len(matches) == 0 {
		return Selection{}, apierr.NoSuitableHost("no connected host satisfies any requested runtime")
	}
	chosen := matches[rand.Intn(len(matches))]
	return Selection{Host: chosen.host, MatchedEnv: chosen.env, RuntimeUID: chosen.runtimeUID}, nil
}

// runtimeMatch reports whether host satisfies runtime's platform and
// job-environment constraints, and which job environment (if any)
// satisfied it.
func runtimeMatch(rt Runtime, host Host) (bool, *JobEnv) {
	if !platformMatch(rt.Platforms, host.Platform) {
		return false, nil
	}
	if len(rt.JobEnvs) == 0 {
		return true, nil
	}
	for _, required := range rt.JobEnvs {
		for i := range host.JobEnvs {
			if jobenvMatch(host.JobEnvs[i], required) {
				env := host.JobEnvs[i]
				return true, &env
			}
		}
	}
	return false, nil
}

// platformMatch is a disjunction of constraint maps: the host's platform
// satisfies the requirement if it matches at least one constraint map,
// and a constraint map matches only if every one of its key/value pairs
// is present and equal in the host's platform descriptor. An empty
// requirement list always matches.
func platformMatch(required []map[string]any, hostPlatforms []map[string]any) bool {
	if len(required) == 0 {
		return true
	}
	for _, constraint := range required {
		for _, hostPlatform := range hostPlatforms {
			if constraintSatisfied(constraint, hostPlatform) {
				return true
			}
		}
	}
	return false
}

func constraintSatisfied(constraint, hostPlatform map[string]any) bool {
	for k, v := range constraint {
		hv, ok := hostPlatform[k]
		if !ok || hv != v {
			return false
		}
	}
	return true
}
