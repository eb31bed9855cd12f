package selector

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/datadvance/pRouter/internal/apierr"
)

func TestSelectNoHostsIsNoSuitableHost(t *testing.T) {
	_, err := Select(nil, nil)
	require.Error(t, err)
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, apierr.KindNoSuitableHost, apiErr.Kind)
}

func TestSelectNoRuntimesPicksAnyHost(t *testing.T) {
	hosts := []Host{{ConnectionID: "a"}, {ConnectionID: "b"}}
	sel, err := Select(hosts, nil)
	require.NoError(t, err)
	require.Contains(t, []string{"a", "b"}, sel.Host.ConnectionID)
	require.Empty(t, sel.RuntimeUID)
}

func TestSelectPlatformDisjunction(t *testing.T) {
	hosts := []Host{
		{ConnectionID: "linux-host", Platform: []map[string]any{{"system": "linux"}}},
		{ConnectionID: "mac-host", Platform: []map[string]any{{"system": "darwin"}}},
	}
	runtimes := []Runtime{{
		UID:       "r1",
		Platforms: []map[string]any{{"system": "darwin"}, {"system": "windows"}},
	}}
	sel, err := Select(hosts, runtimes)
	require.NoError(t, err)
	require.Equal(t, "mac-host", sel.Host.ConnectionID)
	require.Equal(t, "r1", sel.RuntimeUID)
}

func TestSelectRejectsWhenNoPlatformMatches(t *testing.T) {
	hosts := []Host{{ConnectionID: "linux-host", Platform: []map[string]any{{"system": "linux"}}}}
	runtimes := []Runtime{{UID: "r1", Platforms: []map[string]any{{"system": "darwin"}}}}
	_, err := Select(hosts, runtimes)
	require.Error(t, err)
}

func TestSelectJobEnvMajorVersionAndFloor(t *testing.T) {
	host := Host{
		ConnectionID: "h1",
		JobEnvs:      []JobEnv{JobEnvFromDict("py", "3.11.2")},
	}
	t.Run("satisfied by newer minor version", func(t *testing.T) {
		runtimes := []Runtime{{UID: "r1", JobEnvs: []JobEnv{JobEnvFromDict("py", "3.9")}}}
		sel, err := Select([]Host{host}, runtimes)
		require.NoError(t, err)
		require.Equal(t, "r1", sel.RuntimeUID)
		require.NotNil(t, sel.MatchedEnv)
		require.Equal(t, "py", sel.MatchedEnv.GUID)
	})
	t.Run("rejected by different major version", func(t *testing.T) {
		runtimes := []Runtime{{UID: "r1", JobEnvs: []JobEnv{JobEnvFromDict("py", "4.0")}}}
		_, err := Select([]Host{host}, runtimes)
		require.Error(t, err)
	})
	t.Run("rejected by newer-than-available minor version", func(t *testing.T) {
		runtimes := []Runtime{{UID: "r1", JobEnvs: []JobEnv{JobEnvFromDict("py", "3.99")}}}
		_, err := Select([]Host{host}, runtimes)
		require.Error(t, err)
	})
}

func TestSelectFallsThroughRuntimeList(t *testing.T) {
	host := Host{ConnectionID: "h1", JobEnvs: []JobEnv{JobEnvFromDict("py", "3.11")}}
	runtimes := []Runtime{
		{UID: "unmatched", JobEnvs: []JobEnv{JobEnvFromDict("go", "1.20")}},
		{UID: "matched", JobEnvs: []JobEnv{JobEnvFromDict("py", "3.0")}},
	}
	sel, err := Select([]Host{host}, runtimes)
	require.NoError(t, err)
	require.Equal(t, "matched", sel.RuntimeUID)
}
