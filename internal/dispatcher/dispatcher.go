// Package dispatcher implements the Job Dispatcher component: validating
// job-create/remove/wait/info/start requests, resolving the target agent
// connection (by uid, by address, or via the Agent Selector), issuing the
// corresponding RPC call, and extending the agent's response with
// router-owned fields (path, agent descriptor, selected runtime).
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/datadvance/pRouter/internal/apierr"
	"github.com/datadvance/pRouter/internal/identity"
	"github.com/datadvance/pRouter/internal/registry"
	"github.com/datadvance/pRouter/internal/rpc"
	"github.com/datadvance/pRouter/internal/selector"
	"github.com/datadvance/pRouter/internal/watcher"
)

// Remote method names called on the agent, matching
// pagent.agent_service.AgentService's method names in the original.
const (
	methodJobCreate = "job_create"
	methodJobRemove = "job_remove"
	methodJobWait   = "job_wait"
	methodJobInfo   = "job_info"
	methodJobStart  = "job_start"
)

// Dispatcher resolves and issues job operations against agent
// connections.
type Dispatcher struct {
	registry *registry.Registry
	identity *identity.Identity
	log      *zap.Logger
}

// New builds a Dispatcher.
func New(reg *registry.Registry, id *identity.Identity, log *zap.Logger) *Dispatcher {
	return &Dispatcher{registry: reg, identity: id, log: log}
}

type jobCreateBody struct {
	Agent json.RawMessage `json:"agent"`
	Name  string          `json:"name"`
}

type agentLocatorType struct {
	Type string `json:"type"`
}

type uidLocator struct {
	UID string `json:"uid"`
}

type addressLocator struct {
	Address string `json:"address"`
	Token   string `json:"token"`
}

type selectLocator struct {
	Runtimes []runtimeWire `json:"runtimes"`
}

type runtimeWire struct {
	UID      string           `json:"uid"`
	Platform []map[string]any `json:"platform"`
	JobEnv   []jobenvWire     `json:"jobenv"`
}

type jobenvWire struct {
	GUID    string `json:"guid"`
	Version string `json:"version"`
}

type jobStartBody struct {
	Args              []string          `json:"args"`
	Env               map[string]string `json:"env"`
	Cwd               *string           `json:"cwd"`
	PortExpectedCount *int              `json:"port_expected_count"`
	ForwardStdout     bool              `json:"forward_stdout"`
}

// JobCreate validates and executes a job-create request, returning the
// extended job info envelope ready to be serialized as the HTTP response.
func (d *Dispatcher) JobCreate(ctx context.Context, rawBody []byte) (map[string]any, error) {
	if err := validateAgainst(jobCreateSchema, rawBody); err != nil {
		return nil, err
	}
	var body jobCreateBody
	if err := json.Unmarshal(rawBody, &body); err != nil {
		return nil, apierr.InvalidRequest("malformed request body: %v", err)
	}
	var locType agentLocatorType
	_ = json.Unmarshal(body.Agent, &locType)

	var conn *rpc.Connection
	var runtimeResult map[string]any

	switch locType.Type {
	case "uid":
		var loc uidLocator
		_ = json.Unmarshal(body.Agent, &loc)
		c, err := d.registry.ByPeerUID(loc.UID)
		if err != nil {
			return nil, err
		}
		conn = c

	case "select":
		var loc selectLocator
		_ = json.Unmarshal(body.Agent, &loc)
		c, matched, err := d.selectHost(loc.Runtimes)
		if err != nil {
			return nil, err
		}
		conn = c
		runtimeResult = matched

	case "address":
		var loc addressLocator
		_ = json.Unmarshal(body.Agent, &loc)
		url := fmt.Sprintf("ws://%s%s", loc.Address, registry.AgentRPCPath)
		c, peerHandshake, err := rpc.Dial(ctx, url, d.identity.ClientHandshake(loc.Token), d.log)
		if err != nil {
			return nil, apierr.RPC(fmt.Errorf("dialing agent at %q: %w", loc.Address, err))
		}
		if err := d.identity.ValidateIncomingHandshake(peerHandshake); err != nil {
			c.Close()
			return nil, err
		}
		if err := d.registry.Register(c, peerHandshake); err != nil {
			c.Close()
			return nil, apierr.Auth("%v", err)
		}
		conn = c

	default:
		return nil, apierr.InvalidRequest("unknown agent locator type %q", locType.Type)
	}

	raw, err := conn.CallSimple(ctx, methodJobCreate, body.Name)
	if err != nil {
		if conn.Mode() == rpc.ModeClient {
			conn.Close()
		}
		return nil, classifyRPCError(err)
	}

	if conn.Mode() == rpc.ModeClient {
		watcher.Watch(conn, d.registry.PollingDelay(), d.log)
	}

	info, err := decodeInfo(raw)
	if err != nil {
		return nil, err
	}
	extendJobInfo(conn, info)
	for k, v := range runtimeResult {
		info[k] = v
	}
	return info, nil
}

func (d *Dispatcher) selectHost(runtimesWire []runtimeWire) (*rpc.Connection, map[string]any, error) {
	conns := d.registry.ServerConnections()
	hostsByID := make(map[string]*rpc.Connection, len(conns))
	hosts := make([]selector.Host, 0, len(conns))
	for _, c := range conns {
		hs := c.HandshakeData()
		platform := toPlatformList(hs[identity.KeyPlatform])
		properties, _ := hs[identity.KeyProperties].(map[string]any)
		hosts = append(hosts, selector.Host{
			ConnectionID: c.ID(),
			Platform:     platform,
			JobEnvs:      selector.SearchProperties(properties),
		})
		hostsByID[c.ID()] = c
	}

	runtimes := make([]selector.Runtime, 0, len(runtimesWire))
	for _, rt := range runtimesWire {
		envs := make([]selector.JobEnv, 0, len(rt.JobEnv))
		for _, e := range rt.JobEnv {
			envs = append(envs, selector.JobEnvFromDict(e.GUID, e.Version))
		}
		runtimes = append(runtimes, selector.Runtime{UID: rt.UID, Platforms: rt.Platform, JobEnvs: envs})
	}

	sel, err := selector.Select(hosts, runtimes)
	if err != nil {
		return nil, nil, err
	}
	conn := hostsByID[sel.Host.ConnectionID]

	var runtimeResult map[string]any
	if sel.RuntimeUID != "" {
		runtimeInfo := map[string]any{"uid": sel.RuntimeUID}
		if sel.MatchedEnv != nil {
			runtimeInfo["activate"] = sel.MatchedEnv.Activate
		}
		runtimeResult = map[string]any{"runtime": runtimeInfo}
	}
	return conn, runtimeResult, nil
}

// JobRemove, JobWait, JobInfo and JobStart are thin adapters over the
// matching agent RPC method, all extending the reply the same way.

func (d *Dispatcher) JobRemove(ctx context.Context, connID, jobUID string) (map[string]any, error) {
	return d.simpleJobOp(ctx, connID, methodJobRemove, jobUID)
}

func (d *Dispatcher) JobWait(ctx context.Context, connID, jobUID string) (map[string]any, error) {
	return d.simpleJobOp(ctx, connID, methodJobWait, jobUID)
}

func (d *Dispatcher) JobInfo(ctx context.Context, connID, jobUID string) (map[string]any, error) {
	return d.simpleJobOp(ctx, connID, methodJobInfo, jobUID)
}

func (d *Dispatcher) simpleJobOp(ctx context.Context, connID, method, jobUID string) (map[string]any, error) {
	conn, err := d.registry.Connection(connID)
	if err != nil {
		return nil, err
	}
	raw, err := conn.CallSimple(ctx, method, jobUID)
	if err != nil {
		return nil, classifyRPCError(err)
	}
	info, err := decodeInfo(raw)
	if err != nil {
		return nil, err
	}
	extendJobInfo(conn, info)
	return info, nil
}

// JobStart validates and executes a process-start request inside an
// existing job.
func (d *Dispatcher) JobStart(ctx context.Context, connID, jobUID string, rawBody []byte) (map[string]any, error) {
	if err := validateAgainst(jobStartSchema, rawBody); err != nil {
		return nil, err
	}
	var body jobStartBody
	if err := json.Unmarshal(rawBody, &body); err != nil {
		return nil, apierr.InvalidRequest("malformed request body: %v", err)
	}
	portExpected := 1
	if body.PortExpectedCount != nil {
		portExpected = *body.PortExpectedCount
	}
	conn, err := d.registry.Connection(connID)
	if err != nil {
		return nil, err
	}
	raw, err := conn.CallSimple(ctx, methodJobStart, jobUID, body.Args, body.Env, body.Cwd, portExpected, body.ForwardStdout)
	if err != nil {
		return nil, classifyRPCError(err)
	}
	info, err := decodeInfo(raw)
	if err != nil {
		return nil, err
	}
	extendJobInfo(conn, info)
	return info, nil
}

func decodeInfo(raw json.RawMessage) (map[string]any, error) {
	var info map[string]any
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, apierr.RPC(fmt.Errorf("decoding agent response: %w", err))
	}
	return info, nil
}

// extendJobInfo augments an agent's job-info reply with the HTTP path
// clients use to address this job and a descriptor of the serving agent,
// per prouter/handlers/jobs.py:_extend_job_info.
func extendJobInfo(conn *rpc.Connection, info map[string]any) {
	uid, _ := info["uid"].(string)
	info["path"] = fmt.Sprintf("/jobs/%s/%s", conn.ID(), uid)
	hs := conn.HandshakeData()
	info["agent"] = map[string]any{
		"platform":   hs[identity.KeyPlatform],
		"properties": hs[identity.KeyProperties],
	}
}

func classifyRPCError(err error) error {
	if errType, msg, _, ok := rpc.AsRemoteError(err); ok {
		return apierr.RPCMethod(errType, msg)
	}
	return apierr.RPC(err)
}

func toPlatformList(v any) []map[string]any {
	items, ok := v.([]any)
	if !ok {
		if m, ok := v.(map[string]any); ok {
			return []map[string]any{m}
		}
		return nil
	}
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		if m, ok := it.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
