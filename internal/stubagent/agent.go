// Package stubagent is a minimal in-process agent fixture speaking the
// real RPC wire protocol, used by internal/api's integration tests to
// exercise the router end-to-end without a real job sandbox. It is not
// part of the router proper: a production agent is explicitly out of
// scope for this repository, the same way spec.md treats the RPC
// library itself as a pre-existing collaborator.
//
// Connect/reconnect shape is grounded on arkeep's
// agent/internal/connection.Manager: a long-lived loop with jittered
// exponential backoff, repurposed here to dial the router's RPC listener
// instead of a gRPC control plane.
package stubagent

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/datadvance/pRouter/internal/identity"
	"github.com/datadvance/pRouter/internal/rpc"
)

const (
	backoffInitial = 200 * time.Millisecond
	backoffMax     = 10 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.2
)

// Agent is a fake job host: it dials into a router's agent listener,
// presents a handshake, and serves the AgentService method surface the
// router's dispatcher/proxy components call.
type Agent struct {
	url        string
	token      string
	name       string
	properties map[string]any
	log        *zap.Logger

	mu    sync.Mutex
	jobs  map[string]*job
	nextJobID int64

	conn *rpc.Connection
}

type job struct {
	uid     string
	name    string
	running bool
	files   map[string][]byte
}

// New builds an Agent that will dial routerAgentURL (e.g.
// "ws://127.0.0.1:8900/rpc/v1") once Run is called.
func New(routerAgentURL, token, name string, properties map[string]any, log *zap.Logger) *Agent {
	return &Agent{
		url:        routerAgentURL,
		token:      token,
		name:       name,
		properties: properties,
		log:        log,
		jobs:       make(map[string]*job),
	}
}

// Connect dials the router once (no reconnect loop) and registers every
// handler, returning once the handshake has completed. Most tests only
// need a single successful connection.
func (a *Agent) Connect(ctx context.Context) error {
	handshake := map[string]any{
		identity.KeyAuth: map[string]any{
			identity.KeyUID:   a.name,
			identity.KeyName:  a.name,
			identity.KeyToken: a.token,
		},
		identity.KeyPlatform:   []map[string]any{{"system": "linux"}},
		identity.KeyProperties: a.properties,
	}
	conn, _, err := rpc.Dial(ctx, a.url, handshake, a.log)
	if err != nil {
		return err
	}
	a.conn = conn
	a.registerHandlers(conn)
	return nil
}

// Run dials the router in a loop with jittered exponential backoff until
// ctx is cancelled, matching the reconnect idiom arkeep's agent uses for
// its gRPC control plane.
func (a *Agent) Run(ctx context.Context) {
	backoff := backoffInitial
	for {
		if err := a.Connect(ctx); err != nil {
			a.log.Warn("stub agent connect failed, backing off", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-time.After(jitter(backoff)):
			case <-ctx.Done():
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = backoffInitial
		<-a.conn.Closed()
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func jitter(d time.Duration) time.Duration {
	delta := time.Duration(float64(d) * jitterFraction * (rand.Float64()*2 - 1))
	return d + delta
}

func nextBackoff(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

// RunningJobCount reports how many jobs are currently marked running, the
// value the router's idle watcher polls via job_count_current_connection.
func (a *Agent) RunningJobCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, j := range a.jobs {
		if j.running {
			n++
		}
	}
	return n
}

func (a *Agent) newJobUID() string {
	id := atomic.AddInt64(&a.nextJobID, 1)
	return "job-" + itoa(id)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
