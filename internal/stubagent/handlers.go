package stubagent

import (
	"context"
	"encoding/json"

	"github.com/datadvance/pRouter/internal/rpc"
)

// wireMsg mirrors internal/proxy's nested envelope byte-for-byte: the two
// sides of a bistream call agree on this shape even though stubagent
// can't import the unexported proxy package type directly.
type wireMsg struct {
	Kind    string              `json:"kind"`
	Status  int                 `json:"status,omitempty"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    []byte              `json:"body,omitempty"`
	Bool    bool                `json:"bool,omitempty"`
	Size    int64               `json:"size,omitempty"`
}

const (
	kindStatus     = "status"
	kindHeaders    = "headers"
	kindBody       = "body"
	kindBool       = "bool"
	kindFileHeader = "file_header"
)

func sendMsg(ctx context.Context, s *rpc.Stream, m wireMsg) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.Send(ctx, raw)
}

func recvMsg(ctx context.Context, s *rpc.Stream) (*wireMsg, error) {
	raw, err := s.Receive(ctx)
	if err != nil || raw == nil {
		return nil, err
	}
	var m wireMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

const (
	methodJobCreate                 = "job_create"
	methodJobRemove                 = "job_remove"
	methodJobWait                   = "job_wait"
	methodJobInfo                   = "job_info"
	methodJobStart                  = "job_start"
	methodJobCountCurrentConnection = "job_count_current_connection"
	methodHTTPRequest               = "http_request"
	methodWSConnect                 = "ws_connect"
	methodFileDownload              = "file_download"
	methodFileUpload                = "file_upload"
	methodArchiveDownload           = "archive_download"
	methodArchiveUpload             = "archive_upload"
)

// registerHandlers installs the agent-side method surface the router's
// dispatcher, proxy engine and idle watcher call, grounded on
// pagent.agent_service.AgentService's RPC surface in the original.
func (a *Agent) registerHandlers(conn *rpc.Connection) {
	conn.Handle(methodJobCreate, a.handleJobCreate)
	conn.Handle(methodJobRemove, a.handleJobRemove)
	conn.Handle(methodJobWait, a.handleJobInfo)
	conn.Handle(methodJobInfo, a.handleJobInfo)
	conn.Handle(methodJobStart, a.handleJobStart)
	conn.Handle(methodJobCountCurrentConnection, a.handleJobCount)
	conn.Handle(methodHTTPRequest, a.handleHTTPRequest)
	conn.Handle(methodWSConnect, a.handleWSConnect)
	conn.Handle(methodFileDownload, a.handleFileDownload)
	conn.Handle(methodFileUpload, a.handleFileUpload)
	conn.Handle(methodArchiveDownload, a.handleFileDownload)
	conn.Handle(methodArchiveUpload, a.handleFileUpload)
}

func (a *Agent) handleJobCreate(ctx context.Context, call *rpc.IncomingCall) {
	var args []string
	_ = rpc.DecodeArgs(call.Args, &args)
	name := ""
	if len(args) > 0 {
		name = args[0]
	}

	a.mu.Lock()
	uid := a.newJobUID()
	j := &job{uid: uid, name: name, files: make(map[string][]byte)}
	a.jobs[uid] = j
	a.mu.Unlock()

	_ = call.SendResult(ctx, a.jobInfo(j))
}

func (a *Agent) handleJobStart(ctx context.Context, call *rpc.IncomingCall) {
	var args []any
	_ = rpc.DecodeArgs(call.Args, &args)
	if len(args) == 0 {
		_ = call.SendError(ctx, "JobNotFoundError", "job uid missing", "")
		return
	}
	uid, _ := args[0].(string)
	j, ok := a.lookupJob(uid)
	if !ok {
		_ = call.SendError(ctx, "JobNotFoundError", "no such job: "+uid, "")
		return
	}
	a.mu.Lock()
	j.running = true
	a.mu.Unlock()
	_ = call.SendResult(ctx, a.jobInfo(j))
}

func (a *Agent) handleJobRemove(ctx context.Context, call *rpc.IncomingCall) {
	var args []string
	_ = rpc.DecodeArgs(call.Args, &args)
	if len(args) == 0 {
		_ = call.SendError(ctx, "JobNotFoundError", "job uid missing", "")
		return
	}
	a.mu.Lock()
	j, ok := a.jobs[args[0]]
	if ok {
		delete(a.jobs, args[0])
	}
	a.mu.Unlock()
	if !ok {
		_ = call.SendError(ctx, "JobNotFoundError", "no such job: "+args[0], "")
		return
	}
	j.running = false
	_ = call.SendResult(ctx, a.jobInfo(j))
}

func (a *Agent) handleJobInfo(ctx context.Context, call *rpc.IncomingCall) {
	var args []string
	_ = rpc.DecodeArgs(call.Args, &args)
	if len(args) == 0 {
		_ = call.SendError(ctx, "JobNotFoundError", "job uid missing", "")
		return
	}
	j, ok := a.lookupJob(args[0])
	if !ok {
		_ = call.SendError(ctx, "JobNotFoundError", "no such job: "+args[0], "")
		return
	}
	_ = call.SendResult(ctx, a.jobInfo(j))
}

func (a *Agent) handleJobCount(ctx context.Context, call *rpc.IncomingCall) {
	_ = call.SendResult(ctx, a.RunningJobCount())
}

func (a *Agent) lookupJob(uid string) (*job, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	j, ok := a.jobs[uid]
	return j, ok
}

func (a *Agent) jobInfo(j *job) map[string]any {
	return map[string]any{
		"uid":     j.uid,
		"name":    j.name,
		"running": j.running,
	}
}

// handleHTTPRequest implements a canned echo endpoint: it drains the
// request body, then replies with a 200 whose body is the path it was
// asked to serve, exercising the status/headers/body wire sequence the
// real HTTP proxy depends on.
func (a *Agent) handleHTTPRequest(ctx context.Context, call *rpc.IncomingCall) {
	var args []any
	_ = rpc.DecodeArgs(call.Args, &args)
	path := ""
	if len(args) > 1 {
		path, _ = args[1].(string)
	}

	for {
		msg, err := recvMsg(ctx, call.Stream)
		if err != nil || msg == nil {
			break
		}
	}

	_ = sendMsg(ctx, call.Stream, wireMsg{Kind: kindStatus, Status: 200})
	_ = sendMsg(ctx, call.Stream, wireMsg{Kind: kindHeaders, Headers: map[string][]string{"Content-Type": {"text/plain"}}})
	_ = sendMsg(ctx, call.Stream, wireMsg{Kind: kindBody, Body: []byte("echo:" + path)})
	_ = call.Stream.CloseSend(ctx)
	_ = call.SendResult(ctx, nil)
}

// handleWSConnect implements a trivial echo bridge: confirm the
// connection, then bounce every client_to_job body frame straight back.
func (a *Agent) handleWSConnect(ctx context.Context, call *rpc.IncomingCall) {
	if err := sendMsg(ctx, call.Stream, wireMsg{Kind: kindBool, Bool: true}); err != nil {
		return
	}
	for {
		msg, err := recvMsg(ctx, call.Stream)
		if err != nil || msg == nil {
			break
		}
		if msg.Kind != kindBody {
			continue
		}
		if sendErr := sendMsg(ctx, call.Stream, wireMsg{Kind: kindBody, Body: msg.Body}); sendErr != nil {
			break
		}
	}
	_ = call.Stream.CloseSend(ctx)
	_ = call.SendResult(ctx, nil)
}

// handleFileDownload serves whatever bytes were last uploaded under the
// requested path (or an empty file if none), covering both
// "file_download" and "archive_download".
func (a *Agent) handleFileDownload(ctx context.Context, call *rpc.IncomingCall) {
	var args []any
	_ = rpc.DecodeArgs(call.Args, &args)
	uid, path := "", ""
	if len(args) > 0 {
		uid, _ = args[0].(string)
	}
	if len(args) > 1 {
		path, _ = args[1].(string)
	}
	j, ok := a.lookupJob(uid)
	if !ok {
		_ = call.SendError(ctx, "JobNotFoundError", "no such job: "+uid, "")
		return
	}
	a.mu.Lock()
	data := j.files[path]
	a.mu.Unlock()

	_ = sendMsg(ctx, call.Stream, wireMsg{Kind: kindFileHeader, Size: int64(len(data))})
	const chunkSize = 32 * 1024
	for offset := 0; offset < len(data); offset += chunkSize {
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := sendMsg(ctx, call.Stream, wireMsg{Kind: kindBody, Body: data[offset:end]}); err != nil {
			return
		}
	}
	_ = call.Stream.CloseSend(ctx)
	_ = call.SendResult(ctx, nil)
}

// handleFileUpload accepts the raw byte chunks an ostream call carries
// (no wireMsg envelope on this direction — the real proxy sends file
// bytes unwrapped) and stores them under the requested path, covering
// both "file_upload" and "archive_upload".
func (a *Agent) handleFileUpload(ctx context.Context, call *rpc.IncomingCall) {
	var args []any
	_ = rpc.DecodeArgs(call.Args, &args)
	uid, path := "", ""
	if len(args) > 0 {
		uid, _ = args[0].(string)
	}
	if len(args) > 1 {
		path, _ = args[1].(string)
	}
	j, ok := a.lookupJob(uid)
	if !ok {
		_ = call.SendError(ctx, "JobNotFoundError", "no such job: "+uid, "")
		return
	}

	var received int64
	var buf []byte
	for {
		chunk, err := call.Stream.Receive(ctx)
		if err != nil || chunk == nil {
			break
		}
		buf = append(buf, chunk...)
		received += int64(len(chunk))
	}
	a.mu.Lock()
	j.files[path] = buf
	a.mu.Unlock()

	_ = call.SendResult(ctx, received)
}
