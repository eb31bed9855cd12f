package proxy

import (
	"context"
	"io"
	"net/http"

	"github.com/datadvance/pRouter/internal/apierr"
	"github.com/datadvance/pRouter/internal/rpc"
)

const (
	methodFileDownload    = "file_download"
	methodFileUpload      = "file_upload"
	methodArchiveDownload = "archive_download"
	methodArchiveUpload   = "archive_upload"

	contentTypeBinary = "application/octet-stream"
)

// FileOptions carries the single_file route's optional query parameters.
type FileOptions struct {
	Remove     bool
	Executable bool
}

// ArchiveOptions carries the archive route's optional query parameters.
type ArchiveOptions struct {
	Include  *string
	Exclude  *string
	Compress bool
}

// DownloadFile streams one file out of a job via the "file_download"
// istream call.
func (e *Engine) DownloadFile(ctx context.Context, w http.ResponseWriter, connID, jobUID, fspath string, opts FileOptions) error {
	conn, err := e.registry.Connection(connID)
	if err != nil {
		return err
	}
	call, err := conn.CallIStream(ctx, methodFileDownload,
		[]any{jobUID, fspath}, map[string]any{"remove": opts.Remove})
	if err != nil {
		return apierr.RPC(err)
	}
	defer call.Close()
	return sendFile(ctx, w, call)
}

// UploadFile accepts one file into a job via the "file_upload" ostream
// call. Enforces the caller-declared Content-Length against the bytes
// actually received (400 InvalidRequest on overrun) and, once the stream
// closes, against the agent's own accepted byte count (UploadMismatch).
func (e *Engine) UploadFile(ctx context.Context, body io.Reader, contentLength int64, connID, jobUID, fspath string, opts FileOptions) error {
	conn, err := e.registry.Connection(connID)
	if err != nil {
		return err
	}
	call, err := conn.CallOStream(ctx, methodFileUpload,
		[]any{jobUID, fspath}, map[string]any{"executable": opts.Executable})
	if err != nil {
		return apierr.RPC(err)
	}
	defer call.Close()
	return acceptFile(ctx, body, contentLength, call)
}

// DownloadArchive streams a tar archive of job files via the
// "archive_download" istream call.
func (e *Engine) DownloadArchive(ctx context.Context, w http.ResponseWriter, connID, jobUID string, opts ArchiveOptions) error {
	conn, err := e.registry.Connection(connID)
	if err != nil {
		return err
	}
	call, err := conn.CallIStream(ctx, methodArchiveDownload,
		[]any{jobUID}, map[string]any{
			"include_mask": opts.Include,
			"exclude_mask": opts.Exclude,
			"compress":     opts.Compress,
		})
	if err != nil {
		return apierr.RPC(err)
	}
	defer call.Close()
	return sendFile(ctx, w, call)
}

// UploadArchive accepts a tar archive into a job via the
// "archive_upload" ostream call.
func (e *Engine) UploadArchive(ctx context.Context, body io.Reader, contentLength int64, connID, jobUID string) error {
	conn, err := e.registry.Connection(connID)
	if err != nil {
		return err
	}
	call, err := conn.CallOStream(ctx, methodArchiveUpload, []any{jobUID}, nil)
	if err != nil {
		return apierr.RPC(err)
	}
	defer call.Close()
	return acceptFile(ctx, body, contentLength, call)
}

// sendFile implements the original's _send_file: the callee sends one
// header chunk with the declared size (or nothing, signalling immediate
// failure — in which case the call's result carries the error), followed
// by raw data chunks.
func sendFile(ctx context.Context, w http.ResponseWriter, call *rpc.Call) error {
	header, err := recvMsg(ctx, call.Stream)
	if err != nil {
		return apierr.RPC(err)
	}
	if header == nil || header.Kind != kindFileHeader {
		_, err := call.Result(ctx)
		if errType, msg, _, ok := rpc.AsRemoteError(err); ok {
			return apierr.RPCMethod(errType, msg)
		}
		return apierr.RPC(err)
	}

	w.Header().Set("Content-Type", contentTypeBinary)
	if header.Size > 0 {
		w.Header().Set("Content-Length", itoa(header.Size))
	}
	w.WriteHeader(http.StatusOK)

	for {
		msg, err := recvMsg(ctx, call.Stream)
		if err != nil {
			return apierr.RPC(err)
		}
		if msg == nil {
			break
		}
		if _, err := w.Write(msg.Body); err != nil {
			return err
		}
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
	return nil
}

// acceptFile implements the original's _accept_file: forward every chunk
// of body to the agent, tracking the running size against the caller's
// declared Content-Length, then compare the agent's accepted size against
// what was actually sent.
func acceptFile(ctx context.Context, body io.Reader, contentLength int64, call *rpc.Call) error {
	var received int64
	buf := make([]byte, 64*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			received += int64(n)
			if received > contentLength {
				return apierr.InvalidRequest("request payload size does not match passed Content-Length")
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if sendErr := call.Stream.Send(ctx, chunk); sendErr != nil {
				return apierr.RPC(sendErr)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return apierr.RPC(err)
		}
	}
	if err := call.Stream.CloseSend(ctx); err != nil {
		return apierr.RPC(err)
	}

	var accepted int64
	if err := call.ResultInto(ctx, &accepted); err != nil {
		if errType, msg, _, ok := rpc.AsRemoteError(err); ok {
			return apierr.RPCMethod(errType, msg)
		}
		return apierr.RPC(err)
	}
	if accepted != received {
		return apierr.UploadMismatch(received, accepted)
	}
	return nil
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
