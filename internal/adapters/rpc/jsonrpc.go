package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"time"

	"seedkeeper/go-keystore/pkg/models"

	"github.com/google/uuid"
)

type rpcRequest struct {
	JSONRPC        string          `json:"jsonrpc"`
	ID             json.RawMessage `json:"id"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params"`
	APIVersion     *int            `json:"api_version,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type rpcError struct {
	Code    int               `json:"code"`
	Message string            `json:"message"`
	Data    *models.ErrorData `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

const DefaultMaxFrameBytes = 1 << 20 // 1 MiB

var errFrameTooLarge = errors.New("frame exceeds size limit")

// readFrame returns one newline-terminated frame, without enforcing that the
// final frame before EOF carries a newline. Frames longer than limit fail
// with errFrameTooLarge; the stream cannot be resynchronised after that.
func readFrame(r *bufio.Reader, limit int) ([]byte, error) {
	var frame []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(frame)+len(chunk) > limit+1 {
			return nil, errFrameTooLarge
		}
		frame = append(frame, chunk...)
		switch {
		case err == nil:
			return frame, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(bytes.TrimSpace(frame)) > 0:
			return frame, nil
		default:
			return nil, err
		}
	}
}

// parseRequest validates one frame. On failure the returned request still
// carries whatever id could be recovered, so the error can be addressed.
func parseRequest(frame []byte) (rpcRequest, *rpcError) {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return rpcRequest{}, protocolError(models.CodeInvalidRequest, "batch requests are not supported")
	}
	var req rpcRequest
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return rpcRequest{}, protocolError(models.CodeParseError, "parse error")
	}
	if !validID(req.ID) {
		return rpcRequest{}, protocolError(models.CodeInvalidRequest, "invalid request id")
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return req, protocolError(models.CodeInvalidRequest, "invalid request")
	}
	if rpcErr := validateRPCAPIVersion(req.APIVersion); rpcErr != nil {
		return req, rpcErr
	}
	return req, nil
}

func validID(id json.RawMessage) bool {
	if len(id) == 0 {
		return true
	}
	switch id[0] {
	case '{', '[', 't', 'f':
		return false
	}
	return true
}

// isNotification reports a request without an id member. Notifications are
// executed but never answered.
func (r rpcRequest) isNotification() bool {
	return len(r.ID) == 0
}

func (s *Server) handleFrame(ctx context.Context, c *connState, frame []byte) (rpcResponse, bool) {
	req, rpcErr := parseRequest(frame)
	if rpcErr != nil {
		s.metrics.ObserveRequest("invalid", string(models.KindProtocol), 0)
		s.logger.Warn("rpc rejected", "component", "ipc", "conn_id", c.id, "rpc_code", rpcErr.Code)
		return rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}, true
	}

	reqID := uuid.NewString()
	started := time.Now()
	s.logger.Debug("rpc request", "component", "ipc", "operation", req.Method, "request_id", reqID, "conn_id", c.id)

	result, rpcErr := s.dispatchRPC(ctx, c, req)
	latency := time.Since(started)
	outcome := "ok"
	if rpcErr != nil {
		outcome = string(rpcErr.Data.Kind)
		attrs := []any{"component", "ipc", "operation", req.Method, "request_id", reqID, "conn_id", c.id, "rpc_code", rpcErr.Code, "latency_ms", latency.Milliseconds()}
		if rpcErr.Data.Kind == models.KindInternal || rpcErr.Data.Kind == models.KindCorruptStore {
			s.logger.Error("rpc failed", attrs...)
		} else {
			s.logger.Warn("rpc failed", attrs...)
		}
	} else {
		s.logger.Info("rpc response", "component", "ipc", "operation", req.Method, "request_id", reqID, "conn_id", c.id, "latency_ms", latency.Milliseconds())
	}
	s.metrics.ObserveRequest(metricMethod(req.Method), outcome, latency)

	if req.isNotification() {
		return rpcResponse{}, false
	}
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
	if rpcErr == nil {
		resp.Result = result
	}
	return resp, true
}

func metricMethod(method string) string {
	if _, ok := knownMethods[method]; ok {
		return method
	}
	return "unknown"
}

func writeRPC(conn net.Conn, timeout time.Duration, resp rpcResponse) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		payload, _ = json.Marshal(rpcResponse{
			JSONRPC: "2.0",
			ID:      resp.ID,
			Error:   kindError(models.KindInternal, "internal error"),
		})
	}
	payload = append(payload, '\n')
	if timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	_, err = conn.Write(payload)
	return err
}
