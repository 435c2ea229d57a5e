package agentproc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"pkt.systems/agentdeck/schema"
	"pkt.systems/pslog"
)

// Handler receives the agent-initiated halves of the protocol.
type Handler interface {
	// OnNotification is called for every fire-and-forget message.
	OnNotification(n schema.Notification)
	// OnRequest is called when the process asks for a decision.
	OnRequest(r schema.AgentRequest)
	// OnClosed is called exactly once when the read loop ends.
	OnClosed(err error)
}

// Conn correlates requests to responses over a Transport and dispatches
// inbound notifications and requests to a Handler. Safe for concurrent use.
type Conn struct {
	transport Transport
	handler   Handler
	log       pslog.Logger

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan rpcResult
	closed  bool
	exitErr error

	cancel context.CancelFunc
	done   chan struct{}
}

type rpcResult struct {
	result json.RawMessage
	err    error
}

type wireFrame struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *schema.RPCError `json:"error,omitempty"`
}

// NewConn starts the read loop over the transport. The handler is invoked
// from that single loop goroutine, so delivery order matches arrival order.
func NewConn(ctx context.Context, transport Transport, handler Handler, logger pslog.Logger) *Conn {
	if logger == nil {
		logger = pslog.Ctx(ctx)
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &Conn{
		transport: transport,
		handler:   handler,
		log:       logger,
		pending:   make(map[int64]chan rpcResult),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go c.readLoop(loopCtx)
	return c
}

// Request issues a correlated call and waits for the matching response. It
// fails fast when the process dies and honors ctx cancellation.
func (c *Conn) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	waiter := make(chan rpcResult, 1)

	c.mu.Lock()
	if c.closed {
		exitErr := c.exitErr
		c.mu.Unlock()
		if exitErr == nil {
			exitErr = schema.ErrAgentExited
		}
		return nil, exitErr
	}
	c.pending[id] = waiter
	c.mu.Unlock()

	frame, err := encodeRequest(id, method, params)
	if err != nil {
		c.dropPending(id)
		return nil, err
	}
	if err := c.transport.Send(ctx, frame); err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("send %s: %w", method, err)
	}
	c.log.Trace("agent request sent", "method", method, "rpc_id", id)

	select {
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	case res := <-waiter:
		if res.err != nil {
			return nil, res.err
		}
		return res.result, nil
	}
}

// SendResponse relays a browser decision back to the process, echoing the
// original request id byte-for-byte.
func (c *Conn) SendResponse(ctx context.Context, resp schema.ClientResponse) error {
	if len(resp.ID) == 0 {
		return schema.ErrInvalidRequest
	}
	frame, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if err := c.transport.Send(ctx, frame); err != nil {
		return fmt.Errorf("send response: %w", err)
	}
	c.log.Trace("agent response sent", "rpc_id", string(resp.ID))
	return nil
}

// Close tears down the transport and rejects all pending requests.
func (c *Conn) Close() error {
	c.cancel()
	err := c.transport.Close()
	<-c.done
	return err
}

// Done is closed once the read loop has ended.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) readLoop(ctx context.Context) {
	var loopErr error
	for {
		frame, err := c.transport.Recv(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				loopErr = err
			}
			break
		}
		c.dispatch(frame)
	}
	c.finish(loopErr)
}

func (c *Conn) dispatch(frame []byte) {
	var msg wireFrame
	if err := json.Unmarshal(frame, &msg); err != nil {
		c.log.Warn("agent frame decode failed", "err", err, "frame_len", len(frame))
		return
	}
	switch {
	case msg.Method != "" && len(msg.ID) > 0:
		c.handler.OnRequest(schema.AgentRequest{ID: msg.ID, Method: msg.Method, Params: msg.Params})
	case msg.Method != "":
		c.handler.OnNotification(schema.Notification{Method: msg.Method, Params: msg.Params})
	case len(msg.ID) > 0:
		c.resolve(msg)
	default:
		c.log.Warn("agent frame ignored", "frame_len", len(frame))
	}
}

func (c *Conn) resolve(msg wireFrame) {
	var id int64
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		c.log.Warn("agent response id unusable", "id", string(msg.ID))
		return
	}
	c.mu.Lock()
	waiter, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		c.log.Debug("agent response unmatched", "rpc_id", id)
		return
	}
	if msg.Error != nil {
		waiter <- rpcResult{err: fmt.Errorf("agent error %d: %s", msg.Error.Code, msg.Error.Message)}
		return
	}
	waiter <- rpcResult{result: msg.Result}
}

// finish rejects every pending request and notifies the handler; runs once.
func (c *Conn) finish(loopErr error) {
	exitErr := loopErr
	if exitErr == nil {
		exitErr = schema.ErrAgentExited
	}
	c.mu.Lock()
	c.closed = true
	c.exitErr = exitErr
	waiters := c.pending
	c.pending = make(map[int64]chan rpcResult)
	c.mu.Unlock()
	for id, waiter := range waiters {
		c.log.Debug("agent request rejected", "rpc_id", id, "err", exitErr)
		waiter <- rpcResult{err: exitErr}
	}
	c.handler.OnClosed(loopErr)
	close(c.done)
}

func (c *Conn) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func encodeRequest(id int64, method string, params any) ([]byte, error) {
	payload := struct {
		ID     int64  `json:"id"`
		Method string `json:"method"`
		Params any    `json:"params,omitempty"`
	}{ID: id, Method: method, Params: params}
	return json.Marshal(payload)
}
