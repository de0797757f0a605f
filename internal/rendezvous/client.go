package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/qrdrop/internal/protocol"
	"github.com/1ureka/qrdrop/internal/util"
)

// defaultCallTimeout bounds a call whose context carries no deadline.
const defaultCallTimeout = 10 * time.Second

// Client is a Store backed by a remote rendezvous Server. Calls are
// serialized over one WebSocket; a broken connection is redialed on the next
// call.
type Client struct {
	url string
	log util.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	seq  uint64
}

// Dial connects to the server's WebSocket endpoint, e.g.
//
//	ws://192.168.1.20:7788/ws
func Dial(ctx context.Context, url string) (*Client, error) {
	c := &Client{url: url, log: util.Scoped("rendezvous.client")}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return c, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rendezvous server: %w", err)
	}
	return conn, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// call sends msg and waits for its reply. Cancelling ctx aborts the wait and
// drops the connection.
func (c *Client) call(ctx context.Context, msg message) (reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return reply{}, err
	}
	if c.conn == nil {
		conn, err := c.dial(ctx)
		if err != nil {
			return reply{}, err
		}
		c.conn = conn
	}
	conn := c.conn

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultCallTimeout)
	}
	conn.SetWriteDeadline(deadline)
	conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	c.seq++
	msg.Seq = c.seq
	if err := conn.WriteJSON(msg); err != nil {
		c.drop()
		return reply{}, c.callErr(ctx, msg.Op, err)
	}

	var rep reply
	if err := conn.ReadJSON(&rep); err != nil {
		c.drop()
		return reply{}, c.callErr(ctx, msg.Op, err)
	}
	if rep.Seq != msg.Seq {
		c.drop()
		return reply{}, fmt.Errorf("%s: reply out of sequence (%d != %d)", msg.Op, rep.Seq, msg.Seq)
	}

	switch rep.Code {
	case "":
		return rep, nil
	case codeNotFound:
		return rep, ErrNotFound
	case codeAnswered:
		return rep, ErrAlreadyAnswered
	default:
		return rep, fmt.Errorf("%s: %s", msg.Op, rep.Error)
	}
}

// drop discards the connection after a failed exchange. Caller holds c.mu.
func (c *Client) drop() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) callErr(ctx context.Context, o op, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	c.log.Debugf("%s failed: %v", o, err)
	return fmt.Errorf("%s: %w", o, err)
}

func (c *Client) PublishRequest(ctx context.Context, id string, req protocol.Request) error {
	_, err := c.call(ctx, message{Op: opPublishRequest, ID: id, Request: &req})
	return err
}

func (c *Client) LookupRequest(ctx context.Context, id string) (protocol.Request, error) {
	rep, err := c.call(ctx, message{Op: opLookupRequest, ID: id})
	if err != nil {
		return protocol.Request{}, err
	}
	if rep.Request == nil {
		return protocol.Request{}, errors.New("lookupRequest: empty reply")
	}
	return *rep.Request, nil
}

func (c *Client) PublishResponse(ctx context.Context, id string, desc protocol.Descriptor) error {
	_, err := c.call(ctx, message{Op: opPublishResponse, ID: id, Descriptor: &desc})
	return err
}

func (c *Client) PollResponse(ctx context.Context, id string) (protocol.Descriptor, bool, error) {
	rep, err := c.call(ctx, message{Op: opPollResponse, ID: id})
	if err != nil {
		return protocol.Descriptor{}, false, err
	}
	if !rep.Ready || rep.Descriptor == nil {
		return protocol.Descriptor{}, false, nil
	}
	return *rep.Descriptor, true, nil
}

func (c *Client) Remove(ctx context.Context, id string) error {
	_, err := c.call(ctx, message{Op: opRemove, ID: id})
	return err
}

// Compile-time interface checks.
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
	_ Store = (*Client)(nil)
)
