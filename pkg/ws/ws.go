// Package ws provides a generic, typed, bidirectional transport on top of
// a raw websocket connection. Each message is JSON-encoded and sent as
// one websocket text message over a Websocket[In, Out]. Peer-to-peer
// traffic such as object-manager push/pull/free uses it; driftcore-gcs's
// actor and placement-group API is plain HTTP with JSON bodies instead.
package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

const (
	pingInterval     = 15 * time.Second
	pongWait         = time.Minute
	closeWait        = 5 * time.Second
	inboxBufferSize  = 32
	outboxBufferSize = 64
	// maxMessageSize bounds a single websocket frame; object bytes beyond
	// this travel as object-manager chunks (internal/objectmanager), never
	// as one frame.
	maxMessageSize = 128 * 1024 * 1024
)

// Websocket is a higher-level, thread-safe wrapper over
// "github.com/gorilla/websocket", parameterized by the inbound and
// outbound message types.
type Websocket[TIn, TOut any] struct {
	log  *logrus.Entry
	conn *websocket.Conn

	cancel    context.CancelFunc
	errLock   sync.Mutex
	err       error
	closeOnce sync.Once
	closeErr  error

	// Done is closed once both read and write loops have exited.
	Done <-chan struct{}
	// Inbox delivers decoded inbound messages.
	Inbox <-chan TIn
	// Outbox accepts messages to encode and send.
	Outbox chan<- TOut
}

// Wrap adapts an established *websocket.Conn.
func Wrap[TIn, TOut any](name string, conn *websocket.Conn) *Websocket[TIn, TOut] {
	ctx, cancel := context.WithCancel(context.Background())

	inbox := make(chan TIn, inboxBufferSize)
	outbox := make(chan TOut, outboxBufferSize)
	done := make(chan struct{})

	s := &Websocket[TIn, TOut]{
		log: logrus.WithFields(logrus.Fields{
			"component":   "ws",
			"remote-addr": conn.RemoteAddr(),
			"name":        name,
		}),
		conn:   conn,
		cancel: cancel,
		Done:   done,
		Inbox:  inbox,
		Outbox: outbox,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := s.runWriteLoop(ctx, outbox); err != nil {
			s.setError(fmt.Errorf("write loop: %w", err))
		}
	}()
	go func() {
		defer wg.Done()
		if err := s.runReadLoop(ctx, inbox); err != nil {
			s.setError(fmt.Errorf("read loop: %w", err))
		}
	}()
	go func() {
		wg.Wait()
		close(done)
	}()

	return s
}

// Wait blocks until the connection is closed, returning any error.
func (s *Websocket[TIn, TOut]) Wait() error {
	<-s.Done
	return s.Error()
}

// Error returns the errors recorded by the read and write loops,
// combined into one, if any.
func (s *Websocket[TIn, TOut]) Error() error {
	s.errLock.Lock()
	defer s.errLock.Unlock()
	return s.err
}

// Close performs the close handshake and closes the underlying
// connection.
func (s *Websocket[TIn, TOut]) Close() error {
	s.closeOnce.Do(func() {
		initialErr := s.Error()

		var merr *multierror.Error
		if hErr := s.closeGraceful(); hErr != nil {
			merr = multierror.Append(merr, fmt.Errorf("gracefully closing: %w", hErr))
			if fErr := s.closeForced(); fErr != nil {
				merr = multierror.Append(merr, fmt.Errorf("forcibly closing: %w", fErr))
			}
		}

		if endingErr := s.Error(); initialErr == nil && endingErr != nil {
			merr = multierror.Append(merr, endingErr)
		}
		s.closeErr = merr.ErrorOrNil()
	})
	return s.closeErr
}

func (s *Websocket[TIn, TOut]) runReadLoop(ctx context.Context, inbox chan<- TIn) error {
	defer s.cancel()
	defer close(inbox)

	s.conn.SetReadLimit(maxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return fmt.Errorf("setting initial read deadline: %w", err)
	}
	s.conn.SetPongHandler(func(string) error {
		if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			s.log.WithError(err).Error("setting read deadline")
		}
		return nil
	})

	for {
		switch msgType, msg, err := s.conn.ReadMessage(); {
		case websocket.IsCloseError(err, websocket.CloseNormalClosure):
			return nil
		case err != nil:
			return fmt.Errorf("reading message: %w", err)
		case msgType != websocket.TextMessage && msgType != websocket.BinaryMessage:
			return fmt.Errorf("unexpected message type: %d", msgType)
		default:
			if ctx.Err() != nil {
				continue
			}
			var parsed TIn
			if err := json.Unmarshal(msg, &parsed); err != nil {
				return fmt.Errorf("unmarshalling message: %w", err)
			}
			inbox <- parsed
		}
	}
}

func (s *Websocket[TIn, TOut]) runWriteLoop(ctx context.Context, outbox <-chan TOut) error {
	defer s.cancel()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case msg := <-outbox:
			var buf bytes.Buffer
			if err := json.NewEncoder(&buf).Encode(msg); err != nil {
				return fmt.Errorf("encoding outbound message: %w", err)
			}
			if cur := buf.Len(); cur > maxMessageSize {
				return fmt.Errorf("message size %d exceeds maximum size %d", cur, maxMessageSize)
			}
			switch err := s.conn.WriteMessage(websocket.TextMessage, buf.Bytes()); {
			case err == websocket.ErrCloseSent:
				return nil
			case err != nil:
				return fmt.Errorf("writing message: %w", err)
			}
		case <-ping.C:
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pongWait))
			netErr, ok := err.(net.Error)
			switch {
			case ok && netErr.Timeout():
				continue
			case err == websocket.ErrCloseSent:
				return nil
			case err != nil:
				return fmt.Errorf("sending ping: %w", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Websocket[TIn, TOut]) closeGraceful() error {
	s.cancel()

	deadline := time.Now().Add(closeWait)
	s.conn.SetPongHandler(nil)
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("setting read deadline: %w", err)
	}
	if err := s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "close called"),
		deadline,
	); err != websocket.ErrCloseSent && err != nil {
		return fmt.Errorf("sending close: %w", err)
	}

	<-s.Done
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("closing underlying conn: %w", err)
	}
	return nil
}

func (s *Websocket[TIn, TOut]) closeForced() error {
	s.cancel()
	if err := s.conn.Close(); err != nil {
		<-s.Done
		return fmt.Errorf("closing underlying conn: %w", err)
	}
	<-s.Done
	return nil
}

func (s *Websocket[TIn, TOut]) setError(err error) {
	s.errLock.Lock()
	defer s.errLock.Unlock()
	s.err = multierror.Append(s.err, err).ErrorOrNil()
}
