package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"parley/internal/models"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var errSessionRevoked = errors.New("session revoked")

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

type messageHub interface {
	Join(profileID string) *Session
	Leave(s *Session)
	Dispatch(ctx context.Context, s *Session, msg models.ClientMessage)
}

// Limits bounds how fast a single connection may submit actions.
type Limits struct {
	Rate  float64 // actions per second, 0 disables limiting
	Burst int
}

type Connection struct {
	ws         wsConnection
	hub        messageHub
	profileID  string
	session    *Session
	limiter    *rate.Limiter
	fromClient chan models.ClientMessage
	errorCh    chan error
}

func NewConnection(
	hub messageHub,
	ws wsConnection,
	profileID string,
	limits Limits,
) *Connection {
	var limiter *rate.Limiter
	if limits.Rate > 0 {
		burst := limits.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(limits.Rate), burst)
	}
	return &Connection{
		ws:         ws,
		hub:        hub,
		profileID:  profileID,
		session:    hub.Join(profileID),
		limiter:    limiter,
		fromClient: make(chan models.ClientMessage),
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		close(c.fromClient)
		close(c.errorCh)
		c.hub.Leave(c.session)
	}()

	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, errSessionRevoked) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var msg models.ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			return err
		}
		select {
		case c.fromClient <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.fromClient:
			c.processClientMessage(ctx, msg)
		case msg, ok := <-c.session.Outbound():
			if !ok {
				return nil
			}
			if err := c.write(msg); err != nil {
				return err
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return fmt.Errorf("ping failed: %w", err)
			}
		case <-c.session.Kicked():
			_ = c.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, errSessionRevoked.Error()),
				time.Now().Add(writeWait),
			)
			return errSessionRevoked
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) write(msg models.ServerMessage) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteJSON(msg)
}

func (c *Connection) processClientMessage(ctx context.Context, msg models.ClientMessage) {
	if c.limiter != nil && !c.limiter.Allow() {
		c.session.Send(models.ErrorEvent(msg.RequestID, fmt.Errorf("%w: slow down", models.ErrRateLimited)))
		return
	}
	c.hub.Dispatch(ctx, c.session, msg)
}
