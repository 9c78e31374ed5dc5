// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pump

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/retiarius/pkg/datagram"
	"github.com/absmach/retiarius/pkg/errors"
	"github.com/absmach/retiarius/pkg/metrics"
	"github.com/absmach/retiarius/pkg/pool"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultQueueSize is the default capacity of a pump's outbound queue.
	DefaultQueueSize = 1024

	// DefaultSendRetries is how many times a transient write error is retried.
	DefaultSendRetries = 3

	// DefaultRetryBackoff is the pause before the first send retry. It
	// doubles on every further attempt.
	DefaultRetryBackoff = time.Millisecond
)

// Config holds the socket pump configuration.
type Config struct {
	// Name identifies the pump in logs and metrics ("client" or "backend").
	Name string

	// Session is stamped on every datagram this pump receives so the router
	// can tell which session a backend reply belongs to.
	Session string

	// QueueSize is the capacity of the outbound queue.
	// If 0, uses DefaultQueueSize.
	QueueSize int

	// SendRetries bounds retries of transient write errors.
	// If 0, uses DefaultSendRetries.
	SendRetries int

	// RetryBackoff is the pause before the first send retry.
	// If 0, uses DefaultRetryBackoff.
	RetryBackoff time.Duration

	// OnError, if set, is called from the pump's loops with every socket
	// error, transient or fatal.
	OnError func(err error)

	// Buffers supplies read buffers; its size is the maximum datagram read.
	// If nil, a pool of datagram.DefaultMTU sized buffers is used.
	Buffers *pool.Buffers

	// Metrics records pump errors and send drops. Optional.
	Metrics *metrics.Metrics

	// Logger for pump events
	Logger *slog.Logger
}

// Pump owns one UDP socket and moves datagrams between it and two queues.
//
// The receive loop publishes every datagram read from the socket to the
// inbound channel supplied at construction. The send loop writes every
// datagram taken from the outbound queue to its destination. Each loop
// preserves FIFO order for its own direction.
type Pump struct {
	conn      *net.UDPConn
	connected bool
	in        chan<- datagram.Datagram
	out       chan datagram.Datagram
	cfg       Config
	laddr     *net.UDPAddr
	local     string

	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Start takes ownership of conn and starts the receive and send loops.
// The pump runs until ctx is cancelled, Close is called, or a fatal socket
// error occurs; the socket is closed when it stops.
func Start(ctx context.Context, conn *net.UDPConn, in chan<- datagram.Datagram, cfg Config) *Pump {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.SendRetries == 0 {
		cfg.SendRetries = DefaultSendRetries
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.Buffers == nil {
		cfg.Buffers = pool.New(datagram.DefaultMTU)
	}
	if cfg.Name == "" {
		cfg.Name = "pump"
	}

	laddr, _ := conn.LocalAddr().(*net.UDPAddr)

	ctx, cancel := context.WithCancel(ctx)
	p := &Pump{
		conn:      conn,
		connected: conn.RemoteAddr() != nil,
		in:        in,
		out:       make(chan datagram.Datagram, cfg.QueueSize),
		cfg:       cfg,
		laddr:     laddr,
		local:     conn.LocalAddr().String(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	go p.run(ctx)

	return p
}

func (p *Pump) run(ctx context.Context) {
	defer close(p.done)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.receiveLoop(gctx)
	})
	g.Go(func() error {
		return p.sendLoop(gctx)
	})
	g.Go(func() error {
		// Closing the socket is the only way to unblock a pending read.
		<-gctx.Done()
		p.conn.Close()
		return nil
	})

	err := g.Wait()
	if err != nil {
		p.cfg.Logger.Warn("socket pump stopped",
			slog.String("pump", p.cfg.Name),
			slog.String("local", p.local),
			slog.String("error", err.Error()))
	}

	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// receiveLoop reads datagrams and publishes them to the inbound channel,
// blocking while the channel is full.
func (p *Pump) receiveLoop(ctx context.Context) error {
	for {
		bufPtr := p.cfg.Buffers.Get()
		buffer := *bufPtr

		n, addr, err := p.conn.ReadFromUDP(buffer)
		if err != nil {
			p.cfg.Buffers.Put(bufPtr)
			if ctx.Err() != nil {
				return nil
			}
			kind := classify(err)
			p.report(kind, err)
			if kind == kindTransient {
				p.cfg.Logger.Debug("transient receive error",
					slog.String("pump", p.cfg.Name),
					slog.String("error", err.Error()))
				continue
			}
			return errors.New("receive", p.cfg.Session, p.local, err)
		}

		payload := make([]byte, n)
		copy(payload, buffer[:n])
		p.cfg.Buffers.Put(bufPtr)

		d := datagram.Datagram{
			Payload: payload,
			Origin:  addr,
			Session: p.cfg.Session,
		}

		select {
		case p.in <- d:
		case <-ctx.Done():
			return nil
		}
	}
}

// sendLoop writes queued datagrams to the socket.
func (p *Pump) sendLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-p.out:
			if err := p.write(ctx, d); err != nil {
				return err
			}
		}
	}
}

// write sends one datagram, retrying transient errors up to SendRetries times.
// It only returns an error when the socket is unusable.
func (p *Pump) write(ctx context.Context, d datagram.Datagram) error {
	if !d.Resolved() {
		err := errors.New("send", p.cfg.Session, p.local, errors.ErrNoDestination)
		p.cfg.Logger.Error("dropping datagram",
			slog.String("pump", p.cfg.Name),
			slog.Int("size", d.Len()),
			slog.String("error", err.Error()))
		p.countDrop(metrics.ReasonNoDestination)
		return nil
	}

	for attempt := 0; ; attempt++ {
		var err error
		if p.connected {
			_, err = p.conn.Write(d.Payload)
		} else {
			_, err = p.conn.WriteToUDP(d.Payload, d.Destination)
		}
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		kind := classify(err)
		p.report(kind, err)
		if kind == kindFatal {
			return errors.New("send", p.cfg.Session, d.Destination.String(), err)
		}
		if attempt >= p.cfg.SendRetries {
			p.cfg.Logger.Debug("dropping datagram after send retries",
				slog.String("pump", p.cfg.Name),
				slog.String("destination", d.Destination.String()),
				slog.String("error", err.Error()))
			p.countDrop(metrics.ReasonSendFailed)
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retryDelay(p.cfg.RetryBackoff, attempt)):
		}
	}
}

// retryDelay returns the pause before retry attempt+1.
func retryDelay(base time.Duration, attempt int) time.Duration {
	return base << attempt
}

// Outbound returns the queue other components enqueue datagrams on.
// Every datagram sent on it must have a destination.
func (p *Pump) Outbound() chan<- datagram.Datagram {
	return p.out
}

// Send enqueues d, blocking while the outbound queue is full.
func (p *Pump) Send(ctx context.Context, d datagram.Datagram) error {
	select {
	case <-p.done:
		return errors.ErrPumpClosed
	default:
	}

	select {
	case p.out <- d:
		return nil
	case <-p.done:
		return errors.ErrPumpClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend enqueues d without blocking. It returns errors.ErrQueueFull when
// the outbound queue has no free slot.
func (p *Pump) TrySend(d datagram.Datagram) error {
	select {
	case <-p.done:
		return errors.ErrPumpClosed
	default:
	}

	select {
	case p.out <- d:
		return nil
	default:
		return errors.ErrQueueFull
	}
}

// Done is closed once both loops have stopped and the socket is closed.
func (p *Pump) Done() <-chan struct{} {
	return p.done
}

// Err returns the fatal error that stopped the pump, or nil if it was
// stopped by cancellation or is still running.
func (p *Pump) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Close stops both loops, closes the socket and waits for the pump to stop.
func (p *Pump) Close() error {
	p.cancel()
	<-p.done
	return nil
}

// LocalAddr returns the local address of the pump's socket.
func (p *Pump) LocalAddr() *net.UDPAddr {
	return p.laddr
}

func (p *Pump) report(kind errKind, err error) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.PumpErrors.WithLabelValues(p.cfg.Name, kind.String()).Inc()
	}
	if p.cfg.OnError != nil {
		p.cfg.OnError(err)
	}
}

func (p *Pump) countDrop(reason string) {
	if p.cfg.Metrics == nil {
		return
	}
	dir := datagram.Downstream
	if p.connected {
		dir = datagram.Upstream
	}
	p.cfg.Metrics.ObserveDrop(dir.String(), reason)
}
