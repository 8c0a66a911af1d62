package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
)

var (
	ErrTxQueueFull = errors.New("can: transmit queue full")
	ErrTxTimeout   = errors.New("can: transmit timed out")
	ErrBusClosed   = errors.New("can: bus closed")
)

// QueueConfig sizes the software queues sitting between the control loop and the wire.
type QueueConfig struct {
	TxQueueLen int `yaml:"tx_queue_len"`
	RxQueueLen int `yaml:"rx_queue_len"`
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{TxQueueLen: 5, RxQueueLen: 32}
}

// frameQueues implements the send/receive half shared by every transport. The
// wire side runs in its own goroutines; the control loop only ever touches the channels.
type frameQueues struct {
	txq  chan can.Frame
	rxq  chan can.Frame
	done chan struct{}

	rxDropped atomic.Uint64
	txErrors  atomic.Uint64
}

func newFrameQueues(cfg QueueConfig) frameQueues {
	if cfg.TxQueueLen <= 0 {
		cfg.TxQueueLen = DefaultQueueConfig().TxQueueLen
	}
	if cfg.RxQueueLen <= 0 {
		cfg.RxQueueLen = DefaultQueueConfig().RxQueueLen
	}
	return frameQueues{
		txq:  make(chan can.Frame, cfg.TxQueueLen),
		rxq:  make(chan can.Frame, cfg.RxQueueLen),
		done: make(chan struct{}),
	}
}

// Send queues a frame for transmission. A zero timeout never blocks: a full
// queue returns ErrTxQueueFull immediately.
func (q *frameQueues) Send(f can.Frame, timeout time.Duration) error {
	select {
	case <-q.done:
		return ErrBusClosed
	default:
	}
	if timeout <= 0 {
		select {
		case q.txq <- f:
			return nil
		default:
			return ErrTxQueueFull
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case q.txq <- f:
		return nil
	case <-timer.C:
		return ErrTxTimeout
	case <-q.done:
		return ErrBusClosed
	}
}

// Receive returns the next received frame, waiting at most timeout.
func (q *frameQueues) Receive(timeout time.Duration) (can.Frame, bool) {
	if timeout <= 0 {
		select {
		case f := <-q.rxq:
			return f, true
		default:
			return can.Frame{}, false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-q.rxq:
		return f, true
	case <-timer.C:
		return can.Frame{}, false
	case <-q.done:
		return can.Frame{}, false
	}
}

// deliver hands a received frame to the control loop, dropping it when the queue is full.
func (q *frameQueues) deliver(f can.Frame) {
	select {
	case q.rxq <- f:
	default:
		q.rxDropped.Add(1)
	}
}

// Dropped reports frames lost to a full receive queue.
func (q *frameQueues) Dropped() uint64 { return q.rxDropped.Load() }

// TxErrors reports frames the wire side failed to transmit.
func (q *frameQueues) TxErrors() uint64 { return q.txErrors.Load() }

// SocketCANBus is a Linux SocketCAN transport.
type SocketCANBus struct {
	frameQueues

	iface  string
	conn   net.Conn
	tx     *socketcan.Transmitter
	recv   *socketcan.Receiver
	log    *Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewSocketCANBus(ctx context.Context, iface string, cfg QueueConfig, log *Logger) (*SocketCANBus, error) {
	conn, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		return nil, fmt.Errorf("socketcan dial: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &SocketCANBus{
		frameQueues: newFrameQueues(cfg),
		iface:       iface,
		conn:        conn,
		tx:          socketcan.NewTransmitter(conn),
		recv:        socketcan.NewReceiver(conn),
		log:         log,
		cancel:      cancel,
	}

	b.wg.Add(2)
	go b.transmitLoop(ctx)
	go b.receiveLoop()
	return b, nil
}

func (b *SocketCANBus) transmitLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case f := <-b.txq:
			if err := b.tx.TransmitFrame(ctx, f); err != nil {
				if ctx.Err() != nil {
					return
				}
				b.txErrors.Add(1)
				b.log.Debug("TX %s id=0x%X failed: %v", b.iface, f.ID, err)
			}
		}
	}
}

func (b *SocketCANBus) receiveLoop() {
	defer b.wg.Done()
	b.log.Debug("RX loop started on %s", b.iface)
	defer b.log.Debug("RX loop stopped on %s", b.iface)

	for b.recv.Receive() {
		if b.recv.HasErrorFrame() {
			continue
		}
		b.deliver(b.recv.Frame())
	}
	select {
	case <-b.done:
	default:
		if err := b.recv.Err(); err != nil {
			b.log.Error("RX %s: %v", b.iface, err)
		}
	}
}

func (b *SocketCANBus) Close() error {
	var err error
	b.once.Do(func() {
		close(b.done)
		b.cancel()
		if b.conn != nil {
			err = b.conn.Close()
		}
		b.wg.Wait()
	})
	return err
}
