// Package transport 把会话管理器接到真实的字节流上：每条流一个 Peer，
// 主机侧由 Hub 扇出，参与者侧由 Dial 建立上行连接。
package transport

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Metaphorme/railsync/pkg/frame"
	"github.com/Metaphorme/railsync/pkg/message"
	"github.com/Metaphorme/railsync/pkg/models"
	"github.com/Metaphorme/railsync/pkg/session"
)

const (
	sendQueue    = 256
	writeTimeout = 10 * time.Second
)

// ErrClosed 表示连接已经关闭
var ErrClosed = models.Errorf(models.KindTransport, "connection closed")

// Handler 接收一条连接上的事件，通常是 *session.Manager
type Handler interface {
	Receive(c session.Conn, m message.Message) error
	Malformed(c session.Conn, err error) error
	Closed(c session.Conn, cause error)
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Peer 是一条双工流：读协程负责分帧与解码，写协程按顺序发送队列中的帧
type Peer struct {
	id     string
	remote string
	rw     io.ReadWriteCloser
	h      Handler
	log    *slog.Logger

	out        chan string
	closing    chan struct{}
	writerDone chan struct{}

	once  sync.Once
	mu    sync.Mutex
	cause error
}

// NewPeer 包装一条流。调用 Start 之前可以先 Send，消息会留在队列中。
func NewPeer(rw io.ReadWriteCloser, h Handler, log *slog.Logger, remote string) *Peer {
	if log == nil {
		log = slog.Default()
	}
	id := uuid.NewString()
	return &Peer{
		id:         id,
		remote:     remote,
		rw:         rw,
		h:          h,
		log:        log.With("peer", id, "remote", remote),
		out:        make(chan string, sendQueue),
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// ID 返回连接的唯一标识
func (p *Peer) ID() string { return p.id }

// Remote 返回对端地址或 PeerID
func (p *Peer) Remote() string { return p.remote }

// Start 启动读写协程
func (p *Peer) Start() {
	go p.writeLoop()
	go p.readLoop()
}

// Send 把消息放入发送队列，不会阻塞。队列满时关闭连接。
func (p *Peer) Send(m message.Message) error {
	select {
	case <-p.closing:
		return ErrClosed
	default:
	}
	select {
	case p.out <- message.Encode(m):
		return nil
	default:
		err := models.Errorf(models.KindTransport, "send queue full")
		p.shutdown(err)
		return err
	}
}

// Close 在发完队列中已有的帧之后关闭流
func (p *Peer) Close() error {
	p.shutdown(nil)
	return nil
}

// Err 返回关闭原因；本地主动关闭时为 nil
func (p *Peer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cause
}

func (p *Peer) shutdown(cause error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.cause = cause
		p.mu.Unlock()
		close(p.closing)
	})
}

func (p *Peer) write(payload string) error {
	if d, ok := p.rw.(writeDeadliner); ok {
		_ = d.SetWriteDeadline(time.Now().Add(writeTimeout))
	}
	return frame.WriteFrame(p.rw, payload)
}

func (p *Peer) writeLoop() {
	defer close(p.writerDone)
	defer p.rw.Close()
	for {
		select {
		case payload := <-p.out:
			if err := p.write(payload); err != nil {
				p.shutdown(models.Wrap(models.KindTransport, "write", err))
				return
			}
		case <-p.closing:
			for {
				select {
				case payload := <-p.out:
					if err := p.write(payload); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (p *Peer) readLoop() {
	fr := frame.NewFrameReader(p.rw)
	for {
		payload, err := fr.Next()
		if err != nil {
			if models.KindOf(err) == 0 {
				if errors.Is(err, io.EOF) {
					err = models.Wrap(models.KindTransport, "peer hung up", err)
				} else {
					err = models.Wrap(models.KindTransport, "read", err)
				}
			}
			p.shutdown(err)
			break
		}
		msg, err := message.Decode(payload)
		if err != nil {
			if models.IsFatal(err) {
				p.shutdown(err)
				break
			}
			if err := p.h.Malformed(p, err); err != nil {
				p.shutdown(err)
				break
			}
			continue
		}
		if err := p.h.Receive(p, msg); err != nil {
			if models.IsFatal(err) {
				p.log.Info("closing connection", "tag", msg.Tag(), "err", err)
				p.shutdown(err)
				break
			}
			p.log.Debug("message not applied", "tag", msg.Tag(), "err", err)
		}
	}
	<-p.writerDone
	cause := p.Err()
	p.log.Debug("connection closed", "err", cause)
	p.h.Closed(p, cause)
}

var _ session.Conn = (*Peer)(nil)
