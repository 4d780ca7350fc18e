//go:build linux

package hook

import (
	"context"
	"fmt"

	"github.com/florianl/go-nfqueue/v2"

	"grimm.is/chainwall/internal/firewall"
)

// Start binds the kernel queue and begins returning verdicts. The queue
// runs until ctx is cancelled or Stop is called.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return nil
	}

	nf, err := nfqueue.Open(&nfqueue.Config{
		NfQueue:      q.cfg.Num,
		MaxPacketLen: q.cfg.MaxPacketLen,
		MaxQueueLen:  q.cfg.MaxQueueLen,
		Copymode:     nfqueue.NfQnlCopyPacket,
	})
	if err != nil {
		return fmt.Errorf("failed to open nfqueue %d: %w", q.cfg.Num, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	err = nf.RegisterWithErrorFunc(ctx,
		func(a nfqueue.Attribute) int {
			if a.PacketID == nil {
				return 0
			}
			var payload []byte
			if a.Payload != nil {
				payload = *a.Payload
			}
			q.handle(nf, *a.PacketID, payload)
			return 0
		},
		func(err error) int {
			if ctx.Err() == nil {
				q.logger.Error("Queue receive error", "error", err)
			}
			return 0
		},
	)
	if err != nil {
		cancel()
		nf.Close()
		return fmt.Errorf("failed to register nfqueue %d callback: %w", q.cfg.Num, err)
	}

	q.conn = nf
	q.cancel = cancel
	q.running = true
	q.logger.Info("Listening on queue")
	return nil
}

// handle judges one packet and hands the verdict back to the kernel.
func (q *Queue) handle(conn verdictConn, id uint32, payload []byte) {
	v := nfqueue.NfDrop
	if q.handler.Judge(payload) == firewall.VerdictAllow {
		v = nfqueue.NfAccept
	}
	if err := conn.SetVerdict(id, v); err != nil {
		q.verdictFailed(id, err)
	}
}
