package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/questrail/gocan/internal/bqueue"
	"github.com/questrail/gocan/internal/canframe"
	"github.com/questrail/gocan/internal/metrics"
)

// startWriter launches the goroutine pushing broadcast frames to a single
// relay client connection, batching by size and flush interval. It drains
// cl's outbound queue with a deadline-bounded Get so a quiet client still
// gets its batch flushed on schedule.
func (s *Server) startWriter(ctx context.Context, conn net.Conn, cl *Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			s.removeClient(cl)
			s.totalDisconnected.Add(1)
			logger.Info("relay_client_disconnected")
		}()
		var codec Codec
		batch := make([]canframe.Frame, 0, s.batchSize)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			n := len(batch)
			_, err := codec.EncodeTo(conn, batch)
			batch = batch[:0]
			if err != nil {
				wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				return wrap
			}
			metrics.AddTCPTx(n)
			return nil
		}
		deadline := time.Now().Add(s.flushInterval)
		for {
			select {
			case <-cl.done:
				_ = flush()
				return
			case <-ctx.Done():
				_ = flush()
				return
			default:
			}
			wait := time.Until(deadline)
			if wait <= 0 {
				if err := flush(); err != nil {
					return
				}
				deadline = time.Now().Add(s.flushInterval)
				continue
			}
			fr, err := cl.out.Get(ctx, wait)
			if err != nil {
				if errors.Is(err, bqueue.ErrEmptyTimeout) {
					continue // deadline check above will flush
				}
				_ = flush()
				return // context cancelled
			}
			batch = append(batch, fr)
			if len(batch) >= s.batchSize {
				if err := flush(); err != nil {
					return
				}
				deadline = time.Now().Add(s.flushInterval)
			}
		}
	}()
}
