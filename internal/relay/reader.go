package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/questrail/gocan/internal/canframe"
	"github.com/questrail/gocan/internal/metrics"
)

// startReader launches the goroutine decoding frames a relay client sends
// for transmission and forwarding them to s.Send.
func (s *Server) startReader(ctx context.Context, conn net.Conn, cl *Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = conn.Close() }()
		var codec Codec
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			count, err := codec.DecodeN(conn, 16, func(fr canframe.Frame) {
				if s.frameFilter != nil && !s.frameFilter(&fr) {
					return
				}
				metrics.IncTCPRx()
				if s.Send != nil && !s.Send(fr) {
					s.totalSendRejected.Add(1)
					logger.Debug("relay_send_rejected", "id", fmt.Sprintf("0x%X", fr.ID), "dlc", fr.DLC())
				}
			})
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				return
			}
			if count == 0 {
				time.Sleep(100 * time.Microsecond)
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}()
}
