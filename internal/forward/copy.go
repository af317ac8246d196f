package forward

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// CopyBidirectional pumps bytes between client and target until either
// direction finishes, then closes both conns so the opposite pump
// unblocks. It reports the bytes moved in each direction and the first
// relay error, with errors caused by that closure mapped to nil.
func CopyBidirectional(ctx context.Context, client, target net.Conn, pool *BufferPool) (toTarget, toClient int64, err error) {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = target.Close()
		})
	}
	defer closeBoth()

	// If the context is canceled, close both sides to unblock the pumps.
	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	var g errgroup.Group

	g.Go(func() error {
		defer closeBoth()
		n, err := copyBuffer(target, client, pool)
		toTarget = n
		return err
	})

	g.Go(func() error {
		defer closeBoth()
		n, err := copyBuffer(client, target, pool)
		toClient = n
		return err
	})

	err = g.Wait()
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		err = nil
	}

	return toTarget, toClient, err
}

func copyBuffer(dst io.Writer, src io.Reader, pool *BufferPool) (int64, error) {
	buf := pool.Get()
	defer pool.Put(buf)

	return io.CopyBuffer(dst, src, buf)
}
