package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// StartServer 启动独立的 /metrics HTTP 服务，直到 ctx 结束。
func StartServer(ctx context.Context, addr string, r *Recorder) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	if r == nil {
		return errors.New("metrics recorder is nil")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
