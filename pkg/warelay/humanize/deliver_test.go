package humanize

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDeliver(t *testing.T) {
	t.Run("sends all chunks in order", func(t *testing.T) {
		var sent []string
		n, err := Deliver(context.Background(), []string{"a", "b", "c"}, 0,
			func(_ context.Context, text string) error {
				sent = append(sent, text)
				return nil
			}, nil)
		if err != nil {
			t.Fatalf("deliver: %v", err)
		}
		if n != 3 {
			t.Errorf("expected 3 sent, got %d", n)
		}
		if len(sent) != 3 || sent[0] != "a" || sent[1] != "b" || sent[2] != "c" {
			t.Errorf("order broken: %v", sent)
		}
	})

	t.Run("empty plan is a no-op", func(t *testing.T) {
		n, err := Deliver(context.Background(), nil, 0,
			func(context.Context, string) error {
				t.Fatal("send must not be called")
				return nil
			}, nil)
		if err != nil || n != 0 {
			t.Errorf("expected 0/nil, got %d/%v", n, err)
		}
	})

	t.Run("send failure aborts the remainder", func(t *testing.T) {
		var sent []string
		boom := errors.New("socket reset")
		n, err := Deliver(context.Background(), []string{"a", "b", "c"}, 0,
			func(_ context.Context, text string) error {
				if text == "b" {
					return boom
				}
				sent = append(sent, text)
				return nil
			}, nil)

		if n != 1 || len(sent) != 1 {
			t.Errorf("expected exactly 1 chunk sent, got n=%d sent=%v", n, sent)
		}
		if !errors.Is(err, ErrDeliveryAborted) {
			t.Errorf("expected ErrDeliveryAborted, got %v", err)
		}
		var de *DeliveryError
		if !errors.As(err, &de) {
			t.Fatalf("expected DeliveryError, got %T", err)
		}
		if de.Sent != 1 || de.Total != 3 || !errors.Is(de.Err, boom) {
			t.Errorf("wrong report: %+v", de)
		}
	})

	t.Run("guard failure aborts before sending", func(t *testing.T) {
		calls := 0
		n, err := Deliver(context.Background(), []string{"a", "b"}, 0,
			func(context.Context, string) error {
				calls++
				return nil
			},
			func() error {
				if calls >= 1 {
					return errors.New("instance went away")
				}
				return nil
			})
		if n != 1 || calls != 1 {
			t.Errorf("expected guard to stop second chunk, n=%d calls=%d", n, calls)
		}
		if !errors.Is(err, ErrDeliveryAborted) {
			t.Errorf("expected ErrDeliveryAborted, got %v", err)
		}
	})

	t.Run("context cancel interrupts the pacing delay", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		start := time.Now()
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		n, err := Deliver(ctx, []string{"a", "b"}, 5*time.Second,
			func(context.Context, string) error { return nil }, nil)

		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("cancel did not interrupt the delay (%v)", elapsed)
		}
		if n != 1 {
			t.Errorf("expected 1 chunk before cancel, got %d", n)
		}
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled in chain, got %v", err)
		}
	})
}
