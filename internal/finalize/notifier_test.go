package finalize

import (
	"context"
	"testing"
	"time"

	"atomiq-core/internal/blockchain"
	"atomiq-core/internal/coreerr"
)

func TestWaitFulfilledByMatchingKey(t *testing.T) {
	n := New[Committed]("commit", 16, CommittedKeys)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.Start(ctx)
	defer n.Stop()

	done := make(chan struct{})
	var got Committed
	go func() {
		defer close(done)
		evt, err := n.Wait(TxKey(7), time.Second)
		if err != nil {
			t.Errorf("wait: %v", err)
			return
		}
		got = evt
	}()

	// Give the waiter a moment to register before publishing.
	time.Sleep(10 * time.Millisecond)
	n.Publish(Committed{Height: 1, Transactions: []blockchain.Transaction{{ID: 7}}})
	<-done
	if got.Height != 1 {
		t.Fatalf("expected fulfilled event with height 1, got %+v", got)
	}
}

func TestWaitTimesOutWithStructuredError(t *testing.T) {
	n := New[Committed]("commit", 16, CommittedKeys)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.Start(ctx)
	defer n.Stop()

	_, err := n.Wait(TxKey(99), 20*time.Millisecond)
	if coreerr.Of(err) != coreerr.KindTimeout {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestWaitContextCancellation(t *testing.T) {
	n := New[Committed]("commit", 16, CommittedKeys)
	ctx, cancel := context.WithCancel(context.Background())
	n.Start(ctx)
	defer n.Stop()

	waitCtx, waitCancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := n.WaitContext(waitCtx, TxKey(5), time.Second)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	waitCancel()

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("wait did not observe cancellation")
	}
	cancel()
}

func TestSubscribeReceivesEveryEvent(t *testing.T) {
	n := New[Committed]("commit", 16, CommittedKeys)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.Start(ctx)
	defer n.Stop()

	ch, unsub := n.Subscribe(4)
	defer unsub()

	n.Publish(Committed{Height: 1})
	n.Publish(Committed{Height: 2})

	first := <-ch
	second := <-ch
	if first.Height != 1 || second.Height != 2 {
		t.Fatalf("expected events in commit order, got %d then %d", first.Height, second.Height)
	}
}

func TestPublishNeverBlocksOnFullChannel(t *testing.T) {
	n := New[Committed]("commit", 1, CommittedKeys)
	// No Start(): the dispatch loop never drains, so the channel fills
	// after one publish; Publish must still return immediately.
	done := make(chan struct{})
	go func() {
		n.Publish(Committed{Height: 1})
		n.Publish(Committed{Height: 2})
		n.Publish(Committed{Height: 3})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full channel")
	}
}
