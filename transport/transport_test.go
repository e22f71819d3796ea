package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPairDeliversMessages(t *testing.T) {
	a, b := Pair()
	defer a.Close()
	defer b.Close()

	received := make(chan []byte, 1)
	b.OnMessage(func(msg []byte) { received <- msg })

	require.NoError(t, a.Send(context.Background(), []byte("hello")))

	select {
	case msg := <-received:
		require.Equal(t, []byte("hello"), msg)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestLossyPairDropsOnPredicate(t *testing.T) {
	drop := func(msg []byte) bool { return true }
	a, b := LossyPair(drop)
	defer a.Close()
	defer b.Close()

	received := make(chan []byte, 1)
	b.OnMessage(func(msg []byte) { received <- msg })

	require.NoError(t, a.Send(context.Background(), []byte("hello")))

	select {
	case <-received:
		t.Fatal("message should have been dropped")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendAfterCloseErrors(t *testing.T) {
	a, b := Pair()
	defer b.Close()
	require.NoError(t, a.Close())
	require.Error(t, a.Send(context.Background(), []byte("x")))
}
