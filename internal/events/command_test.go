package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandRoundTrip(t *testing.T) {
	conn := runServer(t)

	var (
		mu   sync.Mutex
		seen []string
	)
	sub, err := Serve(conn, "tts.admin", func(ctx context.Context, name string, args []string, out io.Writer) error {
		mu.Lock()
		seen = append(seen, name+" "+strings.Join(args, " "))
		mu.Unlock()
		if name == "boom" {
			fmt.Fprint(out, "partial")
			return errors.New("store is closed")
		}
		fmt.Fprintf(out, "ran %s", name)
		return nil
	}, time.Second, zerolog.Nop())
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, err := Request(ctx, conn, "tts.admin", "show", []string{"g1"})
	require.NoError(t, err)
	assert.Equal(t, "ran show", out)

	out, err = Request(ctx, conn, "tts.admin", "boom", nil)
	var cerr *CommandError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "boom: store is closed", cerr.Error())
	assert.Equal(t, "partial", out)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"show g1", "boom "}, seen)
}

func TestCommandMalformedRequest(t *testing.T) {
	conn := runServer(t)
	sub, err := Serve(conn, "tts.admin", func(context.Context, string, []string, io.Writer) error {
		t.Error("runner called for a malformed request")
		return nil
	}, time.Second, zerolog.Nop())
	require.NoError(t, err)
	defer sub.Close()

	msg, err := conn.Request("tts.admin", []byte("{"), 2*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"malformed command request"}`, string(msg.Data))
}

func TestCommandWithoutBot(t *testing.T) {
	conn := runServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Request(ctx, conn, "tts.admin", "show", []string{"g1"})
	assert.ErrorIs(t, err, nats.ErrNoResponders)
}

func TestServeNilConn(t *testing.T) {
	_, err := Serve(nil, "x", nil, time.Second, zerolog.Nop())
	assert.Error(t, err)
}
