package wake

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotificationEncoding(t *testing.T) {
	text := encodeNotification("agent|a", []byte{0, 1, 2, '|'})
	msg, err := decodeNotification(text)
	require.NoError(t, err)
	assert.Equal(t, Message{Origin: "agent|a", Payload: []byte{0, 1, 2, '|'}}, msg)

	_, err = decodeNotification("no separator")
	assert.Error(t, err)
	_, err = decodeNotification("agent|***")
	assert.Error(t, err)
}

func TestPostgresRoundTrip(t *testing.T) {
	dsn := os.Getenv("DERIVE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DERIVE_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.Connect(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	ch := NewPostgres(pool, dsn)
	sub, err := ch.Subscribe(ctx, "derive_wake_test")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, ch.Publish(ctx, "derive_wake_test", "agent-a", []byte("3")))
	msg := receive(t, sub)
	assert.Equal(t, Message{Origin: "agent-a", Payload: []byte("3")}, msg)
}

func TestPostgresHandleSkipsMalformed(t *testing.T) {
	p := NewPostgres(nil, "")
	s := newStream(4, nil)

	p.handle(s, &pgconn.Notification{Channel: "derive_oplog", Payload: "garbage"})
	p.handle(s, &pgconn.Notification{Channel: "derive_oplog", Payload: encodeNotification("agent-a", []byte("5"))})
	require.NoError(t, s.Close())

	var got []Message
	for msg := range s.Messages() {
		got = append(got, msg)
	}
	assert.Equal(t, []Message{{Origin: "agent-a", Payload: []byte("5")}}, got)
}
