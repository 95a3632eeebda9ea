package notify

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisher(t *testing.T) {
	url := os.Getenv("RABBITMQ_URL")
	if url == "" {
		t.Skip("RABBITMQ_URL not set")
	}
	queue := "test.wake." + uuid.NewString()

	p, err := NewPublisher(url, queue)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	conn, err := amqp.Dial(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	ch, err := conn.Channel()
	require.NoError(t, err)
	t.Cleanup(func() {
		for _, q := range []string{queue, queue + ".retry", queue + ".dlq"} {
			_, _ = ch.QueueDelete(q, false, false, false)
		}
	})

	req := WakeRequest{UserID: uuid.New(), Reason: ReasonNewMessage, Title: "alice", Body: "hi", At: time.Now().UTC()}
	require.NoError(t, p.Wake(context.Background(), req))

	var msg amqp.Delivery
	require.Eventually(t, func() bool {
		var ok bool
		msg, ok, err = ch.Get(queue, true)
		return err == nil && ok
	}, 5*time.Second, 50*time.Millisecond)

	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, uint8(amqp.Persistent), msg.DeliveryMode)
	assert.Equal(t, ReasonNewMessage, msg.Type)

	var got WakeRequest
	require.NoError(t, json.Unmarshal(msg.Body, &got))
	assert.Equal(t, req.UserID, got.UserID)
	assert.Equal(t, "hi", got.Body)
}
