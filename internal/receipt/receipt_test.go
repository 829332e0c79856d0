package receipt

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleReceipt() Receipt {
	return Receipt{
		RecordID:   7,
		Service:    "weather",
		Cost:       decimal.RequireFromString("0.001"),
		PaymentRef: "0xDEMOabc",
		Mode:       "simulated",
		CreatedAt:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestReceiptEncoding(t *testing.T) {
	payload, err := sampleReceipt().Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"record_id":7,"service":"weather","cost_usdc":"0.001","tx_hash":"0xDEMOabc","mode":"simulated","created_at":"2024-05-01T12:00:00Z"}`, string(payload))

	decoded, err := Decode(payload)
	require.NoError(t, err)
	assert.True(t, decoded.Cost.Equal(decimal.RequireFromString("0.001")))
	assert.Equal(t, int64(7), decoded.RecordID)
}

func TestMemoryPublisher(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Publish(context.Background(), sampleReceipt()))

	got := m.Receipts()
	require.Len(t, got, 1)
	got[0].Service = "mutated"
	assert.Equal(t, "weather", m.Receipts()[0].Service)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Publish(ctx, sampleReceipt()), context.Canceled)

	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Publish(context.Background(), sampleReceipt()), ErrClosed)
}

func TestNoopPublisher(t *testing.T) {
	var p Publisher = Noop{}
	assert.NoError(t, p.Publish(context.Background(), sampleReceipt()))
	assert.NoError(t, p.Close())
}

func TestConstructorsRequireEndpoints(t *testing.T) {
	_, err := NewRedisPublisher(context.Background(), RedisConfig{})
	assert.Error(t, err)

	_, err = NewRabbitMQPublisher(RabbitMQConfig{})
	assert.Error(t, err)

	var nilRedis *RedisPublisher
	assert.ErrorIs(t, nilRedis.Publish(context.Background(), sampleReceipt()), ErrClosed)
	assert.NoError(t, nilRedis.Close())

	var nilRabbit *RabbitMQPublisher
	assert.ErrorIs(t, nilRabbit.Publish(context.Background(), sampleReceipt()), ErrClosed)
	assert.NoError(t, nilRabbit.Close())
}
