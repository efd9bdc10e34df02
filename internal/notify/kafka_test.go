package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"token-payment-reconciler/internal/domain"
)

type mockProducer struct {
	records []*kgo.Record
	err     error
}

func (m *mockProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	var results kgo.ProduceResults
	for _, r := range rs {
		m.records = append(m.records, r)
		results = append(results, kgo.ProduceResult{Record: r, Err: m.err})
	}
	return results
}

func TestKafkaPublisher_PublishStatusChange(t *testing.T) {
	producer := &mockProducer{}
	p := NewKafkaPublisher(producer, "payments")

	change := domain.PaymentStatusChange{
		PaymentID: "pay-1",
		From:      domain.PaymentDetected,
		To:        domain.PaymentConfirmed,
		TxHash:    "0xabc",
		ChainID:   97,
		Timestamp: 1700000000000,
	}
	require.NoError(t, p.PublishStatusChange(context.Background(), change))

	require.Len(t, producer.records, 1)
	rec := producer.records[0]
	assert.Equal(t, "payments", rec.Topic)
	assert.Equal(t, []byte("pay-1"), rec.Key)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Value, &got))
	assert.Equal(t, "detected", got["from"])
	assert.Equal(t, "confirmed", got["to"])
	assert.Equal(t, "0xabc", got["tx_hash"])
	assert.EqualValues(t, 97, got["chain_id"])
}

func TestKafkaPublisher_ProduceError(t *testing.T) {
	p := NewKafkaPublisher(&mockProducer{err: errors.New("broker down")}, "")

	err := p.PublishStatusChange(context.Background(), domain.PaymentStatusChange{PaymentID: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}

func TestNewClient_RequiresBrokers(t *testing.T) {
	_, err := NewClient(ClientConfig{Topic: "payments"}, nil)
	assert.Error(t, err)
}

func TestKgoLogger_MapsLevels(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := &kgoLogger{logger: zap.New(core).Sugar()}

	l.Log(kgo.LogLevelError, "e", "broker", 1)
	l.Log(kgo.LogLevelWarn, "w")
	l.Log(kgo.LogLevelInfo, "i")
	l.Log(kgo.LogLevelDebug, "d")

	entries := logs.AllUntimed()
	require.Len(t, entries, 4)
	assert.Equal(t, zap.ErrorLevel, entries[0].Level)
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.Equal(t, zap.InfoLevel, entries[2].Level)
	assert.Equal(t, zap.DebugLevel, entries[3].Level)
	assert.Equal(t, kgo.LogLevelInfo, l.Level())
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.PublishStatusChange(context.Background(), domain.PaymentStatusChange{}))
}
