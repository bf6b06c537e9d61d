package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"withdrawal-service/internal/domain"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func sampleWithdrawal() *domain.Withdrawal {
	hash := "0xabc"
	return &domain.Withdrawal{
		ID:        "01J0000000000000000000000A",
		UserID:    "alice",
		Amount:    decimal.RequireFromString("20"),
		ToAddress: "0x00000000000000000000000000000000000000aa",
		Status:    domain.WithdrawalStatusApproved,
		TxHash:    &hash,
	}
}

func TestNewWithdrawalEventSnapshotsRow(t *testing.T) {
	ev := NewWithdrawalEvent(EventWithdrawalBroadcast, sampleWithdrawal())
	require.NotEmpty(t, ev.EventID)
	require.Equal(t, "0xabc", ev.TxHash)
	require.Equal(t, "20", ev.Amount)
	require.Equal(t, "approved", ev.Status)
	require.Empty(t, ev.Reason)
}

func TestKafkaPublisherKeysByWithdrawal(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaPublisher(w, zap.NewNop())

	ev := NewWithdrawalEvent(EventWithdrawalConfirmed, sampleWithdrawal())
	require.NoError(t, p.Publish(context.Background(), ev))
	require.Len(t, w.msgs, 1)
	require.Equal(t, []byte(ev.WithdrawalID), w.msgs[0].Key)

	var decoded WithdrawalEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	require.Equal(t, EventWithdrawalConfirmed, decoded.EventType)

	require.NoError(t, p.Close())
	require.True(t, w.closed)
}

func TestKafkaPublisherWrapsWriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := NewKafkaPublisher(w, zap.NewNop())

	err := p.Publish(context.Background(), NewWithdrawalEvent(EventWithdrawalFailed, sampleWithdrawal()))
	require.ErrorContains(t, err, "broker down")
}
