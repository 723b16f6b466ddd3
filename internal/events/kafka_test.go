package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/options-engine/internal/model"
)

func TestEncodeMessage(t *testing.T) {
	at := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		ev      model.Event
		wantKey string
	}{
		{
			name:    "market events keyed by market",
			ev:      model.Event{ID: "e1", Type: model.EventOptionCreated, Market: "ETH-USD", OptionID: model.Uint64(3), At: at},
			wantKey: "ETH-USD",
		},
		{
			name:    "pool events keyed by type",
			ev:      model.Event{ID: "e2", Type: model.EventPoolProvide, Amount: decimal.NewFromInt(5), At: at},
			wantKey: "pool_provide",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := encodeMessage("options.events", tt.ev)
			require.NoError(t, err)

			assert.Equal(t, "options.events", msg.Topic)
			assert.Equal(t, tt.wantKey, string(msg.Key))
			assert.Equal(t, at, msg.Time)
			require.Len(t, msg.Headers, 1)
			assert.Equal(t, "event_type", msg.Headers[0].Key)
			assert.Equal(t, string(tt.ev.Type), string(msg.Headers[0].Value))

			var got model.Event
			require.NoError(t, json.Unmarshal(msg.Value, &got))
			assert.Equal(t, tt.ev.ID, got.ID)
			assert.Equal(t, tt.ev.Market, got.Market)
			assert.True(t, tt.ev.Amount.Equal(got.Amount))
		})
	}
}

func TestKafkaSink_EmptyBatchIsNoop(t *testing.T) {
	k := NewKafkaSink(KafkaConfig{Brokers: []string{"127.0.0.1:1"}, Topic: "options.events"})
	defer k.Close()
	assert.NoError(t, k.Publish(context.Background(), nil))
}

func TestBuffer_StampsAndRollsBack(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	b := NewBuffer(func() time.Time { return now })

	b.Emit(model.Event{Type: model.EventTradeSubmitted})
	snap := b.Snapshot()
	b.Emit(model.Event{ID: "keep", Type: model.EventTradeOpened, At: now.Add(time.Hour)})
	assert.Equal(t, 2, b.Len())

	b.Restore(snap)
	evs := b.Drain()
	require.Len(t, evs, 1)
	assert.NotEmpty(t, evs[0].ID)
	assert.Equal(t, now, evs[0].At)
	assert.Zero(t, b.Len())
}

func TestMulti_JoinsErrors(t *testing.T) {
	errA := errors.New("sink a down")
	var got []model.Event
	m := Multi{
		SinkFunc(func(_ context.Context, _ []model.Event) error { return errA }),
		nil,
		SinkFunc(func(_ context.Context, evs []model.Event) error { got = evs; return nil }),
	}
	evs := []model.Event{{ID: "1", Account: common.HexToAddress("0xa1")}}

	err := m.Publish(context.Background(), evs)
	assert.ErrorIs(t, err, errA)
	assert.Equal(t, evs, got)
}
