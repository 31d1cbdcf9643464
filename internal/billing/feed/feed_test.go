package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/chatdesk/billingsync/internal/billing/entitlements"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResult() entitlements.MergeResult {
	return entitlements.MergeResult{
		Previous: &entitlements.Subscription{ID: "sub_1", UserID: "T1", Status: "active"},
		Current:  &entitlements.Subscription{ID: "sub_1", UserID: "T1", Status: "canceled", PlanID: "plan_basic", PriceIDs: []string{"price_basic_month"}},
		Changed:  true,
	}
}

func TestNewChange(t *testing.T) {
	c := NewChange(sampleResult(), "evt_1", "customer.subscription.deleted")

	_, err := ulid.ParseStrict(c.ID)
	require.NoError(t, err)
	assert.Equal(t, ChangeType, c.Type)
	assert.Equal(t, "T1", c.TenantID)
	assert.Equal(t, "active", c.PreviousStatus)
	assert.Equal(t, "canceled", c.Status)
	assert.False(t, c.Created)
	assert.Equal(t, []string{"price_basic_month"}, c.PriceIDs)

	created := NewChange(entitlements.MergeResult{Current: &entitlements.Subscription{ID: "sub_2", UserID: "T2"}, Changed: true}, "", "")
	assert.True(t, created.Created)
	assert.NotEqual(t, c.ID, created.ID)
}

func TestKafkaPublisherSendsKeyedRecord(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewSaramaConfig())
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var got Change
		if err := json.Unmarshal(val, &got); err != nil {
			return err
		}
		if got.TenantID != "T1" || got.Status != "canceled" {
			return fmt.Errorf("unexpected record: %+v", got)
		}
		return nil
	})

	pub := NewKafkaPublisherWithProducer(producer, "")
	require.NoError(t, pub.Publish(context.Background(), NewChange(sampleResult(), "evt_1", "customer.subscription.deleted")))
	require.NoError(t, pub.Close())
}

func TestKafkaPublisherSurfacesSendFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewSaramaConfig())
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	pub := NewKafkaPublisherWithProducer(producer, "billing.test")
	err := pub.Publish(context.Background(), NewChange(sampleResult(), "evt_1", "x"))
	assert.True(t, errors.Is(err, sarama.ErrOutOfBrokers), "err = %v", err)
	require.NoError(t, pub.Close())
}

func TestKafkaPublisherHonoursCanceledContext(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewSaramaConfig())
	pub := NewKafkaPublisherWithProducer(producer, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, pub.Publish(ctx, NewChange(sampleResult(), "", "")), context.Canceled)
	require.NoError(t, pub.Close())
}

func TestLogPublisher(t *testing.T) {
	var p Publisher = LogPublisher{}
	assert.NoError(t, p.Publish(context.Background(), NewChange(sampleResult(), "", "")))
	assert.NoError(t, p.Close())
}
