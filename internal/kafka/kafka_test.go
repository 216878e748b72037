package kafka

import (
	"context"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

func TestTopicConfigs(t *testing.T) {
	configs := topicConfigs(0, []string{"derivatives", "derivatives-retry"})
	require.Len(t, configs, 2)
	for _, c := range configs {
		require.Equal(t, 1, c.NumPartitions)
		require.Equal(t, 1, c.ReplicationFactor)
		require.Equal(t, "retention.ms", c.ConfigEntries[0].ConfigName)
		require.Equal(t, "86400000", c.ConfigEntries[0].ConfigValue)
	}
	require.Equal(t, "derivatives-retry", configs[1].Topic)

	require.Equal(t, 6, topicConfigs(6, []string{"t"})[0].NumPartitions)
}

func TestSleepCtx(t *testing.T) {
	require.True(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.False(t, sleepCtx(ctx, time.Hour))
}

func TestNewResultsConsumer(t *testing.T) {
	a := NewResultsConsumer("localhost:9092", "derivative-results")
	defer a.Close()
	b := NewResultsConsumer("localhost:9092", "derivative-results")
	defer b.Close()

	cfg := a.Reader.Config()
	require.Equal(t, "derivative-results", cfg.Topic)
	require.Equal(t, kafkago.LastOffset, cfg.StartOffset)
	// у каждого процесса своя группа
	require.NotEqual(t, cfg.GroupID, b.Reader.Config().GroupID)
}
