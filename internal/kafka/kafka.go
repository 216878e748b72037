// Package kafka prepares the generation-task and results topics, waits for broker readiness and publishes tasks
package kafka

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	wbfkafka "github.com/wb-go/wbf/kafka"
)

const taskRetention = 24 * time.Hour

// InitKafkaTopics - создает топики; partitions > 1 распределяет ключи между воркерами группы
func InitKafkaTopics(ctx context.Context, brokerAddr string, partitions int, delay time.Duration, topics ...string) {
	client := &kafkago.Client{
		Addr:    kafkago.TCP(brokerAddr),
		Timeout: 10 * time.Second,
	}
	req := kafkago.CreateTopicsRequest{Topics: topicConfigs(partitions, topics)}

	for {
		select {
		case <-ctx.Done():
			log.Println("InitKafkaTopics canceled or timed out")
			return
		default:
		}

		resp, err := client.CreateTopics(ctx, &req)
		if err != nil {
			log.Printf("Failed to run topics creation request: %v\nWait %v before next try...", err, delay)
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}

		successT := 0
		for k, v := range resp.Errors {
			switch {
			case v == nil, errors.Is(v, kafkago.TopicAlreadyExists):
				successT++
			default:
				log.Printf("Topic %q creation error: %v", k, v)
			}
		}

		if len(resp.Errors) == successT {
			log.Println("All topics created successfully!")
			return
		}
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

// WaitKafkaReady blocks until the broker accepts connections. false means ctx ended first.
func WaitKafkaReady(ctx context.Context, brokerAddr string, delay time.Duration) bool {
	for {
		conn, err := kafkago.DialContext(ctx, "tcp", brokerAddr)
		if err == nil {
			if errConn := conn.Close(); errConn != nil {
				log.Println("Failed to close connection after testing Kafka readyness:", errConn)
			}
			log.Println("Kafka is ready!")
			return true
		}
		log.Printf("Kafka not ready, retrying in %v...", delay)
		if !sleepCtx(ctx, delay) {
			return false
		}
	}
}

// topicConfigs - задачи живут в топике сутки: дольше их держит таблица генераций
func topicConfigs(partitions int, topics []string) []kafkago.TopicConfig {
	if partitions < 1 {
		partitions = 1
	}
	configs := make([]kafkago.TopicConfig, 0, len(topics))
	for _, t := range topics {
		configs = append(configs, kafkago.TopicConfig{
			Topic:             t,
			NumPartitions:     partitions,
			ReplicationFactor: 1,
			ConfigEntries: []kafkago.ConfigEntry{
				{ConfigName: "retention.ms", ConfigValue: strconv.FormatInt(taskRetention.Milliseconds(), 10)},
			},
		})
	}
	return configs
}

// NewResultsConsumer reads the results topic from its tail in a group of its own:
// every api process has to see every outcome.
func NewResultsConsumer(brokerAddr, topic string) *wbfkafka.Consumer {
	return &wbfkafka.Consumer{
		Reader: kafkago.NewReader(kafkago.ReaderConfig{
			Brokers:     []string{brokerAddr},
			Topic:       topic,
			GroupID:     resultsGroupID(),
			StartOffset: kafkago.LastOffset,
		}),
	}
}

func resultsGroupID() string {
	return "iiif-results-" + uuid.NewString()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
