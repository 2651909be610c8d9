package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/lexelby/apiary/internal/config"
	"github.com/lexelby/apiary/internal/domain"
)

// Kafka topic names. Dots and colons are not topic-safe, so the broker
// queue names are flattened.
const (
	kafkaJobTopic  = "apiary-worker-job"
	kafkaStatTopic = "apiary-worker-status"
)

// Consumer group ids. All worker threads share one group so each job
// message is delivered to exactly one thread; the stats collector has its
// own group.
const (
	kafkaWorkerGroup = "apiary-workers"
	kafkaStatsGroup  = "apiary-stats"
)

// KafkaFabric puts both queues on Kafka/Redpanda topics. Kafka gives the
// queues durability across worker restarts; the scheduler's look-ahead cap
// still bounds outstanding work, so no depth bound is enforced here.
type KafkaFabric struct {
	brokers  []string
	producer *kgo.Client

	mu        sync.Mutex
	consumers []*kgo.Client
	closed    bool
}

// DialKafka connects a producer to the configured brokers, ensures the
// topics exist, and verifies connectivity with backoff.
func DialKafka(cfg config.Config) (*KafkaFabric, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("queue: no kafka brokers configured: %w", domain.ErrBadConfig)
	}
	producer, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.KafkaBrokers...),
		kgo.RequestRetries(10),
		kgo.WithHooks(kotelHooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("queue: kafka client: %w", err)
	}
	ping := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return producer.Ping(ctx)
	}
	if err := backoff.Retry(ping, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)); err != nil {
		producer.Close()
		return nil, fmt.Errorf("queue: kafka %v: %w", cfg.KafkaBrokers, err)
	}
	ctx := context.Background()
	for _, topic := range []string{kafkaJobTopic, kafkaStatTopic} {
		if err := createTopicIfNotExists(ctx, producer, topic, 8, 1); err != nil {
			slog.Warn("failed to create topic, it may already exist",
				slog.String("topic", topic), slog.Any("error", err))
		}
	}
	slog.Info("connected to kafka broker", slog.Any("brokers", cfg.KafkaBrokers))
	return &KafkaFabric{brokers: cfg.KafkaBrokers, producer: producer}, nil
}

// Jobs returns a job queue view consuming in the shared worker group.
func (f *KafkaFabric) Jobs() domain.JobQueue {
	return &kafkaJobQueue{f: f}
}

// Stats returns a stats queue view consuming in the collector group.
func (f *KafkaFabric) Stats() domain.StatQueue {
	return &kafkaStatQueue{f: f}
}

func (f *KafkaFabric) produce(ctx context.Context, topic string, value []byte) error {
	rec := &kgo.Record{Topic: topic, Value: value}
	if err := f.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("queue: kafka produce %s: %w", topic, err)
	}
	return nil
}

func (f *KafkaFabric) newConsumer(topic, group string) (*kgo.Client, error) {
	c, err := kgo.NewClient(
		kgo.SeedBrokers(f.brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.WithHooks(kotelHooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("queue: kafka consumer %s: %w", group, err)
	}
	f.mu.Lock()
	f.consumers = append(f.consumers, c)
	f.mu.Unlock()
	return c, nil
}

// Purge deletes both queue topics. Used by the clean command.
func (f *KafkaFabric) Purge(ctx context.Context) error {
	req := kmsg.NewDeleteTopicsRequest()
	req.TimeoutMillis = 30000
	req.TopicNames = []string{kafkaJobTopic, kafkaStatTopic}
	for _, name := range req.TopicNames {
		t := kmsg.NewDeleteTopicsRequestTopic()
		topic := name
		t.Topic = &topic
		req.Topics = append(req.Topics, t)
	}
	if _, err := f.producer.Request(ctx, &req); err != nil {
		return fmt.Errorf("queue: kafka purge: %w", err)
	}
	return nil
}

// Close closes the producer and every consumer.
func (f *KafkaFabric) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.producer.Close()
	for _, c := range f.consumers {
		c.Close()
	}
	return nil
}

// kotelHooks attaches OpenTelemetry instrumentation to Kafka clients.
func kotelHooks() []kgo.Hook {
	tracer := kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))
	return kotel.NewKotel(kotel.WithTracer(tracer)).Hooks()
}

// createTopicIfNotExists creates a topic, treating "already exists" as
// success.
func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000
	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replicationFactor
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("create topic request: %w", err)
	}
	createResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type: %T", resp)
	}
	for _, t := range createResp.Topics {
		// Error code 36 = TOPIC_ALREADY_EXISTS.
		if t.ErrorCode != 0 && t.ErrorCode != 36 {
			msg := ""
			if t.ErrorMessage != nil {
				msg = *t.ErrorMessage
			}
			return fmt.Errorf("create topic %s: %s (code %d)", t.Topic, msg, t.ErrorCode)
		}
	}
	return nil
}

type kafkaJobQueue struct {
	f *KafkaFabric

	mu       sync.Mutex
	consumer *kgo.Client
	buffered []*kgo.Record
}

func (q *kafkaJobQueue) Put(ctx context.Context, m domain.JobMessage) error {
	b, err := encodeJob(m)
	if err != nil {
		return err
	}
	return q.f.produce(ctx, kafkaJobTopic, b)
}

func (q *kafkaJobQueue) Get(ctx context.Context) (domain.JobMessage, error) {
	rec, err := q.next(ctx)
	if err != nil {
		return domain.JobMessage{}, err
	}
	return decodeJob(rec.Value)
}

// next returns one record, polling the broker when the local buffer is
// empty. The buffer plus mutex makes the single group consumer safe for
// many worker threads in one process.
func (q *kafkaJobQueue) next(ctx context.Context) (*kgo.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.consumer == nil {
		c, err := q.f.newConsumer(kafkaJobTopic, kafkaWorkerGroup)
		if err != nil {
			return nil, err
		}
		q.consumer = c
	}
	for len(q.buffered) == 0 {
		fetches := q.consumer.PollFetches(ctx)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			return nil, fmt.Errorf("queue: kafka fetch: %w", errs[0].Err)
		}
		q.buffered = append(q.buffered, fetches.Records()...)
	}
	rec := q.buffered[0]
	q.buffered = q.buffered[1:]
	return rec, nil
}

func (q *kafkaJobQueue) Close() error { return q.f.Close() }

type kafkaStatQueue struct {
	f *KafkaFabric

	mu       sync.Mutex
	consumer *kgo.Client
	buffered []*kgo.Record
}

func (q *kafkaStatQueue) Put(ctx context.Context, m domain.StatMessage) error {
	b, err := encodeStat(m)
	if err != nil {
		return err
	}
	return q.f.produce(ctx, kafkaStatTopic, b)
}

func (q *kafkaStatQueue) Poll(ctx context.Context, timeout time.Duration) (domain.StatMessage, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.consumer == nil {
		c, err := q.f.newConsumer(kafkaStatTopic, kafkaStatsGroup)
		if err != nil {
			return domain.StatMessage{}, false, err
		}
		q.consumer = c
	}
	if len(q.buffered) == 0 {
		pollCtx, cancel := context.WithTimeout(ctx, timeout)
		fetches := q.consumer.PollFetches(pollCtx)
		cancel()
		if err := ctx.Err(); err != nil {
			return domain.StatMessage{}, false, err
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
					return domain.StatMessage{}, false, nil
				}
			}
			return domain.StatMessage{}, false, fmt.Errorf("queue: kafka fetch: %w", errs[0].Err)
		}
		q.buffered = append(q.buffered, fetches.Records()...)
	}
	if len(q.buffered) == 0 {
		return domain.StatMessage{}, false, nil
	}
	rec := q.buffered[0]
	q.buffered = q.buffered[1:]
	m, err := decodeStat(rec.Value)
	if err != nil {
		return domain.StatMessage{}, false, err
	}
	return m, true, nil
}

func (q *kafkaStatQueue) Close() error { return q.f.Close() }
