package eventlog

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

// KafkaConfig configures a Kafka connection.
type KafkaConfig struct {
	Brokers  []string
	ClientID string
	// GroupID is the consumer group offsets are committed under.
	GroupID  string
	Username string
	Password string
	TLS      bool
	Logger   *slog.Logger
}

// KafkaClient reads partitions directly (no group rebalancing) and stores
// progress as consumer group offsets through the admin API.
type KafkaClient struct {
	cl     *kgo.Client
	adm    *kadm.Client
	group  string
	logger *slog.Logger
	once   sync.Once
}

// NewKafkaClient connects and pings the cluster.
func NewKafkaClient(ctx context.Context, cfg KafkaConfig) (*KafkaClient, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "event-projection-" + uuid.NewString()[:8]
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(clientID),
	}
	if cfg.Username != "" {
		opts = append(opts, kgo.SASL(plain.Auth{User: cfg.Username, Pass: cfg.Password}.AsMechanism()))
	}
	if cfg.TLS {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := cl.Ping(pingCtx); err != nil {
		cl.Close()
		return nil, fmt.Errorf("ping kafka: %w", err)
	}

	return &KafkaClient{
		cl:     cl,
		adm:    kadm.NewClient(cl),
		group:  cfg.GroupID,
		logger: logger,
	}, nil
}

// KafkaOpener returns an Opener that dials a new KafkaClient per call.
func KafkaOpener(cfg KafkaConfig) Opener {
	return func(ctx context.Context) (Client, error) {
		return NewKafkaClient(ctx, cfg)
	}
}

func (k *KafkaClient) Partitions(ctx context.Context, topic string) ([]int32, error) {
	md, err := k.adm.Metadata(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("metadata %s: %w", topic, err)
	}
	td, ok := md.Topics[topic]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	if td.Err != nil {
		if errors.Is(td.Err, kerr.UnknownTopicOrPartition) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
		}
		return nil, fmt.Errorf("metadata %s: %w", topic, td.Err)
	}

	ids := make([]int32, 0, len(td.Partitions))
	for p := range td.Partitions {
		ids = append(ids, p)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (k *KafkaClient) Offsets(ctx context.Context, topic string, partitions []int32) (map[int32]OffsetRange, error) {
	starts, err := k.adm.ListStartOffsets(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("list start offsets %s: %w", topic, err)
	}
	ends, err := k.adm.ListEndOffsets(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("list end offsets %s: %w", topic, err)
	}

	out := make(map[int32]OffsetRange, len(partitions))
	for _, p := range partitions {
		start, ok := starts.Lookup(topic, p)
		if !ok {
			return nil, fmt.Errorf("no start offset for %s/%d", topic, p)
		}
		if start.Err != nil {
			return nil, fmt.Errorf("start offset %s/%d: %w", topic, p, start.Err)
		}
		end, ok := ends.Lookup(topic, p)
		if !ok {
			return nil, fmt.Errorf("no end offset for %s/%d", topic, p)
		}
		if end.Err != nil {
			return nil, fmt.Errorf("end offset %s/%d: %w", topic, p, end.Err)
		}
		out[p] = OffsetRange{Start: start.Offset, End: end.Offset}
	}
	return out, nil
}

func (k *KafkaClient) Assign(topic string, positions map[int32]Position) error {
	offsets := make(map[int32]kgo.Offset, len(positions))
	for p, pos := range positions {
		if pos.IsEarliest() {
			offsets[p] = kgo.NewOffset().AtStart()
		} else {
			offsets[p] = kgo.NewOffset().At(pos.Offset())
		}
	}
	k.cl.AddConsumePartitions(map[string]map[int32]kgo.Offset{topic: offsets})
	return nil
}

func (k *KafkaClient) Poll(ctx context.Context, timeout time.Duration) ([]Record, error) {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fetches := k.cl.PollFetches(pollCtx)
	if fetches.IsClientClosed() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
			continue
		}
		return nil, fmt.Errorf("fetch %s/%d: %w", fe.Topic, fe.Partition, fe.Err)
	}

	var out []Record
	fetches.EachRecord(func(r *kgo.Record) {
		out = append(out, Record{
			Topic:     r.Topic,
			Partition: r.Partition,
			Offset:    r.Offset,
			Key:       r.Key,
			Value:     r.Value,
			Timestamp: r.Timestamp,
		})
	})
	return out, nil
}

// Produce appends one record and waits for the broker ack.
func (k *KafkaClient) Produce(ctx context.Context, topic string, key, value []byte) error {
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	if err := k.cl.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce %s: %w", topic, err)
	}
	return nil
}

// Committed fetches the group's committed offsets for the given partitions.
// Partitions the group never committed are absent from the result.
func (k *KafkaClient) Committed(ctx context.Context, topic string, partitions []int32) (map[int32]int64, error) {
	if k.group == "" {
		return nil, errors.New("kafka group id required for committed offsets")
	}
	resp, err := k.adm.FetchOffsets(ctx, k.group)
	if err != nil {
		return nil, fmt.Errorf("fetch offsets %s: %w", k.group, err)
	}

	out := make(map[int32]int64, len(partitions))
	for _, p := range partitions {
		r, ok := resp.Lookup(topic, p)
		if !ok || r.Err != nil || r.At < 0 {
			continue
		}
		out[p] = r.At
	}
	return out, nil
}

// Commit stores next offsets under the consumer group.
func (k *KafkaClient) Commit(ctx context.Context, topic string, offsets map[int32]int64) error {
	if k.group == "" {
		return errors.New("kafka group id required for commit")
	}
	offs := make(kadm.Offsets)
	for p, at := range offsets {
		offs.Add(kadm.Offset{Topic: topic, Partition: p, At: at, LeaderEpoch: -1})
	}
	resp, err := k.adm.CommitOffsets(ctx, k.group, offs)
	if err != nil {
		return fmt.Errorf("commit offsets %s: %w", k.group, err)
	}
	if err := resp.Error(); err != nil {
		return fmt.Errorf("commit offsets %s: %w", k.group, err)
	}
	return nil
}

// EnsureCompactedTopic creates topic with cleanup.policy=compact if it does
// not exist yet.
func (k *KafkaClient) EnsureCompactedTopic(ctx context.Context, topic string, partitions int32) error {
	compact := "compact"
	resp, err := k.adm.CreateTopic(ctx, partitions, -1, map[string]*string{"cleanup.policy": &compact}, topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", topic, resp.Err)
	}
	if resp.Err == nil {
		k.logger.Info("created changelog topic", "topic", topic, "partitions", partitions)
	}
	return nil
}

func (k *KafkaClient) Close() {
	k.once.Do(k.cl.Close)
}
