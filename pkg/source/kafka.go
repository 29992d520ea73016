package source

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pgflo/pg_ingest/pkg/debezium"
	"github.com/pgflo/pg_ingest/pkg/utils"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaConfig configures the Debezium topic consumer
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers" mapstructure:"brokers"`
	Topics        []string `yaml:"topics" mapstructure:"topics"`
	ConsumerGroup string   `yaml:"consumer_group" mapstructure:"consumer_group"`
	ClientID      string   `yaml:"client_id" mapstructure:"client_id"`
	// FromBeginning starts a group without committed offsets at the earliest record
	FromBeginning bool `yaml:"from_beginning" mapstructure:"from_beginning"`
}

// KafkaSource consumes Debezium change events produced by Kafka Connect. Offsets are committed to the
// consumer group only for events passed to Commit.
type KafkaSource struct {
	cfg    KafkaConfig
	client *kgo.Client
	logger utils.Logger

	mu  sync.Mutex
	err error
	wg  sync.WaitGroup
}

// NewKafkaSource validates the config; the client is created by Start
func NewKafkaSource(cfg KafkaConfig) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka source requires at least one broker")
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("kafka source requires at least one topic")
	}
	if cfg.ConsumerGroup == "" {
		return nil, errors.New("kafka source requires a consumer group")
	}
	return &KafkaSource{cfg: cfg, logger: utils.NewComponentLogger("source.kafka")}, nil
}

// Start joins the consumer group. The group's committed offsets decide where reading resumes, so from is
// only logged.
func (s *KafkaSource) Start(ctx context.Context, from string) (<-chan *utils.ChangeEvent, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(s.cfg.Brokers...),
		kgo.ConsumerGroup(s.cfg.ConsumerGroup),
		kgo.ConsumeTopics(s.cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.FetchMaxWait(time.Second),
	}
	if s.cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(s.cfg.ClientID))
	}
	if s.cfg.FromBeginning {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	} else {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	s.client = client

	s.logger.Info().
		Strs("topics", s.cfg.Topics).
		Str("group", s.cfg.ConsumerGroup).
		Str("last_position", from).
		Msg("Starting kafka consumer")

	out := make(chan *utils.ChangeEvent, eventBufferSize)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(out)
		if err := s.poll(ctx, out); err != nil {
			s.setErr(err)
		}
	}()
	return out, nil
}

func (s *KafkaSource) poll(ctx context.Context, out chan<- *utils.ChangeEvent) error {
	for {
		fetches := s.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Error().Err(err).Str("topic", topic).Int("partition", int(partition)).Msg("Fetch error")
		})

		stopped := false
		fetches.EachRecord(func(r *kgo.Record) {
			if stopped {
				return
			}
			ev, err := s.decode(r)
			if err != nil {
				if !errors.Is(err, debezium.ErrTombstone) && !errors.Is(err, debezium.ErrSkippedOperation) {
					s.logger.Warn().Err(err).Str("position", recordPosition(r)).Msg("Skipping undecodable record")
				}
				return
			}
			if !emit(ctx, out, ev) {
				stopped = true
			}
		})
		if stopped {
			return nil
		}
	}
}

func (s *KafkaSource) decode(r *kgo.Record) (*utils.ChangeEvent, error) {
	ev, err := debezium.Decode(r.Value)
	if err != nil {
		return nil, err
	}
	key, err := debezium.DecodeKey(r.Key)
	if err != nil {
		return nil, fmt.Errorf("invalid record key: %w", err)
	}
	debezium.ApplyKey(ev, key)
	ev.Position = recordPosition(r)
	ev.Source = string(KindKafka)
	if ev.CommittedAt.IsZero() {
		ev.CommittedAt = r.Timestamp
	}
	return ev, nil
}

func recordPosition(r *kgo.Record) string {
	return fmt.Sprintf("%s/%d/%d", r.Topic, r.Partition, r.Offset)
}

// ParseKafkaPosition splits a topic/partition/offset position
func ParseKafkaPosition(pos string) (string, int32, int64, error) {
	i := strings.LastIndex(pos, "/")
	if i <= 0 {
		return "", 0, 0, fmt.Errorf("invalid kafka position %q", pos)
	}
	j := strings.LastIndex(pos[:i], "/")
	if j <= 0 {
		return "", 0, 0, fmt.Errorf("invalid kafka position %q", pos)
	}
	partition, err := strconv.ParseInt(pos[j+1:i], 10, 32)
	if err != nil {
		return "", 0, 0, fmt.Errorf("invalid kafka position %q: %w", pos, err)
	}
	offset, err := strconv.ParseInt(pos[i+1:], 10, 64)
	if err != nil {
		return "", 0, 0, fmt.Errorf("invalid kafka position %q: %w", pos, err)
	}
	return pos[:j], int32(partition), offset, nil
}

// Commit commits, per partition, the highest offset among events
func (s *KafkaSource) Commit(ctx context.Context, events []*utils.ChangeEvent) error {
	if s.client == nil {
		return errors.New("kafka source not started")
	}
	type tp struct {
		topic     string
		partition int32
	}
	highest := make(map[tp]int64)
	for _, ev := range events {
		topic, partition, offset, err := ParseKafkaPosition(ev.Position)
		if err != nil {
			return err
		}
		k := tp{topic, partition}
		if cur, ok := highest[k]; !ok || offset > cur {
			highest[k] = offset
		}
	}
	if len(highest) == 0 {
		return nil
	}
	records := make([]*kgo.Record, 0, len(highest))
	for k, offset := range highest {
		records = append(records, &kgo.Record{Topic: k.topic, Partition: k.partition, Offset: offset, LeaderEpoch: -1})
	}
	if err := s.client.CommitRecords(ctx, records...); err != nil {
		return fmt.Errorf("failed to commit offsets: %w", err)
	}
	return nil
}

func (s *KafkaSource) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	s.logger.Error().Err(err).Msg("Kafka consumer stopped")
}

// Err reports why consumption stopped
func (s *KafkaSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close leaves the group and closes the client
func (s *KafkaSource) Close() error {
	if s.client != nil {
		s.client.Close()
	}
	s.wg.Wait()
	return nil
}
