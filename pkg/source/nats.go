package source

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pgflo/pg_ingest/pkg/debezium"
	"github.com/pgflo/pg_ingest/pkg/natsbus"
	"github.com/pgflo/pg_ingest/pkg/utils"
)

const (
	defaultFetchSize     = 100
	defaultMaxAckPending = 20000
)

// NATSConfig configures the JetStream pull consumer
type NATSConfig struct {
	URL       string `yaml:"url" mapstructure:"url"`
	Stream    string `yaml:"stream" mapstructure:"stream"`
	Subject   string `yaml:"subject" mapstructure:"subject"`
	Consumer  string `yaml:"consumer" mapstructure:"consumer"`
	FetchSize int    `yaml:"fetch_size" mapstructure:"fetch_size"`
}

// NATSSource pulls Debezium JSON messages from a JetStream stream. Messages stay unacknowledged
// until the events decoded from them are committed.
type NATSSource struct {
	cfg    NATSConfig
	client *natsbus.NATSClient
	sub    *nats.Subscription
	logger utils.Logger

	mu      sync.Mutex
	pending map[uint64]*nats.Msg
	err     error
	wg      sync.WaitGroup
}

// NewNATSSource connects to the server; the consumer is created by Start
func NewNATSSource(cfg NATSConfig) (*NATSSource, error) {
	if cfg.Stream == "" || cfg.Subject == "" {
		return nil, errors.New("nats source requires stream and subject")
	}
	if cfg.Consumer == "" {
		cfg.Consumer = fmt.Sprintf("pg_ingest_%s_consumer", cfg.Stream)
	}
	if cfg.FetchSize <= 0 {
		cfg.FetchSize = defaultFetchSize
	}
	client, err := natsbus.NewNATSClient(cfg.URL, cfg.Stream, cfg.Consumer, cfg.Subject)
	if err != nil {
		return nil, err
	}
	return &NATSSource{
		cfg:     cfg,
		client:  client,
		logger:  utils.NewComponentLogger("source.nats"),
		pending: make(map[uint64]*nats.Msg),
	}, nil
}

// Start creates the durable consumer if needed and begins fetching. A new consumer starts after the
// stream sequence in from, or at the beginning of the stream when from is empty.
func (s *NATSSource) Start(ctx context.Context, from string) (<-chan *utils.ChangeEvent, error) {
	js := s.client.JetStream()

	consumerConfig := &nats.ConsumerConfig{
		Durable:       s.cfg.Consumer,
		FilterSubject: s.cfg.Subject,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       25 * time.Minute,
		MaxAckPending: defaultMaxAckPending,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
	if from != "" {
		seq, err := strconv.ParseUint(from, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid start position %q: %w", from, err)
		}
		consumerConfig.DeliverPolicy = nats.DeliverByStartSequencePolicy
		consumerConfig.OptStartSeq = seq + 1
	}

	_, err := js.AddConsumer(s.cfg.Stream, consumerConfig)
	if err != nil && !errors.Is(err, nats.ErrConsumerNameAlreadyInUse) {
		return nil, fmt.Errorf("failed to add or update consumer: %w", err)
	}

	sub, err := js.PullSubscribe(s.cfg.Subject, s.cfg.Consumer, nats.Bind(s.cfg.Stream, s.cfg.Consumer))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to subject: %w", err)
	}
	s.sub = sub

	s.logger.Info().
		Str("stream", s.cfg.Stream).
		Str("subject", s.cfg.Subject).
		Str("consumer", s.cfg.Consumer).
		Msg("Starting NATS consumer")

	out := make(chan *utils.ChangeEvent, eventBufferSize)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(out)
		s.fetchLoop(ctx, out)
	}()
	return out, nil
}

func (s *NATSSource) fetchLoop(ctx context.Context, out chan<- *utils.ChangeEvent) {
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := s.sub.Fetch(s.cfg.FetchSize, nats.MaxWait(500*time.Millisecond))
		if err != nil && !errors.Is(err, nats.ErrTimeout) {
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				s.setErr(err)
				return
			}
			s.logger.Error().Err(err).Msg("Error fetching messages")
			continue
		}

		for _, msg := range msgs {
			ev, seq, err := s.decode(msg)
			if err != nil {
				if !errors.Is(err, debezium.ErrTombstone) && !errors.Is(err, debezium.ErrSkippedOperation) {
					s.logger.Warn().Err(err).Msg("Skipping undecodable message")
				}
				if ackErr := msg.Ack(); ackErr != nil {
					s.logger.Error().Err(ackErr).Msg("Failed to acknowledge message")
				}
				continue
			}
			s.mu.Lock()
			s.pending[seq] = msg
			s.mu.Unlock()
			if !emit(ctx, out, ev) {
				return
			}
		}
	}
}

func (s *NATSSource) decode(msg *nats.Msg) (*utils.ChangeEvent, uint64, error) {
	metadata, err := msg.Metadata()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get message metadata: %w", err)
	}
	ev, err := debezium.Decode(msg.Data)
	if err != nil {
		return nil, 0, err
	}
	if keyColumns := msg.Header.Get(natsbus.KeyHeader); keyColumns != "" {
		ev.Key = utils.ReplicationKey{Type: utils.ReplicationKeyPK, Columns: strings.Split(keyColumns, ",")}
	}
	seq := metadata.Sequence.Stream
	ev.Position = strconv.FormatUint(seq, 10)
	ev.Source = string(KindNATS)
	if ev.CommittedAt.IsZero() {
		ev.CommittedAt = metadata.Timestamp
	}
	return ev, seq, nil
}

// Commit acknowledges the messages behind events and records the highest sequence in the state bucket
func (s *NATSSource) Commit(_ context.Context, events []*utils.ChangeEvent) error {
	var highest uint64
	var acks []*nats.Msg
	s.mu.Lock()
	for _, ev := range events {
		seq, err := strconv.ParseUint(ev.Position, 10, 64)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("invalid position %q: %w", ev.Position, err)
		}
		if msg, ok := s.pending[seq]; ok {
			acks = append(acks, msg)
			delete(s.pending, seq)
		}
		if seq > highest {
			highest = seq
		}
	}
	s.mu.Unlock()

	for _, msg := range acks {
		if err := msg.Ack(); err != nil {
			return fmt.Errorf("failed to acknowledge message: %w", err)
		}
	}
	if highest == 0 {
		return nil
	}

	state, err := s.client.GetState()
	if err != nil {
		return err
	}
	state.Position = strconv.FormatUint(highest, 10)
	state.LastProcessedSeq[s.cfg.Consumer] = highest
	return s.client.SaveState(state)
}

func (s *NATSSource) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	s.logger.Error().Err(err).Msg("NATS consumer stopped")
}

// Err reports why fetching stopped
func (s *NATSSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close unsubscribes and drains the connection
func (s *NATSSource) Close() error {
	s.wg.Wait()
	var errs []error
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, fmt.Errorf("failed to unsubscribe: %w", err))
		}
	}
	if err := s.client.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
