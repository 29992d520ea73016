package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/pgflo/pg_ingest/pkg/utils"
)

// Publisher is the part of natsbus.NATSClient the readiness notifier needs
type Publisher interface {
	PublishMessage(subject string, data []byte) error
}

// NATSNotifier publishes every summary on {prefix}.{target table}
type NATSNotifier struct {
	publisher Publisher
	prefix    string
	observer  ResultObserver
	logger    utils.Logger
}

func NewNATSNotifier(publisher Publisher, prefix string, observer ResultObserver) *NATSNotifier {
	return &NATSNotifier{
		publisher: publisher,
		prefix:    strings.TrimSuffix(prefix, "."),
		observer:  observer,
		logger:    utils.NewComponentLogger("notify.nats"),
	}
}

// Subject returns the subject a target table's readiness messages go to
func (n *NATSNotifier) Subject(targetTable string) string {
	return n.prefix + "." + targetTable
}

func (n *NATSNotifier) Notify(_ context.Context, s ChangeSummary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	if err := n.publisher.PublishMessage(n.Subject(s.TargetTable), data); err != nil {
		n.result(ResultFailure)
		return err
	}
	n.result(ResultSuccess)
	return nil
}

func (n *NATSNotifier) result(r string) {
	if n.observer != nil {
		n.observer("nats", r)
	}
}

// Multi fans a summary out to several notifiers and joins their errors
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, s ChangeSummary) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
