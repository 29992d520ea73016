package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/pgflo/pg_ingest/pkg/utils"
)

// Mode selects when a table's changes are announced
type Mode int

const (
	ModeImmediate Mode = 1
	ModeBatch     Mode = 2
	ModeScheduled Mode = 3
)

const (
	defaultBatchThreshold = 100
	defaultSchedule       = "@every 1m"
	maxConcurrentSends    = 8
)

// Notification results reported to the observer
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
)

// ErrNoDomainProcessor is returned when a business domain has no mapped processor
var ErrNoDomainProcessor = errors.New("no processor mapped to business domain")

// TableConfig is the notification setting of one source table
type TableConfig struct {
	SourceTable    string `yaml:"source_table" mapstructure:"source_table"`
	TargetTable    string `yaml:"target_table" mapstructure:"target_table"`
	Enabled        bool   `yaml:"enabled" mapstructure:"enabled"`
	Mode           Mode   `yaml:"mode" mapstructure:"mode"`
	DelaySeconds   int    `yaml:"delay_seconds" mapstructure:"delay_seconds"`
	BusinessDomain string `yaml:"business_domain" mapstructure:"business_domain"`
	DWDProcessorID string `yaml:"dwd_processor_id" mapstructure:"dwd_processor_id"`
	DWSProcessorID string `yaml:"dws_processor_id" mapstructure:"dws_processor_id"`
	// BatchThreshold is the number of records that releases a batch in ModeBatch
	BatchThreshold int `yaml:"batch_threshold" mapstructure:"batch_threshold"`
	// Schedule is the cron expression that releases collected changes in ModeScheduled
	Schedule string `yaml:"schedule" mapstructure:"schedule"`
}

// Validate checks the mode and, for scheduled tables, the cron expression
func (t TableConfig) Validate() error {
	switch t.Mode {
	case 0, ModeImmediate, ModeBatch:
	case ModeScheduled:
		if _, err := utils.CronParser.Parse(t.scheduleOrDefault()); err != nil {
			return fmt.Errorf("table %s: invalid notify schedule %q: %w", t.SourceTable, t.Schedule, err)
		}
	default:
		return fmt.Errorf("table %s: unknown notify mode %d", t.SourceTable, t.Mode)
	}
	if t.DelaySeconds < 0 {
		return fmt.Errorf("table %s: negative notify delay", t.SourceTable)
	}
	return nil
}

func (t TableConfig) scheduleOrDefault() string {
	if t.Schedule == "" {
		return defaultSchedule
	}
	return t.Schedule
}

func (t TableConfig) thresholdOrDefault() int {
	if t.BatchThreshold <= 0 {
		return defaultBatchThreshold
	}
	return t.BatchThreshold
}

// Trigger runs a downstream processor
type Trigger interface {
	TriggerProcessor(ctx context.Context, processorID string, data interface{}) error
}

// Notifier receives the per-table summaries of every flush
type Notifier interface {
	Notify(ctx context.Context, summary ChangeSummary) error
}

// ResultObserver is told the outcome of every notification attempt
type ResultObserver func(target, result string)

// Dispatcher applies the per-table notify settings to flush summaries and triggers processors
type Dispatcher struct {
	trigger  Trigger
	async    bool
	domains  map[string]string
	observer ResultObserver
	logger   utils.Logger

	mu             sync.Mutex
	tables         map[string]TableConfig
	pending        map[string][]ChangeSummary
	pendingRecords map[string]int

	cron     *cron.Cron
	sends    errgroup.Group
	delays   sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithResultObserver registers a callback for notification outcomes
func WithResultObserver(fn ResultObserver) DispatcherOption {
	return func(d *Dispatcher) {
		d.observer = fn
	}
}

// NewDispatcher validates the table settings and registers the cron jobs of scheduled tables.
// Call Start to run the jobs and Close to release pending changes.
func NewDispatcher(trigger Trigger, cfg NiFiConfig, tables []TableConfig, opts ...DispatcherOption) (*Dispatcher, error) {
	d := &Dispatcher{
		trigger:        trigger,
		async:          cfg.Async,
		domains:        cfg.DomainProcessors,
		logger:         utils.NewComponentLogger("notify"),
		tables:         make(map[string]TableConfig),
		pending:        make(map[string][]ChangeSummary),
		pendingRecords: make(map[string]int),
		cron:           cron.New(cron.WithParser(utils.CronParser)),
		stop:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.sends.SetLimit(maxConcurrentSends)

	for _, t := range tables {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if t.Mode == 0 {
			t.Mode = ModeImmediate
		}
		d.tables[t.SourceTable] = t
		if t.TargetTable != "" {
			d.tables[t.TargetTable] = t
		}

		if t.Enabled && t.Mode == ModeScheduled {
			source := t.SourceTable
			if _, err := d.cron.AddFunc(t.scheduleOrDefault(), func() {
				if err := d.flushTable(context.Background(), source); err != nil {
					d.logger.Error().Err(err).Str("table", source).Msg("Scheduled notification failed")
				}
			}); err != nil {
				return nil, fmt.Errorf("table %s: %w", t.SourceTable, err)
			}
		}
	}
	return d, nil
}

// Start runs the cron jobs of scheduled tables
func (d *Dispatcher) Start() {
	d.cron.Start()
}

// Table returns the settings matching a source or target table
func (d *Dispatcher) Table(table string) (TableConfig, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tables[table]
	return t, ok
}

// Notify handles one flush summary according to the table's mode
func (d *Dispatcher) Notify(ctx context.Context, s ChangeSummary) error {
	t, ok := d.Table(s.SourceTable)
	if !ok {
		t, ok = d.Table(s.TargetTable)
	}
	if !ok || !t.Enabled {
		d.logger.Debug().Str("table", s.SourceTable).Msg("NiFi notification not enabled for table")
		d.observe("nifi", ResultSkipped)
		return nil
	}
	if t.TargetTable == "" {
		t.TargetTable = s.TargetTable
	}

	switch t.Mode {
	case ModeBatch:
		if d.enqueue(t.SourceTable, s) >= t.thresholdOrDefault() {
			return d.flushTable(ctx, t.SourceTable)
		}
		d.logger.Debug().Str("table", t.SourceTable).Msg("Batch notification mode, change queued")
		return nil
	case ModeScheduled:
		d.enqueue(t.SourceTable, s)
		d.logger.Debug().Str("table", t.SourceTable).Msg("Scheduled notification mode, change queued")
		return nil
	default:
		return d.notifyImmediate(ctx, t, s)
	}
}

func (d *Dispatcher) enqueue(table string, s ChangeSummary) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending[table] = append(d.pending[table], s)
	d.pendingRecords[table] += s.Records()
	return d.pendingRecords[table]
}

func (d *Dispatcher) notifyImmediate(ctx context.Context, t TableConfig, s ChangeSummary) error {
	var attempted, failed int
	var errs []error

	if t.DWDProcessorID != "" {
		attempted++
		payload := dwdPayload(t, s)
		if t.DelaySeconds > 0 {
			d.delayed(ctx, time.Duration(t.DelaySeconds)*time.Second, t.DWDProcessorID, payload)
		} else if err := d.send(ctx, t.DWDProcessorID, payload); err != nil {
			failed++
			errs = append(errs, err)
		}
	}
	if t.DWSProcessorID != "" {
		attempted++
		if err := d.send(ctx, t.DWSProcessorID, dwsPayload(t, s)); err != nil {
			failed++
			errs = append(errs, err)
		}
	}
	if t.BusinessDomain != "" {
		if _, mapped := d.domains[t.BusinessDomain]; mapped {
			attempted++
			if err := d.TriggerByBusinessDomain(ctx, t.BusinessDomain, s); err != nil {
				failed++
				errs = append(errs, err)
			}
		}
	}

	if attempted == 0 {
		d.logger.Debug().Str("table", t.SourceTable).Msg("No NiFi processor configured for table")
		d.observe("nifi", ResultSkipped)
		return nil
	}
	if failed == attempted {
		return errors.Join(errs...)
	}
	return nil
}

// TriggerByBusinessDomain triggers the processor mapped to a business domain
func (d *Dispatcher) TriggerByBusinessDomain(ctx context.Context, domain string, change interface{}) error {
	processorID, ok := d.domains[domain]
	if !ok || processorID == "" {
		return fmt.Errorf("%w: %s", ErrNoDomainProcessor, domain)
	}
	return d.send(ctx, processorID, DomainPayload{
		BusinessDomain: domain,
		ChangeData:     change,
		ProcessTime:    time.Now().UnixMilli(),
	})
}

// Flush releases the changes queued by batch and scheduled tables
func (d *Dispatcher) Flush(ctx context.Context) error {
	d.mu.Lock()
	tables := make([]string, 0, len(d.pending))
	for table := range d.pending {
		tables = append(tables, table)
	}
	d.mu.Unlock()

	var errs []error
	for _, table := range tables {
		if err := d.flushTable(ctx, table); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) flushTable(ctx context.Context, table string) error {
	d.mu.Lock()
	items := d.pending[table]
	delete(d.pending, table)
	delete(d.pendingRecords, table)
	t := d.tables[table]
	d.mu.Unlock()

	if len(items) == 0 {
		return nil
	}

	payload := batchPayload(items)
	var errs []error
	for _, processorID := range []string{t.DWDProcessorID, t.DWSProcessorID} {
		if processorID == "" {
			continue
		}
		if err := d.send(ctx, processorID, payload); err != nil {
			errs = append(errs, err)
		}
	}
	d.logger.Info().Str("table", table).Int("batch_size", len(items)).Msg("Released batched notifications")
	return errors.Join(errs...)
}

func (d *Dispatcher) send(ctx context.Context, processorID string, payload interface{}) error {
	if !d.async {
		return d.deliver(ctx, processorID, payload)
	}
	detached := context.WithoutCancel(ctx)
	d.sends.Go(func() error {
		_ = d.deliver(detached, processorID, payload)
		return nil
	})
	return nil
}

func (d *Dispatcher) delayed(ctx context.Context, delay time.Duration, processorID string, payload interface{}) {
	detached := context.WithoutCancel(ctx)
	d.delays.Add(1)
	go func() {
		defer d.delays.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-d.stop:
		}
		_ = d.deliver(detached, processorID, payload)
	}()
}

func (d *Dispatcher) deliver(ctx context.Context, processorID string, payload interface{}) error {
	if err := d.trigger.TriggerProcessor(ctx, processorID, payload); err != nil {
		d.logger.Error().Err(err).Str("processor_id", processorID).Msg("Failed to trigger NiFi processor")
		d.observe("nifi", ResultFailure)
		return err
	}
	d.observe("nifi", ResultSuccess)
	return nil
}

func (d *Dispatcher) observe(target, result string) {
	if d.observer != nil {
		d.observer(target, result)
	}
}

// Close stops the cron jobs, sends delayed and queued notifications and waits for in-flight sends
func (d *Dispatcher) Close(ctx context.Context) error {
	d.stopOnce.Do(func() { close(d.stop) })
	cronCtx := d.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	err := d.Flush(ctx)
	d.delays.Wait()
	_ = d.sends.Wait()
	return err
}
