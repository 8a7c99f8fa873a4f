package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/cpstats-sync/internal/config"
	"github.com/cpstats-sync/internal/domain"
)

// Request types carried on the sync-request topic
const (
	RequestCycle   = "cycle"
	RequestAccount = "account"
)

// SyncRequest is the message format of the sync-request topic
type SyncRequest struct {
	Type      string `json:"type"`
	AccountID string `json:"account_id,omitempty"`
}

// Validate checks the request shape
func (r SyncRequest) Validate() error {
	switch r.Type {
	case RequestCycle:
		return nil
	case RequestAccount:
		if r.AccountID == "" {
			return fmt.Errorf("%w: account request without account_id", domain.ErrInvalidRequest)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown request type %q", domain.ErrInvalidRequest, r.Type)
	}
}

// SyncHandler runs the synchronization requested by a message
type SyncHandler interface {
	RunSyncCycle(ctx context.Context) (domain.CycleSummary, error)
	SyncAccount(ctx context.Context, accountID string) (*domain.PlatformAccount, error)
}

// Consumer consumes sync requests from Kafka
type Consumer struct {
	config        *config.KafkaConfig
	handler       SyncHandler
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	ready         chan bool
	sleep         func(context.Context, time.Duration) error
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, handler SyncHandler, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		config:        cfg,
		handler:       handler,
		logger:        logger,
		consumerGroup: consumerGroup,
		ctx:           ctx,
		cancel:        cancel,
		ready:         make(chan bool),
		sleep:         sleepContext,
	}, nil
}

// Start begins consuming messages from Kafka
func (c *Consumer) Start() error {
	c.logger.Info("starting Kafka consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.Topic,
		"group_id", c.config.GroupID,
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			handler := &consumerGroupHandler{
				consumer: c,
				ready:    c.ready,
			}

			if err := c.consumerGroup.Consume(c.ctx, []string{c.config.Topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.Error("error from consumer", "error", err)
			}

			if c.ctx.Err() != nil {
				return
			}

			c.ready = make(chan bool)
		}
	}()

	// Wait until consumer is ready
	select {
	case <-c.ready:
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
	c.logger.Info("Kafka consumer ready")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				c.logger.Error("consumer group error", "error", err)
			}
		}
	}()

	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.logger.Info("stopping Kafka consumer")
	c.cancel()
	c.wg.Wait()
	return c.consumerGroup.Close()
}

// handle decodes one message and dispatches it. Requests that fail on
// transient errors are retried; everything else is logged and dropped so a
// poison message never blocks the partition.
func (c *Consumer) handle(ctx context.Context, value []byte) error {
	var req SyncRequest
	if err := json.Unmarshal(value, &req); err != nil {
		return fmt.Errorf("%w: decoding sync request: %w", domain.ErrInvalidRequest, err)
	}
	if err := req.Validate(); err != nil {
		return err
	}

	attempts := max(c.config.RetryAttempts, 1)
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = c.dispatch(ctx, req); err == nil || !retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		c.logger.Warn("sync request failed, retrying",
			"type", req.Type,
			"account_id", req.AccountID,
			"attempt", attempt,
			"error", err,
		)
		if serr := c.sleep(ctx, c.config.RetryDelay); serr != nil {
			return serr
		}
	}
	return err
}

func (c *Consumer) dispatch(ctx context.Context, req SyncRequest) error {
	switch req.Type {
	case RequestAccount:
		account, err := c.handler.SyncAccount(ctx, req.AccountID)
		if err != nil {
			return fmt.Errorf("syncing account %s: %w", req.AccountID, err)
		}
		c.logger.Debug("account sync request processed",
			"account_id", account.ID,
			"sync_status", account.SyncStatus,
		)
	default:
		summary, err := c.handler.RunSyncCycle(ctx)
		if err != nil {
			return fmt.Errorf("running sync cycle: %w", err)
		}
		c.logger.Debug("cycle sync request processed",
			"total", summary.Total,
			"success", summary.Success,
			"error", summary.Error,
		)
	}
	return nil
}

// retryable reports whether a failed request may succeed on redelivery.
// A busy cycle or a leased account means the work is already happening.
func retryable(err error) bool {
	switch {
	case errors.Is(err, domain.ErrCycleInProgress),
		errors.Is(err, domain.ErrAccountLeased),
		errors.Is(err, domain.ErrAccountNotFound),
		errors.Is(err, domain.ErrInvalidRequest):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
	ready    chan bool
}

// Setup is called at the beginning of a new session
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	close(h.ready)
	return nil
}

// Cleanup is called at the end of a session
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim processes messages from a topic partition. Requests are
// handled one at a time; the sync worker bounds its own concurrency.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil

		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			if err := h.consumer.handle(session.Context(), message.Value); err != nil {
				if errors.Is(err, domain.ErrCycleInProgress) || errors.Is(err, domain.ErrAccountLeased) {
					h.consumer.logger.Debug("sync request already in progress", "error", err, "offset", message.Offset)
				} else {
					h.consumer.logger.Warn("failed to process sync request",
						"error", err,
						"offset", message.Offset,
						"partition", message.Partition,
					)
				}
			}
			session.MarkMessage(message, "")
		}
	}
}
