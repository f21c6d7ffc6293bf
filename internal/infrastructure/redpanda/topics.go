package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Topic names used by the ward services.
const (
	TopicAdministrationEvents = "administration.events"
	TopicDeadLetter           = "administration.dead-letter"
)

// TopicSpec describes a topic the services expect.
type TopicSpec struct {
	Name        string
	Partitions  int32
	Retention   time.Duration
	Compression string
}

// configs renders the spec as broker topic configs.
func (s TopicSpec) configs() map[string]*string {
	ptr := func(v string) *string { return &v }
	c := map[string]*string{
		"cleanup.policy": ptr("delete"),
		"retention.ms":   ptr(strconv.FormatInt(s.Retention.Milliseconds(), 10)),
	}
	if s.Compression != "" {
		c["compression.type"] = ptr(s.Compression)
	}
	return c
}

// WardTopics returns the event topic and its dead letter topic. Events are
// keyed by patient, so partitions bound the projection's parallelism.
func WardTopics(partitions int32) []TopicSpec {
	if partitions <= 0 {
		partitions = 6
	}
	return []TopicSpec{
		{Name: TopicAdministrationEvents, Partitions: partitions, Retention: 7 * 24 * time.Hour, Compression: "lz4"},
		{Name: TopicDeadLetter, Partitions: 1, Retention: 30 * 24 * time.Hour},
	}
}

// Admin provides administrative operations for Redpanda
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates a new admin client
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	kgoClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Admin{
		client: kadm.NewClient(kgoClient),
		logger: logger,
	}, nil
}

// EnsureTopics creates every missing topic in specs and returns the names
// it created. Existing topics are left as they are.
func (a *Admin) EnsureTopics(ctx context.Context, specs []TopicSpec, replication int16) ([]string, error) {
	if replication <= 0 {
		replication = 1
	}
	var created []string
	for _, spec := range specs {
		resp, err := a.client.CreateTopics(ctx, spec.Partitions, replication, spec.configs(), spec.Name)
		if err != nil {
			return created, fmt.Errorf("failed to create topic %s: %w", spec.Name, err)
		}
		for _, r := range resp {
			switch {
			case errors.Is(r.Err, kerr.TopicAlreadyExists):
				a.logger.Debug("topic exists", zap.String("topic", r.Topic))
			case r.Err != nil:
				return created, fmt.Errorf("failed to create topic %s: %w", r.Topic, r.Err)
			default:
				a.logger.Info("topic created",
					zap.String("topic", r.Topic),
					zap.Int32("partitions", spec.Partitions),
					zap.Int16("replication", replication))
				created = append(created, r.Topic)
			}
		}
	}
	return created, nil
}

// ListTopics lists all topics, sorted
func (a *Admin) ListTopics(ctx context.Context) ([]string, error) {
	topics, err := a.client.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}

	names := topics.Names()
	sort.Strings(names)
	return names, nil
}

// PartitionLag is the unconsumed backlog of one partition.
type PartitionLag struct {
	Topic     string
	Partition int32
	Lag       int64
}

// GroupLag returns the group's lag per partition, ordered by topic and
// partition.
func (a *Admin) GroupLag(ctx context.Context, groupID string) ([]PartitionLag, error) {
	described, err := a.client.Lag(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer group lag: %w", err)
	}

	var out []PartitionLag
	described.Each(func(l kadm.DescribedGroupLag) {
		for topic, partitions := range l.Lag {
			for partition, lag := range partitions {
				out = append(out, PartitionLag{Topic: topic, Partition: partition, Lag: lag.Lag})
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Partition < out[j].Partition
	})
	return out, nil
}

// Close closes the admin client
func (a *Admin) Close() {
	a.client.Close()
}
