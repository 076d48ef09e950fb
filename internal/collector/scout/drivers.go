package scout

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/IBM/sarama"
	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// RawPost is one unparsed item from a feed.
type RawPost struct {
	Text     string     `json:"text"`
	PostedAt time.Time  `json:"posted_at"`
	Lat      *float64   `json:"lat,omitempty"`
	Lon      *float64   `json:"lon,omitempty"`
}

// Driver produces raw posts onto out until ctx is canceled. One-shot
// drivers (replay) return nil after exhausting their input.
type Driver interface {
	Name() string
	Run(ctx context.Context, out chan<- RawPost) error
}

// ReplayDriver replays a recorded scenario file.
type ReplayDriver struct {
	Path string
}

func (d *ReplayDriver) Name() string { return "replay" }

func (d *ReplayDriver) Run(ctx context.Context, out chan<- RawPost) error {
	data, err := os.ReadFile(d.Path)
	if err != nil {
		return err
	}
	var posts []RawPost
	if err := json.Unmarshal(data, &posts); err != nil {
		return fmt.Errorf("replay: decode %s: %w", d.Path, err)
	}
	for _, p := range posts {
		select {
		case out <- p:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// dedupeCacheSize bounds the recently-seen window for polled feeds.
const dedupeCacheSize = 4096

// HTTPDriver polls a JSON feed of posts, deduplicating by text hash so
// overlapping poll windows do not double-report.
type HTTPDriver struct {
	URL      string
	Client   *http.Client
	Interval time.Duration
	Log      zerolog.Logger
}

func (d *HTTPDriver) Name() string { return "http" }

func (d *HTTPDriver) Run(ctx context.Context, out chan<- RawPost) error {
	interval := d.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	seen, err := lru.New[uint64, struct{}](dedupeCacheSize)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := d.pollOnce(ctx, out, seen); err != nil {
			d.Log.Warn().Err(err).Str("url", d.URL).Msg("feed poll failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *HTTPDriver) pollOnce(ctx context.Context, out chan<- RawPost, seen *lru.Cache[uint64, struct{}]) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return err
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("feed status %d", resp.StatusCode)
	}

	var feed struct {
		Posts []RawPost `json:"posts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return err
	}
	for _, p := range feed.Posts {
		key := xxhash.Sum64String(p.Text)
		if _, dup := seen.Get(key); dup {
			continue
		}
		seen.Add(key, struct{}{})
		select {
		case out <- p:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// KafkaDriver consumes posts from a Kafka topic via a consumer group.
type KafkaDriver struct {
	Brokers []string
	Topic   string
	GroupID string
	Log     zerolog.Logger
}

func (d *KafkaDriver) Name() string { return "kafka" }

func (d *KafkaDriver) Run(ctx context.Context, out chan<- RawPost) error {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(d.Brokers, d.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	handler := &groupHandler{out: out}
	d.Log.Info().Strs("brokers", d.Brokers).Str("topic", d.Topic).
		Str("group", d.GroupID).Msg("scout kafka consumer starting")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if err := group.Consume(ctx, []string{d.Topic}, handler); err != nil {
				d.Log.Error().Err(err).Str("topic", d.Topic).Msg("kafka consumer error")
				time.Sleep(2 * time.Second)
			}
		}
	}
}

type groupHandler struct {
	out chan<- RawPost
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("claim context done: %w", ctx.Err())
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			var p RawPost
			if err := json.Unmarshal(msg.Value, &p); err != nil {
				// malformed posts are skipped, not fatal
				sess.MarkMessage(msg, "")
				continue
			}
			select {
			case h.out <- p:
			case <-ctx.Done():
				return ctx.Err()
			}
			sess.MarkMessage(msg, "")
		}
	}
}
