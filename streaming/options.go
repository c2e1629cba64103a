package streaming

import (
	"fmt"
	"time"

	"github.com/danmuck/edgebus/internal/config"
)

const (
	DiscoverPrefix = "_STAN.discover"
	AckPrefix      = "_STAN.acks"
	ProtocolOne    = 1
)

// Option configures a Conn.
type Option func(*Options) error

type Options struct {
	ConnectWait        time.Duration
	PubAckWait         time.Duration
	MaxPubAcksInFlight int
	// PublishRedelivery is how many times an unacknowledged publish is
	// resent with the same guid before Publish fails with ErrAckTimeout.
	PublishRedelivery  int
	Store              DurableStore
	StorePath          string
	DefaultAckWait     time.Duration
	DefaultMaxInFlight int
}

func DefaultOptions() Options {
	return fromConfig(config.DefaultStreaming())
}

func fromConfig(c config.Streaming) Options {
	return Options{
		ConnectWait:        c.ConnectWait,
		PubAckWait:         c.PubAckWait,
		MaxPubAcksInFlight: c.MaxPubAcksInFlight,
		PublishRedelivery:  c.PublishRedelivery,
		StorePath:          c.DurableStorePath,
		DefaultAckWait:     c.AckWait,
		DefaultMaxInFlight: c.MaxInFlight,
	}
}

// WithConfig replaces the options with a loaded [streaming] section.
func WithConfig(c config.Streaming) Option {
	return func(o *Options) error {
		store := o.Store
		*o = fromConfig(c)
		o.Store = store
		return nil
	}
}

func ConnectWait(d time.Duration) Option {
	return func(o *Options) error {
		if d <= 0 {
			return fmt.Errorf("%w: connect wait must be positive", ErrInvalidOption)
		}
		o.ConnectWait = d
		return nil
	}
}

func PubAckWait(d time.Duration) Option {
	return func(o *Options) error {
		if d <= 0 {
			return fmt.Errorf("%w: pub ack wait must be positive", ErrInvalidOption)
		}
		o.PubAckWait = d
		return nil
	}
}

func MaxPubAcksInFlight(n int) Option {
	return func(o *Options) error {
		if n <= 0 {
			return fmt.Errorf("%w: max pub acks in flight must be positive", ErrInvalidOption)
		}
		o.MaxPubAcksInFlight = n
		return nil
	}
}

// WithPublishRedelivery resends an unacknowledged publish up to n times.
// The default 0 surfaces ErrAckTimeout on the first expiry.
func WithPublishRedelivery(n int) Option {
	return func(o *Options) error {
		if n < 0 {
			return fmt.Errorf("%w: publish redelivery must not be negative", ErrInvalidOption)
		}
		o.PublishRedelivery = n
		return nil
	}
}

// WithDurableStore sets the store durable subscriptions resume from. The
// caller keeps ownership and closes it.
func WithDurableStore(s DurableStore) Option {
	return func(o *Options) error {
		o.Store = s
		return nil
	}
}

// SubOption configures one subscription.
type SubOption func(*SubscriptionOptions) error

type SubscriptionOptions struct {
	QueueGroup     string
	DurableName    string
	MaxInFlight    int
	AckWait        time.Duration
	ManualAcks     bool
	StartAt        StartPosition
	StartSequence  uint64
	StartTimeDelta time.Duration
}

func Queue(group string) SubOption {
	return func(o *SubscriptionOptions) error {
		o.QueueGroup = group
		return nil
	}
}

// DurableName makes the subscription resume after its last acknowledged
// sequence across restarts.
func DurableName(name string) SubOption {
	return func(o *SubscriptionOptions) error {
		o.DurableName = name
		return nil
	}
}

func MaxInFlight(n int) SubOption {
	return func(o *SubscriptionOptions) error {
		if n <= 0 {
			return fmt.Errorf("%w: max in flight must be positive", ErrInvalidOption)
		}
		o.MaxInFlight = n
		return nil
	}
}

// AckWait is how long the server waits for an ack before redelivering.
func AckWait(d time.Duration) SubOption {
	return func(o *SubscriptionOptions) error {
		if d < time.Second {
			return fmt.Errorf("%w: ack wait below one second", ErrInvalidOption)
		}
		o.AckWait = d
		return nil
	}
}

func SetManualAckMode() SubOption {
	return func(o *SubscriptionOptions) error {
		o.ManualAcks = true
		return nil
	}
}

func StartAtSequence(seq uint64) SubOption {
	return func(o *SubscriptionOptions) error {
		o.StartAt = StartSequence
		o.StartSequence = seq
		return nil
	}
}

func StartAtTimeDelta(d time.Duration) SubOption {
	return func(o *SubscriptionOptions) error {
		o.StartAt = StartTimeDelta
		o.StartTimeDelta = d
		return nil
	}
}

func StartWithLastReceived() SubOption {
	return func(o *SubscriptionOptions) error {
		o.StartAt = StartLastReceived
		return nil
	}
}

func DeliverAllAvailable() SubOption {
	return func(o *SubscriptionOptions) error {
		o.StartAt = StartFirst
		return nil
	}
}
