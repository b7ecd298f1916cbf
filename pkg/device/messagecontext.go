package device

import "github.com/spotflow/device-sdk-go/pkg/persistence"

// Compression selects the codec for sending messages.
type Compression int

const (
	// CompressionNone sends payloads as they are.
	CompressionNone Compression = iota
	// CompressionFastest compresses with the fastest algorithm settings.
	CompressionFastest
	// CompressionSmallestSize compresses for the smallest size. This may be
	// significantly slower than the fastest setting; measure before using it
	// in production.
	CompressionSmallestSize
)

func (c Compression) persisted() persistence.Compression {
	switch c {
	case CompressionFastest:
		return persistence.CompressionBrotliFastest
	case CompressionSmallestSize:
		return persistence.CompressionBrotliSmallest
	default:
		return persistence.CompressionNone
	}
}

// MessageContext is a set of options for sending messages to a stream.
type MessageContext struct {
	streamGroup *string
	stream      *string
	compression Compression
}

// NewMessageContext creates a context for the provided stream group and
// stream. Either may be nil to use the workspace defaults.
func NewMessageContext(streamGroup, stream *string) *MessageContext {
	return &MessageContext{streamGroup: streamGroup, stream: stream}
}

// StreamGroup returns the stream group messages are sent to.
func (c *MessageContext) StreamGroup() *string { return c.streamGroup }

// SetStreamGroup changes the stream group messages are sent to.
func (c *MessageContext) SetStreamGroup(streamGroup *string) { c.streamGroup = streamGroup }

// Stream returns the stream messages are sent to.
func (c *MessageContext) Stream() *string { return c.stream }

// SetStream changes the stream messages are sent to.
func (c *MessageContext) SetStream(stream *string) { c.stream = stream }

// Compression returns the compression used for sending messages.
func (c *MessageContext) Compression() Compression { return c.compression }

// SetCompression changes the compression used for sending messages.
func (c *MessageContext) SetCompression(compression Compression) { c.compression = compression }
