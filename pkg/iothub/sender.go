package iothub

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/spotflow/device-sdk-go/pkg/errors"
	"github.com/spotflow/device-sdk-go/pkg/logger"
	"github.com/spotflow/device-sdk-go/pkg/persistence"
	"github.com/spotflow/device-sdk-go/pkg/resilience"
)

// fileUploadThreshold routes payloads through file upload instead of MQTT.
// The broker limit is 256 KiB per telemetry message including headers; this is
// coarse but leaves room for the property bag.
const fileUploadThreshold = 250_000

// Sender drains the device-to-cloud outbox one message at a time. Publishing
// at QoS 1 with a single message in flight keeps broker acknowledgments in
// order, so every PUBACK confirms exactly the outbox head.
type Sender struct {
	session  *Session
	topic    string
	consumer *persistence.Consumer
	ack      *persistence.Acknowledger
	uploader *FileUploader
}

// NewSender creates the outbox drain for the session.
func NewSender(
	session *Session,
	consumer *persistence.Consumer,
	ack *persistence.Acknowledger,
	uploader *FileUploader,
) *Sender {
	return &Sender{
		session:  session,
		topic:    publishTopic(session.DeviceID()),
		consumer: consumer,
		ack:      ack,
		uploader: uploader,
	}
}

// Run publishes stored messages until ctx is cancelled.
func (s *Sender) Run(ctx context.Context) {
	logger.L().Debug("sender task is starting")
	defer logger.L().Debug("sender task has ended")

	for {
		msg, ok := s.consumer.Next(ctx)
		if !ok {
			return
		}

		for {
			err := s.publish(ctx, &msg)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return
			}

			// The message stays at the outbox head; pausing here is the
			// backpressure that keeps ordering intact.
			logger.L().Error("unable to publish message, retrying", "id", msg.ID, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectBackoff):
			}
		}

		if err := s.ack.RemoveOldest(); err != nil {
			logger.L().Error(
				"unable to remove acknowledged device-to-cloud message; it may be duplicated and received at a later time",
				"id", msg.ID, "error", err)
		}
	}
}

func (s *Sender) publish(ctx context.Context, msg *persistence.DeviceMessage) error {
	properties := baseProperties(msg)

	content, compressed, err := applyCompression(msg.Content, msg.Compression)
	if err != nil {
		return err
	}
	if compressed {
		properties = append(properties, "content-encoding=br")
	}

	if len(content) > fileUploadThreshold {
		logger.L().Debug("sending message through file upload", "id", msg.ID)
		properties = append(properties, "has-externalized-payload=true")

		// Failures retry forever; a message too big for MQTT can only leave
		// through the upload path, and pausing here is the backpressure.
		var blobName string
		err := resilience.Retry(ctx, resilience.FixedDelay(reconnectBackoff), func(ctx context.Context) error {
			var uploadErr error
			blobName, uploadErr = s.uploader.Upload(ctx, content)
			if uploadErr != nil {
				logger.L().Error("failed uploading file", "error", uploadErr)
			}
			return uploadErr
		})
		if err != nil {
			return err
		}
		content = []byte(fmt.Sprintf(`{"link":%q}`, blobName))
	}

	properties = append(properties, closeProperties(msg.CloseOption)...)

	topic := s.topic + strings.Join(properties, "&")

	logger.L().Debug("sending message", "id", msg.ID)
	token := s.session.Publish(topic, content)
	if !waitToken(ctx, token) {
		return errors.New(errors.CodeUnavailable, "cancelled while publishing", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return errors.New(errors.CodeUnavailable, "unable to publish message", err)
	}

	logger.L().Debug("message sent", "id", msg.ID)
	return nil
}

// baseProperties builds the URL-encoded property bag of a message, in the
// order the Platform expects.
func baseProperties(msg *persistence.DeviceMessage) []string {
	properties := make([]string, 0, 8)

	appendProperty := func(key string, value *string) {
		if value != nil {
			properties = append(properties, encodeProperty(key, *value))
		}
	}

	if msg.StreamGroup == nil {
		logger.L().Info(
			"the stream group of the message is not specified, the default stream group of the current workspace will be filled in by the platform",
			"id", msg.ID)
	}
	appendProperty("stream-group-name", msg.StreamGroup)

	if msg.Stream == nil {
		logger.L().Info(
			"the stream of the message is not specified, the default stream of the current stream group will be filled in by the platform",
			"id", msg.ID)
	}
	appendProperty("stream-name", msg.Stream)

	appendProperty("site-id", msg.SiteID)
	appendProperty("batch-id", msg.BatchID)
	appendProperty("batch-slice-id", msg.BatchSliceID)
	appendProperty("message-id", msg.MessageID)
	appendProperty("chunk-id", msg.ChunkID)

	return properties
}

func closeProperties(option persistence.CloseOption) []string {
	switch option {
	case persistence.CloseBatch:
		return []string{"complete-batch=true"}
	case persistence.CloseBatchOnly:
		return []string{"complete-batch=true", "ignore-payload=true"}
	case persistence.CloseMessageOnly:
		return []string{"complete-message=true", "ignore-payload=true"}
	default:
		return nil
	}
}

// applyCompression compresses content per the message setting and reports
// whether the compressed form is actually used. Compressed bytes replace the
// original only when they are strictly smaller.
func applyCompression(content []byte, compression persistence.Compression) ([]byte, bool, error) {
	quality, compress := compressionQuality(compression)
	if !compress || len(content) == 0 {
		return content, false, nil
	}

	compressed, err := compressPayload(content, quality)
	if err != nil {
		return nil, false, err
	}

	if len(compressed) >= len(content) {
		logger.L().Debug("compressing would not decrease the size, sending uncompressed",
			"original", len(content), "compressed", len(compressed))
		return content, false, nil
	}

	return compressed, true, nil
}

func encodeProperty(key, value string) string {
	// QueryEscape encodes spaces as "+", which the Platform does not decode.
	return key + "=" + strings.ReplaceAll(url.QueryEscape(value), "+", "%20")
}

func compressionQuality(compression persistence.Compression) (int, bool) {
	switch compression {
	case persistence.CompressionBrotliFastest:
		return 1, true
	case persistence.CompressionBrotliSmallest:
		return brotli.BestCompression, true
	default:
		return 0, false
	}
}

func compressPayload(content []byte, quality int) ([]byte, error) {
	var buf bytes.Buffer
	writer := brotli.NewWriterLevel(&buf, quality)
	if _, err := writer.Write(content); err != nil {
		return nil, errors.Wrap(err, "unable to compress message")
	}
	if err := writer.Close(); err != nil {
		return nil, errors.Wrap(err, "unable to compress message")
	}
	return buf.Bytes(), nil
}
