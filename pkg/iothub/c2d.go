package iothub

import (
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/spotflow/device-sdk-go/pkg/logger"
	"github.com/spotflow/device-sdk-go/pkg/persistence"
)

// NewCloudToDeviceHandler stores inbound cloud-to-device messages into the
// durable inbox. The MQTT message is acknowledged only after the store write
// succeeds, so an unstored message is redelivered by the broker.
func NewCloudToDeviceHandler(
	deviceID string,
	producer *persistence.Sender[persistence.CloudToDeviceMessage],
) Handler {
	prefix := c2dTopic(deviceID)

	return Handler{
		Prefix: prefix,
		OnMessage: func(_ mqtt.Client, msg mqtt.Message) {
			// The topic is formatted like this:
			// devices/{device_id}/messages/devicebound/{property_bag}
			topic := msg.Topic()
			logger.L().Debug("received C2D message", "topic", topic)

			properties, err := parseQuery(topic[len(prefix):])
			if err != nil {
				logger.L().Error("failed parsing cloud-to-device message topic",
					"topic", topic, "error", err)
				return
			}

			record := persistence.CloudToDeviceMessage{
				Content:    msg.Payload(),
				Properties: properties,
			}

			if err := producer.Send(&record); err != nil {
				// The broker redelivers the unacknowledged message later.
				logger.L().Error("cannot store a cloud-to-device message, it will not be processed",
					"error", err)
				return
			}

			msg.Ack()
		},
	}
}
