// Package iothub runs the MQTT side of the Device SDK: the broker session,
// the outbound sender draining the message outbox, the twin middleware, and
// the handlers for cloud-to-device messages and direct method calls.
package iothub

import "fmt"

const (
	methodsPrefix                 = "$iothub/methods/POST/"
	twinResponsePrefix            = "$iothub/twin/res/"
	updateDesiredPropertiesPrefix = "$iothub/twin/PATCH/properties/desired/"
	apiVersion                    = "2018-06-30"
	fileUploadAPIVersion          = "2020-03-13"
	brokerPort                    = 8883
)

func publishTopic(deviceID string) string {
	return fmt.Sprintf("devices/%s/messages/events/", deviceID)
}

func c2dTopic(deviceID string) string {
	return fmt.Sprintf("devices/%s/messages/devicebound/", deviceID)
}

func methodResponseTopic(status int, requestID string) string {
	return fmt.Sprintf("$iothub/methods/res/%d/?$rid=%s", status, requestID)
}

func patchReportedPropertiesTopic(requestID string) string {
	return fmt.Sprintf("$iothub/twin/PATCH/properties/reported/?$rid=%s", requestID)
}

func getTwinsTopic(requestID string) string {
	return fmt.Sprintf("$iothub/twin/GET/?$rid=%s", requestID)
}
