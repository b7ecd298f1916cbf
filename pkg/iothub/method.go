package iothub

import (
	"context"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/spotflow/device-sdk-go/pkg/logger"
)

// DirectMethodHandler runs a direct method invoked by the Platform and returns
// the status code and response payload to publish back. It runs on a
// dedicated goroutine, so it may block without stalling the SDK.
type DirectMethodHandler func(method string, payload []byte) (status int, response []byte)

const methodQueueCapacity = 50

type methodInvocation struct {
	methodName string
	requestID  string
	payload    []byte
}

// DirectMethodDispatcher accepts direct method calls from MQTT, acknowledges
// them, and invokes the user handler one call at a time. Panics in the handler
// are caught and logged; the response is then skipped.
type DirectMethodDispatcher struct {
	handler DirectMethodHandler
	queue   chan methodInvocation
}

// NewDirectMethodDispatcher creates the dispatcher. The worker starts with
// Run once the session exists.
func NewDirectMethodDispatcher(handler DirectMethodHandler) *DirectMethodDispatcher {
	return &DirectMethodDispatcher{
		handler: handler,
		queue:   make(chan methodInvocation, methodQueueCapacity),
	}
}

// Run invokes queued method calls and publishes their responses until ctx is
// cancelled.
func (d *DirectMethodDispatcher) Run(ctx context.Context, session *Session) {
	logger.L().Debug("direct method processing worker is starting")
	defer logger.L().Debug("direct method processing worker is stopping")

	for {
		select {
		case <-ctx.Done():
			return
		case invocation := <-d.queue:
			status, response, ok := invokeMethod(d.handler, invocation)
			if !ok {
				continue
			}
			// Best effort; an unanswered call times out on the Platform side.
			session.Publish(methodResponseTopic(status, invocation.requestID), response)
		}
	}
}

func invokeMethod(handler DirectMethodHandler, invocation methodInvocation) (status int, response []byte, ok bool) {
	defer func() {
		if cause := recover(); cause != nil {
			logger.L().Error("direct method processing failed with panic",
				"method", invocation.methodName, "cause", cause)
			ok = false
		}
	}()

	status, response = handler(invocation.methodName, invocation.payload)
	return status, response, true
}

// Handler returns the topic handler the session must subscribe for direct
// method calls.
func (d *DirectMethodDispatcher) Handler() Handler {
	return Handler{
		Prefix:    methodsPrefix,
		OnMessage: d.onMessage,
	}
}

func (d *DirectMethodDispatcher) onMessage(_ mqtt.Client, msg mqtt.Message) {
	// The topic is formatted like this:
	// $iothub/methods/POST/{method name}/?$rid={request id}
	// The method name itself may contain slashes, so the request ID part is
	// found from the right.
	topic := msg.Topic()
	logger.L().Debug("received direct method call", "topic", topic)

	withoutPrefix := topic[len(methodsPrefix):]
	lastSlash := strings.LastIndex(withoutPrefix, "/")
	if lastSlash < 0 {
		logger.L().Error("invalid direct method call topic", "topic", topic)
		return
	}
	methodName := withoutPrefix[:lastSlash]

	// Skip the slash and the leading question mark.
	properties, err := parseQuery(withoutPrefix[lastSlash+2:])
	if err != nil {
		logger.L().Error("failed parsing method call topic", "topic", topic, "error", err)
		return
	}

	requestID, ok := properties["$rid"]
	if !ok {
		logger.L().Error("request ID is missing in method call", "topic", topic)
		return
	}

	// Acknowledge before running; method calls are not retryable.
	msg.Ack()

	logger.L().Debug("invoking method", "method", methodName)

	select {
	case d.queue <- methodInvocation{methodName: methodName, requestID: requestID, payload: msg.Payload()}:
	default:
		logger.L().Warn("received unexpectedly many direct method calls before they could be processed, ignoring call",
			"method", methodName, "rid", requestID)
	}
}
