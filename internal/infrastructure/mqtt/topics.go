package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes for the Moodrop MQTT namespace.
//
// Device topics use the flat scheme: moodrop/device/{device_id}/{direction}.
// Commands flow Core → device on the command topic; acknowledgements flow
// device → Core on the response topic. The two topics are not correlated by
// the broker; correlation is the orchestrator's job.
const (
	// TopicPrefixDevice is the base for all device topics.
	TopicPrefixDevice = "moodrop/device"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "moodrop/system"
)

// Topics provides builders for Moodrop MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	cmdTopic := topics.DeviceCommand("mx-001")
//	// Returns: "moodrop/device/mx-001/command"
type Topics struct{}

// DeviceCommand returns the topic for commands to a device.
//
// Example: moodrop/device/mx-001/command
func (Topics) DeviceCommand(deviceID string) string {
	return fmt.Sprintf("%s/%s/command", TopicPrefixDevice, deviceID)
}

// DeviceResponse returns the topic a device publishes acknowledgements on.
//
// Example: moodrop/device/mx-001/response
func (Topics) DeviceResponse(deviceID string) string {
	return fmt.Sprintf("%s/%s/response", TopicPrefixDevice, deviceID)
}

// DeviceStatus returns the topic for unsolicited device status broadcasts.
//
// Example: moodrop/device/mx-001/status
func (Topics) DeviceStatus(deviceID string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixDevice, deviceID)
}

// SystemStatus returns the topic for Core online/offline status (LWT).
//
// Example: moodrop/system/status
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// AllDeviceResponses returns a wildcard matching every device response topic.
//
// Example: moodrop/device/+/response
func (Topics) AllDeviceResponses() string {
	return TopicPrefixDevice + "/+/response"
}

// AllDeviceStatus returns a wildcard matching every device status topic.
//
// Example: moodrop/device/+/status
func (Topics) AllDeviceStatus() string {
	return TopicPrefixDevice + "/+/status"
}

// DeviceIDFromTopic extracts the device id from a device-scoped topic.
//
// Returns the empty string if the topic is not under the device prefix or
// has no id segment.
func DeviceIDFromTopic(topic string) string {
	rest, ok := strings.CutPrefix(topic, TopicPrefixDevice+"/")
	if !ok {
		return ""
	}
	id, _, ok := strings.Cut(rest, "/")
	if !ok {
		return ""
	}
	return id
}
