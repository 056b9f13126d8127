// Package mqtt provides MQTT client connectivity for Moodrop Core.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// Moodrop uses MQTT as the transport between Core and the physical
// fragrance-mixing devices. The channel is fire-and-forget: a command is
// published on a device's command topic and an acknowledgement may (or may
// not) arrive later on its response topic. Correlating the two is the
// orchestrator's responsibility; this package only moves bytes.
//
//	Moodrop Core ↔ MQTT Broker ↔ Mixing Devices
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Subscribe to all device acknowledgements
//	err = client.Subscribe(mqtt.Topics{}.AllDeviceResponses(), 1,
//	    func(topic string, payload []byte) error {
//	        return orch.HandleInbound(topic, payload)
//	    })
//
//	// Publish a command
//	topic := mqtt.Topics{}.DeviceCommand("mx-001")
//	client.Publish(topic, payload, 1, false)
package mqtt
