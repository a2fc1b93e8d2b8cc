// Package mqtt provides the MQTT transport used by the OVMS bridge.
//
// This package manages:
//   - Connection to the broker with TLS and Last Will support
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Topic filter validation and matching helpers
//
// # Architecture
//
// The client is deliberately passive about reconnection. paho's automatic
// reconnect is turned off; the OVMS session observes lost connections
// through SetOnConnectionLost and drives a bounded reconnect loop itself.
//
//	OVMS module ↔ MQTT broker ↔ Client ↔ ovms.Session
//
// # Security Considerations
//
//   - Port 8883 (or broker.tls=true) selects ssl:// with TLS 1.2 minimum
//   - Certificate verification can be disabled for self-signed brokers
//     via mqtt.broker.verify_tls=false; it is on by default
//
// # Usage
//
//	client := mqtt.New(cfg.MQTT, "", &mqtt.Will{
//	    Topic: "ovms/me/KONA/status", Payload: "offline", QoS: 1, Retained: true,
//	})
//	client.SetMessageHandler(func(topic string, payload []byte) error {
//	    log.Printf("%s = %s", topic, payload)
//	    return nil
//	})
//	if err := client.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	_ = client.Subscribe("ovms/me/KONA/#", 1, nil)
package mqtt
