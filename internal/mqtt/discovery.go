package mqtt

import (
	"strings"
	"time"
)

// discoveryMessage is one retained Home Assistant discovery config.
type discoveryMessage struct {
	Topic   string
	Payload []byte
}

// buildDiscovery builds the Home Assistant MQTT discovery config for one
// light, keyed by its hardware address.
func buildDiscovery(prefix, addr string) discoveryMessage {
	name := topicName(addr)
	id := "bluelightd_" + strings.ToLower(name)
	cfg := map[string]any{
		"name":               addr,
		"unique_id":          id,
		"schema":             "json",
		"state_topic":        prefix + "/" + name + "/state",
		"command_topic":      prefix + "/" + name + "/set",
		"availability_topic": prefix + "/bridge/state",
		"brightness":         true,
		"color_mode":         true,
		"supported_color_modes": []string{
			"rgb",
		},
		"device": map[string]any{
			"identifiers": []string{id},
			"name":        addr,
			"via_device":  "bluelightd",
		},
	}
	return discoveryMessage{
		Topic:   "homeassistant/light/" + id + "/config",
		Payload: mustJSON(cfg),
	}
}

// publishDiscovery announces a device to Home Assistant. Idempotent: the
// config is retained and re-published on every connect.
func (b *Bridge) publishDiscovery(addr string) {
	msg := buildDiscovery(b.prefix, addr)
	b.publish(msg.Topic, msg.Payload, true)
	b.logger.Info("published HA discovery", "addr", addr)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}
