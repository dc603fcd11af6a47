// Package mqtt bridges the daemon to an MQTT broker: device state is
// published as retained JSON per device, and <prefix>/<addr>/set topics
// accept commands that are routed through the dispatcher like any local
// client's. Bridge commands therefore reset the idle timer; passive state
// publishing does not.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"bluelightd/internal/daemon"
	"bluelightd/internal/protocol"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Dispatcher executes one decoded request.
type Dispatcher interface {
	Dispatch(ctx context.Context, req protocol.Request) protocol.Response
}

// Bridge connects the daemon to an MQTT broker.
type Bridge struct {
	client     pahomqtt.Client
	events     *daemon.EventBus
	dispatcher Dispatcher
	prefix     string
	logger     *slog.Logger
	unsub      func()

	// Per-device state accumulator.
	mu     sync.Mutex
	states map[string]map[string]any
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(events *daemon.EventBus, d Dispatcher, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		events:     events,
		dispatcher: d,
		prefix:     cfg.TopicPrefix,
		logger:     logger.With("component", "mqtt"),
		states:     make(map[string]map[string]any),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("bluelightd").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to daemon events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.events.OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event daemon.Event) {
	switch event.Type {
	case daemon.EventStateChanged:
		data, ok := event.Data.(map[string]interface{})
		if !ok {
			return
		}
		addr, _ := data["addr"].(string)
		attr, _ := data["attr"].(string)
		if addr == "" || attr == "" {
			return
		}
		b.updateAndPublishState(addr, attr, data["value"])

	case daemon.EventDeviceConnected:
		if addr := eventAddr(event); addr != "" {
			b.publishDiscovery(addr)
			b.updateAndPublishState(addr, "connection", "connected")
		}

	case daemon.EventDeviceDisconnected:
		if addr := eventAddr(event); addr != "" {
			b.updateAndPublishState(addr, "connection", "disconnected")
		}

	case daemon.EventDaemonState:
		if state, ok := event.Data.(string); ok && state == "shutting_down" {
			b.publishBridgeState("offline")
		}
	}
}

func eventAddr(event daemon.Event) string {
	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return ""
	}
	addr, _ := data["addr"].(string)
	return addr
}

func (b *Bridge) updateAndPublishState(addr, prop string, value any) {
	b.mu.Lock()
	state, ok := b.states[addr]
	if !ok {
		state = make(map[string]any)
		b.states[addr] = state
	}
	state[prop] = value
	state["last_seen"] = time.Now().Format(time.RFC3339)
	payload := mustJSON(state)
	b.mu.Unlock()

	b.publish(b.prefix+"/"+topicName(addr)+"/state", payload, true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) subscribeCommands() {
	topic := b.prefix + "/+/set"
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(msg.Topic(), msg.Payload())
	})
}

// command is the JSON body accepted on <prefix>/<addr>/set. Absent fields
// are left untouched on the device.
type command struct {
	Power      *bool     `json:"power,omitempty"`
	Brightness *float64  `json:"brightness,omitempty"`
	Color      *[3]uint8 `json:"color,omitempty"`
}

func (b *Bridge) handleCommand(topic string, payload []byte) {
	addr, err := addrFromTopic(b.prefix, topic)
	if err != nil {
		b.logger.Warn("command on unparseable topic", "topic", topic, "err", err)
		return
	}

	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warn("invalid command JSON", "addr", addr, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	for _, req := range buildRequests(addr, cmd) {
		resp := b.dispatcher.Dispatch(ctx, req)
		if resp.Status != protocol.StatusOK {
			b.logger.Warn("bridge command failed", "addr", addr, "op", req.Op.String(), "status", resp.Status.String())
			return
		}
	}
}

// buildRequests translates one command body into the requests to dispatch,
// in a fixed order so combined commands behave predictably.
func buildRequests(addr protocol.Addr, cmd command) []protocol.Request {
	var reqs []protocol.Request
	if cmd.Power != nil {
		v := byte(0)
		if *cmd.Power {
			v = 1
		}
		reqs = append(reqs, protocol.Request{Addr: addr, Op: protocol.OpSetPower, Payload: []byte{v}})
	}
	if cmd.Brightness != nil {
		level := *cmd.Brightness
		if level < 0 {
			level = 0
		}
		if level > 255 {
			level = 255
		}
		reqs = append(reqs, protocol.Request{Addr: addr, Op: protocol.OpSetBrightness, Payload: []byte{uint8(level)}})
	}
	if cmd.Color != nil {
		c := *cmd.Color
		reqs = append(reqs, protocol.Request{Addr: addr, Op: protocol.OpSetColor, Payload: []byte{c[0], c[1], c[2]}})
	}
	return reqs
}

// addrFromTopic extracts the device address from <prefix>/<addr>/set.
func addrFromTopic(prefix, topic string) (protocol.Addr, error) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return protocol.Addr{}, fmt.Errorf("topic outside prefix %q", prefix)
	}
	name, ok := strings.CutSuffix(rest, "/set")
	if !ok || strings.Contains(name, "/") {
		return protocol.Addr{}, fmt.Errorf("not a command topic")
	}
	return protocol.ParseAddr(strings.ReplaceAll(name, "_", ":"))
}

// topicName flattens an address into a topic segment; colons are not
// usable in MQTT topic names by convention.
func topicName(addr string) string {
	return strings.ReplaceAll(addr, ":", "_")
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
