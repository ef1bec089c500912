// Package publish mirrors register snapshots onto an MQTT broker.
// Every register gets a retained state topic; writable registers
// accept commands on a matching set topic.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"modbus-manager/internal/poll"
	"modbus-manager/internal/registry"
)

// Options configures the MQTT publisher.
type Options struct {
	Broker   string // e.g. tcp://127.0.0.1:1883
	ClientID string
	Username string
	Password string

	// TopicBase prefixes every topic. Defaults to "modbus-manager".
	TopicBase string
	QoS       byte
	Retain    bool

	// ReannounceAfter republishes unchanged values after this long.
	// Defaults to one hour.
	ReannounceAfter time.Duration

	Log *zap.Logger
}

// WriteFunc handles a command received on a set topic.
type WriteFunc func(ctx context.Context, hub string, slave uint8, uniqueID string, value any) error

// Publisher pushes snapshots to MQTT and relays set commands back.
type Publisher struct {
	client mqtt.Client
	base   string
	qos    byte
	retain bool
	cache  *payloadCache
	log    *zap.Logger
}

type statePayload struct {
	Value     any     `json:"value"`
	Raw       float64 `json:"raw"`
	Numeric   float64 `json:"numeric"`
	Unit      string  `json:"unit,omitempty"`
	Name      string  `json:"name,omitempty"`
	Available bool    `json:"available"`
	At        string  `json:"at"`
}

// Connect dials the broker and returns a ready publisher. The hub
// status topic carries an MQTT will so consumers see "offline" when
// the process dies with the connection.
func Connect(opts Options) (*Publisher, error) {
	base := opts.TopicBase
	if base == "" {
		base = "modbus-manager"
	}
	clientID := opts.ClientID
	if clientID == "" {
		clientID = "modbus-manager"
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}

	conf := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetWill(base+"/status", "offline", opts.QoS, true)
	if opts.Username != "" {
		conf.SetUsername(opts.Username)
		conf.SetPassword(opts.Password)
	}
	conf.OnConnect = func(client mqtt.Client) {
		client.Publish(base+"/status", opts.QoS, true, "online")
		log.Info("mqtt connected", zap.String("broker", opts.Broker))
	}
	conf.OnConnectionLost = func(client mqtt.Client, err error) {
		log.Warn("mqtt connection lost", zap.Error(err))
	}

	client := mqtt.NewClient(conf)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect mqtt %s: %w", opts.Broker, token.Error())
	}
	return New(client, opts), nil
}

// New wraps an already connected client. Used directly in tests and by
// hosts that manage their own MQTT connection.
func New(client mqtt.Client, opts Options) *Publisher {
	base := opts.TopicBase
	if base == "" {
		base = "modbus-manager"
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{
		client: client,
		base:   base,
		qos:    opts.QoS,
		retain: opts.Retain,
		cache:  newPayloadCache(opts.ReannounceAfter),
		log:    log,
	}
}

// PublishSnapshot pushes every reading of a snapshot. Values that did
// not change since the last publish are skipped until the re-announce
// period lapses.
func (p *Publisher) PublishSnapshot(hub string, defs []*registry.Definition, snap *poll.Snapshot) {
	byKey := make(map[poll.Key]*registry.Definition, len(defs))
	for _, def := range defs {
		byKey[poll.Key{SlaveID: def.SlaveID, UniqueID: def.UniqueID}] = def
	}

	for key, reading := range snap.Readings {
		def, ok := byKey[key]
		if !ok {
			continue
		}
		topic := p.stateTopic(hub, key.SlaveID, key.UniqueID)
		payload, err := encodePayload(def, reading)
		if err != nil {
			p.log.Warn("encode payload failed", zap.String("register", key.UniqueID), zap.Error(err))
			continue
		}
		if p.cache.seen(topic, payload) {
			continue
		}
		token := p.client.Publish(topic, p.qos, p.retain, []byte(payload))
		if token.Wait() && token.Error() != nil {
			p.log.Warn("publish failed", zap.String("topic", topic), zap.Error(token.Error()))
			continue
		}
		p.cache.remember(topic, payload)
	}
}

// EnableWrites subscribes to the set topics below the base and relays
// parsed commands to fn. Topic layout: base/<hub>/<slave>/<unique_id>/set.
func (p *Publisher) EnableWrites(fn WriteFunc) error {
	filter := p.base + "/+/+/+/set"
	token := p.client.Subscribe(filter, p.qos, func(_ mqtt.Client, msg mqtt.Message) {
		hub, slave, uniqueID, err := p.parseSetTopic(msg.Topic())
		if err != nil {
			p.log.Warn("ignoring command", zap.String("topic", msg.Topic()), zap.Error(err))
			return
		}
		value := parseCommand(msg.Payload())
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := fn(ctx, hub, slave, uniqueID, value); err != nil {
			p.log.Warn("command write failed",
				zap.String("hub", hub),
				zap.Uint8("slave", slave),
				zap.String("register", uniqueID),
				zap.Error(err))
		}
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", filter, token.Error())
	}
	p.log.Info("command topics enabled", zap.String("filter", filter))
	return nil
}

// Close announces offline and disconnects.
func (p *Publisher) Close() {
	token := p.client.Publish(p.base+"/status", p.qos, true, "offline")
	token.WaitTimeout(time.Second)
	p.client.Disconnect(250)
}

func (p *Publisher) stateTopic(hub string, slave uint8, uniqueID string) string {
	return fmt.Sprintf("%s/%s/%d/%s/state", p.base, hub, slave, uniqueID)
}

func (p *Publisher) parseSetTopic(topic string) (hub string, slave uint8, uniqueID string, err error) {
	rest, ok := strings.CutPrefix(topic, p.base+"/")
	if !ok {
		return "", 0, "", fmt.Errorf("topic %s outside base %s", topic, p.base)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 4 || parts[3] != "set" {
		return "", 0, "", fmt.Errorf("malformed set topic %s", topic)
	}
	id, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil {
		return "", 0, "", fmt.Errorf("slave id in topic %s: %w", topic, err)
	}
	return parts[0], uint8(id), parts[2], nil
}

func encodePayload(def *registry.Definition, reading poll.Reading) (string, error) {
	payload := statePayload{
		Value:     reading.Value.Processed,
		Raw:       reading.Value.Raw,
		Numeric:   reading.Value.Numeric,
		Unit:      def.Unit,
		Name:      def.Name,
		Available: reading.Available,
		At:        reading.At.UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// parseCommand maps a raw MQTT payload to the write value domain:
// numbers for number/select controls, booleans for switches, anything
// else stays a string.
func parseCommand(payload []byte) any {
	s := strings.TrimSpace(string(payload))
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	switch strings.ToLower(s) {
	case "true", "on":
		return true
	case "false", "off":
		return false
	}
	return s
}
