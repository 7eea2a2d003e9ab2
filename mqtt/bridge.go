// Package mqtt exposes the valve controller over an MQTT broker: retained
// JSON state on every status publish, the operation phase as it changes, and
// command topics that translate into coordinator operations.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/vgreco/go-galcon-bridge/coordinator"
	"github.com/vgreco/go-galcon-bridge/galcon"
)

const (
	connectRetryDelay = 5 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 250 // milliseconds, paho's Disconnect unit
)

// Config is the broker section of the YAML config file.
type Config struct {
	Broker      string `yaml:"broker"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	KeepAlive   int    `yaml:"keep_alive"`
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 1883
	}
	if c.ClientID == "" {
		c.ClientID = "galcon-bridge"
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "galcon"
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = 60
	}
}

// state is the retained JSON document published on every status update.
type state struct {
	ValveOpen            bool   `json:"valve_open"`
	ManualOpen           bool   `json:"manual_open"`
	TimeRemainingSeconds int    `json:"time_remaining_seconds"`
	BatteryLevel         *uint8 `json:"battery_level,omitempty"`
	Reachable            bool   `json:"reachable"`
	PollingEnabled       bool   `json:"polling_enabled"`
	DefaultDuration      int    `json:"default_duration_minutes"`
	LastIrrigationStart  string `json:"last_irrigation_start,omitempty"`
	LastIrrigationLength int    `json:"last_irrigation_minutes,omitempty"`
}

// Bridge wires a coordinator to an MQTT broker. It only ever calls the
// coordinator's public operations and accessors.
type Bridge struct {
	client      paho.Client
	coordinator *coordinator.Coordinator
	prefix      string
}

// NewBridge builds the bridge and registers it on the coordinator's listener
// lists. The broker connection is not attempted until Run.
func NewBridge(cfg Config, c *coordinator.Coordinator) *Bridge {
	cfg.applyDefaults()

	b := &Bridge{
		coordinator: c,
		prefix:      strings.TrimSuffix(cfg.TopicPrefix, "/"),
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(time.Duration(cfg.KeepAlive) * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetWill(b.topic("availability"), "offline", 1, true)

	opts.SetOnConnectHandler(func(client paho.Client) {
		log.Info().Str("Broker", cfg.Broker).Msg("mqtt: connected")

		if token := client.Publish(b.topic("availability"), 1, true, "online"); token.Wait() && token.Error() != nil {
			log.Warn().Err(token.Error()).Msg("mqtt: cannot publish availability")
		}

		b.subscribe(client)
	})

	opts.SetConnectionLostHandler(func(client paho.Client, err error) {
		log.Warn().Err(err).Msg("mqtt: connection lost")
	})

	b.client = paho.NewClient(opts)

	c.RegisterStatusListener(b.onStatus)
	c.RegisterPhaseListener(b.onPhase)

	return b
}

func (b *Bridge) topic(suffix string) string {
	return b.prefix + "/" + suffix
}

// Run connects to the broker, retrying until the context is cancelled, then
// blocks for the daemon's lifetime. On shutdown the availability topic is
// flipped to offline before disconnecting, so the LWT never has to fire for
// a clean exit.
func (b *Bridge) Run(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		if token := b.client.Connect(); token.Wait() && token.Error() == nil {
			break
		} else {
			log.Warn().
				Int("Attempt", attempt).
				Err(token.Error()).
				Msg("mqtt: broker connection failed, retrying")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(connectRetryDelay):
		}
	}

	<-ctx.Done()

	if b.client.IsConnected() {
		if token := b.client.Publish(b.topic("availability"), 1, true, "offline"); token.WaitTimeout(publishTimeout) && token.Error() != nil {
			log.Warn().Err(token.Error()).Msg("mqtt: cannot publish offline availability")
		}
		b.client.Disconnect(disconnectQuiesce)
	}

	return nil
}

func (b *Bridge) subscribe(client paho.Client) {
	handlers := map[string]paho.MessageHandler{
		b.topic("command/open"):     b.onOpenCommand,
		b.topic("command/close"):    b.onCloseCommand,
		b.topic("command/duration"): b.onDurationCommand,
		b.topic("command/polling"):  b.onPollingCommand,
	}

	for topic, handler := range handlers {
		if token := client.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
			log.Error().Str("Topic", topic).Err(token.Error()).Msg("mqtt: subscribe failed")
		} else {
			log.Debug().Str("Topic", topic).Msg("mqtt: subscribed")
		}
	}
}

// onStatus publishes the retained state document. Runs on the coordinator's
// listener path, so the publish must never block it for long.
func (b *Bridge) onStatus(st galcon.Status) {
	doc := state{
		ValveOpen:            st.ValveOpen,
		ManualOpen:           st.ManualOpen,
		TimeRemainingSeconds: st.TimeRemainingSeconds(),
		Reachable:            b.coordinator.Reachable(),
		PollingEnabled:       b.coordinator.PollingEnabled(),
		DefaultDuration:      b.coordinator.DurationMinutes(),
	}

	if st.HasBatteryLevel {
		level := st.BatteryLevel
		doc.BatteryLevel = &level
	}

	if start, minutes, ok := b.coordinator.LastIrrigation(); ok {
		doc.LastIrrigationStart = start.UTC().Format(time.RFC3339)
		doc.LastIrrigationLength = minutes
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		log.Error().Err(err).Msg("mqtt: cannot marshal state")
		return
	}

	b.publish("state", payload, true)
}

func (b *Bridge) onPhase() {
	b.publish("phase", []byte(b.coordinator.Phase().String()), false)
}

func (b *Bridge) publish(suffix string, payload []byte, retained bool) {
	if !b.client.IsConnected() {
		return
	}

	token := b.client.Publish(b.topic(suffix), 1, retained, payload)

	go func() {
		if token.WaitTimeout(publishTimeout) && token.Error() != nil {
			log.Warn().
				Str("Topic", b.topic(suffix)).
				Err(token.Error()).
				Msg("mqtt: publish failed")
		}
	}()
}

// onOpenCommand opens the valve. An empty payload uses the configured
// default duration; otherwise the payload is the duration in minutes.
func (b *Bridge) onOpenCommand(_ paho.Client, msg paho.Message) {
	minutes := b.coordinator.DurationMinutes()

	if raw := strings.TrimSpace(string(msg.Payload())); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			log.Warn().Str("Payload", raw).Msg("mqtt: ignoring open command with bad duration")
			return
		}
		minutes = parsed
	}

	// commands run off the broker's callback goroutine: a BLE exchange can
	// take the better part of a minute and paho callbacks must not stall
	go func() {
		if _, err := b.coordinator.OpenValve(context.Background(), minutes/60, minutes%60, 0); err != nil {
			log.Error().Err(err).Msg("mqtt: open command failed")
		}
	}()
}

func (b *Bridge) onCloseCommand(_ paho.Client, _ paho.Message) {
	go func() {
		if _, err := b.coordinator.CloseValve(context.Background()); err != nil {
			log.Error().Err(err).Msg("mqtt: close command failed")
		}
	}()
}

func (b *Bridge) onDurationCommand(_ paho.Client, msg paho.Message) {
	raw := strings.TrimSpace(string(msg.Payload()))

	minutes, err := strconv.Atoi(raw)
	if err != nil || minutes <= 0 {
		log.Warn().Str("Payload", raw).Msg("mqtt: ignoring bad default duration")
		return
	}

	b.coordinator.SetDurationMinutes(minutes)
}

func (b *Bridge) onPollingCommand(_ paho.Client, msg paho.Message) {
	switch strings.ToUpper(strings.TrimSpace(string(msg.Payload()))) {
	case "ON", "TRUE", "1":
		b.coordinator.SetPolling(true)
	case "OFF", "FALSE", "0":
		b.coordinator.SetPolling(false)
	default:
		log.Warn().Bytes("Payload", msg.Payload()).Msg("mqtt: ignoring bad polling command")
	}
}
