package telemetry

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"balancer-core/utils"
)

type MQTTConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Broker       string        `yaml:"broker"` // tcp://host:port
	ClientID     string        `yaml:"client_id"`
	StatusTopic  string        `yaml:"status_topic"`
	CommandTopic string        `yaml:"command_topic"`
	Timeout      time.Duration `yaml:"timeout"`
}

func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		Broker:       "tcp://localhost:1883",
		ClientID:     "balancer",
		StatusTopic:  "balancer/status",
		CommandTopic: "balancer/cmd",
		Timeout:      5 * time.Second,
	}
}

// MQTTBridge mirrors the WebSocket channel onto a broker: status lines are
// published, command topic payloads are decoded like WebSocket text frames.
type MQTTBridge struct {
	cfg      MQTTConfig
	client   mqtt.Client
	commands chan<- Command
	log      *utils.Logger
}

func NewMQTTBridge(cfg MQTTConfig, commands chan<- Command, log *utils.Logger) *MQTTBridge {
	b := &MQTTBridge{cfg: cfg, commands: commands, log: log}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.OnConnect = func(c mqtt.Client) {
		log.Info("Connected to MQTT broker %s", cfg.Broker)
		// subscriptions do not survive a reconnect with a clean session
		token := c.Subscribe(cfg.CommandTopic, 0, b.onMessage)
		if token.WaitTimeout(cfg.Timeout) && token.Error() != nil {
			log.Error("Subscribe %s: %v", cfg.CommandTopic, token.Error())
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn("MQTT connection lost: %v", err)
	}
	b.client = mqtt.NewClient(opts)
	return b
}

// Connect starts the connection. With connect retry enabled the client keeps
// trying in the background, so only a hard configuration error is returned.
func (b *MQTTBridge) Connect() error {
	token := b.client.Connect()
	if token.WaitTimeout(b.cfg.Timeout) && token.Error() != nil {
		return fmt.Errorf("mqtt connect %s: %w", b.cfg.Broker, token.Error())
	}
	return nil
}

func (b *MQTTBridge) onMessage(_ mqtt.Client, msg mqtt.Message) {
	b.handle(msg.Payload())
}

func (b *MQTTBridge) handle(payload []byte) {
	cmd, err := ParseCommand(string(payload))
	if err != nil {
		b.log.Debug("Ignoring MQTT command: %v", err)
		return
	}
	select {
	case b.commands <- cmd:
	default:
		b.log.Warn("Command queue full, dropped %T", cmd)
	}
}

// Publish sends line without waiting for the broker.
func (b *MQTTBridge) Publish(line string) {
	if !b.client.IsConnectionOpen() {
		return
	}
	b.client.Publish(b.cfg.StatusTopic, 0, false, line)
}

func (b *MQTTBridge) Close() {
	b.client.Disconnect(250)
}
