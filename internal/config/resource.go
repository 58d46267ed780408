package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"
)

// IVRConfig is the parsed ivr.conf resource file. Incoming and Outgoing are
// nil when the corresponding section is absent or not enabled.
type IVRConfig struct {
	FastAGIPort int
	DefaultTTS  string
	Incoming    *IncomingConfig
	Outgoing    *OutgoingConfig
	Speech      SpeechConfig
}

// IncomingConfig enables servicing of inbound PBX calls.
type IncomingConfig struct{}

// OutgoingConfig describes the local PBX manager interface and the dial-out
// channels this node lends to the federation.
type OutgoingConfig struct {
	Channels     []string
	Gateway      string
	LocalIntCode string
	IntDialout   string
	Prefix       string
	// InternalExtLength is kept as a string: empty means no internal
	// extension length is configured, which changes the prefix rule.
	InternalExtLength string
	Host              string
	Port              int
	Username          string
	Secret            string
}

// SpeechConfig locates the ASR server used by recognition prompts.
type SpeechConfig struct {
	Address string
	Port    int
}

// SMSConfig is the parsed sms.conf resource file. Receive and Send are nil
// when the corresponding section is absent or not enabled.
type SMSConfig struct {
	Receive *ReceiveConfig
	Send    *SendConfig
}

// ReceiveConfig describes the HTTP endpoint the SMS gateway delivers to.
type ReceiveConfig struct {
	Port int
}

// SendConfig describes the SMS gateway sendsms interface this node lends to
// the federation.
type SendConfig struct {
	Username string
	Password string
	Host     string
	Port     int
}

// LoadIVR reads an ivr.conf INI file. A missing file yields a config with
// every feature disabled; a malformed file is an error.
func LoadIVR(path string) (*IVRConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")

	v.SetDefault("general.fastagi_port", 6500)
	v.SetDefault("general.default_tts", "flite")
	v.SetDefault("outgoing.channels", "Console/dsp")
	v.SetDefault("outgoing.host", "localhost")
	v.SetDefault("outgoing.port", 5038)
	v.SetDefault("outgoing.username", "mobilIVR")
	v.SetDefault("outgoing.secret", "mobilIVR")
	v.SetDefault("speech-server.speech_server_address", "127.0.0.1")
	v.SetDefault("speech-server.speech_server_port", 9000)

	if err := v.ReadInConfig(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &IVRConfig{
				FastAGIPort: v.GetInt("general.fastagi_port"),
				DefaultTTS:  v.GetString("general.default_tts"),
				Speech: SpeechConfig{
					Address: v.GetString("speech-server.speech_server_address"),
					Port:    v.GetInt("speech-server.speech_server_port"),
				},
			}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	cfg := &IVRConfig{
		FastAGIPort: v.GetInt("general.fastagi_port"),
		DefaultTTS:  v.GetString("general.default_tts"),
		Speech: SpeechConfig{
			Address: v.GetString("speech-server.speech_server_address"),
			Port:    v.GetInt("speech-server.speech_server_port"),
		},
	}
	if cfg.FastAGIPort < 1 || cfg.FastAGIPort > 65535 {
		return nil, fmt.Errorf("%s: fastagi_port must be between 1 and 65535, got %d", path, cfg.FastAGIPort)
	}

	if v.GetBool("incoming.enabled") {
		cfg.Incoming = &IncomingConfig{}
	}
	if v.GetBool("outgoing.enabled") {
		out := &OutgoingConfig{
			Channels:          splitList(v.GetString("outgoing.channels")),
			Gateway:           v.GetString("outgoing.gateway_address"),
			LocalIntCode:      v.GetString("outgoing.local_int_code"),
			IntDialout:        v.GetString("outgoing.int_dialout"),
			Prefix:            v.GetString("outgoing.prefix"),
			InternalExtLength: v.GetString("outgoing.internal_extension_length"),
			Host:              v.GetString("outgoing.host"),
			Port:              v.GetInt("outgoing.port"),
			Username:          v.GetString("outgoing.username"),
			Secret:            v.GetString("outgoing.secret"),
		}
		if len(out.Channels) == 0 {
			return nil, fmt.Errorf("%s: outgoing enabled but no channels configured", path)
		}
		if out.Port < 1 || out.Port > 65535 {
			return nil, fmt.Errorf("%s: outgoing port must be between 1 and 65535, got %d", path, out.Port)
		}
		cfg.Outgoing = out
	}
	return cfg, nil
}

// LoadSMS reads an sms.conf INI file. A missing file yields a config with
// every feature disabled; a malformed file is an error.
func LoadSMS(path string) (*SMSConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")

	v.SetDefault("receive.port", 4500)
	v.SetDefault("sendsms.username", "mobilIVR")
	v.SetDefault("sendsms.password", "mobilIVR")
	v.SetDefault("sendsms.host", "127.0.0.1")
	v.SetDefault("sendsms.port", 13013)

	if err := v.ReadInConfig(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &SMSConfig{}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	cfg := &SMSConfig{}
	if v.GetBool("receive.enabled") {
		rx := &ReceiveConfig{Port: v.GetInt("receive.port")}
		if rx.Port < 1 || rx.Port > 65535 {
			return nil, fmt.Errorf("%s: receive port must be between 1 and 65535, got %d", path, rx.Port)
		}
		cfg.Receive = rx
	}
	if v.GetBool("sendsms.enabled") {
		tx := &SendConfig{
			Username: v.GetString("sendsms.username"),
			Password: v.GetString("sendsms.password"),
			Host:     v.GetString("sendsms.host"),
			Port:     v.GetInt("sendsms.port"),
		}
		if tx.Port < 1 || tx.Port > 65535 {
			return nil, fmt.Errorf("%s: sendsms port must be between 1 and 65535, got %d", path, tx.Port)
		}
		cfg.Send = tx
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
