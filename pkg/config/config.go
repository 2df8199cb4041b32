// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"
)

type (
	CallKind     string
	PresenceKind string
	SignalKind   string
)

const (
	generatedCLIFlagUsage = "generated"
	envPrefix             = "MESHCALL_"

	CallKindAudio CallKind = "audio"
	CallKindVideo CallKind = "video"

	PresenceKindLocal PresenceKind = "local"
	PresenceKindRedis PresenceKind = "redis"

	SignalKindLocal SignalKind = "local"
	SignalKindRedis SignalKind = "redis"
	SignalKindWS    SignalKind = "ws"
)

var (
	ErrRoomNotSet        = errors.New("call.room must be set")
	ErrInvalidCallKind   = errors.New("call.kind must be audio or video")
	ErrRedisNotSet       = errors.New("redis.address must be set for redis backends")
	ErrInvalidPresence   = errors.New("presence.kind must be local or redis")
	ErrInvalidSignal     = errors.New("signal.kind must be local, redis or ws")
	ErrSignalURLNotSet   = errors.New("signal.url must be set for the ws signaller")
	ErrMismatchedBackend = errors.New("local presence and signalling only work within one process")
)

type Config struct {
	Call           CallConfig      `yaml:"call,omitempty"`
	Presence       PresenceConfig  `yaml:"presence,omitempty"`
	Signal         SignalConfig    `yaml:"signal,omitempty"`
	Redis          RedisConfig     `yaml:"redis,omitempty"`
	RTC            RTCConfig       `yaml:"rtc,omitempty"`
	Media          MediaConfig     `yaml:"media,omitempty"`
	Reaction       ReactionConfig  `yaml:"reaction,omitempty"`
	Recording      RecordingConfig `yaml:"recording,omitempty"`
	Broker         BrokerConfig    `yaml:"broker,omitempty"`
	PrometheusPort uint32          `yaml:"prometheus_port,omitempty"`
	Logging        LoggingConfig   `yaml:"logging,omitempty"`

	Development bool `yaml:"development,omitempty"`
}

type CallConfig struct {
	Room        string   `yaml:"room,omitempty"`
	Kind        CallKind `yaml:"kind,omitempty"`
	Host        bool     `yaml:"host,omitempty"`
	DisplayName string   `yaml:"display_name,omitempty"`
}

type PresenceConfig struct {
	Kind PresenceKind `yaml:"kind,omitempty"`
}

type SignalConfig struct {
	Kind SignalKind `yaml:"kind,omitempty"`
	// broker websocket url, e.g. ws://localhost:7890/ws
	URL string `yaml:"url,omitempty"`
}

type RedisConfig struct {
	Address  string `yaml:"address,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

func (r RedisConfig) IsConfigured() bool {
	return r.Address != ""
}

type RTCConfig struct {
	STUNServers []string     `yaml:"stun_servers,omitempty"`
	TURNServers []TURNServer `yaml:"turn_servers,omitempty"`
	// how long offers and answers wait for ICE gathering before being sent with what was collected
	ICEGatherTimeout time.Duration `yaml:"ice_gather_timeout,omitempty"`
	// number of concurrent negotiations
	Workers int `yaml:"workers,omitempty"`
}

type TURNServer struct {
	Host       string `yaml:"host,omitempty"`
	Port       int    `yaml:"port,omitempty"`
	Protocol   string `yaml:"protocol,omitempty"`
	Username   string `yaml:"username,omitempty"`
	Credential string `yaml:"credential,omitempty"`
}

func (r RTCConfig) ICEServers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(r.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: r.STUNServers})
	}
	for _, t := range r.TURNServers {
		proto := t.Protocol
		if proto == "" {
			proto = "udp"
		}
		scheme := "turn"
		if proto == "tls" {
			scheme = "turns"
			proto = "tcp"
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:           []string{fmt.Sprintf("%s:%s:%d?transport=%s", scheme, t.Host, t.Port, proto)},
			Username:       t.Username,
			Credential:     t.Credential,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	return servers
}

type MediaConfig struct {
	// ogg/opus
	AudioFile string `yaml:"audio_file,omitempty"`
	// ivf/vp8
	VideoFile  string `yaml:"video_file,omitempty"`
	ScreenFile string `yaml:"screen_file,omitempty"`
	Loop       bool   `yaml:"loop,omitempty"`
}

type ReactionConfig struct {
	DisplayDuration time.Duration `yaml:"display_duration,omitempty"`
}

type RecordingConfig struct {
	OutputDir string `yaml:"output_dir,omitempty"`
}

type BrokerConfig struct {
	Port          uint32   `yaml:"port,omitempty"`
	BindAddresses []string `yaml:"bind_addresses,omitempty"`
}

type LoggingConfig struct {
	logger.Config `yaml:",inline"`
	PionLevel     string `yaml:"pion_level,omitempty"`
}

var DefaultConfig = Config{
	Call: CallConfig{
		Kind:        CallKindVideo,
		DisplayName: "User",
	},
	Presence: PresenceConfig{
		Kind: PresenceKindRedis,
	},
	Signal: SignalConfig{
		Kind: SignalKindRedis,
	},
	Redis: RedisConfig{
		Address: "localhost:6379",
	},
	RTC: RTCConfig{
		STUNServers:      []string{"stun:stun.l.google.com:19302"},
		ICEGatherTimeout: 5 * time.Second,
		Workers:          4,
	},
	Media: MediaConfig{
		Loop: true,
	},
	Reaction: ReactionConfig{
		DisplayDuration: 2500 * time.Millisecond,
	},
	Recording: RecordingConfig{
		OutputDir: ".",
	},
	Broker: BrokerConfig{
		Port: 7890,
	},
	Logging: LoggingConfig{
		PionLevel: "error",
	},
}

func NewConfig(confString string, strictMode bool, c *cli.Context, baseFlags []cli.Flag) (*Config, error) {
	// start with defaults
	marshalled, err := yaml.Marshal(&DefaultConfig)
	if err != nil {
		return nil, err
	}

	var conf Config
	err = yaml.Unmarshal(marshalled, &conf)
	if err != nil {
		return nil, err
	}

	if confString != "" {
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(strictMode)
		if err := decoder.Decode(&conf); err != nil {
			return nil, fmt.Errorf("could not parse config: %v", err)
		}
	}

	if c != nil {
		if err := conf.updateFromCLI(c, baseFlags); err != nil {
			return nil, err
		}
	}

	// expand env vars in filenames
	for _, path := range []*string{&conf.Media.AudioFile, &conf.Media.VideoFile, &conf.Media.ScreenFile, &conf.Recording.OutputDir} {
		if *path == "" {
			continue
		}
		expanded, err := homedir.Expand(os.ExpandEnv(*path))
		if err != nil {
			return nil, err
		}
		*path = expanded
	}

	if conf.Reaction.DisplayDuration <= 0 {
		conf.Reaction.DisplayDuration = DefaultConfig.Reaction.DisplayDuration
	}
	if conf.RTC.ICEGatherTimeout <= 0 {
		conf.RTC.ICEGatherTimeout = DefaultConfig.RTC.ICEGatherTimeout
	}
	if conf.RTC.Workers <= 0 {
		conf.RTC.Workers = DefaultConfig.RTC.Workers
	}
	if conf.Call.DisplayName == "" {
		conf.Call.DisplayName = DefaultConfig.Call.DisplayName
	}

	if conf.Logging.Level == "" && conf.Development {
		conf.Logging.Level = "debug"
	}
	if conf.Logging.PionLevel != "" {
		if conf.Logging.ComponentLevels == nil {
			conf.Logging.ComponentLevels = map[string]string{}
		}
		conf.Logging.ComponentLevels["pion"] = conf.Logging.PionLevel
	}

	return &conf, nil
}

// ValidateCall checks the settings needed to join a room. The broker command does not call it.
func (conf *Config) ValidateCall() error {
	if conf.Call.Room == "" {
		return ErrRoomNotSet
	}
	switch conf.Call.Kind {
	case CallKindAudio, CallKindVideo:
	default:
		return ErrInvalidCallKind
	}

	switch conf.Presence.Kind {
	case PresenceKindLocal, PresenceKindRedis:
	default:
		return ErrInvalidPresence
	}
	switch conf.Signal.Kind {
	case SignalKindLocal, SignalKindRedis:
	case SignalKindWS:
		if conf.Signal.URL == "" {
			return ErrSignalURLNotSet
		}
	default:
		return ErrInvalidSignal
	}

	if (conf.Presence.Kind == PresenceKindRedis || conf.Signal.Kind == SignalKindRedis) && !conf.Redis.IsConfigured() {
		return ErrRedisNotSet
	}
	if conf.Presence.Kind == PresenceKindLocal && conf.Signal.Kind != SignalKindLocal {
		return ErrMismatchedBackend
	}
	return nil
}

type configNode struct {
	TypeNode  reflect.Value
	TagPrefix string
}

func (conf *Config) ToCLIFlagNames(existingFlags []cli.Flag) map[string]reflect.Value {
	existingFlagNames := map[string]bool{}
	for _, flag := range existingFlags {
		for _, flagName := range flag.Names() {
			existingFlagNames[flagName] = true
		}
	}

	flagNames := map[string]reflect.Value{}
	var currNode configNode
	nodes := []configNode{{reflect.ValueOf(conf).Elem(), ""}}
	for len(nodes) > 0 {
		currNode, nodes = nodes[0], nodes[1:]
		for i := 0; i < currNode.TypeNode.NumField(); i++ {
			// inspect yaml tag from struct field to get path
			field := currNode.TypeNode.Type().Field(i)
			yamlTagArray := strings.SplitN(field.Tag.Get("yaml"), ",", 2)
			yamlTag := yamlTagArray[0]
			isInline := false
			if len(yamlTagArray) > 1 && yamlTagArray[1] == "inline" {
				isInline = true
			}
			if (yamlTag == "" && (!isInline || currNode.TagPrefix == "")) || yamlTag == "-" {
				continue
			}
			yamlPath := yamlTag
			if currNode.TagPrefix != "" {
				if isInline {
					yamlPath = currNode.TagPrefix
				} else {
					yamlPath = fmt.Sprintf("%s.%s", currNode.TagPrefix, yamlTag)
				}
			}
			if existingFlagNames[yamlPath] {
				continue
			}

			// map flag name to value
			value := currNode.TypeNode.Field(i)
			if value.Kind() == reflect.Struct {
				nodes = append(nodes, configNode{value, yamlPath})
			} else {
				flagNames[yamlPath] = value
			}
		}
	}

	return flagNames
}

func GenerateCLIFlags(existingFlags []cli.Flag, hidden bool) ([]cli.Flag, error) {
	blankConfig := &Config{}
	flags := make([]cli.Flag, 0)
	for name, value := range blankConfig.ToCLIFlagNames(existingFlags) {
		kind := value.Kind()
		if kind == reflect.Ptr {
			kind = value.Type().Elem().Kind()
		}

		var flag cli.Flag
		envVar := fmt.Sprintf("%s%s", envPrefix, strings.ToUpper(strings.Replace(name, ".", "_", -1)))

		switch kind {
		case reflect.Bool:
			flag = &cli.BoolFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.String:
			flag = &cli.StringFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Int, reflect.Int32:
			flag = &cli.IntFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Int64:
			if value.Type() == reflect.TypeOf(time.Duration(0)) {
				flag = &cli.DurationFlag{
					Name:    name,
					EnvVars: []string{envVar},
					Usage:   generatedCLIFlagUsage,
					Hidden:  hidden,
				}
			} else {
				flag = &cli.Int64Flag{
					Name:    name,
					EnvVars: []string{envVar},
					Usage:   generatedCLIFlagUsage,
					Hidden:  hidden,
				}
			}
		case reflect.Uint8, reflect.Uint16, reflect.Uint32:
			flag = &cli.UintFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Uint64:
			flag = &cli.Uint64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Float32, reflect.Float64:
			flag = &cli.Float64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Slice:
			if value.Type().Elem().Kind() != reflect.String {
				continue
			}
			flag = &cli.StringSliceFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Map, reflect.Struct:
			continue
		default:
			return flags, fmt.Errorf("cli flag generation unsupported for config type: %s is a %s", name, kind.String())
		}

		flags = append(flags, flag)
	}

	return flags, nil
}

func (conf *Config) updateFromCLI(c *cli.Context, baseFlags []cli.Flag) error {
	generatedFlagNames := conf.ToCLIFlagNames(baseFlags)
	for _, flag := range c.App.Flags {
		flagName := flag.Names()[0]

		// the `c.App.Name != "test"` check is needed because `c.IsSet(...)` is always false in unit tests
		if !c.IsSet(flagName) && c.App.Name != "test" {
			continue
		}

		configValue, ok := generatedFlagNames[flagName]
		if !ok {
			continue
		}

		kind := configValue.Kind()
		if kind == reflect.Ptr {
			// instantiate value to be set
			configValue.Set(reflect.New(configValue.Type().Elem()))

			kind = configValue.Type().Elem().Kind()
			configValue = configValue.Elem()
		}

		switch kind {
		case reflect.Bool:
			configValue.SetBool(c.Bool(flagName))
		case reflect.String:
			configValue.SetString(c.String(flagName))
		case reflect.Int, reflect.Int32:
			configValue.SetInt(int64(c.Int(flagName)))
		case reflect.Int64:
			if configValue.Type() == reflect.TypeOf(time.Duration(0)) {
				configValue.SetInt(int64(c.Duration(flagName)))
			} else {
				configValue.SetInt(c.Int64(flagName))
			}
		case reflect.Uint8, reflect.Uint16, reflect.Uint32:
			configValue.SetUint(uint64(c.Uint(flagName)))
		case reflect.Uint64:
			configValue.SetUint(c.Uint64(flagName))
		case reflect.Float32, reflect.Float64:
			configValue.SetFloat(c.Float64(flagName))
		case reflect.Slice:
			configValue.Set(reflect.ValueOf(c.StringSlice(flagName)))
		default:
			return fmt.Errorf("unsupported generated cli flag type for config: %s is a %s", flagName, kind.String())
		}
	}

	if c.IsSet("dev") {
		conf.Development = c.Bool("dev")
	}
	if c.IsSet("room") {
		conf.Call.Room = c.String("room")
	}
	if c.IsSet("name") {
		conf.Call.DisplayName = c.String("name")
	}
	if c.IsSet("host") {
		conf.Call.Host = c.Bool("host")
	}
	if c.IsSet("audio-only") && c.Bool("audio-only") {
		conf.Call.Kind = CallKindAudio
	}
	if c.IsSet("redis-host") {
		conf.Redis.Address = c.String("redis-host")
	}
	if c.IsSet("redis-password") {
		conf.Redis.Password = c.String("redis-password")
	}
	if c.IsSet("signal-url") {
		conf.Signal.Kind = SignalKindWS
		conf.Signal.URL = c.String("signal-url")
	}
	if c.IsSet("bind") {
		conf.Broker.BindAddresses = c.StringSlice("bind")
	}
	return nil
}

func InitLoggerFromConfig(config *LoggingConfig) {
	logger.InitFromConfig(&config.Config, "meshcall")
}
