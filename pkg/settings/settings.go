package settings

import (
	"net/url"
	"strings"
	"time"

	"github.com/go-go-golems/treechat/pkg/security"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Settings configures the backend endpoints and the resilience of the
// duplex connection.
type Settings struct {
	APIURL string `mapstructure:"api-url" yaml:"api-url"`
	// WSURL is the base of the duplex channel, the session id is appended as last path segment.
	WSURL string `mapstructure:"ws-url" yaml:"ws-url"`

	ReconnectAttempts int           `mapstructure:"reconnect-attempts" yaml:"reconnect-attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect-delay" yaml:"reconnect-delay"`
	// PingInterval of 0 disables keepalive pings
	PingInterval   time.Duration `mapstructure:"ping-interval" yaml:"ping-interval"`
	DialTimeout    time.Duration `mapstructure:"dial-timeout" yaml:"dial-timeout"`
	RequestTimeout time.Duration `mapstructure:"request-timeout" yaml:"request-timeout"`
	ReadLimit      int64         `mapstructure:"read-limit" yaml:"read-limit"`

	// Streaming false always uses the request/response fallback
	Streaming bool `mapstructure:"streaming" yaml:"streaming"`

	AutosaveEnabled bool   `mapstructure:"autosave" yaml:"autosave"`
	AutosaveDir     string `mapstructure:"autosave-dir" yaml:"autosave-dir,omitempty"`
	AutosaveFormat  string `mapstructure:"autosave-format" yaml:"autosave-format,omitempty"`
}

const (
	DefaultAPIURL            = "http://localhost:8000/api"
	DefaultWSURL             = "ws://localhost:8000/api/websocket/ws"
	DefaultReconnectAttempts = 5
	DefaultReconnectDelay    = time.Second
	DefaultPingInterval      = 30 * time.Second
	DefaultDialTimeout       = 15 * time.Second
	DefaultRequestTimeout    = 30 * time.Second
	DefaultReadLimit         = 32 << 20
)

func NewSettings() *Settings {
	return &Settings{
		APIURL:            DefaultAPIURL,
		WSURL:             DefaultWSURL,
		ReconnectAttempts: DefaultReconnectAttempts,
		ReconnectDelay:    DefaultReconnectDelay,
		PingInterval:      DefaultPingInterval,
		DialTimeout:       DefaultDialTimeout,
		RequestTimeout:    DefaultRequestTimeout,
		ReadLimit:         DefaultReadLimit,
		Streaming:         true,
	}
}

func (s *Settings) Clone() *Settings {
	return clone.Clone(s).(*Settings)
}

func (s *Settings) Validate() error {
	if err := validateURL("api-url", s.APIURL, security.HTTPEndpoint); err != nil {
		return err
	}
	if err := validateURL("ws-url", s.WSURL, security.WebsocketEndpoint); err != nil {
		return err
	}
	if s.ReconnectAttempts < 0 {
		return errors.Errorf("reconnect-attempts must not be negative, got %d", s.ReconnectAttempts)
	}
	if s.ReconnectDelay <= 0 {
		return errors.Errorf("reconnect-delay must be positive, got %s", s.ReconnectDelay)
	}
	if s.PingInterval < 0 {
		return errors.Errorf("ping-interval must not be negative, got %s", s.PingInterval)
	}
	if s.DialTimeout <= 0 {
		return errors.Errorf("dial-timeout must be positive, got %s", s.DialTimeout)
	}
	if s.RequestTimeout <= 0 {
		return errors.Errorf("request-timeout must be positive, got %s", s.RequestTimeout)
	}
	if s.ReadLimit <= 0 {
		return errors.Errorf("read-limit must be positive, got %d", s.ReadLimit)
	}
	return nil
}

func validateURL(key string, raw string, e security.Endpoint) error {
	if raw == "" {
		return errors.Errorf("%s must not be empty", key)
	}
	u, err := security.ValidateEndpointURL(raw, e)
	if err != nil {
		return errors.Wrapf(err, "invalid %s %q", key, raw)
	}
	if security.IsPlaintextRemote(u, e) {
		log.Warn().Str("setting", key).Str("url", raw).Msg("talking to a remote backend without TLS")
	}
	return nil
}

// SessionURL returns the duplex channel address of sessionID.
func (s *Settings) SessionURL(sessionID string) string {
	return strings.TrimRight(s.WSURL, "/") + "/" + url.PathEscape(sessionID)
}

// AddFlags registers one flag per setting, defaulting to NewSettings().
func AddFlags(fs *pflag.FlagSet) {
	d := NewSettings()
	fs.String("api-url", d.APIURL, "Base URL of the REST API")
	fs.String("ws-url", d.WSURL, "Base URL of the websocket channel")
	fs.Int("reconnect-attempts", d.ReconnectAttempts, "Automatic reconnect attempts after an unexpected close")
	fs.Duration("reconnect-delay", d.ReconnectDelay, "Base reconnect delay, attempt n waits n times this delay")
	fs.Duration("ping-interval", d.PingInterval, "Keepalive ping interval (0 disables)")
	fs.Duration("dial-timeout", d.DialTimeout, "Timeout for opening the websocket")
	fs.Duration("request-timeout", d.RequestTimeout, "Timeout for REST requests")
	fs.Int64("read-limit", d.ReadLimit, "Maximum size of an incoming websocket frame in bytes")
	fs.Bool("streaming", d.Streaming, "Stream replies over the websocket, fall back to REST otherwise")
	fs.Bool("autosave", d.AutosaveEnabled, "Save every imported conversation tree to disk")
	fs.String("autosave-dir", d.AutosaveDir, "Autosave directory (default ~/.treechat/history)")
	fs.String("autosave-format", d.AutosaveFormat, "Autosave file path template")
}

// SetDefaults registers the defaults of every setting in v.
func SetDefaults(v *viper.Viper) {
	d := NewSettings()
	v.SetDefault("api-url", d.APIURL)
	v.SetDefault("ws-url", d.WSURL)
	v.SetDefault("reconnect-attempts", d.ReconnectAttempts)
	v.SetDefault("reconnect-delay", d.ReconnectDelay)
	v.SetDefault("ping-interval", d.PingInterval)
	v.SetDefault("dial-timeout", d.DialTimeout)
	v.SetDefault("request-timeout", d.RequestTimeout)
	v.SetDefault("read-limit", d.ReadLimit)
	v.SetDefault("streaming", d.Streaming)
	v.SetDefault("autosave", d.AutosaveEnabled)
	v.SetDefault("autosave-dir", d.AutosaveDir)
	v.SetDefault("autosave-format", d.AutosaveFormat)
}

// NewSettingsFromViper decodes and validates the settings held by v.
func NewSettingsFromViper(v *viper.Viper) (*Settings, error) {
	SetDefaults(v)
	ret := NewSettings()
	if err := v.Unmarshal(ret); err != nil {
		return nil, errors.Wrap(err, "could not decode settings")
	}
	if err := ret.Validate(); err != nil {
		return nil, err
	}
	return ret, nil
}
