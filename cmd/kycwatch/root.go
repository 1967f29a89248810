package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ghyeongl/livestatus/devserver"
	"github.com/ghyeongl/livestatus/livestatus"
	"github.com/ghyeongl/livestatus/logging"
)

// Settings is the merged configuration: defaults, config file, KYCWATCH_*
// environment and flags, in increasing precedence.
type Settings struct {
	BaseURL   string            `mapstructure:"base_url"`
	StreamURL string            `mapstructure:"stream_url"`
	Token     string            `mapstructure:"token"`
	Debug     bool              `mapstructure:"debug"`
	LogDir    string            `mapstructure:"log_dir"`
	Client    livestatus.Config `mapstructure:"client"`
	Server    devserver.Options `mapstructure:"server"`
}

// app carries state shared by the subcommands.
type app struct {
	v       *viper.Viper
	fs      afero.Fs
	cfgFile string
}

func newRootCmd(fs afero.Fs) *cobra.Command {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	a := &app{v: viper.New(), fs: fs}
	a.v.SetFs(fs)

	root := &cobra.Command{
		Use:           "kycwatch",
		Short:         "Watch KYC status events in real time",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := a.readConfig(); err != nil {
				return err
			}
			logging.Init(logging.Options{
				Dir:    a.v.GetString("log_dir"),
				Prefix: "kycwatch",
				Debug:  a.v.GetBool("debug"),
				Stdout: cmd.ErrOrStderr(),
				Stderr: cmd.ErrOrStderr(),
			})
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default $HOME/.kycwatch.yaml)")
	pf.String("base-url", "http://127.0.0.1:8089", "KYC API base URL")
	pf.String("stream-url", "", "websocket stream URL with {subject} (default derived from --base-url)")
	pf.String("token", "", "bearer token")
	pf.Bool("debug", false, "debug logging")
	pf.String("log-dir", "", "write level-split log files to this directory")
	a.bind(pf, map[string]string{
		"base_url":   "base-url",
		"stream_url": "stream-url",
		"token":      "token",
		"debug":      "debug",
		"log_dir":    "log-dir",
	})

	root.AddCommand(
		newWatchCmd(a),
		newServeCmd(a),
		newTokenCmd(a),
		newVersionCmd(),
	)
	return root
}

func (a *app) bind(fs *pflag.FlagSet, keys map[string]string) {
	for key, flag := range keys {
		a.v.BindPFlag(key, fs.Lookup(flag)) //nolint:errcheck
	}
}

func (a *app) readConfig() error {
	v := a.v
	v.SetEnvPrefix("KYCWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if a.cfgFile != "" {
		v.SetConfigFile(a.cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		v.AddConfigPath(home)
		v.SetConfigName(".kycwatch")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if a.cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

// setDefaults registers every key so environment variables reach Unmarshal.
func setDefaults(v *viper.Viper) {
	d := livestatus.DefaultConfig()
	v.SetDefault("stream_url", "")
	v.SetDefault("token", "")
	v.SetDefault("log_dir", "")
	v.SetDefault("client.base_delay", d.BaseDelay)
	v.SetDefault("client.max_delay", d.MaxDelay)
	v.SetDefault("client.max_attempts", d.MaxAttempts)
	v.SetDefault("client.poll_interval", d.PollInterval)
	v.SetDefault("client.open_timeout", d.OpenTimeout)
	v.SetDefault("client.fetch_timeout", d.FetchTimeout)
	v.SetDefault("client.max_concurrent_fetches", d.MaxConcurrentFetches)
	v.SetDefault("client.push_probe_interval", d.PushProbeInterval)
	v.SetDefault("client.recent_event_limit", d.RecentEventLimit)
	v.SetDefault("client.recent_event_ttl", d.RecentEventTTL)
	v.SetDefault("server.addr", devserver.DefaultAddr)
	v.SetDefault("server.db", filepath.Join(".", "kycwatch-dev.db"))
	v.SetDefault("server.secret", "")
	v.SetDefault("server.redis", "")
	v.SetDefault("server.seed", "")
	v.SetDefault("server.keepalive", devserver.DefaultKeepalive)
}

func (a *app) settings() (Settings, error) {
	var s Settings
	if err := a.v.Unmarshal(&s); err != nil {
		return s, fmt.Errorf("decode config: %w", err)
	}
	s.BaseURL = strings.TrimRight(s.BaseURL, "/")
	if s.StreamURL == "" {
		s.StreamURL = streamURLFor(s.BaseURL)
	}
	return s, nil
}

// streamURLFor derives the websocket stream template from an http(s) base URL.
func streamURLFor(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/kyc/{subject}/stream"
}
