// Package config implements pRouter's Configuration component: a
// defaults-then-file-then-overrides load pipeline validated against a
// JSON Schema, mirroring prouter/config/__init__.py.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/datadvance/pRouter/internal/apierr"
)

// Identity is the identity.{uid,name} configuration section.
type Identity struct {
	UID  string `yaml:"uid"`
	Name string `yaml:"name"`
}

// Server is the server.* configuration section: whether this router
// accepts inbound agent connections, where, and which tokens it accepts.
type Server struct {
	Enabled      bool     `yaml:"enabled"`
	Interface    string   `yaml:"interface"`
	Port         int      `yaml:"port"`
	AcceptTokens []string `yaml:"accept_tokens"`
}

// Control is the control.* configuration section: where the control HTTP
// API listens.
type Control struct {
	Interface string `yaml:"interface"`
	Port      int    `yaml:"port"`
}

// Client is the client.* configuration section: Enabled counts only in
// Validate's at-least-one-mode check (the "address" job-create locator
// dials out whatever its value), and PollingDelay is how often the idle
// watcher polls outbound connections.
type Client struct {
	Enabled      bool    `yaml:"enabled"`
	PollingDelay float64 `yaml:"polling_delay"`
}

// Config is the fully merged and validated configuration.
type Config struct {
	Identity Identity `yaml:"identity"`
	Server   Server   `yaml:"server"`
	Control  Control  `yaml:"control"`
	Client   Client   `yaml:"client"`
}

func defaults() Config {
	return Config{
		Identity: Identity{Name: "prouter"},
		Server:   Server{Enabled: true, Interface: "0.0.0.0", Port: 8900, AcceptTokens: nil},
		Control:  Control{Interface: "127.0.0.1", Port: 8901},
		Client:   Client{Enabled: true, PollingDelay: 5},
	}
}

// Load builds a Config starting from the compiled-in defaults, merging in
// configPath (if non-empty) and then every "key.path=value" override in
// that order, validating the JSON-schema-checkable shape at each merge
// step the same way prouter/config/__init__.py:initialize does.
func Load(configPath string, overrides []string) (Config, error) {
	doc := toDoc(defaults())

	if configPath != "" {
		raw, err := os.ReadFile(configPath)
		if err != nil {
			return Config{}, apierr.Config("reading config file %q: %v", configPath, err)
		}
		var fileDoc map[string]any
		if err := yaml.Unmarshal(raw, &fileDoc); err != nil {
			return Config{}, apierr.Config("parsing config file %q: %v", configPath, err)
		}
		mergeInto(doc, fileDoc)
		if err := validateSchema(doc); err != nil {
			return Config{}, apierr.Config("config file %q failed validation: %v", configPath, err)
		}
	}

	for _, kv := range overrides {
		if err := applyOverride(doc, kv); err != nil {
			return Config{}, err
		}
	}
	if len(overrides) > 0 {
		if err := validateSchema(doc); err != nil {
			return Config{}, apierr.Config("--set overrides failed validation: %v", err)
		}
	}

	return fromDoc(doc), nil
}

// Validate enforces the one cross-field invariant the schema can't
// express: the router must be willing to do at least one of accept
// inbound agents or dial outbound ones, or it can never serve a job.
// mirrors prouter/config/__init__.py:validate.
func Validate(cfg Config, log *zap.Logger) error {
	if !cfg.Server.Enabled && !cfg.Client.Enabled {
		return apierr.Config("at least one of server.enabled or client.enabled must be true")
	}
	if cfg.Server.Enabled && len(cfg.Server.AcceptTokens) == 0 {
		log.Warn("server.enabled is true but server.accept_tokens is empty: no agent will be able to authenticate")
	}
	return nil
}

func toDoc(cfg Config) map[string]any {
	return map[string]any{
		"identity": map[string]any{"uid": cfg.Identity.UID, "name": cfg.Identity.Name},
		"server": map[string]any{
			"enabled": cfg.Server.Enabled, "interface": cfg.Server.Interface,
			"port": cfg.Server.Port, "accept_tokens": toAnySlice(cfg.Server.AcceptTokens),
		},
		"control": map[string]any{"interface": cfg.Control.Interface, "port": cfg.Control.Port},
		"client":  map[string]any{"enabled": cfg.Client.Enabled, "polling_delay": cfg.Client.PollingDelay},
	}
}

func toAnySlice(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

func fromDoc(doc map[string]any) Config {
	var cfg Config
	section := func(name string) map[string]any {
		m, _ := doc[name].(map[string]any)
		return m
	}
	if id := section("identity"); id != nil {
		cfg.Identity.UID, _ = id["uid"].(string)
		cfg.Identity.Name, _ = id["name"].(string)
	}
	if s := section("server"); s != nil {
		cfg.Server.Enabled, _ = s["enabled"].(bool)
		cfg.Server.Interface, _ = s["interface"].(string)
		cfg.Server.Port = toInt(s["port"])
		if tokens, ok := s["accept_tokens"].([]any); ok {
			for _, t := range tokens {
				if str, ok := t.(string); ok {
					cfg.Server.AcceptTokens = append(cfg.Server.AcceptTokens, str)
				}
			}
		}
	}
	if c := section("control"); c != nil {
		cfg.Control.Interface, _ = c["interface"].(string)
		cfg.Control.Port = toInt(c["port"])
	}
	if c := section("client"); c != nil {
		cfg.Client.Enabled, _ = c["enabled"].(bool)
		switch v := c["polling_delay"].(type) {
		case float64:
			cfg.Client.PollingDelay = v
		case int:
			cfg.Client.PollingDelay = float64(v)
		}
	}
	return cfg
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

// mergeInto deep-merges src into dst, one nesting level at a time (the
// sections in Config are exactly one level deep, matching the schema).
func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if dstSub, ok := dst[k].(map[string]any); ok {
				mergeInto(dstSub, sub)
				continue
			}
		}
		dst[k] = v
	}
}

// applyOverride applies one "--set key.path=value" override, parsing the
// value as a typed literal (bool, int, float, or string), matching
// prouter/config/__init__.py's ast.literal_eval-based override mechanism.
func applyOverride(doc map[string]any, kv string) error {
	parts := strings.SplitN(kv, "=", 2)
	if len(parts) != 2 {
		return apierr.Config("--set value %q must be of the form key.path=value", kv)
	}
	path := strings.Split(parts[0], ".")
	value := parseLiteral(parts[1])

	node := doc
	for i, key := range path {
		if i == len(path)-1 {
			node[key] = value
			return nil
		}
		next, ok := node[key].(map[string]any)
		if !ok {
			next = map[string]any{}
			node[key] = next
		}
		node = next
	}
	return fmt.Errorf("unreachable")
}

func parseLiteral(s string) any {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if s == "null" || s == "None" {
		return nil
	}
	return s
}
