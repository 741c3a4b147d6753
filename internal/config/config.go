// Package config implements the server's layered configuration: defaults
// overridden by environment variables, in turn overridden by LSP
// initializationOptions, per §6.
package config

import (
	"encoding/json"
	"os"
	"strconv"

	"github.com/crossplane/crossplane-runtime/pkg/errors"

	"github.com/vulnera-dev/vulnera-lsp/internal/client"
)

const (
	errDecodeOptions = "failed to decode initializationOptions"

	// envAPIURL and its siblings name the environment variables §6 defines.
	envAPIURL      = "VULNERA_API_URL"
	envAPIKey      = "VULNERA_API_KEY"
	envDetailLevel = "VULNERA_DETAIL_LEVEL"
	envCompactMode = "VULNERA_COMPACT_MODE"
	envEnableCache = "VULNERA_ENABLE_CACHE"
	envDebounceMs  = "VULNERA_DEBOUNCE_MS"

	defaultAPIURL      = "http://localhost:3000"
	defaultDetailLevel = client.DetailStandard
	defaultCompactMode = false
	defaultEnableCache = true
	defaultDebounceMs  = 500

	userAgentPrefix = "vulnera-adapter-lsp/"

	// nestedKey is the initializationOptions key under which this
	// server's settings are nested, when the client chooses to nest them.
	nestedKey = "vulnera"
)

// ServerVersion is overridden at build time via -ldflags; it is used only
// to compose the default User-Agent header.
var ServerVersion = "dev"

// Config is the merged, effective configuration for one server instance.
type Config struct {
	APIURL      string             `json:"apiUrl"`
	APIKey      string             `json:"apiKey"`
	DetailLevel client.DetailLevel `json:"detailLevel"`
	CompactMode bool               `json:"compactMode"`
	EnableCache bool               `json:"enableCache"`
	DebounceMs  int                `json:"debounceMs"`
	UserAgent   string             `json:"userAgent"`
}

// Default returns the hard-coded default configuration.
func Default() Config {
	return Config{
		APIURL:      defaultAPIURL,
		DetailLevel: defaultDetailLevel,
		CompactMode: defaultCompactMode,
		EnableCache: defaultEnableCache,
		DebounceMs:  defaultDebounceMs,
		UserAgent:   userAgentPrefix + ServerVersion,
	}
}

// FromEnv overlays environment variables onto base, leaving any unset
// variable's field untouched.
func FromEnv(base Config) Config {
	c := base
	if v, ok := os.LookupEnv(envAPIURL); ok && v != "" {
		c.APIURL = v
	}
	if v, ok := os.LookupEnv(envAPIKey); ok && v != "" {
		c.APIKey = v
	}
	if v, ok := os.LookupEnv(envDetailLevel); ok && v != "" {
		c.DetailLevel = client.DetailLevel(v)
	}
	if v, ok := os.LookupEnv(envCompactMode); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.CompactMode = b
		}
	}
	if v, ok := os.LookupEnv(envEnableCache); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.EnableCache = b
		}
	}
	if v, ok := os.LookupEnv(envDebounceMs); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.DebounceMs = n
		}
	}
	return c
}

// rawOptions is the JSON shape §6's initializationOptions table maps onto.
// Every field is a pointer so an absent key leaves the corresponding
// Config field untouched.
type rawOptions struct {
	APIURL      *string             `json:"apiUrl"`
	APIKey      *string             `json:"apiKey"`
	DetailLevel *client.DetailLevel `json:"detailLevel"`
	CompactMode *bool               `json:"compactMode"`
	EnableCache *bool               `json:"enableCache"`
	DebounceMs  *int                `json:"debounceMs"`
	UserAgent   *string             `json:"userAgent"`
}

// ApplyInitializeOptions overlays the LSP client's initializationOptions
// onto base. The options may be nested under a "vulnera" key or supplied
// flat; a nested "vulnera" object, when present, wins over same-named
// top-level keys.
func ApplyInitializeOptions(base Config, raw json.RawMessage) (Config, error) {
	if len(raw) == 0 {
		return base, nil
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return Config{}, errors.Wrap(err, errDecodeOptions)
	}

	opts, err := decodeOptions(raw)
	if err != nil {
		return Config{}, err
	}
	if nested, ok := top[nestedKey]; ok {
		nestedOpts, err := decodeOptions(nested)
		if err != nil {
			return Config{}, err
		}
		opts = mergeOptions(opts, nestedOpts)
	}

	return applyOptions(base, opts), nil
}

func decodeOptions(raw json.RawMessage) (rawOptions, error) {
	var opts rawOptions
	if err := json.Unmarshal(raw, &opts); err != nil {
		return rawOptions{}, errors.Wrap(err, errDecodeOptions)
	}
	return opts, nil
}

// mergeOptions overlays override onto base, field by field.
func mergeOptions(base, override rawOptions) rawOptions {
	out := base
	if override.APIURL != nil {
		out.APIURL = override.APIURL
	}
	if override.APIKey != nil {
		out.APIKey = override.APIKey
	}
	if override.DetailLevel != nil {
		out.DetailLevel = override.DetailLevel
	}
	if override.CompactMode != nil {
		out.CompactMode = override.CompactMode
	}
	if override.EnableCache != nil {
		out.EnableCache = override.EnableCache
	}
	if override.DebounceMs != nil {
		out.DebounceMs = override.DebounceMs
	}
	if override.UserAgent != nil {
		out.UserAgent = override.UserAgent
	}
	return out
}

func applyOptions(base Config, opts rawOptions) Config {
	c := base
	if opts.APIURL != nil {
		c.APIURL = *opts.APIURL
	}
	if opts.APIKey != nil {
		c.APIKey = *opts.APIKey
	}
	if opts.DetailLevel != nil {
		c.DetailLevel = *opts.DetailLevel
	}
	if opts.CompactMode != nil {
		c.CompactMode = *opts.CompactMode
	}
	if opts.EnableCache != nil {
		c.EnableCache = *opts.EnableCache
	}
	if opts.DebounceMs != nil {
		c.DebounceMs = *opts.DebounceMs
	}
	if opts.UserAgent != nil {
		c.UserAgent = *opts.UserAgent
	}
	return c
}
