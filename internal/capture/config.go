package capture

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/gopacket/layers"
	"github.com/google/uuid"

	"labcap/internal/core"
)

// Wire-level bounds. Existing callers depend on these exact values.
const (
	MaxPackets      = 1_000_000
	MaxTimeSeconds  = 86_400
	MaxFilterLength = 128
	MaxMACLength    = 128
)

// Encapsulation is the link-layer framing assumed for captured bytes.
type Encapsulation string

const (
	EncapEthernet  Encapsulation = "ethernet"
	EncapFrelay    Encapsulation = "frelay"
	EncapPPP       Encapsulation = "ppp"
	EncapPPPHDLC   Encapsulation = "ppp_hdlc"
	EncapPPPoE     Encapsulation = "pppoe"
	EncapCHDLC     Encapsulation = "c_hdlc"
	EncapSLIP      Encapsulation = "slip"
	EncapAX25      Encapsulation = "ax25"
	EncapIEEE80211 Encapsulation = "ieee802_11"
	EncapRadiotap  Encapsulation = "radiotap"
)

var linkTypes = map[Encapsulation]layers.LinkType{
	EncapEthernet:  layers.LinkTypeEthernet,
	EncapFrelay:    layers.LinkTypeFRelay,
	EncapPPP:       layers.LinkTypePPP,
	EncapPPPHDLC:   layers.LinkTypePPP_HDLC,
	EncapPPPoE:     layers.LinkTypePPPEthernet,
	EncapCHDLC:     layers.LinkTypeC_HDLC,
	EncapSLIP:      layers.LinkTypeSLIP,
	EncapAX25:      layers.LinkTypeAX25,
	EncapIEEE80211: layers.LinkTypeIEEE802_11,
	EncapRadiotap:  layers.LinkTypeIEEE80211Radio,
}

// Descriptive spellings accepted on input and normalized to the wire form.
var encapAliases = map[string]Encapsulation{
	"frame-relay": EncapFrelay,
	"ppp-hdlc":    EncapPPPHDLC,
	"cisco-hdlc":  EncapCHDLC,
}

// ParseEncapsulation maps s to a known encapsulation.
func ParseEncapsulation(s string) (Encapsulation, error) {
	e := Encapsulation(strings.ToLower(s))
	if _, ok := linkTypes[e]; ok {
		return e, nil
	}
	if alias, ok := encapAliases[strings.ToLower(s)]; ok {
		return alias, nil
	}
	return "", core.Invalid("encap", "unknown encapsulation %q", s)
}

// LinkType returns the pcap link type used to frame packets of this encapsulation.
func (e Encapsulation) LinkType() layers.LinkType {
	if lt, ok := linkTypes[e]; ok {
		return lt
	}
	return layers.LinkTypeEthernet
}

// Config bounds a single capture attempt. A Config returned by ParseConfig
// or by JSON decoding has been default-filled and validated.
type Config struct {
	MaxPackets    int           `json:"maxpackets"`
	MaxTime       int           `json:"maxtime"`
	BPFFilter     string        `json:"bpfilter"`
	Encapsulation Encapsulation `json:"encap"`
}

// DefaultConfig returns the configuration used for every omitted field.
func DefaultConfig() Config {
	return Config{
		MaxPackets:    MaxPackets,
		MaxTime:       MaxTimeSeconds,
		BPFFilter:     "",
		Encapsulation: EncapEthernet,
	}
}

// Duration is the time bound as a time.Duration.
func (c Config) Duration() time.Duration {
	return time.Duration(c.MaxTime) * time.Second
}

// Validate checks every bound. It does not look at filter syntax.
func (c Config) Validate() error {
	if c.MaxPackets < 1 || c.MaxPackets > MaxPackets {
		return core.Invalid("maxpackets", "must be between 1 and %d, got %d", MaxPackets, c.MaxPackets)
	}
	if c.MaxTime < 1 || c.MaxTime > MaxTimeSeconds {
		return core.Invalid("maxtime", "must be between 1 and %d, got %d", MaxTimeSeconds, c.MaxTime)
	}
	if n := utf8.RuneCountInString(c.BPFFilter); n > MaxFilterLength {
		return core.Invalid("bpfilter", "must be at most %d characters, got %d", MaxFilterLength, n)
	}
	if _, ok := linkTypes[c.Encapsulation]; !ok {
		return core.Invalid("encap", "unknown encapsulation %q", c.Encapsulation)
	}
	return nil
}

// ParseConfig decodes a start payload. Unknown fields are rejected.
func ParseConfig(raw []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, asInputError(err)
	}
	return cfg, nil
}

// UnmarshalJSON decodes strictly, fills defaults and validates.
func (c *Config) UnmarshalJSON(data []byte) error {
	var w wireConfig
	if err := core.DecodeStrict(data, &w); err != nil {
		return err
	}
	cfg, err := w.resolve()
	if err != nil {
		return err
	}
	*c = cfg
	return nil
}

// optional records whether a JSON member was present and whether it was null.
type optional[T any] struct {
	set   bool
	null  bool
	value T
}

func (o *optional[T]) UnmarshalJSON(data []byte) error {
	o.set = true
	if bytes.Equal(data, []byte("null")) {
		o.null = true
		return nil
	}
	return json.Unmarshal(data, &o.value)
}

func (o optional[T]) present() bool {
	return o.set && !o.null
}

type wireConfig struct {
	MaxPackets optional[int]    `json:"maxpackets"`
	MaxTime    optional[int]    `json:"maxtime"`
	BPFFilter  optional[string] `json:"bpfilter"`
	Encap      optional[string] `json:"encap"`
}

func (w wireConfig) resolve() (Config, error) {
	if w.MaxPackets.null && w.MaxTime.null {
		return Config{}, core.Invalid("maxpackets", "either 'maxpackets' or 'maxtime' must be specified")
	}
	cfg := DefaultConfig()
	if w.MaxPackets.present() {
		cfg.MaxPackets = w.MaxPackets.value
	}
	if w.MaxTime.present() {
		cfg.MaxTime = w.MaxTime.value
	}
	if w.BPFFilter.null {
		return Config{}, core.Invalid("bpfilter", "must be a string")
	}
	if w.BPFFilter.present() {
		cfg.BPFFilter = w.BPFFilter.value
	}
	if w.Encap.null {
		return Config{}, core.Invalid("encap", "must be a string")
	}
	if w.Encap.present() {
		e, err := ParseEncapsulation(w.Encap.value)
		if err != nil {
			return Config{}, err
		}
		cfg.Encapsulation = e
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WirelessConfig is the start payload of a node-scoped wireless capture.
// CaptureKey and NodeID are redundant and must always be equal.
type WirelessConfig struct {
	Config
	CaptureKey string `json:"link_capture_key"`
	MAC        string `json:"mac,omitempty"`
	NodeID     string `json:"node_id"`
}

type wireWireless struct {
	wireConfig
	CaptureKey optional[string] `json:"link_capture_key"`
	MAC        optional[string] `json:"mac"`
	NodeID     optional[string] `json:"node_id"`
}

// UnmarshalJSON decodes strictly and validates, including the key/node identity.
func (w *WirelessConfig) UnmarshalJSON(data []byte) error {
	var raw wireWireless
	if err := core.DecodeStrict(data, &raw); err != nil {
		return err
	}
	cfg, err := raw.wireConfig.resolve()
	if err != nil {
		return err
	}
	if !raw.CaptureKey.present() {
		return core.Invalid("link_capture_key", "field required")
	}
	if !raw.NodeID.present() {
		return core.Invalid("node_id", "field required")
	}
	out := WirelessConfig{
		Config:     cfg,
		CaptureKey: raw.CaptureKey.value,
		NodeID:     raw.NodeID.value,
	}
	if raw.MAC.present() {
		if raw.MAC.value == "" {
			return core.Invalid("mac", "must be at least 1 character")
		}
		out.MAC = raw.MAC.value
	}
	if err := out.Validate(); err != nil {
		return err
	}
	*w = out
	return nil
}

// ParseWirelessConfig decodes a wireless start payload.
func ParseWirelessConfig(raw []byte) (WirelessConfig, error) {
	var cfg WirelessConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return WirelessConfig{}, asInputError(err)
	}
	return cfg, nil
}

// asInputError keeps taxonomy errors and turns anything else the JSON
// decoder reports (syntax, empty body) into a validation error.
func asInputError(err error) error {
	if errors.Is(err, core.ErrValidation) || errors.Is(err, core.ErrInvalidCaptureKey) {
		return err
	}
	return core.Invalid("", "%v", err)
}

// Validate checks the capture bounds, the optional MAC scope and the
// identity between capture key and node id.
func (w WirelessConfig) Validate() error {
	if err := w.Config.Validate(); err != nil {
		return err
	}
	if w.NodeID == "" {
		return core.Invalid("node_id", "must not be empty")
	}
	if n := utf8.RuneCountInString(w.MAC); n > MaxMACLength {
		return core.Invalid("mac", "must be at most %d characters, got %d", MaxMACLength, n)
	}
	if !sameKey(w.CaptureKey, w.NodeID) {
		return fmt.Errorf("%w: link_capture_key %q, node_id %q", core.ErrInvalidCaptureKey, w.CaptureKey, w.NodeID)
	}
	return nil
}

// Request is what the capture engine receives to begin a capture.
type Request struct {
	Key    string
	Config Config
	// MAC scopes a wireless capture to one radio; empty for wired captures.
	MAC string
	// RunID identifies this capture run in progress and limit notices.
	RunID string
}

// Bind checks w against the session key it is being started on and returns
// the engine request. Nothing is mutated on failure.
func (w WirelessConfig) Bind(key string) (Request, error) {
	if err := w.Validate(); err != nil {
		return Request{}, err
	}
	if !sameKey(w.NodeID, key) {
		return Request{}, fmt.Errorf("%w: node_id %q, session %q", core.ErrInvalidCaptureKey, w.NodeID, key)
	}
	return Request{Key: key, Config: w.Config, MAC: w.MAC}, nil
}

// sameKey compares capture keys. Keys that are both UUIDs compare by value,
// so letter case in the hex digits does not matter.
func sameKey(a, b string) bool {
	if a == b {
		return true
	}
	ua, errA := uuid.Parse(a)
	ub, errB := uuid.Parse(b)
	return errA == nil && errB == nil && ua == ub
}
