// Package config holds the enumerated options of §6 as a single
// JSON-tagged struct, loaded with json-iterator rather than encoding/json.
package config

import (
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/OneOfOne/xxhash"
	pkgerrors "github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// PortRange is an inclusive [Lo, Hi] bind range.
type PortRange struct {
	Lo int `json:"lo"`
	Hi int `json:"hi"`
}

// Config is the full set of §6 options plus the StorageDir the payload
// supervisor and appctl server use for load-session files.
type Config struct {
	ChunkSize        int       `json:"chunk_size"`
	WindowSize       int       `json:"window_size"`
	BeaconPeriod     Seconds   `json:"beacon_period"`
	AgeOut           Seconds   `json:"age_out"`
	HandshakeTimeout Seconds   `json:"handshake_timeout"`
	LoadTimeout      Seconds   `json:"load_timeout"`
	KeepalivePeriod  Seconds   `json:"keepalive_period"`
	StopGracePeriod  Seconds   `json:"stop_grace_period"`
	ServerPortRange  PortRange `json:"server_port_range"`
	EventPortRange   PortRange `json:"event_port_range"`
	StorageDir       string    `json:"storage_dir"`
}

// Seconds marshals as a plain JSON number of seconds but is consumed as a
// time.Duration everywhere else in the codebase.
type Seconds time.Duration

func (s Seconds) Duration() time.Duration { return time.Duration(s) }

func (s Seconds) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(s).Seconds())
}

func (s *Seconds) UnmarshalJSON(data []byte) error {
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return err
	}
	*s = Seconds(secs * float64(time.Second))
	return nil
}

// Default returns the §6 option table's defaults verbatim.
func Default() Config {
	return Config{
		ChunkSize:        15000,
		WindowSize:       10,
		BeaconPeriod:     Seconds(10 * time.Second),
		AgeOut:           Seconds(40 * time.Second),
		HandshakeTimeout: Seconds(5 * time.Second),
		LoadTimeout:      Seconds(60 * time.Second),
		KeepalivePeriod:  Seconds(5 * time.Second),
		StopGracePeriod:  Seconds(5 * time.Second),
		ServerPortRange:  PortRange{Lo: 8100, Hi: 8500},
		EventPortRange:   PortRange{Lo: 7000, Hi: 8000},
		StorageDir:       ".",
	}
}

// Load reads a JSON config file, filling any field the file omits from
// Default(). A missing file is not an error: Default() alone is returned.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, pkgerrors.Wrapf(err, "config: read %s", path)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, pkgerrors.Wrapf(err, "config: parse %s", path)
	}
	return cfg, nil
}

// PreferredPort deterministically picks a port within r for the given
// (user, application) pair, so repeated runs of the same logical service
// tend to claim the same port instead of scanning the range linearly from
// the bottom every time (§6 bind ranges; port selection itself is
// unspecified, so ties are broken by a fast non-cryptographic hash rather
// than always starting from Lo). Bind still falls through the whole range
// on collision; this only chooses where that scan starts.
func PreferredPort(r PortRange, user, application string) int {
	width := r.Hi - r.Lo + 1
	if width <= 0 {
		return r.Lo
	}
	h := xxhash.ChecksumString64(user + "\x1f" + application)
	return r.Lo + int(h%uint64(width))
}
