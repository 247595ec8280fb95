package config

import (
	"fmt"
	"net"
	"os"

	yaml "gopkg.in/yaml.v2"
)

// Camera holds the per-camera settings. The key of the cameras mapping is
// called the "camera hash" and doubles as the URL path viewers request.
type Camera struct {
	URL string `yaml:"url"`
}

// Cameras is an ordered set of cameras keyed by camera hash. Order matters:
// each camera's UDP receive ports are derived from its position in the
// configuration file.
type Cameras struct {
	order  []string
	byHash map[string]Camera
}

// UnmarshalYAML decodes the cameras mapping preserving source order.
func (c *Cameras) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var slice yaml.MapSlice
	if err := unmarshal(&slice); err != nil {
		return err
	}

	c.byHash = make(map[string]Camera, len(slice))
	for _, item := range slice {
		hash, ok := item.Key.(string)
		if !ok {
			return fmt.Errorf("camera hash must be a string, got %T", item.Key)
		}
		if _, dup := c.byHash[hash]; dup {
			return fmt.Errorf("duplicate camera hash: %s", hash)
		}

		// Re-encode the value and decode it into the Camera struct
		raw, err := yaml.Marshal(item.Value)
		if err != nil {
			return err
		}
		var cam Camera
		if err := yaml.Unmarshal(raw, &cam); err != nil {
			return fmt.Errorf("camera %s: %w", hash, err)
		}

		c.order = append(c.order, hash)
		c.byHash[hash] = cam
	}
	return nil
}

// Len returns the number of configured cameras
func (c *Cameras) Len() int {
	return len(c.order)
}

// Hashes returns the camera hashes in configuration order
func (c *Cameras) Hashes() []string {
	return c.order
}

// Get returns the camera for the given hash
func (c *Cameras) Get(hash string) (Camera, bool) {
	cam, ok := c.byHash[hash]
	return cam, ok
}

// Has reports whether the given camera hash is configured
func (c *Cameras) Has(hash string) bool {
	_, ok := c.byHash[hash]
	return ok
}

// Index returns the position of the given hash in configuration order, or -1
func (c *Cameras) Index(hash string) int {
	for i, h := range c.order {
		if h == hash {
			return i
		}
	}
	return -1
}

// Config holds all settings for the proxy. It is immutable after Load.
type Config struct {
	RTSPHost     string  `yaml:"rtsp_host"`
	RTSPPort     int     `yaml:"rtsp_port"`
	StartUDPPort int     `yaml:"start_udp_port"`
	LocalIP      string  `yaml:"local_ip"`
	TCPMode      bool    `yaml:"tcp_mode"`
	WebLimit     int     `yaml:"web_limit"`
	Cameras      Cameras `yaml:"cameras"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.RTSPHost == "" {
		c.RTSPHost = "0.0.0.0"
	}
	if c.RTSPPort == 0 {
		c.RTSPPort = 4554
	}
	if c.StartUDPPort == 0 {
		c.StartUDPPort = 5550
	}
	if c.LocalIP == "" {
		c.LocalIP = detectLocalIP()
	}
}

// Validate checks that all required configuration fields are present
func (c *Config) Validate() error {
	if c.RTSPPort <= 0 || c.RTSPPort > 65535 {
		return fmt.Errorf("invalid rtsp_port: %d", c.RTSPPort)
	}
	if c.StartUDPPort <= 0 || c.StartUDPPort > 65535 {
		return fmt.Errorf("invalid start_udp_port: %d", c.StartUDPPort)
	}
	if c.Cameras.Len() == 0 {
		return fmt.Errorf("no cameras configured")
	}
	for _, hash := range c.Cameras.Hashes() {
		cam, _ := c.Cameras.Get(hash)
		if cam.URL == "" {
			return fmt.Errorf("camera %s: missing url", hash)
		}
	}
	return nil
}

// detectLocalIP returns the host's primary IPv4 address, matching the
// hostname-resolution behavior players see in rewritten SDP and RTP-Info
func detectLocalIP() string {
	hostname, err := os.Hostname()
	if err == nil {
		if addrs, err := net.LookupHost(hostname); err == nil {
			for _, a := range addrs {
				ip := net.ParseIP(a)
				if ip != nil && ip.To4() != nil && !ip.IsLoopback() {
					return a
				}
			}
		}
	}

	// Fall back to the address a UDP socket would use for an external peer
	conn, err := net.Dial("udp", "8.8.8.8:53")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
