package drec

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Protocol string

const (
	ProtocolFTP      Protocol = "FTP"
	ProtocolIEC61850 Protocol = "IEC61850"
)

// Path template tags.
const (
	TagRootPath   = "<ROOT_PATH>"
	TagSubstation = "<SUBSTATION>"
	TagName       = "<NAME>"
	TagBay        = "<BAY>"
	TagLocation   = "<LOCATION>"
	TagDevice     = "<DEVICE>"
	TagComment    = "<COMMENT>"
)

var (
	dirPathTags  = []string{TagRootPath, TagSubstation, TagName, TagBay, TagLocation, TagDevice, TagComment}
	filePathTags = []string{TagRootPath, TagSubstation}
	tagPattern   = regexp.MustCompile(`<>|<[^>]+>`)
)

// maxRequestTimeout keeps req_timeout*1000 inside an unsigned 32-bit millisecond value.
const maxRequestTimeout = 4294967

// DeviceParams are the per-device options. Every field may be set in GENERAL as a
// default and overridden per device; nil means "not set here".
type DeviceParams struct {
	Protocol    *Protocol `yaml:"protocol"`
	Port        *int      `yaml:"dev_port"`
	Dir         *string   `yaml:"dev_dir"`
	User        *string   `yaml:"user"`
	Password    *string   `yaml:"password"`
	ConTimeout  *int      `yaml:"con_timeout"`  // seconds
	ReqTimeout  *int      `yaml:"req_timeout"`  // seconds
	PollTimeout *int      `yaml:"poll_timeout"` // seconds between file requests
	RetTimeout  *int      `yaml:"ret_timeout"`  // seconds before a retry
	NoRetry     *int      `yaml:"no_retry"`
	DevTZ       *string   `yaml:"dev_tz"`
	LocalTZ     *string   `yaml:"local_tz"`
	// Device-reported sizes and times are unreliable on some IEDs, so both
	// comparisons are off unless asked for.
	CheckSize *bool `yaml:"check_size"`
	CheckTime *bool `yaml:"check_time"`
}

type GeneralConfig struct {
	Substation string `yaml:"substation"`
	RootPath   string `yaml:"root_path"`
	DirPath    string `yaml:"dir_path"`
	LogPath    string `yaml:"log_path"`
	LedgerPath string `yaml:"ledger_path"`
	SyslogAddr string `yaml:"syslog_addr"`
	// Parallel bounds the number of concurrent device sessions (default 1).
	Parallel int `yaml:"parallel"`

	DeviceParams `yaml:",inline"`
}

type DeviceEntry struct {
	Address  string  `yaml:"dev_address"`
	Name     *string `yaml:"name"`
	Bay      *string `yaml:"bay"`
	Location *string `yaml:"location"`
	Device   *string `yaml:"device"`
	Comment  *string `yaml:"comment"`

	DeviceParams `yaml:",inline"`
}

// DevicesConfig accepts either:
//  1. list form (preferred):
//     DEVICE:
//     - dev_address: 192.168.0.1
//     name: Feeder_1
//  2. mapping form keyed by device name:
//     DEVICE:
//     Feeder_1: {dev_address: 192.168.0.1}
type DevicesConfig struct {
	Items []DeviceEntry
}

func (d *DevicesConfig) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case yaml.SequenceNode:
		var items []DeviceEntry
		if err := value.Decode(&items); err != nil {
			return err
		}
		d.Items = items
		return nil
	case yaml.MappingNode:
		items := make([]DeviceEntry, 0, len(value.Content)/2)
		for i := 0; i+1 < len(value.Content); i += 2 {
			name := strings.TrimSpace(value.Content[i].Value)
			var entry DeviceEntry
			if err := value.Content[i+1].Decode(&entry); err != nil {
				return err
			}
			if entry.Name == nil && name != "" {
				entry.Name = &name
			}
			items = append(items, entry)
		}
		d.Items = items
		return nil
	default:
		return fmt.Errorf("DEVICE: expected a list or mapping, line %d", value.Line)
	}
}

type FileConfig struct {
	General GeneralConfig `yaml:"GENERAL"`
	Devices DevicesConfig `yaml:"DEVICE"`
}

// LoadConfig reads and validates one YAML configuration file.
func LoadConfig(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (*FileConfig, error) {
	var cfg FileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every schema violation at once.
func (c *FileConfig) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	g := c.General

	if strings.TrimSpace(g.Substation) == "" {
		add("GENERAL.substation is required")
	}
	if strings.TrimSpace(g.RootPath) == "" {
		add("GENERAL.root_path is required")
	}
	if strings.TrimSpace(g.DirPath) == "" {
		add("GENERAL.dir_path is required")
	}
	if strings.TrimSpace(g.LogPath) == "" {
		add("GENERAL.log_path is required")
	}
	errs = append(errs, checkTags("GENERAL.dir_path", g.DirPath, dirPathTags)...)
	errs = append(errs, checkTags("GENERAL.log_path", g.LogPath, filePathTags)...)
	errs = append(errs, checkTags("GENERAL.ledger_path", g.LedgerPath, filePathTags)...)
	if g.Parallel < 0 {
		add("GENERAL.parallel must be >= 0")
	}
	errs = append(errs, checkParams("GENERAL", g.DeviceParams, nil)...)

	if len(c.Devices.Items) == 0 {
		add("DEVICE: at least one device is required")
	}
	for i, d := range c.Devices.Items {
		field := fmt.Sprintf("DEVICE[%d]", i)
		if ip := net.ParseIP(d.Address); ip == nil || ip.To4() == nil {
			add("%s.dev_address %q is not an IPv4 address", field, d.Address)
		}
		for _, tag := range []struct {
			tag   string
			name  string
			value *string
		}{
			{TagName, "name", d.Name},
			{TagBay, "bay", d.Bay},
			{TagLocation, "location", d.Location},
			{TagDevice, "device", d.Device},
			{TagComment, "comment", d.Comment},
		} {
			if strings.Contains(g.DirPath, tag.tag) && tag.value == nil {
				add("%s.%s is required by dir_path", field, tag.name)
			}
		}
		proto := g.Protocol
		if d.Protocol != nil {
			proto = d.Protocol
		}
		if proto == nil {
			add("%s: protocol is not set", field)
			continue
		}
		errs = append(errs, checkParams(field, d.DeviceParams, proto)...)
	}
	return errors.Join(errs...)
}

func checkTags(field string, value string, supported []string) []error {
	var errs []error
	for _, tag := range tagPattern.FindAllString(value, -1) {
		ok := false
		for _, s := range supported {
			if tag == s {
				ok = true
				break
			}
		}
		if !ok {
			errs = append(errs, fmt.Errorf("%s: %s is not supported tag", field, tag))
		}
	}
	return errs
}

// checkParams validates ranges, and when proto is known, that protocol-specific
// options are only used with their protocol.
func checkParams(field string, p DeviceParams, proto *Protocol) []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s.%s", field, fmt.Sprintf(format, args...)))
	}
	if p.Protocol != nil && *p.Protocol != ProtocolFTP && *p.Protocol != ProtocolIEC61850 {
		add("protocol %q is not one of FTP, IEC61850", *p.Protocol)
	}
	if p.Port != nil && (*p.Port < 1 || *p.Port > 65535) {
		add("dev_port %d out of range 1..65535", *p.Port)
	}
	for _, t := range []struct {
		name  string
		value *int
	}{
		{"con_timeout", p.ConTimeout},
		{"req_timeout", p.ReqTimeout},
		{"poll_timeout", p.PollTimeout},
		{"ret_timeout", p.RetTimeout},
		{"no_retry", p.NoRetry},
	} {
		if t.value != nil && *t.value < 0 {
			add("%s must be >= 0", t.name)
		}
	}
	if p.ReqTimeout != nil && *p.ReqTimeout > maxRequestTimeout {
		add("req_timeout must be <= %d", maxRequestTimeout)
	}
	for _, tz := range []struct {
		name  string
		value *string
	}{
		{"dev_tz", p.DevTZ},
		{"local_tz", p.LocalTZ},
	} {
		if tz.value == nil {
			continue
		}
		if _, err := time.LoadLocation(*tz.value); err != nil || *tz.value == "" {
			add("%s %q is not a known time zone", tz.name, *tz.value)
		}
	}

	if proto == nil {
		return errs
	}
	onlyFTP := []struct {
		name string
		set  bool
	}{
		{"user", p.User != nil},
		{"password", p.Password != nil},
		{"con_timeout", p.ConTimeout != nil},
		{"dev_tz", p.DevTZ != nil},
	}
	if *proto != ProtocolFTP {
		for _, o := range onlyFTP {
			if o.set {
				add("%s is only valid for FTP", o.name)
			}
		}
	}
	if *proto != ProtocolIEC61850 && p.ReqTimeout != nil {
		add("req_timeout is only valid for IEC61850")
	}
	return errs
}

// DeviceConfig is the fully resolved parameter set for one device session.
type DeviceConfig struct {
	Name       string
	Substation string
	Address    string
	Protocol   Protocol
	Port       int
	Dir        string
	User       string
	Password   string

	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	PollDelay      time.Duration
	RetryDelay     time.Duration
	Retries        int

	DeviceTZ *time.Location
	LocalTZ  *time.Location

	CheckSize bool
	CheckTime bool

	LocalDir string
}

// Resolve merges GENERAL defaults into each device. Device fields win over GENERAL,
// GENERAL wins over protocol defaults.
// Two devices may not share a local directory: each session owns its staging
// area and archives whatever its device no longer lists.
func (c *FileConfig) Resolve() ([]DeviceConfig, error) {
	out := make([]DeviceConfig, 0, len(c.Devices.Items))
	owners := make(map[string]int, len(c.Devices.Items))
	for i := range c.Devices.Items {
		dev, err := c.resolveDevice(i)
		if err != nil {
			return nil, fmt.Errorf("DEVICE[%d]: %w", i, err)
		}
		key := filepath.Clean(dev.LocalDir)
		if j, ok := owners[key]; ok {
			return nil, fmt.Errorf("DEVICE[%d]: local directory %s is already used by DEVICE[%d]", i, dev.LocalDir, j)
		}
		owners[key] = i
		out = append(out, dev)
	}
	return out, nil
}

func (c *FileConfig) resolveDevice(i int) (DeviceConfig, error) {
	g := c.General.DeviceParams
	d := c.Devices.Items[i]
	p := d.DeviceParams

	proto := pick(p.Protocol, g.Protocol, ProtocolFTP)
	dc := DeviceConfig{
		Name:       d.displayName(),
		Substation: c.General.Substation,
		Address:    d.Address,
		Protocol:   proto,
		Dir:        CleanRemoteDir(pick(p.Dir, g.Dir, "COMTRADE")),
		PollDelay:  seconds(pick(p.PollTimeout, g.PollTimeout, 0)),
		RetryDelay: seconds(pick(p.RetTimeout, g.RetTimeout, 10)),
		Retries:    pick(p.NoRetry, g.NoRetry, 1),
		CheckSize:  pick(p.CheckSize, g.CheckSize, false),
		CheckTime:  pick(p.CheckTime, g.CheckTime, false),
		LocalDir:   c.ExpandPath(c.General.DirPath, &d),
	}
	switch proto {
	case ProtocolIEC61850:
		dc.Port = pick(p.Port, g.Port, 102)
		dc.RequestTimeout = seconds(pick(p.ReqTimeout, g.ReqTimeout, 5))
		dc.ConnectTimeout = dc.RequestTimeout
	default:
		dc.Port = pick(p.Port, g.Port, 21)
		dc.User = pick(p.User, g.User, "anonymous")
		dc.Password = pick(p.Password, g.Password, "")
		dc.ConnectTimeout = seconds(pick(p.ConTimeout, g.ConTimeout, 30))
		dc.RequestTimeout = dc.ConnectTimeout
	}

	var err error
	if dc.DeviceTZ, err = time.LoadLocation(pick(p.DevTZ, g.DevTZ, "UTC")); err != nil {
		return DeviceConfig{}, fmt.Errorf("dev_tz: %w", err)
	}
	if dc.LocalTZ, err = time.LoadLocation(pick(p.LocalTZ, g.LocalTZ, "UTC")); err != nil {
		return DeviceConfig{}, fmt.Errorf("local_tz: %w", err)
	}
	return dc, nil
}

func (d *DeviceEntry) displayName() string {
	if d.Name != nil && *d.Name != "" {
		return *d.Name
	}
	return d.Address
}

// ExpandPath substitutes path tags. Device tags are left untouched when d is nil.
func (c *FileConfig) ExpandPath(tmpl string, d *DeviceEntry) string {
	pairs := []string{
		TagRootPath, c.General.RootPath,
		TagSubstation, c.General.Substation,
	}
	if d != nil {
		pairs = append(pairs,
			TagName, deref(d.Name),
			TagBay, deref(d.Bay),
			TagLocation, deref(d.Location),
			TagDevice, deref(d.Device),
			TagComment, deref(d.Comment),
		)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

func pick[T any](device *T, general *T, def T) T {
	if device != nil {
		return *device
	}
	if general != nil {
		return *general
	}
	return def
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
