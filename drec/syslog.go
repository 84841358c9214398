package drec

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

const (
	syslogAppName = "drec-sync"
	syslogSDID    = "drec"
	syslogTimeout = 3 * time.Second
	// local0.info
	syslogPriority = 134
)

type SyslogSender interface {
	SendRFC5424Timeout(appName string, structuredData string, message string, timeout time.Duration) error
}

// SyslogClient sends one RFC 5424 line per TCP connection.
type SyslogClient struct {
	addr     string
	hostname string
}

func NewSyslogClient(addr string) *SyslogClient {
	host, _ := os.Hostname()
	return &SyslogClient{addr: addr, hostname: sanitizeSyslogToken(host)}
}

func (c *SyslogClient) SendRFC5424Timeout(appName string, structuredData string, message string, timeout time.Duration) error {
	conn, err := c.dial(timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	w := bufio.NewWriter(conn)
	if _, err := w.WriteString(c.formatLine(time.Now(), appName, structuredData, message)); err != nil {
		return err
	}
	return w.Flush()
}

func (c *SyslogClient) dial(timeout time.Duration) (net.Conn, error) {
	if timeout <= 0 {
		return net.Dial("tcp", c.addr)
	}
	conn, err := net.DialTimeout("tcp", c.addr, timeout)
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))
	return conn, nil
}

// formatLine renders <PRI>1 TIMESTAMP HOST APP - - SD MSG with local0.info priority.
func (c *SyslogClient) formatLine(now time.Time, appName string, structuredData string, message string) string {
	if appName == "" {
		appName = syslogAppName
	}
	if structuredData == "" {
		structuredData = "-"
	}
	return fmt.Sprintf("<%d>1 %s %s %s - - %s %s\n",
		syslogPriority,
		now.UTC().Format(time.RFC3339Nano),
		c.hostname,
		sanitizeSyslogToken(appName),
		structuredData,
		strings.TrimSpace(message),
	)
}

func sanitizeSyslogToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "-"
	}
	return strings.ReplaceAll(s, " ", "_")
}

// RecordNotice describes one committed record for the syslog receiver.
type RecordNotice struct {
	Substation  string
	Device      string
	Address     string
	Record      string
	TriggerTime string
	Files       []string
}

// Notifier forwards committed records to a syslog receiver.
type Notifier struct {
	sender SyslogSender
}

func NewNotifier(sender SyslogSender) *Notifier {
	return &Notifier{sender: sender}
}

func (n *Notifier) NotifyRecord(rec RecordNotice) error {
	structured := buildStructuredData(syslogSDID,
		sdParam{"substation", rec.Substation},
		sdParam{"device", rec.Device},
		sdParam{"address", rec.Address},
		sdParam{"record", rec.Record},
		sdParam{"trigger_time", rec.TriggerTime},
	)
	payload, err := json.Marshal(map[string]any{
		"record":       rec.Record,
		"trigger_time": rec.TriggerTime,
		"files":        rec.Files,
	})
	if err != nil {
		return err
	}
	return n.sender.SendRFC5424Timeout(syslogAppName, structured, string(payload), syslogTimeout)
}

type sdParam struct {
	name  string
	value string
}

// buildStructuredData renders one SD-ELEMENT; blank values are left out.
func buildStructuredData(sdID string, params ...sdParam) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s", sdID)
	for _, p := range params {
		if strings.TrimSpace(p.value) == "" {
			continue
		}
		fmt.Fprintf(&b, " %s=\"%s\"", p.name, escapeSDParam(p.value))
	}
	b.WriteByte(']')
	return b.String()
}

var sdParamEscaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	`]`, `\]`,
	"\n", " ",
	"\r", " ",
)

// escapeSDParam escapes a PARAM-VALUE; line breaks become spaces.
func escapeSDParam(v string) string {
	return sdParamEscaper.Replace(v)
}
