package drec

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

type sentMessage struct {
	appName        string
	structuredData string
	message        string
	timeout        time.Duration
}

type mockSender struct {
	mu    sync.Mutex
	calls []sentMessage
	err   error
}

func (m *mockSender) SendRFC5424Timeout(appName string, structuredData string, message string, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, sentMessage{appName: appName, structuredData: structuredData, message: message, timeout: timeout})
	return m.err
}

func (m *mockSender) snapshot() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sentMessage, len(m.calls))
	copy(out, m.calls)
	return out
}

func TestBuildStructuredData_KeepsOrderAndSkipsBlank(t *testing.T) {
	sd := buildStructuredData("drec",
		sdParam{"substation", "SUB1"},
		sdParam{"device", "ied1"},
		sdParam{"address", " "},
		sdParam{"record", `R"1]`},
	)
	want := `[drec substation="SUB1" device="ied1" record="R\"1\]"]`
	if sd != want {
		t.Fatalf("got %q, want %q", sd, want)
	}
	if got := buildStructuredData("drec"); got != "[drec]" {
		t.Fatalf("got %q for empty element", got)
	}
}

func TestEscapeSDParam(t *testing.T) {
	got := escapeSDParam("a\"b]c\\d\ne")
	want := `a\"b\]c\\d e`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestNotifier_NotifyRecord(t *testing.T) {
	sender := &mockSender{}
	n := NewNotifier(sender)
	err := n.NotifyRecord(RecordNotice{
		Substation:  "SUB 1",
		Device:      "ied1",
		Address:     "10.0.0.1",
		Record:      "REC1",
		TriggerTime: "20010203_040508",
		Files:       []string{"/d/20010203_040508_REC1.cfg", "/d/20010203_040508_REC1.dat"},
	})
	if err != nil {
		t.Fatal(err)
	}
	calls := sender.snapshot()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	c := calls[0]
	if c.appName != "drec-sync" || c.timeout != syslogTimeout {
		t.Fatalf("unexpected call %+v", c)
	}
	if !strings.HasPrefix(c.structuredData, `[drec substation="SUB 1" device="ied1" address="10.0.0.1" record="REC1"`) {
		t.Fatalf("unexpected structured data %q", c.structuredData)
	}
	var payload struct {
		Record      string   `json:"record"`
		TriggerTime string   `json:"trigger_time"`
		Files       []string `json:"files"`
	}
	if err := json.Unmarshal([]byte(c.message), &payload); err != nil {
		t.Fatalf("message should be json: %v", err)
	}
	if payload.Record != "REC1" || payload.TriggerTime != "20010203_040508" || len(payload.Files) != 2 {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestNotifier_PropagatesSendError(t *testing.T) {
	sender := &mockSender{err: errors.New("mock syslog send failure")}
	if err := NewNotifier(sender).NotifyRecord(RecordNotice{Record: "R"}); err == nil {
		t.Fatalf("expected send error")
	}
}

func TestSyslogClient_WritesRFC5424Line(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	lines := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			lines <- ""
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		lines <- line
	}()

	c := NewSyslogClient(ln.Addr().String())
	if err := c.SendRFC5424Timeout("drec sync", `[drec record="R"]`, " hello ", time.Second); err != nil {
		t.Fatal(err)
	}
	select {
	case line := <-lines:
		if !strings.HasPrefix(line, "<134>1 ") {
			t.Fatalf("unexpected header %q", line)
		}
		if !strings.Contains(line, ` drec_sync - - [drec record="R"] hello`+"\n") {
			t.Fatalf("unexpected line %q", line)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no line received")
	}
}
