package transport

import (
	"errors"
	"log/slog"
	"testing"
	"time"
)

func TestTopicsBuild(t *testing.T) {
	tp := NewTopics("")
	if got := tp.Command("GH-1"); got != "garden/GH-1/command" {
		t.Errorf("Command = %q", got)
	}
	if got := tp.Settings("GH-1"); got != "garden/GH-1/settings" {
		t.Errorf("Settings = %q", got)
	}

	in := tp.Inbound()
	want := []string{"garden/+/data", "garden/+/status", "garden/+/sync", "garden/+/update"}
	if len(in) != len(want) {
		t.Fatalf("Inbound = %v, want %v", in, want)
	}
	for i := range want {
		if in[i] != want[i] {
			t.Errorf("Inbound[%d] = %q, want %q", i, in[i], want[i])
		}
	}
}

func TestTopicsParse(t *testing.T) {
	tp := NewTopics("garden")
	tests := []struct {
		topic   string
		serial  string
		kind    Kind
		wantErr bool
	}{
		{"garden/GH-1/data", "GH-1", KindData, false},
		{"garden/GH-1/status", "GH-1", KindStatus, false},
		{"garden/GH-1/sync", "GH-1", KindSync, false},
		{"garden/GH-1/update", "GH-1", KindUpdate, false},
		{"garden/GH-1/command", "", "", true},
		{"garden/GH-1", "", "", true},
		{"garden//data", "", "", true},
		{"garden/GH-1/data/extra", "", "", true},
		{"other/GH-1/data", "", "", true},
	}
	for _, tt := range tests {
		serial, kind, err := tp.Parse(tt.topic)
		if (err != nil) != tt.wantErr {
			t.Errorf("Parse(%q) err = %v, wantErr %v", tt.topic, err, tt.wantErr)
			continue
		}
		if serial != tt.serial || kind != tt.kind {
			t.Errorf("Parse(%q) = %q,%q want %q,%q", tt.topic, serial, kind, tt.serial, tt.kind)
		}
	}
}

func TestDisabledClient(t *testing.T) {
	c := NewDisabledClient(slog.Default())
	if c.Connected() {
		t.Error("disabled client reports connected")
	}
	if err := c.Publish("garden/x/command", []byte("{}")); err != nil {
		t.Errorf("Publish = %v, want nil", err)
	}
	if err := c.Subscribe("garden/+/data", func(string, []byte) {}); err != nil {
		t.Errorf("Subscribe = %v, want nil", err)
	}
	c.Stop()
}

func TestConnectFallsBackToDisabled(t *testing.T) {
	c := Connect(Config{Broker: "tcp://127.0.0.1:1", ConnectTimeout: 2 * time.Second}, slog.Default())
	if _, ok := c.(*DisabledClient); !ok {
		t.Fatalf("Connect = %T, want *DisabledClient", c)
	}
	if c.Connected() {
		t.Error("fallback client reports connected")
	}
}

func TestConnectWithoutBroker(t *testing.T) {
	c := Connect(Config{}, slog.Default())
	if _, ok := c.(*DisabledClient); !ok {
		t.Fatalf("Connect = %T, want *DisabledClient", c)
	}
}

func TestLivePublishWhileDisconnected(t *testing.T) {
	c := NewLiveClient(Config{Broker: "tcp://127.0.0.1:1"}, slog.Default())
	err := c.Publish("garden/x/command", []byte("{}"))
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish err = %v, want ErrNotConnected", err)
	}
	// Subscribing while down only records the handler.
	if err := c.Subscribe("garden/+/data", func(string, []byte) {}); err != nil {
		t.Errorf("Subscribe = %v, want nil", err)
	}
}
