package natsbus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"ctlflow/internal/config"
	"ctlflow/internal/dispatch"
)

func TestSubject(t *testing.T) {
	tests := []struct {
		prefix, topic, want string
	}{
		{"ctl.cmd", "/ten01/prod01/d1/cmd/reset", "ctl.cmd.ten01.prod01.d1.cmd.reset"},
		{"ctl.cmd", "/ten01/prod01/d1/3311/0/5850", "ctl.cmd.ten01.prod01.d1.3311.0.5850"},
		{"ctl.cmd", "//a//b/", "ctl.cmd.a.b"},
		{"ctl.cmd", "/t/p/dev.1/fw v2", "ctl.cmd.t.p.dev_1.fw_v2"},
		{"ctl.cmd", "/t/p/*/>", "ctl.cmd.t.p._._"},
		{"", "/a/b", "a.b"},
	}
	for _, tt := range tests {
		if got := Subject(tt.prefix, tt.topic); got != tt.want {
			t.Errorf("Subject(%q, %q) = %q, want %q", tt.prefix, tt.topic, got, tt.want)
		}
	}
}

// TestServerRoundTrip needs a NATS server; set CTLFLOW_TEST_NATS_URL to run it.
func TestServerRoundTrip(t *testing.T) {
	url := os.Getenv("CTLFLOW_TEST_NATS_URL")
	if url == "" {
		t.Skip("CTLFLOW_TEST_NATS_URL not set")
	}

	bus, err := Connect(config.NATSConfig{URL: url, Name: "ctlflow-test", SubjectPrefix: "ctltest.cmd", AckSubject: "ctltest.ack.>"})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmds := make(chan *nats.Msg, 1)
	sub, err := bus.nc.ChanSubscribe("ctltest.cmd.>", cmds)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	acks := make(chan []byte, 1)
	if err := bus.SubscribeAcks(ctx, func(_ context.Context, p []byte) error {
		acks <- p
		return nil
	}); err != nil {
		t.Fatalf("SubscribeAcks() error = %v", err)
	}

	if err := bus.Publish(ctx, dispatch.Outbound{TaskID: "t1", Topic: "/ten01/prod01/d1/cmd", Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	select {
	case m := <-cmds:
		if m.Subject != "ctltest.cmd.ten01.prod01.d1.cmd" {
			t.Errorf("subject = %q", m.Subject)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("command not received")
	}

	if err := bus.nc.Publish("ctltest.ack.d1", []byte(`{"task_id":"t1","result":"ok"}`)); err != nil {
		t.Fatal(err)
	}
	select {
	case <-acks:
	case <-time.After(5 * time.Second):
		t.Fatal("ack not received")
	}
}
