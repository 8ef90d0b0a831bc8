package nats

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"
)

func TestSubject(t *testing.T) {
	cases := map[string]string{
		"meact.sensors.temp.10": "meact.sensors.temp.10",
		"/home/alarm/siren/":    "home.alarm.siren",
		"sensors/+/10":          "sensors.*.10",
		"sensors/#":             "sensors.>",
	}
	for in, want := range cases {
		if got := Subject(in); got != want {
			t.Fatalf("Subject(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestConnect_EmptyURL(t *testing.T) {
	if _, err := Connect(context.Background(), Config{}, nil); err == nil {
		t.Fatalf("expected error for empty url")
	}
}

func TestBus_Integration(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	suffix := strconv.FormatInt(time.Now().UnixNano(), 10)
	bus, err := Connect(ctx, Config{URL: url, Name: "meact-test", StatusBucket: "meact_test_" + suffix}, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer bus.Close()

	got := make(chan string, 4)
	subject := "meact.test." + suffix + ".>"
	if err := bus.Subscribe(subject, func(_ context.Context, topic string, payload []byte) {
		got <- topic + "=" + string(payload)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	topic := "meact/test/" + suffix + "/temp/10"
	if err := bus.Publish(ctx, topic, []byte("21"), true); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-got:
		if msg != "meact.test."+suffix+".temp.10=21" {
			t.Fatalf("unexpected message %q", msg)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for message")
	}

	payload, ok, err := bus.Retained(ctx, topic)
	if err != nil || !ok || string(payload) != "21" {
		t.Fatalf("unexpected retained value %q ok=%v err=%v", payload, ok, err)
	}
}
