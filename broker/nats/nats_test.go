package nats

import (
	"errors"
	"os"
	"reflect"
	"testing"

	"github.com/ggoodman/mqtt-gateway-go/broker"
	"github.com/ggoodman/mqtt-gateway-go/broker/brokertest"
	"github.com/nats-io/nats.go"
)

func natsURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url)
	if err != nil {
		t.Skipf("nats server not available at %s: %v", url, err)
	}
	nc.Close()
	return url
}

func TestClient_Conformance(t *testing.T) {
	url := natsURL(t)
	brokertest.RunBrokerTests(t, func(t *testing.T) broker.Client {
		return New(url)
	})
}

func TestFilterSubjects(t *testing.T) {
	tests := []struct {
		filter string
		want   []string
	}{
		{"personal/c/s", []string{"personal.c.s"}},
		{"personal/+/s", []string{"personal.*.s"}},
		{"personal/c/s/#", []string{"personal.c.s", "personal.c.s.>"}},
		{"#", []string{">"}},
	}
	for _, tt := range tests {
		got, err := filterSubjects(tt.filter)
		if err != nil {
			t.Fatalf("filterSubjects(%q): %v", tt.filter, err)
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("filterSubjects(%q) = %q, want %q", tt.filter, got, tt.want)
		}
	}

	for _, bad := range []string{"", "a/#/b", "a.b/#", "a//b", "a/b c"} {
		if _, err := filterSubjects(bad); !errors.Is(err, broker.ErrInvalidTopic) {
			t.Errorf("filterSubjects(%q) err = %v, want ErrInvalidTopic", bad, err)
		}
	}
}

func TestTopicSubject(t *testing.T) {
	got, err := topicSubject("personal/c1/6f1c/chat")
	if err != nil {
		t.Fatalf("topicSubject: %v", err)
	}
	if got != "personal.c1.6f1c.chat" {
		t.Fatalf("topicSubject = %q", got)
	}
	if back := subjectTopic(got); back != "personal/c1/6f1c/chat" {
		t.Fatalf("subjectTopic = %q", back)
	}

	for _, bad := range []string{"", "a/+", "a/#", "a.b", "a/*", "a/>", "a/b c", "a//b"} {
		if _, err := topicSubject(bad); !errors.Is(err, broker.ErrInvalidTopic) {
			t.Errorf("topicSubject(%q) err = %v, want ErrInvalidTopic", bad, err)
		}
	}
}

func TestClient_OperationsBeforeConnect(t *testing.T) {
	c := New(nats.DefaultURL)
	if err := c.Unsubscribe(t.Context(), "a/#"); !errors.Is(err, broker.ErrNotConnected) {
		t.Fatalf("Unsubscribe before Connect = %v, want ErrNotConnected", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close before Connect: %v", err)
	}
}
