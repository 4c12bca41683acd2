package ratelimit

import "testing"

func TestMessageBurstExhausts(t *testing.T) {
	l := New(Conf{MessagesPerSec: 1, MessageBurst: 3})
	defer l.Close()

	for i := 0; i < 3; i++ {
		if !l.AllowMessage("s1") {
			t.Fatalf("send %d should pass within burst", i+1)
		}
	}
	if l.AllowMessage("s1") {
		t.Fatalf("send over burst should be limited")
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	l := New(Conf{MessagesPerSec: 1, MessageBurst: 1})
	defer l.Close()

	if !l.AllowMessage("a") {
		t.Fatalf("first send for a should pass")
	}
	if l.AllowMessage("a") {
		t.Fatalf("second send for a should be limited")
	}
	if !l.AllowMessage("b") {
		t.Fatalf("b must not be affected by a's bucket")
	}
}

func TestTypingBucketIndependent(t *testing.T) {
	l := New(Conf{MessagesPerSec: 1, MessageBurst: 1, TypingPerSec: 1, TypingBurst: 2})
	defer l.Close()

	if !l.AllowMessage("s") {
		t.Fatalf("message within burst")
	}
	if l.AllowMessage("s") {
		t.Fatalf("message over burst")
	}
	// typing bucket still has tokens
	if !l.AllowTyping("s") || !l.AllowTyping("s") {
		t.Fatalf("typing bucket must not share message tokens")
	}
	if l.AllowTyping("s") {
		t.Fatalf("typing over burst")
	}
}

func TestRemoveResetsBuckets(t *testing.T) {
	l := New(Conf{MessagesPerSec: 1, MessageBurst: 1})
	defer l.Close()

	l.AllowMessage("s")
	if l.AllowMessage("s") {
		t.Fatalf("bucket should be empty")
	}
	l.Remove("s")
	if !l.AllowMessage("s") {
		t.Fatalf("new connection starts with a fresh bucket")
	}
}
