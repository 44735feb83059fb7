package app_test

import (
	"errors"
	"testing"
	"time"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
)

func newChatFixture(typingTimeout time.Duration) (*app.ChatBus, *app.RoomManager, *recordingNotifier) {
	notifier := &recordingNotifier{}
	rooms := app.NewRoomManager(notifier, 10)
	_, _ = rooms.Join(app.DefaultChannel, alice)
	_, _ = rooms.Join(app.DefaultChannel, bob)
	notifier.reset()
	return app.NewChatBus(rooms, notifier, typingTimeout), rooms, notifier
}

func TestSendStoresCorrectedText(t *testing.T) {
	bus, rooms, notifier := newChatFixture(time.Second)
	defer bus.Close()

	msg, err := bus.Send(app.DefaultChannel, alice, "  I recieve teh mail  ", "c-1")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Text != "I receive the mail" || msg.ClientID != "c-1" || msg.AuthorID != "u1" {
		t.Fatalf("unexpected message %+v", msg)
	}
	history, _ := rooms.History(app.DefaultChannel)
	last := history[len(history)-1]
	if last.Text != "I receive the mail" {
		t.Fatalf("history must hold the corrected text, got %q", last.Text)
	}
	if got := notifier.sentTo("u2", app.EventRoomMessage); len(got) != 1 || got[0].(domain.Message).Text != msg.Text {
		t.Fatalf("expected bob to receive the corrected message, got %+v", got)
	}
}

func TestSendValidation(t *testing.T) {
	bus, rooms, _ := newChatFixture(time.Second)
	defer bus.Close()

	if _, err := bus.Send(app.DefaultChannel, alice, " \n\t ", ""); !errors.Is(err, domain.ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if _, err := bus.Send("nowhere", alice, "hi", ""); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
	if _, err := bus.Send(app.DefaultChannel, carol, "hi", ""); !errors.Is(err, domain.ErrNotMember) {
		t.Fatalf("expected ErrNotMember, got %v", err)
	}
	if err := rooms.EnsureQuizRoom(app.QuizRoomID("q")); err != nil {
		t.Fatalf("ensure quiz room: %v", err)
	}
	if _, err := bus.Send(app.QuizRoomID("q"), alice, "hi", ""); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("quiz rooms carry no chat, got %v", err)
	}
}

func TestTypingExpires(t *testing.T) {
	bus, _, notifier := newChatFixture(30 * time.Millisecond)
	defer bus.Close()

	if err := bus.TypingStart(app.DefaultChannel, alice); err != nil {
		t.Fatalf("typing start: %v", err)
	}
	_ = bus.TypingStart(app.DefaultChannel, alice)
	if got := len(notifier.sentTo("u2", app.EventUserTyping)); got != 1 {
		t.Fatalf("repeated typing_start must announce once, got %d", got)
	}

	waitFor(t, time.Second, func() bool { return !bus.IsTyping(app.DefaultChannel, "u1") })
	if got := len(notifier.sentTo("u2", app.EventUserStopTyping)); got != 1 {
		t.Fatalf("expected one stop event, got %d", got)
	}
}

func TestSendClearsTyping(t *testing.T) {
	bus, _, notifier := newChatFixture(time.Minute)
	defer bus.Close()

	_ = bus.TypingStart(app.DefaultChannel, alice)
	_, _ = bus.Send(app.DefaultChannel, alice, "done", "")
	if bus.IsTyping(app.DefaultChannel, "u1") {
		t.Fatalf("sending should stop typing")
	}
	if got := len(notifier.sentTo("u2", app.EventUserStopTyping)); got != 1 {
		t.Fatalf("expected a stop event, got %d", got)
	}

	bus.TypingStop(app.DefaultChannel, "u1")
	if got := len(notifier.sentTo("u2", app.EventUserStopTyping)); got != 1 {
		t.Fatalf("stop without typing must be silent, got %d", got)
	}
}

func TestTypingRequiresMembership(t *testing.T) {
	bus, _, _ := newChatFixture(time.Second)
	defer bus.Close()
	if err := bus.TypingStart(app.DefaultChannel, carol); !errors.Is(err, domain.ErrNotMember) {
		t.Fatalf("expected ErrNotMember, got %v", err)
	}
}

func TestAnnounceRequiresAdmin(t *testing.T) {
	bus, _, notifier := newChatFixture(time.Second)
	defer bus.Close()

	if _, err := bus.Announce(alice, "hello"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := bus.Announce(host, "maintenance at 5"); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if len(notifier.broadcastsOf(app.EventAdminMessage)) != 1 {
		t.Fatalf("expected admin_message broadcast")
	}
}
