package service_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"msgcore/internal/crypto"
	"msgcore/internal/domain"
	"msgcore/internal/events"
	"msgcore/internal/service"
	"msgcore/internal/store"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// capturePublisher records events in order. Publishing happens synchronously
// inside the core, but the mutex keeps the race detector quiet for tests
// that transition concurrently.
type capturePublisher struct {
	mu     sync.Mutex
	events []events.StatusEvent
}

func (p *capturePublisher) Publish(_ context.Context, ev events.StatusEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) all() []events.StatusEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.StatusEvent(nil), p.events...)
}

func (p *capturePublisher) byAction(action events.Action) []events.StatusEvent {
	var out []events.StatusEvent
	for _, ev := range p.all() {
		if ev.Action == action {
			out = append(out, ev)
		}
	}
	return out
}

func setupCore(t *testing.T) (*service.Core, *store.Store, *capturePublisher) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	pub := &capturePublisher{}
	return service.New(st, st.Keys(), pub), st, pub
}

func provisionUser(t *testing.T, core *service.Core) (uuid.UUID, crypto.KeyPair) {
	t.Helper()
	id := uuid.New()
	kp, err := core.ProvisionUserKeys(context.Background(), id)
	if err != nil {
		t.Fatalf("provision keys: %v", err)
	}
	return id, kp
}

func createText(t *testing.T, core *service.Core, sender uuid.UUID, senderKeys crypto.KeyPair, recipient uuid.UUID, text string) *domain.Message {
	t.Helper()
	msg, err := core.CreateMessage(context.Background(), service.CreateInput{
		Sender:           sender,
		Recipient:        recipient,
		Type:             domain.TypeText,
		Plaintext:        []byte(text),
		SenderPrivateKey: senderKeys.Private[:],
	})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	return msg
}

func TestMessageLifecycleScenario(t *testing.T) {
	core, _, pub := setupCore(t)
	ctx := context.Background()

	sender, senderKeys := provisionUser(t, core)
	recipient, recipientKeys := provisionUser(t, core)

	msg := createText(t, core, sender, senderKeys, recipient, "Hi")
	if msg.Status != domain.StatusSending {
		t.Fatalf("expected sending, got %s", msg.Status)
	}

	// The stored body must decrypt for the recipient and nobody else.
	plaintext, err := crypto.DecryptFromSender(msg.Envelope(), senderKeys.Public, recipientKeys.Private)
	if err != nil {
		t.Fatalf("recipient decrypt: %v", err)
	}
	if !bytes.Equal(plaintext, []byte("Hi")) {
		t.Fatalf("decrypted %q", plaintext)
	}

	if _, err := core.Transition(ctx, msg.ID, service.ActionSent, sender, nil); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if _, err := core.Transition(ctx, msg.ID, service.ActionDelivered, recipient, nil); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	updated, err := core.Transition(ctx, msg.ID, service.ActionRead, recipient, map[string]string{"deviceTag": "mobile"})
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if updated.Status != domain.StatusRead {
		t.Fatalf("expected read, got %s", updated.Status)
	}
	if updated.ReadAt == nil || updated.DeliveredAt == nil {
		t.Fatal("timestamps missing")
	}
	if updated.DeliveredAt.After(*updated.ReadAt) {
		t.Fatal("deliveredAt must not follow readAt")
	}
	if len(updated.ReadReceipts) != 1 {
		t.Fatalf("expected 1 receipt, got %d", len(updated.ReadReceipts))
	}
	if updated.DeliveryAttempts != 1 {
		t.Fatalf("expected 1 delivery attempt, got %d", updated.DeliveryAttempts)
	}

	// Second device: new receipt, no second read event.
	again, err := core.Transition(ctx, msg.ID, service.ActionRead, recipient, map[string]string{"deviceTag": "web"})
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if len(again.ReadReceipts) != 2 {
		t.Fatalf("expected 2 receipts, got %d", len(again.ReadReceipts))
	}

	all := pub.all()
	wantActions := []events.Action{events.ActionCreated, events.ActionSent, events.ActionDelivered, events.ActionRead}
	if len(all) != len(wantActions) {
		t.Fatalf("expected %d events, got %d: %+v", len(wantActions), len(all), all)
	}
	for i, want := range wantActions {
		if all[i].Action != want {
			t.Fatalf("event %d: got %s want %s", i, all[i].Action, want)
		}
	}
	// Delivery and read notify the sender, never the acting recipient.
	for _, ev := range all[2:] {
		if ev.Notify != sender {
			t.Fatalf("event %s notified %s, want sender", ev.Action, ev.Notify)
		}
	}
	// Per-message event sequence increases with each transition.
	if !(all[1].Seq < all[2].Seq && all[2].Seq < all[3].Seq) {
		t.Fatalf("sequence not increasing: %d %d %d", all[1].Seq, all[2].Seq, all[3].Seq)
	}
}

func TestTransitionActorValidation(t *testing.T) {
	core, _, _ := setupCore(t)
	ctx := context.Background()

	sender, senderKeys := provisionUser(t, core)
	recipient, _ := provisionUser(t, core)
	msg := createText(t, core, sender, senderKeys, recipient, "hello")

	if _, err := core.Transition(ctx, msg.ID, service.ActionDelivered, sender, nil); !errors.Is(err, domain.ErrUnauthorizedTransition) {
		t.Fatalf("sender acking delivery should be rejected, got %v", err)
	}
	if _, err := core.Transition(ctx, msg.ID, service.ActionRead, sender, nil); !errors.Is(err, domain.ErrUnauthorizedTransition) {
		t.Fatalf("sender reading own message should be rejected, got %v", err)
	}
	if _, err := core.Transition(ctx, msg.ID, service.ActionSent, recipient, nil); !errors.Is(err, domain.ErrUnauthorizedTransition) {
		t.Fatalf("recipient reporting sent should be rejected, got %v", err)
	}
	if _, err := core.Transition(ctx, msg.ID, "teleported", sender, nil); !errors.Is(err, service.ErrInvalidRequest) {
		t.Fatalf("unknown action should be invalid, got %v", err)
	}
}

func TestMarkFailedRecordsAttempts(t *testing.T) {
	core, _, _ := setupCore(t)
	ctx := context.Background()

	sender, senderKeys := provisionUser(t, core)
	recipient, _ := provisionUser(t, core)
	msg := createText(t, core, sender, senderKeys, recipient, "doomed")

	failed, err := core.Transition(ctx, msg.ID, service.ActionFailed, sender, map[string]string{"reason": "relay unreachable"})
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if failed.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", failed.Status)
	}
	if failed.FailureReason != "relay unreachable" {
		t.Fatalf("reason not recorded: %q", failed.FailureReason)
	}
	if failed.DeliveryAttempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", failed.DeliveryAttempts)
	}
}

func TestMarkManyReadPartialFailure(t *testing.T) {
	core, _, pub := setupCore(t)
	ctx := context.Background()

	sender, senderKeys := provisionUser(t, core)
	recipient, _ := provisionUser(t, core)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		msg := createText(t, core, sender, senderKeys, recipient, fmt.Sprintf("msg %d", i))
		ids = append(ids, msg.ID)
	}
	missing := uuid.New()
	ids = append(ids, missing)

	result, err := core.MarkManyRead(ctx, ids, recipient, "mobile", "")
	if err != nil {
		t.Fatalf("bulk read: %v", err)
	}
	if len(result.Successful) != 3 {
		t.Fatalf("expected 3 successes, got %d", len(result.Successful))
	}
	if len(result.Failed) != 1 {
		t.Fatalf("expected 1 failure, got %d", len(result.Failed))
	}
	if result.Failed[0].MessageID != missing || result.Failed[0].Reason != "not_found" {
		t.Fatalf("unexpected failure entry: %+v", result.Failed[0])
	}

	// Notifications coalesce into one event per distinct sender.
	bulk := pub.byAction(events.ActionBulkRead)
	if len(bulk) != 1 {
		t.Fatalf("expected 1 bulk_read event, got %d", len(bulk))
	}
	if bulk[0].Notify != sender {
		t.Fatalf("bulk event notified %s, want sender", bulk[0].Notify)
	}
	if len(bulk[0].MessageIDs) != 3 {
		t.Fatalf("expected 3 coalesced ids, got %d", len(bulk[0].MessageIDs))
	}

	// Replaying the same bulk read succeeds for every id and emits nothing.
	before := len(pub.all())
	replay, err := core.MarkManyRead(ctx, ids[:3], recipient, "mobile", "")
	if err != nil {
		t.Fatalf("replay bulk read: %v", err)
	}
	if len(replay.Failed) != 0 {
		t.Fatalf("replay should not fail, got %+v", replay.Failed)
	}
	if len(pub.all()) != before {
		t.Fatal("replay must not emit events")
	}
}

func TestMarkManyReadRejectsNonRecipient(t *testing.T) {
	core, _, _ := setupCore(t)

	sender, senderKeys := provisionUser(t, core)
	recipient, _ := provisionUser(t, core)
	stranger := uuid.New()
	msg := createText(t, core, sender, senderKeys, recipient, "private")

	result, err := core.MarkManyRead(context.Background(), []uuid.UUID{msg.ID}, stranger, "mobile", "")
	if err != nil {
		t.Fatalf("bulk read: %v", err)
	}
	if len(result.Successful) != 0 || len(result.Failed) != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Failed[0].Reason != "not_recipient" {
		t.Fatalf("unexpected reason %q", result.Failed[0].Reason)
	}
}

func TestStatusViewAndDerivedTimings(t *testing.T) {
	core, _, _ := setupCore(t)
	ctx := context.Background()

	sender, senderKeys := provisionUser(t, core)
	recipient, _ := provisionUser(t, core)
	msg := createText(t, core, sender, senderKeys, recipient, "timed")

	info, err := core.Status(ctx, msg.ID, sender)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if info.DeliveryTime != nil || info.ReadTime != nil {
		t.Fatal("timings must be nil before delivery")
	}

	if _, err := core.Transition(ctx, msg.ID, service.ActionDelivered, recipient, nil); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if _, err := core.Transition(ctx, msg.ID, service.ActionRead, recipient, map[string]string{"deviceTag": "mobile"}); err != nil {
		t.Fatalf("read: %v", err)
	}

	info, err = core.Status(ctx, msg.ID, sender)
	if err != nil {
		t.Fatalf("status after read: %v", err)
	}
	if info.DeliveryTime == nil || info.ReadTime == nil {
		t.Fatal("timings missing after read")
	}
	if *info.ReadTime < *info.DeliveryTime {
		t.Fatal("read time cannot precede delivery time")
	}

	if _, err := core.Status(ctx, msg.ID, uuid.New()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("stranger should see not found, got %v", err)
	}
}

func TestConversationVisibility(t *testing.T) {
	core, _, _ := setupCore(t)
	ctx := context.Background()

	sender, senderKeys := provisionUser(t, core)
	recipient, _ := provisionUser(t, core)

	kept := createText(t, core, sender, senderKeys, recipient, "kept")
	hidden := createText(t, core, sender, senderKeys, recipient, "hidden for sender")
	retracted := createText(t, core, sender, senderKeys, recipient, "retracted")

	if _, err := core.DeleteMessage(ctx, hidden.ID, sender, domain.DeleteForMe); err != nil {
		t.Fatalf("delete for me: %v", err)
	}
	if _, err := core.DeleteMessage(ctx, retracted.ID, sender, domain.DeleteForEveryone); err != nil {
		t.Fatalf("delete for everyone: %v", err)
	}

	senderView, err := core.ConversationStatuses(ctx, sender, recipient, 0)
	if err != nil {
		t.Fatalf("sender view: %v", err)
	}
	if len(senderView) != 1 || senderView[0].MessageID != kept.ID {
		t.Fatalf("sender should see only the kept message: %+v", senderView)
	}

	recipientView, err := core.ConversationStatuses(ctx, recipient, sender, 0)
	if err != nil {
		t.Fatalf("recipient view: %v", err)
	}
	if len(recipientView) != 2 {
		t.Fatalf("recipient should see 2 messages, got %d", len(recipientView))
	}
	for _, info := range recipientView {
		if info.MessageID == retracted.ID {
			t.Fatal("retracted message leaked to recipient")
		}
	}
}

func TestUnreadCountThroughCore(t *testing.T) {
	core, _, _ := setupCore(t)
	ctx := context.Background()

	sender, senderKeys := provisionUser(t, core)
	recipient, _ := provisionUser(t, core)

	first := createText(t, core, sender, senderKeys, recipient, "one")
	createText(t, core, sender, senderKeys, recipient, "two")

	count, err := core.UnreadCount(ctx, recipient, "")
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 unread, got %d", count)
	}

	if _, err := core.Transition(ctx, first.ID, service.ActionRead, recipient, map[string]string{"deviceTag": "mobile"}); err != nil {
		t.Fatalf("read: %v", err)
	}
	count, err = core.UnreadCount(ctx, recipient, domain.ConversationID(sender, recipient))
	if err != nil {
		t.Fatalf("unread scoped: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 unread, got %d", count)
	}
}

func TestDeliveryReportAggregates(t *testing.T) {
	core, _, _ := setupCore(t)
	ctx := context.Background()

	sender, senderKeys := provisionUser(t, core)
	recipient, _ := provisionUser(t, core)

	delivered := createText(t, core, sender, senderKeys, recipient, "delivered")
	failed := createText(t, core, sender, senderKeys, recipient, "failed")
	createText(t, core, sender, senderKeys, recipient, "pending")

	if _, err := core.Transition(ctx, delivered.ID, service.ActionDelivered, recipient, nil); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if _, err := core.Transition(ctx, failed.ID, service.ActionFailed, sender, map[string]string{"reason": "timeout"}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	now := time.Now().UTC()
	report, err := core.GetDeliveryReport(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.TotalMessages != 3 {
		t.Fatalf("expected 3 messages, got %d", report.TotalMessages)
	}
	if report.Delivered != 1 || report.Failed != 1 {
		t.Fatalf("unexpected counts: %+v", report)
	}
	if report.TotalAttempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", report.TotalAttempts)
	}

	if _, err := core.GetDeliveryReport(ctx, now, now); !errors.Is(err, service.ErrInvalidRequest) {
		t.Fatalf("empty window should be invalid, got %v", err)
	}
}

func TestEditMessageReEncrypts(t *testing.T) {
	core, _, pub := setupCore(t)
	ctx := context.Background()

	sender, senderKeys := provisionUser(t, core)
	recipient, recipientKeys := provisionUser(t, core)
	msg := createText(t, core, sender, senderKeys, recipient, "draft")

	edited, err := core.EditMessage(ctx, msg.ID, sender, []byte("final"), senderKeys.Private[:])
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if !edited.IsEdited || len(edited.EditHistory) != 1 {
		t.Fatalf("edit bookkeeping wrong: edited=%v history=%d", edited.IsEdited, len(edited.EditHistory))
	}

	plaintext, err := crypto.DecryptFromSender(edited.Envelope(), senderKeys.Public, recipientKeys.Private)
	if err != nil {
		t.Fatalf("decrypt edited: %v", err)
	}
	if !bytes.Equal(plaintext, []byte("final")) {
		t.Fatalf("edited content %q", plaintext)
	}

	if got := pub.byAction(events.ActionEdited); len(got) != 1 || got[0].Notify != recipient {
		t.Fatalf("expected one edited event for recipient, got %+v", got)
	}

	if _, err := core.EditMessage(ctx, msg.ID, recipient, []byte("nope"), recipientKeys.Private[:]); !errors.Is(err, domain.ErrUnauthorizedTransition) {
		t.Fatalf("recipient edit should be rejected, got %v", err)
	}
}

func TestDeleteForEveryoneNotifiesOtherParty(t *testing.T) {
	core, _, pub := setupCore(t)
	ctx := context.Background()

	sender, senderKeys := provisionUser(t, core)
	recipient, _ := provisionUser(t, core)
	msg := createText(t, core, sender, senderKeys, recipient, "oops")

	if _, err := core.DeleteMessage(ctx, msg.ID, sender, domain.DeleteForEveryone); err != nil {
		t.Fatalf("retract: %v", err)
	}
	if got := pub.byAction(events.ActionDeleted); len(got) != 1 || got[0].Notify != recipient {
		t.Fatalf("expected one deleted event for recipient, got %+v", got)
	}

	if _, err := core.DeleteMessage(ctx, msg.ID, recipient, domain.DeleteForEveryone); err != nil {
		// Already retracted: the domain treats this as a no-op.
		t.Fatalf("retract replay: %v", err)
	}
}

func TestKeyProvisioningAndRotation(t *testing.T) {
	core, st, _ := setupCore(t)
	ctx := context.Background()

	user, kp := provisionUser(t, core)
	if kp.Version != 1 {
		t.Fatalf("expected version 1, got %d", kp.Version)
	}
	if _, err := core.ProvisionUserKeys(ctx, user); !errors.Is(err, service.ErrInvalidRequest) {
		t.Fatalf("double provision should fail, got %v", err)
	}

	due, err := core.KeyRotationDue(ctx, user)
	if err != nil {
		t.Fatalf("rotation due: %v", err)
	}
	if due {
		t.Fatal("fresh keys should not be due for rotation")
	}

	rotated, err := core.RotateUserKeys(ctx, user)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.Version != 2 {
		t.Fatalf("expected version 2, got %d", rotated.Version)
	}

	pub, err := st.Keys().PublicKey(ctx, user)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	if pub != rotated.Public {
		t.Fatal("store still serves the superseded public key")
	}
	if pub == kp.Public {
		t.Fatal("rotation did not change the public key")
	}

	if _, err := core.RotateUserKeys(ctx, uuid.New()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("rotating unknown user should be not found, got %v", err)
	}
}

func TestCreateMessageValidation(t *testing.T) {
	core, _, _ := setupCore(t)
	ctx := context.Background()

	sender, senderKeys := provisionUser(t, core)
	recipient, _ := provisionUser(t, core)

	_, err := core.CreateMessage(ctx, service.CreateInput{
		Sender:           sender,
		Recipient:        recipient,
		Type:             domain.TypeText,
		SenderPrivateKey: senderKeys.Private[:],
	})
	if !errors.Is(err, service.ErrInvalidRequest) {
		t.Fatalf("empty plaintext should be invalid, got %v", err)
	}

	_, err = core.CreateMessage(ctx, service.CreateInput{
		Sender:           sender,
		Recipient:        recipient,
		Type:             domain.TypeImage,
		Plaintext:        []byte("caption"),
		SenderPrivateKey: senderKeys.Private[:],
	})
	if !errors.Is(err, service.ErrInvalidRequest) {
		t.Fatalf("image without metadata should be invalid, got %v", err)
	}

	_, err = core.CreateMessage(ctx, service.CreateInput{
		Sender:           sender,
		Recipient:        uuid.New(),
		Type:             domain.TypeText,
		Plaintext:        []byte("hi"),
		SenderPrivateKey: senderKeys.Private[:],
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown recipient should be not found, got %v", err)
	}
}

func TestCreateLocationMessageEncryptsCoordinates(t *testing.T) {
	core, _, _ := setupCore(t)
	ctx := context.Background()

	sender, senderKeys := provisionUser(t, core)
	recipient, recipientKeys := provisionUser(t, core)

	coords := []byte(`{"lat":48.8584,"lon":2.2945}`)
	msg, err := core.CreateMessage(ctx, service.CreateInput{
		Sender:           sender,
		Recipient:        recipient,
		Type:             domain.TypeLocation,
		Plaintext:        []byte("meet here"),
		Location:         coords,
		SenderPrivateKey: senderKeys.Private[:],
	})
	if err != nil {
		t.Fatalf("create location message: %v", err)
	}
	if msg.Details.Location == nil {
		t.Fatal("location payload missing")
	}
	if bytes.Contains(msg.Details.Location.Coordinates.Ciphertext, []byte("48.8584")) {
		t.Fatal("coordinates stored in clear")
	}
	got, err := crypto.DecryptFromSender(msg.Details.Location.Coordinates, senderKeys.Public, recipientKeys.Private)
	if err != nil {
		t.Fatalf("decrypt coordinates: %v", err)
	}
	if !bytes.Equal(got, coords) {
		t.Fatalf("coordinates round trip: %q", got)
	}
}
