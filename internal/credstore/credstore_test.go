package credstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jim.db")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRegisterAndCheck(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Register(ctx, "alice", []byte("hash")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ok, err := s.Check(ctx, "alice")
	if err != nil || !ok {
		t.Fatalf("Check(alice) = %v, %v; want true, nil", ok, err)
	}

	if err := s.Register(ctx, "alice", []byte("hash2")); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("Register duplicate = %v; want ErrAlreadyExists", err)
	}
}

func TestLoginRequiresRegistration(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Login(ctx, "nobody", "127.0.0.1", 1234, ""); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("Login(unregistered) = %v; want ErrNotRegistered", err)
	}
}

func TestLoginRecordsSessionAndHistory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Register(ctx, "alice", []byte("hash")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Login(ctx, "alice", "10.0.0.1", 5000, "pubkey-1"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	active, err := s.ActiveUsers(ctx)
	if err != nil {
		t.Fatalf("ActiveUsers: %v", err)
	}
	if len(active) != 1 || active[0].AccountName != "alice" {
		t.Fatalf("ActiveUsers = %+v; want one alice session", active)
	}

	history, err := s.LoginHistory(ctx, "alice")
	if err != nil {
		t.Fatalf("LoginHistory: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("LoginHistory = %+v; want 1 record", history)
	}

	key, present, err := s.PublicKeyOf(ctx, "alice")
	if err != nil || !present || key != "pubkey-1" {
		t.Fatalf("PublicKeyOf = %q, %v, %v; want pubkey-1, true, nil", key, present, err)
	}
}

func TestLoginTruncatesOnRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jim.db")

	s1, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s1.Register(ctx, "alice", []byte("hash")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s1.Login(ctx, "alice", "127.0.0.1", 1, ""); err != nil {
		t.Fatalf("Login: %v", err)
	}
	s1.Close()

	s2, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	active, err := s2.ActiveUsers(ctx)
	if err != nil {
		t.Fatalf("ActiveUsers: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("ActiveUsers after restart = %+v; want empty (§8 active-sessions-resets)", active)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Register(ctx, "alice", []byte("hash")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Logout(ctx, "alice"); err != nil {
		t.Fatalf("Logout on never-logged-in account: %v", err)
	}
	if err := s.Login(ctx, "alice", "127.0.0.1", 1, ""); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := s.Logout(ctx, "alice"); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if err := s.Logout(ctx, "alice"); err != nil {
		t.Fatalf("second Logout: %v", err)
	}
}

func TestAddContactIdempotentAndNoSelfContact(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, name := range []string{"alice", "bob"} {
		if err := s.Register(ctx, name, []byte("hash")); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}

	if err := s.AddContact(ctx, "alice", "bob"); err != nil {
		t.Fatalf("AddContact: %v", err)
	}
	if err := s.AddContact(ctx, "alice", "bob"); err != nil {
		t.Fatalf("AddContact (duplicate): %v", err)
	}
	if err := s.AddContact(ctx, "alice", "alice"); err != nil {
		t.Fatalf("AddContact (self): %v", err)
	}
	if err := s.AddContact(ctx, "alice", "charlie"); err != nil {
		t.Fatalf("AddContact (absent target, must silently no-op): %v", err)
	}

	contacts, err := s.ContactsOf(ctx, "alice")
	if err != nil {
		t.Fatalf("ContactsOf: %v", err)
	}
	if diff := cmp.Diff([]string{"bob"}, contacts); diff != "" {
		t.Fatalf("ContactsOf(alice) mismatch (-want +got):\n%s", diff)
	}
}

func TestRemoveContactIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, name := range []string{"alice", "bob"} {
		if err := s.Register(ctx, name, []byte("hash")); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}
	if err := s.AddContact(ctx, "alice", "bob"); err != nil {
		t.Fatalf("AddContact: %v", err)
	}
	if err := s.RemoveContact(ctx, "alice", "bob"); err != nil {
		t.Fatalf("RemoveContact: %v", err)
	}
	if err := s.RemoveContact(ctx, "alice", "bob"); err != nil {
		t.Fatalf("RemoveContact (already gone): %v", err)
	}

	contacts, err := s.ContactsOf(ctx, "alice")
	if err != nil {
		t.Fatalf("ContactsOf: %v", err)
	}
	if len(contacts) != 0 {
		t.Fatalf("ContactsOf(alice) = %v; want empty", contacts)
	}
}

func TestCountMessageIncrementsBothSides(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, name := range []string{"alice", "bob"} {
		if err := s.Register(ctx, name, []byte("hash")); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}

	if err := s.CountMessage(ctx, "alice", "bob"); err != nil {
		t.Fatalf("CountMessage: %v", err)
	}

	rows, err := s.MessageHistory(ctx)
	if err != nil {
		t.Fatalf("MessageHistory: %v", err)
	}
	got := map[string]Account{}
	for _, r := range rows {
		got[r.Name] = r
	}
	if got["alice"].Sent != 1 || got["alice"].Received != 0 {
		t.Fatalf("alice stats = %+v; want sent=1 received=0", got["alice"])
	}
	if got["bob"].Sent != 0 || got["bob"].Received != 1 {
		t.Fatalf("bob stats = %+v; want sent=0 received=1", got["bob"])
	}
}

func TestDeleteCascades(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, name := range []string{"alice", "bob"} {
		if err := s.Register(ctx, name, []byte("hash")); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}
	if err := s.AddContact(ctx, "bob", "alice"); err != nil {
		t.Fatalf("AddContact: %v", err)
	}
	if err := s.Login(ctx, "alice", "127.0.0.1", 1, ""); err != nil {
		t.Fatalf("Login: %v", err)
	}

	if err := s.Delete(ctx, "alice"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	ok, err := s.Check(ctx, "alice")
	if err != nil || ok {
		t.Fatalf("Check(alice) after delete = %v, %v; want false, nil", ok, err)
	}
	contacts, err := s.ContactsOf(ctx, "bob")
	if err != nil {
		t.Fatalf("ContactsOf(bob): %v", err)
	}
	if len(contacts) != 0 {
		t.Fatalf("ContactsOf(bob) after deleting alice = %v; want empty", contacts)
	}
}
