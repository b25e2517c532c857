package contact

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/opd-ai/chatcore/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	store, err := NewStore(db, storage.DefaultConfig())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return store
}

func newPerson(alias string) *Contact {
	id := uuid.New()
	return &Contact{ID: id, CreatorID: id, Alias: alias, Kind: KindPerson}
}

func TestStoreAddAndGet(t *testing.T) {
	store := newTestStore(t)

	p := newPerson("alice")
	p.Description = "hi there"
	p.Extra = `{"theme":"dark"}`
	p.Avatar = []byte{1, 2, 3}
	if err := store.Add(p); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	got, err := store.Get(p.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Alias != "alice" || got.Description != "hi there" || got.Extra != p.Extra {
		t.Errorf("fields lost: %+v", got)
	}
	if got.Kind != KindPerson {
		t.Errorf("kind = %v, want person", got.Kind)
	}
	if len(got.Avatar) != 3 {
		t.Errorf("avatar lost: %v", got.Avatar)
	}
}

func TestStoreAddDuplicate(t *testing.T) {
	store := newTestStore(t)

	p := newPerson("alice")
	if err := store.Add(p); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	err := store.Add(&Contact{ID: p.ID, Alias: "impostor", Kind: KindPerson})
	if !errors.Is(err, ErrDuplicateID) {
		t.Errorf("expected ErrDuplicateID, got %v", err)
	}

	// The original must be intact.
	got, err := store.Get(p.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Alias != "alice" {
		t.Errorf("duplicate add clobbered alias: %q", got.Alias)
	}
}

func TestStorePersonCreatorForcedToSelf(t *testing.T) {
	store := newTestStore(t)

	p := newPerson("alice")
	p.CreatorID = uuid.New()
	if err := store.Add(p); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	got, err := store.Get(p.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.CreatorID != got.ID {
		t.Errorf("person creator %s, want own id %s", got.CreatorID, got.ID)
	}
}

func TestStoreAddGroupEnrollsCreator(t *testing.T) {
	store := newTestStore(t)

	owner := newPerson("owner")
	if err := store.Add(owner); err != nil {
		t.Fatalf("Add owner failed: %v", err)
	}
	g := &Contact{ID: uuid.New(), CreatorID: owner.ID, Alias: "team", Kind: KindGroup}
	if err := store.Add(g); err != nil {
		t.Fatalf("Add group failed: %v", err)
	}

	group, err := store.Group(g.ID)
	if err != nil {
		t.Fatalf("Group failed: %v", err)
	}
	isMember, err := group.IsMember(owner.ID)
	if err != nil {
		t.Fatalf("IsMember failed: %v", err)
	}
	if !isMember {
		t.Error("creator not enrolled on group add")
	}
}

func TestStoreUpdate(t *testing.T) {
	store := newTestStore(t)

	p := newPerson("alice")
	if err := store.Add(p); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	p.Alias = "alice (work)"
	p.Description = "new status"
	if err := store.Update(p); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, err := store.Get(p.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Alias != "alice (work)" || got.Description != "new status" {
		t.Errorf("update lost: %+v", got)
	}

	if err := store.Update(newPerson("ghost")); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown contact, got %v", err)
	}
}

func TestStoreRemoveCascades(t *testing.T) {
	store := newTestStore(t)

	member := newPerson("member")
	if err := store.Add(member); err != nil {
		t.Fatalf("Add member failed: %v", err)
	}
	g := &Contact{ID: uuid.New(), CreatorID: member.ID, Alias: "team", Kind: KindGroup}
	if err := store.Add(g); err != nil {
		t.Fatalf("Add group failed: %v", err)
	}

	t.Run("removing person leaves its groups", func(t *testing.T) {
		if err := store.Remove(member.ID); err != nil {
			t.Fatalf("Remove failed: %v", err)
		}
		group, err := store.Group(g.ID)
		if err != nil {
			t.Fatalf("Group failed: %v", err)
		}
		n, err := group.MemberCount()
		if err != nil {
			t.Fatalf("MemberCount failed: %v", err)
		}
		if n != 0 {
			t.Errorf("membership rows survived person removal: %d", n)
		}
	})

	t.Run("removing group drops its membership", func(t *testing.T) {
		other := newPerson("other")
		if err := store.Add(other); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		group, err := store.Group(g.ID)
		if err != nil {
			t.Fatalf("Group failed: %v", err)
		}
		if _, err := group.AddMember(other.ID); err != nil {
			t.Fatalf("AddMember failed: %v", err)
		}
		if err := store.Remove(g.ID); err != nil {
			t.Fatalf("Remove failed: %v", err)
		}
		if _, err := store.Get(g.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("group still present: %v", err)
		}
		// The person contact itself must survive.
		if _, err := store.Get(other.ID); err != nil {
			t.Errorf("member contact lost with group: %v", err)
		}
	})

	if err := store.Remove(uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown contact, got %v", err)
	}
}

func TestStoreWindowedReads(t *testing.T) {
	cfg := storage.DefaultConfig()
	cfg.ContactWindowSize = 4

	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	store, err := NewStore(db, cfg)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	for i := 0; i < 10; i++ {
		if err := store.Add(newPerson(fmt.Sprintf("contact-%02d", i))); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	// Walk past the window size in both directions; order must follow ids.
	var prev uuid.UUID
	for i := 0; i < 10; i++ {
		c, err := store.At(i)
		if err != nil {
			t.Fatalf("At(%d) failed: %v", i, err)
		}
		if i > 0 && c.ID.String() <= prev.String() {
			t.Errorf("At(%d) out of order: %s after %s", i, c.ID, prev)
		}
		prev = c.ID
	}
	if _, err := store.At(10); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound past the end, got %v", err)
	}
	if _, err := store.At(-1); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for negative offset, got %v", err)
	}

	// A mutation drops the window; the next point read must see it.
	c, err := store.At(3)
	if err != nil {
		t.Fatalf("At(3) failed: %v", err)
	}
	c.Alias = "renamed"
	if err := store.Update(c); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, err := store.Get(c.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Alias != "renamed" {
		t.Errorf("stale read after mutation: %q", got.Alias)
	}
}

func TestStoreForEachAndCount(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 5; i++ {
		if err := store.Add(newPerson(fmt.Sprintf("c%d", i))); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	n, err := store.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 5 {
		t.Errorf("Count = %d, want 5", n)
	}

	seen := 0
	err = store.ForEach(func(c *Contact) error {
		seen++
		return nil
	})
	if err != nil {
		t.Fatalf("ForEach failed: %v", err)
	}
	if seen != 5 {
		t.Errorf("ForEach visited %d, want 5", seen)
	}

	stop := errors.New("stop")
	seen = 0
	err = store.ForEach(func(c *Contact) error {
		seen++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Errorf("ForEach swallowed callback error: %v", err)
	}
	if seen != 1 {
		t.Errorf("ForEach continued after error: visited %d", seen)
	}
}

func TestStoreSelf(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Self(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before initialization, got %v", err)
	}

	self := newPerson("me")
	if err := store.SetSelf(self); err != nil {
		t.Fatalf("SetSelf failed: %v", err)
	}
	got, err := store.Self()
	if err != nil {
		t.Fatalf("Self failed: %v", err)
	}
	if got.ID != self.ID || got.Alias != "me" {
		t.Errorf("self mismatch: %+v", got)
	}
	if got.Kind != KindPerson {
		t.Errorf("self kind = %v, want person", got.Kind)
	}

	// Self never shows up in the regular contact list.
	n, err := store.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 0 {
		t.Errorf("self leaked into contact list: count %d", n)
	}

	self.Alias = "me again"
	if err := store.SetSelf(self); err != nil {
		t.Fatalf("SetSelf update failed: %v", err)
	}
	got, err = store.Self()
	if err != nil {
		t.Fatalf("Self failed: %v", err)
	}
	if got.Alias != "me again" {
		t.Errorf("self update lost: %q", got.Alias)
	}
}

func TestStoreGroupLookup(t *testing.T) {
	store := newTestStore(t)

	p := newPerson("alice")
	if err := store.Add(p); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	if _, err := store.Group(p.ID); !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("person accepted as group: %v", err)
	}
	if _, err := store.Group(uuid.New()); !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("unknown id accepted as group: %v", err)
	}
}

func TestKindValidity(t *testing.T) {
	for _, k := range []Kind{KindPerson, KindGroup, KindChannel} {
		if !k.Valid() {
			t.Errorf("kind %v reported invalid", k)
		}
	}
	if Kind(0).Valid() || Kind(9).Valid() {
		t.Error("out-of-range kind reported valid")
	}

	if err := newTestStore(t).Add(&Contact{ID: uuid.New(), Kind: Kind(9)}); err == nil {
		t.Error("contact with invalid kind accepted")
	}
}
