package contact

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Group is a reference object for membership operations on one group
// contact. It holds no state beyond the group id; every operation reads and
// writes through the owning store.
type Group struct {
	store *Store
	id    uuid.UUID
}

// ID returns the group's contact id.
func (g *Group) ID() uuid.UUID {
	return g.id
}

// AddMember enrolls an existing person contact. It distinguishes a missing
// contact (ErrNotFound) from one that exists but is not a person
// (ErrUnsuitableMember). The returned flag is false when the contact was
// already a member.
func (g *Group) AddMember(memberID uuid.UUID) (bool, error) {
	member, err := g.store.Get(memberID)
	if err != nil {
		return false, err
	}
	if member.Kind != KindPerson {
		return false, fmt.Errorf("add member %s to group %s: %w", memberID, g.id, ErrUnsuitableMember)
	}
	return g.AddMemberUnchecked(memberID)
}

// AddMemberUnchecked inserts the membership pair without validating the
// member contact. Used when membership is re-derived from a trusted remote
// snapshot. Inserting an existing pair is a no-op reported as false.
func (g *Group) AddMemberUnchecked(memberID uuid.UUID) (bool, error) {
	res, err := g.store.db.Exec(
		`INSERT OR IGNORE INTO group_members (group_id, member_id) VALUES (?, ?)`,
		g.id.String(), memberID.String())
	if err != nil {
		return false, fmt.Errorf("add member %s to group %s: %w", memberID, g.id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("add member %s to group %s: %w", memberID, g.id, err)
	}
	return n > 0, nil
}

// RemoveMember deletes the membership pair. The returned flag is false when
// the contact was not a member.
func (g *Group) RemoveMember(memberID uuid.UUID) (bool, error) {
	res, err := g.store.db.Exec(
		`DELETE FROM group_members WHERE group_id = ? AND member_id = ?`,
		g.id.String(), memberID.String())
	if err != nil {
		return false, fmt.Errorf("remove member %s from group %s: %w", memberID, g.id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove member %s from group %s: %w", memberID, g.id, err)
	}
	return n > 0, nil
}

// RemoveAllMembers empties the group's membership relation.
func (g *Group) RemoveAllMembers() error {
	if _, err := g.store.db.Exec(
		`DELETE FROM group_members WHERE group_id = ?`, g.id.String()); err != nil {
		return fmt.Errorf("remove all members of group %s: %w", g.id, err)
	}
	return nil
}

// MemberIDs returns the ids of every member, sorted.
func (g *Group) MemberIDs() ([]uuid.UUID, error) {
	rows, err := g.store.db.Query(
		`SELECT member_id FROM group_members WHERE group_id = ? ORDER BY member_id`,
		g.id.String())
	if err != nil {
		return nil, fmt.Errorf("members of group %s: %w", g.id, err)
	}
	defer func() { _ = rows.Close() }()

	var ids []uuid.UUID
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, fmt.Errorf("scan member id: %w", err)
		}
		id, err := uuid.Parse(text)
		if err != nil {
			return nil, fmt.Errorf("parse member id %q: %w", text, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Members returns the member contacts, sorted by id. Members known only
// from a remote snapshot (no local contact row yet) are skipped.
func (g *Group) Members() ([]*Contact, error) {
	rows, err := g.store.db.Query(
		`SELECT c.id, c.creator_id, c.alias, c.avatar, c.description, c.extra, c.kind
		 FROM group_members m JOIN contacts c ON c.id = m.member_id
		 WHERE m.group_id = ? ORDER BY c.id`,
		g.id.String())
	if err != nil {
		return nil, fmt.Errorf("members of group %s: %w", g.id, err)
	}
	defer func() { _ = rows.Close() }()

	var members []*Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, c)
	}
	return members, rows.Err()
}

// IsMember reports whether the contact belongs to the group.
func (g *Group) IsMember(memberID uuid.UUID) (bool, error) {
	var n int
	err := g.store.db.QueryRow(
		`SELECT COUNT(*) FROM group_members WHERE group_id = ? AND member_id = ?`,
		g.id.String(), memberID.String()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("membership of %s in group %s: %w", memberID, g.id, err)
	}
	return n > 0, nil
}

// MemberCount returns the number of members.
func (g *Group) MemberCount() (int, error) {
	var n int
	err := g.store.db.QueryRow(
		`SELECT COUNT(*) FROM group_members WHERE group_id = ?`, g.id.String()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count members of group %s: %w", g.id, err)
	}
	return n, nil
}

// Update replaces the membership with a full snapshot, applying removals
// before additions inside one transaction. The returned diff contains only
// the changes actually applied, so a pair already present (or already
// absent) does not show up in it.
func (g *Group) Update(members []uuid.UUID) (Diff, error) {
	current, err := g.MemberIDs()
	if err != nil {
		return Diff{}, err
	}

	want := DiffMembers(current, members)
	applied := Diff{}

	err = g.store.db.WithTx(func(tx *sql.Tx) error {
		for _, id := range want.Removed {
			res, err := tx.Exec(
				`DELETE FROM group_members WHERE group_id = ? AND member_id = ?`,
				g.id.String(), id.String())
			if err != nil {
				return fmt.Errorf("remove member %s from group %s: %w", id, g.id, err)
			}
			if n, err := res.RowsAffected(); err == nil && n > 0 {
				applied.Removed = append(applied.Removed, id)
			}
		}
		for _, id := range want.Added {
			res, err := tx.Exec(
				`INSERT OR IGNORE INTO group_members (group_id, member_id) VALUES (?, ?)`,
				g.id.String(), id.String())
			if err != nil {
				return fmt.Errorf("add member %s to group %s: %w", id, g.id, err)
			}
			if n, err := res.RowsAffected(); err == nil && n > 0 {
				applied.Added = append(applied.Added, id)
			}
		}
		return nil
	})
	if err != nil {
		return Diff{}, err
	}

	if !applied.Empty() {
		logrus.WithFields(logrus.Fields{
			"function": "Update",
			"group_id": g.id.String(),
			"added":    len(applied.Added),
			"removed":  len(applied.Removed),
		}).Info("Group membership reconciled")
	}
	return applied, nil
}
