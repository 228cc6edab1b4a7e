package storage

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"parley/internal/models"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// CreateGroup stores a new group with the given initial members.
func (s *BboltStorage) CreateGroup(name string, members []string) (models.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Group{}, fmt.Errorf("%w: group name is required", models.ErrValidation)
	}
	for _, id := range members {
		if err := models.ValidateID(id); err != nil {
			return models.Group{}, err
		}
	}

	var group models.Group
	err := s.db.Update(func(tx *bbolt.Tx) error {
		now, seq, err := s.joinPosition(tx)
		if err != nil {
			return err
		}
		dbGroup := &DBGroup{
			ID:      uuid.NewString(),
			Name:    name,
			Members: make(map[string]int64, len(members)),
		}
		for _, id := range members {
			dbGroup.Members[id] = now
			if err := ensureGroupMembership(tx, id, dbGroup.ID, now, seq); err != nil {
				return err
			}
		}
		if err := put(tx.Bucket(bucketGroups), dbGroup); err != nil {
			return err
		}
		group = dbGroup.toModel()
		return nil
	})
	if err != nil {
		return models.Group{}, storageErr(err)
	}
	return group, nil
}

// AddMember adds profileID to the group. Adding an existing member keeps the
// original join time.
func (s *BboltStorage) AddMember(groupID, profileID string) (models.Group, error) {
	if err := models.ValidateID(profileID); err != nil {
		return models.Group{}, err
	}
	var group models.Group
	err := s.db.Update(func(tx *bbolt.Tx) error {
		dbGroup, err := loadGroup(tx, groupID)
		if err != nil {
			return err
		}
		if _, ok := dbGroup.Members[profileID]; !ok {
			now, seq, err := s.joinPosition(tx)
			if err != nil {
				return err
			}
			dbGroup.Members[profileID] = now
			if err := ensureGroupMembership(tx, profileID, groupID, now, seq); err != nil {
				return err
			}
			if err := put(tx.Bucket(bucketGroups), dbGroup); err != nil {
				return err
			}
		}
		group = dbGroup.toModel()
		return nil
	})
	if err != nil {
		return models.Group{}, storageErr(err)
	}
	return group, nil
}

// RemoveMember removes profileID from the group. Messages already sent stay.
func (s *BboltStorage) RemoveMember(groupID, profileID string) (models.Group, error) {
	var group models.Group
	err := s.db.Update(func(tx *bbolt.Tx) error {
		dbGroup, err := loadGroup(tx, groupID)
		if err != nil {
			return err
		}
		if _, ok := dbGroup.Members[profileID]; ok {
			delete(dbGroup.Members, profileID)
			if pg := tx.Bucket(bucketProfileGroups).Bucket([]byte(profileID)); pg != nil {
				if err := pg.Delete([]byte(groupID)); err != nil {
					return err
				}
			}
			if err := put(tx.Bucket(bucketGroups), dbGroup); err != nil {
				return err
			}
		}
		group = dbGroup.toModel()
		return nil
	})
	if err != nil {
		return models.Group{}, storageErr(err)
	}
	return group, nil
}

func (s *BboltStorage) GetGroup(groupID string) (models.Group, error) {
	var group models.Group
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbGroup, err := loadGroup(tx, groupID)
		if err != nil {
			return err
		}
		group = dbGroup.toModel()
		return nil
	})
	return group, storageErr(err)
}

// MembersOf returns the sorted member ids of a group.
func (s *BboltStorage) MembersOf(groupID string) ([]string, error) {
	group, err := s.GetGroup(groupID)
	if err != nil {
		return nil, err
	}
	members := make([]string, 0, len(group.Members))
	for id := range group.Members {
		members = append(members, id)
	}
	sort.Strings(members)
	return members, nil
}

// Memberships lists every conversation profileID takes part in: direct
// conversations with at least one message and all groups the profile belongs to.
func (s *BboltStorage) Memberships(profileID string) ([]models.Membership, error) {
	var memberships []models.Membership
	err := s.db.View(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketProfileConversations, bucketProfileGroups} {
			b := tx.Bucket(name).Bucket([]byte(profileID))
			if b == nil {
				continue
			}
			err := b.ForEach(func(k, v []byte) error {
				var m DBMembership
				if err := m.UnmarshalBinary(v); err != nil {
					return err
				}
				memberships = append(memberships, models.Membership{
					ConversationKey: models.ConversationKey(m.ConversationKey),
					JoinedAt:        m.JoinedAt,
					JoinSeq:         m.JoinSeq,
				})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, storageErr(err)
	}
	return memberships, nil
}

// Counterparts returns every other profile that shares a conversation with profileID.
func (s *BboltStorage) Counterparts(profileID string) ([]string, error) {
	seen := make(map[string]struct{})
	err := s.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(bucketProfileConversations).Bucket([]byte(profileID)); b != nil {
			err := b.ForEach(func(k, v []byte) error {
				parsed, err := models.ConversationKey(k).Parse()
				if err != nil {
					return err
				}
				seen[parsed.Counterpart(profileID)] = struct{}{}
				return nil
			})
			if err != nil {
				return err
			}
		}
		if b := tx.Bucket(bucketProfileGroups).Bucket([]byte(profileID)); b != nil {
			err := b.ForEach(func(k, v []byte) error {
				var m DBMembership
				if err := m.UnmarshalBinary(v); err != nil {
					return err
				}
				parsed, err := models.ConversationKey(m.ConversationKey).Parse()
				if err != nil {
					return err
				}
				group, err := loadGroup(tx, parsed.GroupID)
				if err != nil {
					return err
				}
				for id := range group.Members {
					seen[id] = struct{}{}
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, storageErr(err)
	}

	delete(seen, profileID)
	result := make([]string, 0, len(seen))
	for id := range seen {
		result = append(result, id)
	}
	sort.Strings(result)
	return result, nil
}

// Summary returns the newest message of a conversation and the number of messages
// from other profiles that profileID has not read yet. Without a read marker,
// messages appended after the membership was created count as unread.
func (s *BboltStorage) Summary(profileID string, m models.Membership) (*models.Message, int, error) {
	key := m.ConversationKey
	var (
		latest *models.Message
		unread int
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		conv := tx.Bucket(bucketMessages).Bucket([]byte(key))
		if conv == nil {
			return nil
		}

		floor := orderKey(m.JoinedAt, m.JoinSeq)
		if markers := tx.Bucket(bucketReadMarkers).Bucket([]byte(key)); markers != nil {
			if data := markers.Get([]byte(profileID)); data != nil {
				var marker DBReadMarker
				if err := marker.UnmarshalBinary(data); err != nil {
					return err
				}
				if mk := orderKey(marker.SentAt, marker.Seq); bytes.Compare(mk, floor) > 0 {
					floor = mk
				}
			}
		}

		c := conv.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			read := bytes.Compare(k, floor) <= 0
			if read && latest != nil {
				break
			}
			var dbMessage DBMessage
			if err := dbMessage.UnmarshalBinary(v); err != nil {
				return err
			}
			if latest == nil {
				m := dbMessage.toModel()
				latest = &m
			}
			if read {
				break
			}
			if dbMessage.SenderID != profileID && !dbMessage.IsDeleted {
				unread++
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, storageErr(err)
	}
	return latest, unread, nil
}

func loadGroup(tx *bbolt.Tx, groupID string) (*DBGroup, error) {
	data := tx.Bucket(bucketGroups).Get([]byte(groupID))
	if data == nil {
		return nil, fmt.Errorf("%w: group %s", models.ErrNotFound, groupID)
	}
	var g DBGroup
	if err := g.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	if g.Members == nil {
		g.Members = make(map[string]int64)
	}
	return &g, nil
}

func ensureMembership(tx *bbolt.Tx, profileID, key string, joinedAt int64) error {
	b, err := tx.Bucket(bucketProfileConversations).CreateBucketIfNotExists([]byte(profileID))
	if err != nil {
		return err
	}
	if b.Get([]byte(key)) != nil {
		return nil
	}
	return put(b, &DBMembership{ConversationKey: key, JoinedAt: joinedAt})
}

func ensureGroupMembership(tx *bbolt.Tx, profileID, groupID string, joinedAt int64, joinSeq uint64) error {
	b, err := tx.Bucket(bucketProfileGroups).CreateBucketIfNotExists([]byte(profileID))
	if err != nil {
		return err
	}
	// Keyed by group id; the stored record carries the conversation key.
	m := &DBMembership{ConversationKey: string(models.GroupKey(groupID)), JoinedAt: joinedAt, JoinSeq: joinSeq}
	data, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put([]byte(groupID), data)
}

// joinPosition returns the order key position of "now" for a new member: the
// message clock and the last assigned sequence. Messages appended later sort after it.
func (s *BboltStorage) joinPosition(tx *bbolt.Tx) (int64, uint64, error) {
	at, err := s.nextSentAt(tx)
	if err != nil {
		return 0, 0, err
	}
	return at, tx.Bucket(bucketMessages).Sequence(), nil
}
