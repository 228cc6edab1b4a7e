package storage

import (
	"parley/internal/models"

	"go.etcd.io/bbolt"
)

// AddPushSubscription registers a web push endpoint for the profile. Registering the
// same endpoint again replaces its keys.
func (s *BboltStorage) AddPushSubscription(profileID string, sub models.PushSubscription) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPushSubscriptions)
		subs, err := loadSubscriptions(b, profileID)
		if err != nil {
			return err
		}
		entry := DBPushSubscription{Endpoint: sub.Endpoint, Auth: sub.Auth, P256dh: sub.P256dh}
		replaced := false
		for i := range subs.Subscriptions {
			if subs.Subscriptions[i].Endpoint == sub.Endpoint {
				subs.Subscriptions[i] = entry
				replaced = true
			}
		}
		if !replaced {
			subs.Subscriptions = append(subs.Subscriptions, entry)
		}
		return put(b, subs)
	})
	return storageErr(err)
}

// RemovePushSubscription forgets an endpoint, e.g. after the push service reported it gone.
func (s *BboltStorage) RemovePushSubscription(profileID, endpoint string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPushSubscriptions)
		subs, err := loadSubscriptions(b, profileID)
		if err != nil {
			return err
		}
		kept := subs.Subscriptions[:0]
		for _, sub := range subs.Subscriptions {
			if sub.Endpoint != endpoint {
				kept = append(kept, sub)
			}
		}
		subs.Subscriptions = kept
		if len(kept) == 0 {
			return b.Delete([]byte(profileID))
		}
		return put(b, subs)
	})
	return storageErr(err)
}

func (s *BboltStorage) PushSubscriptions(profileID string) ([]models.PushSubscription, error) {
	var result []models.PushSubscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		subs, err := loadSubscriptions(tx.Bucket(bucketPushSubscriptions), profileID)
		if err != nil {
			return err
		}
		for _, sub := range subs.Subscriptions {
			result = append(result, models.PushSubscription{Endpoint: sub.Endpoint, Auth: sub.Auth, P256dh: sub.P256dh})
		}
		return nil
	})
	if err != nil {
		return nil, storageErr(err)
	}
	return result, nil
}

func loadSubscriptions(b *bbolt.Bucket, profileID string) (*DBPushSubscriptions, error) {
	subs := &DBPushSubscriptions{ProfileID: profileID}
	if data := b.Get([]byte(profileID)); data != nil {
		if err := subs.UnmarshalBinary(data); err != nil {
			return nil, err
		}
	}
	return subs, nil
}
